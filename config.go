package tbus

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgtbus/tbus/internal/fanout"
	"github.com/pgtbus/tbus/internal/maintenance"
	"github.com/pgtbus/tbus/internal/taskworker"
	"github.com/pgtbus/tbus/internal/util/valutil"
)

// Defaults for the task configuration applied when neither a definition nor
// a per-send override sets a field.
const (
	DefaultRetryLimit        = 3
	DefaultRetryDelaySeconds = 5
	DefaultExpireInSeconds   = 300
	DefaultKeepInSeconds     = 7 * 24 * 60 * 60
	DefaultRetentionDays     = 30

	// SchemaDefault is the Postgres schema the bus lives in. Changing the
	// schema of an existing deployment is destructive: the new schema starts
	// empty.
	SchemaDefault = "tbus"

	// MaintenanceQueue is reserved for internal use and rejected as a user
	// queue name.
	MaintenanceQueue = "__maintenance__"
)

var schemaRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// WorkerConfig tunes the task worker.
type WorkerConfig struct {
	// Concurrency is the maximum number of in-flight task handlers per
	// process. Defaults to 25.
	Concurrency int

	// Interval is the fallback poll cadence. Defaults to 1500ms.
	Interval time.Duration

	// RefillFactor is the in-flight fraction below which the worker
	// refetches early. Defaults to 0.33.
	RefillFactor float64
}

// Config configures a Bus.
type Config struct {
	// Queue is the logical channel this process consumes tasks from.
	// Required.
	Queue string

	// Schema is the Postgres schema holding the bus tables. Defaults to
	// "tbus".
	Schema string

	// DatabaseURL is the Postgres connection string. The bus constructs and
	// owns a pool from it unless Pool is set.
	DatabaseURL string

	// Pool is an externally constructed connection pool. When set, the bus
	// uses it and never closes it.
	Pool *pgxpool.Pool

	// Logger is a structured logger. Defaults to slog's default logger.
	Logger *slog.Logger

	// RetentionInDays is the default expire_at horizon for published events.
	// Defaults to 30.
	RetentionInDays int

	// KeepInSeconds is the default keep_until offset for archived tasks.
	// Defaults to 7 days.
	KeepInSeconds int

	// Worker tunes the task worker.
	Worker WorkerConfig

	// EventsFetchSize is the fanout batch size. Defaults to 200.
	EventsFetchSize int

	// ExpireIntervalInSec is the cadence of the stuck-task expiry loop.
	// Defaults to 30.
	ExpireIntervalInSec int

	// CleanUpIntervalInSec is the cadence of the retention cleanup loop.
	// Defaults to 300.
	CleanUpIntervalInSec int
}

func (c *Config) withDefaults() *Config {
	out := *c
	out.Schema = valutil.ValOrDefault(out.Schema, SchemaDefault)
	out.RetentionInDays = valutil.ValOrDefault(out.RetentionInDays, DefaultRetentionDays)
	out.KeepInSeconds = valutil.ValOrDefault(out.KeepInSeconds, DefaultKeepInSeconds)
	out.Worker.Concurrency = valutil.ValOrDefault(out.Worker.Concurrency, taskworker.ConcurrencyDefault)
	out.Worker.Interval = valutil.ValOrDefault(out.Worker.Interval, taskworker.PollIntervalDefault)
	out.Worker.RefillFactor = valutil.ValOrDefault(out.Worker.RefillFactor, taskworker.RefillFactorDefault)
	out.EventsFetchSize = valutil.ValOrDefault(out.EventsFetchSize, fanout.FetchSizeDefault)
	out.ExpireIntervalInSec = valutil.ValOrDefault(out.ExpireIntervalInSec, int(maintenance.TaskExpirerIntervalDefault/time.Second))
	out.CleanUpIntervalInSec = valutil.ValOrDefault(out.CleanUpIntervalInSec, int(maintenance.CleanerIntervalDefault/time.Second))
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

func (c *Config) validate() error {
	if c.Queue == "" {
		return errors.New("config: Queue is required")
	}
	if c.Queue == MaintenanceQueue {
		return fmt.Errorf("config: queue name %s is reserved", MaintenanceQueue)
	}
	if !schemaRegexp.MatchString(c.Schema) {
		return fmt.Errorf("config: invalid schema name %q", c.Schema)
	}
	if c.DatabaseURL == "" && c.Pool == nil {
		return errors.New("config: one of DatabaseURL or Pool is required")
	}
	if c.Worker.RefillFactor <= 0 || c.Worker.RefillFactor > 1 {
		return errors.New("config: Worker.RefillFactor must be in (0, 1]")
	}
	return nil
}
