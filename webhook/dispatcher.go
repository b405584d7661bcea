package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgtbus/tbus"
)

// DispatcherConfig configures the outbound side of the webhook transport.
type DispatcherConfig struct {
	// URL is the external dispatcher endpoint tasks and events are POSTed
	// to. Required.
	URL string

	// SigningSecret, when set, signs every outbound body with HMAC-SHA-256
	// in the x-body-signature header.
	SigningSecret string

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
}

// Dispatcher submits tasks and events to an external dispatcher service.
// It's the outbound counterpart of the Handler: a bus front-ended by
// webhooks publishes through a Dispatcher instead of the database.
type Dispatcher struct {
	client *http.Client
	config *DispatcherConfig
}

func NewDispatcher(config *DispatcherConfig) (*Dispatcher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook: DispatcherConfig.URL is required")
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{client: client, config: config}, nil
}

// submitConcurrency caps in-flight requests when fanning a batch out to the
// dispatcher.
const submitConcurrency = 8

// SubmitTasks delivers tasks to the dispatcher, one request per task in the
// same {"t":true,"b":...} envelope the Handler accepts.
func (d *Dispatcher) SubmitTasks(ctx context.Context, tasks []*tbus.RemoteTask) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(submitConcurrency)

	for _, task := range tasks {
		group.Go(func() error {
			if err := d.post(ctx, incomingBody{Task: true, Body: mustMarshal(wireTaskFromRemote(task))}); err != nil {
				return fmt.Errorf("submitting task %s: %w", task.TaskName, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// SubmitEvents delivers events to the dispatcher in the {"e":true,"b":...}
// envelope.
func (d *Dispatcher) SubmitEvents(ctx context.Context, events []*tbus.RemoteEvent) error {
	for _, event := range events {
		if err := d.post(ctx, incomingBody{Event: true, Body: mustMarshal(wireEventFromRemote(event))}); err != nil {
			return fmt.Errorf("submitting event %s: %w", event.Name, err)
		}
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, envelope incomingBody) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.config.SigningSecret != "" {
		req.Header.Set(SignatureHeader, Sign(d.config.SigningSecret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatcher responded %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

func mustMarshal(value any) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		panic(err) // wire structs always marshal
	}
	return data
}
