// Package hashutil derives the 64-bit keys used with Postgres advisory lock
// functions like pg_advisory_xact_lock.
package hashutil

import (
	"crypto/md5"
	"encoding/binary"
)

// SchemaAdvisoryLockKey derives the advisory lock key that serializes schema
// migrations for a given database and schema. The key is the leading 64 bits
// of md5(database || ".tb." || schema) so that independent schemas in the
// same database never contend on each other's migrations.
func SchemaAdvisoryLockKey(database, schema string) int64 {
	sum := md5.Sum([]byte(database + ".tb." + schema)) //nolint:gosec
	return int64(binary.BigEndian.Uint64(sum[:8]))     //nolint:gosec
}
