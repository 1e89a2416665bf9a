// Package idgen mints the string identifiers used across the ingest
// services: dataset uuids, upload session ids, and the prefixed record ids
// of the observability trail. Everything is UUIDv7 underneath, so ids sort
// by creation time in the catalog and the observability tables.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings,
// time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every id.
// Used for type-scoped identifiers ("ses_", "evt_", "hb_", "hrl_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the UUIDv7 generator.
var Default Generator = UUIDv7()

// New produces an id using the Default generator.
func New() string {
	return Default()
}
