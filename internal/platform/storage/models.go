package storage

import (
	"time"
)

// ProcessedEvent is one durable row per successfully handled event id.
// Insertion is append-only; a second insert with the same key is the
// already-processed signal, not an error.
type ProcessedEvent struct {
	EventID         string    `db:"event_id"`
	EntityType      string    `db:"entity_type"`
	Operation       string    `db:"operation"`
	Provenance      string    `db:"provenance"`
	PrimaryKey      string    `db:"primary_key"`
	PayloadSnapshot []byte    `db:"payload_snapshot"` // JSONB audit copy
	ProcessedAt     time.Time `db:"processed_at"`
}

// EntityMapping links one record's identity across the two systems.
// Rows are upserted on first successful cross-write and never deleted
// automatically.
type EntityMapping struct {
	ID         int64     `db:"id"`
	EntityType string    `db:"entity_type"`
	AID        int64     `db:"a_id"`
	BID        int64     `db:"b_id"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}
