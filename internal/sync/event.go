// Package sync defines the canonical change-event model shared by every
// stage of the synchronization engine, the loop-prevention guard, and the
// error taxonomy used for retry classification.
package sync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of row mutation an event describes.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Provenance identifies the actor that last wrote a record. It is a closed
// three-value enumeration; construction-time validation keeps any other
// value out of the pipeline.
type Provenance string

const (
	ProvenanceSystemA Provenance = "A"
	ProvenanceSystemB Provenance = "B"
	ProvenanceEngine  Provenance = "sync_engine"
)

// Valid reports whether p is one of the three known provenance tags.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceSystemA, ProvenanceSystemB, ProvenanceEngine:
		return true
	}
	return false
}

// Event is the canonical unit of work. One Event is created per inbound
// transport message, is immutable after construction, and is discarded once
// the pipeline step reaches a terminal state.
type Event struct {
	EventID       string         `json:"event_id"`
	EntityType    string         `json:"entity_type"`
	Operation     Operation      `json:"operation"`
	PrimaryKey    string         `json:"primary_key"`
	Payload       map[string]any `json:"payload"`
	Provenance    Provenance     `json:"provenance"`
	SchemaVersion string         `json:"schema_version,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// NewEvent validates the required fields and returns the assembled event.
// EntityType, PrimaryKey, and Provenance must be non-empty, Operation must
// be one of the three known values, and Provenance must be a known tag.
func NewEvent(eventID, entityType string, op Operation, primaryKey string, payload map[string]any, prov Provenance, schemaVersion string, occurredAt time.Time) (*Event, error) {
	if eventID == "" {
		return nil, &MalformedEventError{Reason: "empty event id"}
	}
	if entityType == "" {
		return nil, &MalformedEventError{Reason: "empty entity type"}
	}
	if primaryKey == "" {
		return nil, &MalformedEventError{Reason: "empty primary key"}
	}
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, &MalformedEventError{Reason: fmt.Sprintf("unknown operation %q", op)}
	}
	if !prov.Valid() {
		return nil, &MalformedEventError{Reason: fmt.Sprintf("unknown provenance %q", prov)}
	}

	return &Event{
		EventID:       eventID,
		EntityType:    entityType,
		Operation:     op,
		PrimaryKey:    primaryKey,
		Payload:       payload,
		Provenance:    prov,
		SchemaVersion: schemaVersion,
		OccurredAt:    occurredAt,
	}, nil
}

// MarshalPayload serializes the event payload for the ledger audit snapshot.
func (e *Event) MarshalPayload() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
