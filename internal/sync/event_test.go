package sync

import (
	"errors"
	"testing"
	"time"
)

func TestNewEvent_Validation(t *testing.T) {
	now := time.Now()
	payload := map[string]any{"id": float64(1), "username": "alice"}

	tests := []struct {
		name       string
		eventID    string
		entityType string
		op         Operation
		primaryKey string
		prov       Provenance
		wantErr    bool
	}{
		{
			name:       "valid create from A",
			eventID:    "evt-1",
			entityType: "users",
			op:         OpCreate,
			primaryKey: "1",
			prov:       ProvenanceSystemA,
		},
		{
			name:       "valid delete from B",
			eventID:    "evt-2",
			entityType: "posts",
			op:         OpDelete,
			primaryKey: "9",
			prov:       ProvenanceSystemB,
		},
		{
			name:       "engine provenance is a valid tag",
			eventID:    "evt-3",
			entityType: "users",
			op:         OpUpdate,
			primaryKey: "4",
			prov:       ProvenanceEngine,
		},
		{
			name:       "empty event id",
			entityType: "users",
			op:         OpCreate,
			primaryKey: "1",
			prov:       ProvenanceSystemA,
			wantErr:    true,
		},
		{
			name:       "empty entity type",
			eventID:    "evt-4",
			op:         OpCreate,
			primaryKey: "1",
			prov:       ProvenanceSystemA,
			wantErr:    true,
		},
		{
			name:       "empty primary key",
			eventID:    "evt-5",
			entityType: "users",
			op:         OpCreate,
			prov:       ProvenanceSystemA,
			wantErr:    true,
		},
		{
			name:       "unknown operation",
			eventID:    "evt-6",
			entityType: "users",
			op:         Operation("UPSERT"),
			primaryKey: "1",
			prov:       ProvenanceSystemA,
			wantErr:    true,
		},
		{
			name:       "unknown provenance",
			eventID:    "evt-7",
			entityType: "users",
			op:         OpCreate,
			primaryKey: "1",
			prov:       Provenance("C"),
			wantErr:    true,
		},
		{
			name:       "empty provenance",
			eventID:    "evt-8",
			entityType: "users",
			op:         OpCreate,
			primaryKey: "1",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := NewEvent(tt.eventID, tt.entityType, tt.op, tt.primaryKey, payload, tt.prov, "1", now)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var malformed *MalformedEventError
				if !errors.As(err, &malformed) {
					t.Errorf("expected MalformedEventError, got %T", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.EventID != tt.eventID {
				t.Errorf("event id = %q, want %q", ev.EventID, tt.eventID)
			}
			if ev.Operation != tt.op {
				t.Errorf("operation = %q, want %q", ev.Operation, tt.op)
			}
			if !ev.OccurredAt.Equal(now) {
				t.Errorf("occurred at = %v, want %v", ev.OccurredAt, now)
			}
		})
	}
}

func TestProvenance_Valid(t *testing.T) {
	valid := []Provenance{ProvenanceSystemA, ProvenanceSystemB, ProvenanceEngine}
	for _, p := range valid {
		if !p.Valid() {
			t.Errorf("%q should be valid", p)
		}
	}

	invalid := []Provenance{"", "a", "engine", "SYNC_ENGINE", "C"}
	for _, p := range invalid {
		if p.Valid() {
			t.Errorf("%q should not be valid", p)
		}
	}
}
