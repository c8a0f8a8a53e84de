package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	synce "github.com/relaystack/duplex/internal/sync"
)

func TestMappingColumns(t *testing.T) {
	tests := []struct {
		source     synce.Provenance
		wantSource string
		wantTarget string
		wantErr    bool
	}{
		{synce.ProvenanceSystemA, "a_id", "b_id", false},
		{synce.ProvenanceSystemB, "b_id", "a_id", false},
		{synce.ProvenanceEngine, "", "", true},
		{synce.Provenance(""), "", "", true},
	}

	for _, tt := range tests {
		src, dst, err := mappingColumns(tt.source)
		if tt.wantErr {
			if err == nil {
				t.Errorf("mappingColumns(%q): expected error", tt.source)
			}
			continue
		}
		if err != nil {
			t.Errorf("mappingColumns(%q): unexpected error %v", tt.source, err)
			continue
		}
		if src != tt.wantSource || dst != tt.wantTarget {
			t.Errorf("mappingColumns(%q) = (%q, %q), want (%q, %q)",
				tt.source, src, dst, tt.wantSource, tt.wantTarget)
		}
	}
}

func setupLedger(t *testing.T) (*DB, *Ledger) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	cfg := DefaultConfig()

	db, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("Cannot connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	return db, NewLedger(db)
}

func testLedgerEvent(t *testing.T) *synce.Event {
	t.Helper()
	ev, err := synce.NewEvent(uuid.New().String(), "users", synce.OpCreate, "1",
		map[string]any{"id": float64(1), "username": "alice", "source": "A"},
		synce.ProvenanceSystemA, "1", time.Now().UTC())
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func TestLedger_MarkAndIsProcessed(t *testing.T) {
	db, ledger := setupLedger(t)
	ctx := context.Background()
	ev := testLedgerEvent(t)

	done, err := ledger.IsProcessed(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if done {
		t.Fatal("fresh event id must not be processed")
	}

	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		return ledger.MarkProcessed(ctx, tx, ev, "11")
	})
	if err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	done, err = ledger.IsProcessed(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if !done {
		t.Fatal("marked event must read back processed")
	}

	// Replaying the same event id is a no-op, not an error.
	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		return ledger.MarkProcessed(ctx, tx, ev, "11")
	})
	if err != nil {
		t.Fatalf("replayed MarkProcessed failed: %v", err)
	}

	rec, err := ledger.GetProcessed(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("GetProcessed failed: %v", err)
	}
	if rec == nil {
		t.Fatal("ledger row not found after mark")
	}
	if rec.PrimaryKey != "11" {
		t.Errorf("written primary key = %q, want 11", rec.PrimaryKey)
	}
	if rec.Provenance != string(synce.ProvenanceSystemA) {
		t.Errorf("provenance = %q, want A", rec.Provenance)
	}
}

func TestLedger_MappingRoundTrip(t *testing.T) {
	db, ledger := setupLedger(t)
	ctx := context.Background()

	entity := "users_" + uuid.New().String()[:8]

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		return ledger.UpsertMapping(ctx, tx, entity, synce.ProvenanceSystemA, 7, 70)
	})
	if err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	bID, found, err := ledger.LookupMappedID(ctx, entity, synce.ProvenanceSystemA, 7)
	if err != nil {
		t.Fatalf("LookupMappedID failed: %v", err)
	}
	if !found || bID != 70 {
		t.Fatalf("A-to-B lookup = (%d, %v), want (70, true)", bID, found)
	}

	aID, found, err := ledger.LookupMappedID(ctx, entity, synce.ProvenanceSystemB, 70)
	if err != nil {
		t.Fatalf("LookupMappedID failed: %v", err)
	}
	if !found || aID != 7 {
		t.Fatalf("B-to-A lookup = (%d, %v), want (7, true)", aID, found)
	}

	// Re-upserting from A with a new target id overwrites the B side.
	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		return ledger.UpsertMapping(ctx, tx, entity, synce.ProvenanceSystemA, 7, 71)
	})
	if err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	bID, found, err = ledger.LookupMappedID(ctx, entity, synce.ProvenanceSystemA, 7)
	if err != nil {
		t.Fatalf("LookupMappedID failed: %v", err)
	}
	if !found || bID != 71 {
		t.Fatalf("lookup after re-upsert = (%d, %v), want (71, true)", bID, found)
	}

	_, found, err = ledger.LookupMappedID(ctx, entity, synce.ProvenanceSystemA, 999)
	if err != nil {
		t.Fatalf("LookupMappedID failed: %v", err)
	}
	if found {
		t.Error("unknown source id must not resolve")
	}
}

func TestLedger_PruneProcessedBefore(t *testing.T) {
	db, ledger := setupLedger(t)
	ctx := context.Background()
	ev := testLedgerEvent(t)

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		return ledger.MarkProcessed(ctx, tx, ev, "1")
	})
	if err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	// A cutoff in the past prunes nothing of today's rows.
	if _, err := ledger.PruneProcessedBefore(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("PruneProcessedBefore failed: %v", err)
	}
	done, err := ledger.IsProcessed(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if !done {
		t.Fatal("row inside the retention window must survive pruning")
	}

	// A future cutoff removes it.
	pruned, err := ledger.PruneProcessedBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneProcessedBefore failed: %v", err)
	}
	if pruned < 1 {
		t.Errorf("pruned = %d, want at least 1", pruned)
	}
	done, err = ledger.IsProcessed(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if done {
		t.Fatal("pruned row must no longer read processed")
	}
}
