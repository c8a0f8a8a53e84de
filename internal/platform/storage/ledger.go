package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	synce "github.com/relaystack/duplex/internal/sync"
)

// Ledger is the idempotency ledger for one store: the processed-event log
// plus the cross-system id mapping table. MarkProcessed and UpsertMapping
// take the caller's transaction so that a crash between the application
// write and the ledger write cannot occur.
type Ledger struct {
	db *DB
}

// NewLedger creates a Ledger over the given store connection.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

// IsProcessed reports whether eventID has already been handled. Called
// before any write is attempted so a duplicate delivery is a no-op.
func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	sql := `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`
	if err := l.db.pool.QueryRow(ctx, sql, eventID).Scan(&exists); err != nil {
		return false, &synce.TransientStoreError{Op: "ledger lookup", Cause: err}
	}
	return exists, nil
}

// MarkProcessed records the event as handled, inside the same transaction
// as the write that produced writtenPrimaryKey. A replay of the same event
// id is absorbed by ON CONFLICT DO NOTHING.
func (l *Ledger) MarkProcessed(ctx context.Context, tx pgx.Tx, ev *synce.Event, writtenPrimaryKey string) error {
	snapshot, err := ev.MarshalPayload()
	if err != nil {
		return err
	}

	sql := `
		INSERT INTO processed_events (
			event_id, entity_type, operation, provenance, primary_key, payload_snapshot, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err = tx.Exec(ctx, sql,
		ev.EventID,
		ev.EntityType,
		string(ev.Operation),
		string(ev.Provenance),
		writtenPrimaryKey,
		snapshot,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}

// GetProcessed fetches one ledger row for audit, nil when absent.
func (l *Ledger) GetProcessed(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	sql := `
		SELECT event_id, entity_type, operation, provenance, primary_key, payload_snapshot, processed_at
		FROM processed_events
		WHERE event_id = $1
	`
	var rec ProcessedEvent
	err := l.db.pool.QueryRow(ctx, sql, eventID).Scan(
		&rec.EventID, &rec.EntityType, &rec.Operation, &rec.Provenance,
		&rec.PrimaryKey, &rec.PayloadSnapshot, &rec.ProcessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query processed event: %w", err)
	}
	return &rec, nil
}

// LookupMappedID translates an id from source's numbering to the other
// system's. The boolean is false when no mapping exists yet.
func (l *Ledger) LookupMappedID(ctx context.Context, entityType string, source synce.Provenance, sourceID int64) (int64, bool, error) {
	sourceCol, targetCol, err := mappingColumns(source)
	if err != nil {
		return 0, false, err
	}

	sql := fmt.Sprintf(
		`SELECT %s FROM entity_mappings WHERE entity_type = $1 AND %s = $2`,
		targetCol, sourceCol,
	)

	var target int64
	if err := l.db.pool.QueryRow(ctx, sql, entityType, sourceID).Scan(&target); err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, &synce.TransientStoreError{Op: "mapping lookup", Cause: err}
	}
	return target, true, nil
}

// LookupMappedIDTx is LookupMappedID inside the caller's transaction, used
// by the writer so the translation it commits is the one it read.
func (l *Ledger) LookupMappedIDTx(ctx context.Context, tx pgx.Tx, entityType string, source synce.Provenance, sourceID int64) (int64, bool, error) {
	sourceCol, targetCol, err := mappingColumns(source)
	if err != nil {
		return 0, false, err
	}

	sql := fmt.Sprintf(
		`SELECT %s FROM entity_mappings WHERE entity_type = $1 AND %s = $2`,
		targetCol, sourceCol,
	)

	var target int64
	if err := tx.QueryRow(ctx, sql, entityType, sourceID).Scan(&target); err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("mapping lookup: %w", err)
	}
	return target, true, nil
}

// UpsertMapping records the cross-system identity of one record. The row is
// located by the origin side's id and the target side's id is overwritten,
// which tolerates a target id changing across re-syncs without orphaning
// the mapping.
func (l *Ledger) UpsertMapping(ctx context.Context, tx pgx.Tx, entityType string, origin synce.Provenance, aID, bID int64) error {
	var conflictCols string
	var updateCol string
	switch origin {
	case synce.ProvenanceSystemA:
		conflictCols = "entity_type, a_id"
		updateCol = "b_id"
	case synce.ProvenanceSystemB:
		conflictCols = "entity_type, b_id"
		updateCol = "a_id"
	default:
		return fmt.Errorf("mapping upsert: origin must be A or B, got %q", origin)
	}

	sql := fmt.Sprintf(`
		INSERT INTO entity_mappings (entity_type, a_id, b_id, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (%s) DO UPDATE SET
			%s = EXCLUDED.%s,
			updated_at = NOW()
	`, conflictCols, updateCol, updateCol)

	if _, err := tx.Exec(ctx, sql, entityType, aID, bID); err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return nil
}

// PruneProcessedBefore deletes processed-event rows older than cutoff.
// Maintenance only; never called on the hot path.
func (l *Ledger) PruneProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.db.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func mappingColumns(source synce.Provenance) (sourceCol, targetCol string, err error) {
	switch source {
	case synce.ProvenanceSystemA:
		return "a_id", "b_id", nil
	case synce.ProvenanceSystemB:
		return "b_id", "a_id", nil
	}
	return "", "", fmt.Errorf("mapping lookup: source must be A or B, got %q", source)
}
