// Package writer applies transformed records to a target store. All writes
// for one event happen in a single transaction together with the ledger
// bookkeeping, so a crash can never leave a write without its processed
// mark or vice versa.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaystack/duplex/internal/platform/storage"
	synce "github.com/relaystack/duplex/internal/sync"
	"github.com/relaystack/duplex/internal/transform"
)

// TargetDescriptor identifies the store a writer feeds. Both directions
// share one writer implementation parameterized by this descriptor, so the
// two code paths cannot drift apart.
type TargetDescriptor struct {
	// System is the provenance tag of the target store (A or B).
	System synce.Provenance

	// TablePrefix is prepended to the entity type to form the table name
	// (e.g. "b_" + "users" = "b_users").
	TablePrefix string
}

// TableFor returns the target table name for an entity type.
func (d TargetDescriptor) TableFor(entityType string) string {
	return d.TablePrefix + entityType
}

// WriteResult describes the outcome of one applied event.
type WriteResult struct {
	// TargetID is the record's id in the target store; zero for a delete
	// of an unmapped (already absent) record.
	TargetID int64

	// Created is true when a fresh row was inserted with a newly
	// generated id.
	Created bool

	// Deleted is true for delete operations, including the already-gone
	// no-op case.
	Deleted bool

	// SequenceRepaired is true when primary-key drift recovery ran.
	SequenceRepaired bool
}

// Writer executes idempotent upserts and deletes against one target store.
type Writer struct {
	db     *storage.DB
	ledger *storage.Ledger
	peer   transform.MappingLookup
	target TargetDescriptor
	logger *slog.Logger
}

// New creates a writer for the given target store. peer is the source
// store's mapping lookup; a mapping recorded by the opposite direction
// lives there until the first write through this direction copies it into
// the target ledger. peer may be nil.
func New(db *storage.DB, ledger *storage.Ledger, peer transform.MappingLookup, target TargetDescriptor, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		db:     db,
		ledger: ledger,
		peer:   peer,
		target: target,
		logger: logger.With("component", "writer", "target", string(target.System)),
	}
}

// resolveTargetID translates the origin id through the target ledger and,
// on a miss, through the peer ledger.
func (w *Writer) resolveTargetID(ctx context.Context, tx pgx.Tx, ev *synce.Event, originID int64) (int64, bool, error) {
	id, found, err := w.ledger.LookupMappedIDTx(ctx, tx, ev.EntityType, ev.Provenance, originID)
	if err != nil || found {
		return id, found, err
	}
	if w.peer == nil {
		return 0, false, nil
	}
	return w.peer.LookupMappedID(ctx, ev.EntityType, ev.Provenance, originID)
}

// Write applies one event to the target store. Inside a single transaction
// it performs the upsert or delete, updates the entity mapping, and marks
// the event processed; on any failure the transaction rolls back entirely.
func (w *Writer) Write(ctx context.Context, ev *synce.Event, rec transform.Record) (WriteResult, error) {
	originID, err := strconv.ParseInt(ev.PrimaryKey, 10, 64)
	if err != nil {
		return WriteResult{}, &synce.MalformedEventError{
			Reason: fmt.Sprintf("non-numeric primary key %q", ev.PrimaryKey),
			Cause:  err,
		}
	}

	var result WriteResult
	err = w.db.WithTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		if ev.Operation == synce.OpDelete {
			result, txErr = w.applyDelete(ctx, tx, ev, originID)
		} else {
			result, txErr = w.applyUpsert(ctx, tx, ev, rec, originID)
		}
		if txErr != nil {
			return txErr
		}

		written := ""
		if result.TargetID != 0 {
			written = strconv.FormatInt(result.TargetID, 10)
		}
		return w.ledger.MarkProcessed(ctx, tx, ev, written)
	})
	if err != nil {
		return WriteResult{}, classifyStoreErr("write "+ev.EntityType, err)
	}

	return result, nil
}

// applyDelete removes the mapped target row. A missing mapping or a
// missing row both mean the record is already gone, which is a success.
// Mapping rows themselves are never pruned here.
func (w *Writer) applyDelete(ctx context.Context, tx pgx.Tx, ev *synce.Event, originID int64) (WriteResult, error) {
	targetID, found, err := w.resolveTargetID(ctx, tx, ev, originID)
	if err != nil {
		return WriteResult{}, err
	}
	if !found {
		w.logger.Debug("delete for unmapped record, nothing to do",
			"event_id", ev.EventID,
			"entity_type", ev.EntityType,
			"origin_id", originID,
		)
		return WriteResult{Deleted: true}, nil
	}

	table := w.target.TableFor(ev.EntityType)
	tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), targetID)
	if err != nil {
		return WriteResult{}, fmt.Errorf("delete from %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		w.logger.Debug("delete target row already absent",
			"event_id", ev.EventID,
			"table", table,
			"target_id", targetID,
		)
	}

	return WriteResult{TargetID: targetID, Deleted: true}, nil
}

// applyUpsert inserts or updates the target row. With a known mapping the
// write is a single atomic INSERT ... ON CONFLICT (id) DO UPDATE, so a
// replayed CREATE degrades into an UPDATE instead of failing. Without a
// mapping the target assigns the id, and a lagging id generator is
// repaired once inline.
func (w *Writer) applyUpsert(ctx context.Context, tx pgx.Tx, ev *synce.Event, rec transform.Record, originID int64) (WriteResult, error) {
	table := w.target.TableFor(ev.EntityType)
	cols, vals := orderedColumns(rec)

	targetID, found, err := w.resolveTargetID(ctx, tx, ev, originID)
	if err != nil {
		return WriteResult{}, err
	}

	result := WriteResult{}
	if found {
		if err := upsertWithID(ctx, tx, table, targetID, cols, vals); err != nil {
			return WriteResult{}, fmt.Errorf("upsert %s id=%d: %w", table, targetID, err)
		}
		result.TargetID = targetID
	} else {
		id, repaired, err := w.insertGenerated(ctx, tx, table, cols, vals)
		if err != nil {
			return WriteResult{}, err
		}
		result.TargetID = id
		result.Created = true
		result.SequenceRepaired = repaired
	}

	aID, bID := originID, result.TargetID
	if ev.Provenance == synce.ProvenanceSystemB {
		aID, bID = result.TargetID, originID
	}
	if err := w.ledger.UpsertMapping(ctx, tx, ev.EntityType, ev.Provenance, aID, bID); err != nil {
		return WriteResult{}, err
	}

	return result, nil
}

// insertGenerated inserts a row letting the target assign the id. When the
// insert hits a primary-key collision the table's id generator is behind
// its actual maximum (a row was inserted out of band with an explicit id);
// the sequence is reset to max(id)+1 and the insert retried exactly once.
func (w *Writer) insertGenerated(ctx context.Context, tx pgx.Tx, table string, cols []string, vals []any) (int64, bool, error) {
	id, err := insertReturningID(ctx, tx, table, cols, vals)
	if err == nil {
		return id, false, nil
	}
	if !isPrimaryKeyCollision(err) {
		return 0, false, fmt.Errorf("insert into %s: %w", table, err)
	}

	w.logger.Warn("primary key collision on generated id, repairing sequence",
		"table", table,
		"error", err,
	)

	repairSQL := fmt.Sprintf(
		`SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT COALESCE(MAX(id), 0) + 1 FROM %s), false)`,
		table, table,
	)
	if _, err := tx.Exec(ctx, repairSQL); err != nil {
		return 0, false, &synce.PrimaryKeyDriftError{Table: table, Cause: err}
	}

	id, err = insertReturningID(ctx, tx, table, cols, vals)
	if err != nil {
		return 0, false, &synce.PrimaryKeyDriftError{Table: table, Cause: err}
	}

	return id, true, nil
}

// insertReturningID runs the insert inside a savepoint so a collision does
// not poison the surrounding transaction.
func insertReturningID(ctx context.Context, tx pgx.Tx, table string, cols []string, vals []any) (int64, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("savepoint: %w", err)
	}

	sql := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING id`,
		table, strings.Join(cols, ", "), placeholders(1, len(cols)),
	)

	var id int64
	if err := sp.QueryRow(ctx, sql, vals...).Scan(&id); err != nil {
		_ = sp.Rollback(ctx)
		return 0, err
	}

	if err := sp.Commit(ctx); err != nil {
		return 0, fmt.Errorf("release savepoint: %w", err)
	}
	return id, nil
}

// upsertWithID writes the row under an explicit id as one atomic
// conditional statement. No read-then-write: the unique constraint is the
// serialization point between concurrent pipeline instances.
func upsertWithID(ctx context.Context, tx pgx.Tx, table string, id int64, cols []string, vals []any) error {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}

	sql := fmt.Sprintf(
		`INSERT INTO %s (id, %s) VALUES ($1, %s) ON CONFLICT (id) DO UPDATE SET %s`,
		table, strings.Join(cols, ", "), placeholders(2, len(cols)), strings.Join(sets, ", "),
	)

	args := append([]any{id}, vals...)
	_, err := tx.Exec(ctx, sql, args...)
	return err
}

// orderedColumns flattens a record into parallel column/value slices with a
// deterministic column order.
func orderedColumns(rec transform.Record) ([]string, []any) {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = rec[c]
	}
	return cols, vals
}

func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// isPrimaryKeyCollision reports whether err is a unique violation on the
// table's primary key constraint.
func isPrimaryKeyCollision(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && strings.HasSuffix(pgErr.ConstraintName, "_pkey")
}

// classifyStoreErr folds store-level failures into the retry taxonomy.
// Typed engine errors pass through untouched; connection, serialization,
// and deadlock failures become TransientStoreError.
func classifyStoreErr(op string, err error) error {
	var (
		malformed  *synce.MalformedEventError
		unresolved *synce.UnresolvedReferenceError
		drift      *synce.PrimaryKeyDriftError
		transient  *synce.TransientStoreError
	)
	if errors.As(err, &malformed) || errors.As(err, &unresolved) ||
		errors.As(err, &drift) || errors.As(err, &transient) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &synce.TransientStoreError{Op: op, Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08xxx connection, 40001 serialization, 40P01 deadlock,
		// 57xxx operator intervention (shutdown, statement timeout).
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			strings.HasPrefix(pgErr.Code, "57"):
			return &synce.TransientStoreError{Op: op, Cause: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	// Anything unrecognized at the driver boundary is most likely a lost
	// connection.
	return &synce.TransientStoreError{Op: op, Cause: err}
}
