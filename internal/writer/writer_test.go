package writer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	synce "github.com/relaystack/duplex/internal/sync"
	"github.com/relaystack/duplex/internal/transform"
)

func TestTargetDescriptor_TableFor(t *testing.T) {
	d := TargetDescriptor{System: synce.ProvenanceSystemB, TablePrefix: "b_"}
	if got := d.TableFor("users"); got != "b_users" {
		t.Errorf("TableFor(users) = %q, want b_users", got)
	}

	bare := TargetDescriptor{System: synce.ProvenanceSystemA}
	if got := bare.TableFor("posts"); got != "posts" {
		t.Errorf("TableFor with empty prefix = %q, want posts", got)
	}
}

func TestOrderedColumns(t *testing.T) {
	rec := transform.Record{
		"user_name":     "alice",
		"email_address": "alice@example.com",
		"source":        "sync_engine",
	}

	cols, vals := orderedColumns(rec)

	want := []string{"email_address", "source", "user_name"}
	if len(cols) != len(want) {
		t.Fatalf("got %d columns, want %d", len(cols), len(want))
	}
	for i, c := range want {
		if cols[i] != c {
			t.Errorf("cols[%d] = %q, want %q", i, cols[i], c)
		}
		if vals[i] != rec[c] {
			t.Errorf("vals[%d] = %v, want %v", i, vals[i], rec[c])
		}
	}

	// Same record, same order, every time.
	for i := 0; i < 10; i++ {
		again, _ := orderedColumns(rec)
		for j := range cols {
			if again[j] != cols[j] {
				t.Fatalf("column order is not deterministic: %v vs %v", again, cols)
			}
		}
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		start, n int
		want     string
	}{
		{1, 1, "$1"},
		{1, 3, "$1, $2, $3"},
		{2, 2, "$2, $3"},
		{1, 0, ""},
	}
	for _, tt := range tests {
		if got := placeholders(tt.start, tt.n); got != tt.want {
			t.Errorf("placeholders(%d, %d) = %q, want %q", tt.start, tt.n, got, tt.want)
		}
	}
}

func TestIsPrimaryKeyCollision(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "unique violation on pkey",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: "b_users_pkey"},
			want: true,
		},
		{
			name: "wrapped unique violation on pkey",
			err:  fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "a_posts_pkey"}),
			want: true,
		},
		{
			name: "unique violation on another constraint",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: "b_users_user_name_key"},
			want: false,
		},
		{
			name: "foreign key violation",
			err:  &pgconn.PgError{Code: "23503", ConstraintName: "b_posts_user_id_fkey"},
			want: false,
		},
		{
			name: "not a driver error",
			err:  errors.New("connection reset"),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPrimaryKeyCollision(tt.err); got != tt.want {
				t.Errorf("isPrimaryKeyCollision() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyStoreErr(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{
			name:     "typed malformed passes through",
			err:      &synce.MalformedEventError{Reason: "bad key"},
			wantKind: synce.KindMalformedEvent,
		},
		{
			name:     "typed unresolved passes through",
			err:      &synce.UnresolvedReferenceError{EntityType: "users", Field: "author_id", SourceID: "1"},
			wantKind: synce.KindUnresolvedReference,
		},
		{
			name:     "typed drift passes through",
			err:      &synce.PrimaryKeyDriftError{Table: "b_users", Cause: errors.New("x")},
			wantKind: synce.KindPrimaryKeyDrift,
		},
		{
			name:     "wrapped typed error passes through",
			err:      fmt.Errorf("tx: %w", &synce.UnresolvedReferenceError{EntityType: "posts", Field: "post_id", SourceID: "2"}),
			wantKind: synce.KindUnresolvedReference,
		},
		{
			name:     "context deadline is transient",
			err:      context.DeadlineExceeded,
			wantKind: synce.KindTransientStore,
		},
		{
			name:     "connection failure class 08 is transient",
			err:      &pgconn.PgError{Code: "08006"},
			wantKind: synce.KindTransientStore,
		},
		{
			name:     "serialization failure is transient",
			err:      &pgconn.PgError{Code: "40001"},
			wantKind: synce.KindTransientStore,
		},
		{
			name:     "deadlock is transient",
			err:      &pgconn.PgError{Code: "40P01"},
			wantKind: synce.KindTransientStore,
		},
		{
			name:     "statement timeout class 57 is transient",
			err:      &pgconn.PgError{Code: "57014"},
			wantKind: synce.KindTransientStore,
		},
		{
			name:     "other pg errors stay unclassified",
			err:      &pgconn.PgError{Code: "42703"},
			wantKind: synce.KindUnknown,
		},
		{
			name:     "unrecognized driver failure is transient",
			err:      errors.New("unexpected EOF"),
			wantKind: synce.KindTransientStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStoreErr("write users", tt.err)
			if kind := synce.Kind(got); kind != tt.wantKind {
				t.Errorf("Kind(classifyStoreErr()) = %q, want %q", kind, tt.wantKind)
			}
		})
	}
}

func TestWrite_NonNumericPrimaryKey(t *testing.T) {
	w := New(nil, nil, nil, TargetDescriptor{System: synce.ProvenanceSystemB, TablePrefix: "b_"}, nil)

	ev, err := synce.NewEvent("evt-1", "users", synce.OpCreate, "not-a-number",
		map[string]any{"id": "not-a-number"}, synce.ProvenanceSystemA, "1", time.Now())
	if err != nil {
		t.Fatalf("build event: %v", err)
	}

	_, err = w.Write(context.Background(), ev, transform.Record{"user_name": "x"})
	var malformed *synce.MalformedEventError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedEventError, got %v", err)
	}
}
