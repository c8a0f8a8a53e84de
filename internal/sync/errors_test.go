package sync

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"malformed", &MalformedEventError{Reason: "missing id"}, KindMalformedEvent},
		{"unsupported", &UnsupportedEntityError{EntityType: "comments"}, KindUnsupportedEntity},
		{"unresolved", &UnresolvedReferenceError{EntityType: "posts", Field: "author_id", SourceID: "7"}, KindUnresolvedReference},
		{"drift", &PrimaryKeyDriftError{Table: "b_users", Cause: errors.New("duplicate key")}, KindPrimaryKeyDrift},
		{"transient", &TransientStoreError{Op: "insert", Cause: errors.New("connection refused")}, KindTransientStore},
		{"unknown", errors.New("something else"), KindUnknown},
		{"nil", nil, KindUnknown},
		{
			"wrapped malformed",
			fmt.Errorf("decode channel a_users: %w", &MalformedEventError{Reason: "bad op"}),
			KindMalformedEvent,
		},
		{
			"wrapped transient",
			fmt.Errorf("write users: %w", &TransientStoreError{Op: "upsert", Cause: errors.New("timeout")}),
			KindTransientStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"malformed is terminal", &MalformedEventError{Reason: "missing id"}, false},
		{"unsupported is terminal", &UnsupportedEntityError{EntityType: "comments"}, false},
		{"unresolved reference retries", &UnresolvedReferenceError{EntityType: "likes", Field: "post_id", SourceID: "3"}, true},
		{"drift retries", &PrimaryKeyDriftError{Table: "a_posts", Cause: errors.New("duplicate key")}, true},
		{"transient retries", &TransientStoreError{Op: "mark processed", Cause: errors.New("deadlock")}, true},
		{"unknown errors retry", errors.New("disk on fire"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")

	wrappers := []error{
		&MalformedEventError{Reason: "r", Cause: cause},
		&PrimaryKeyDriftError{Table: "t", Cause: cause},
		&TransientStoreError{Op: "o", Cause: cause},
	}
	for _, err := range wrappers {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}
}
