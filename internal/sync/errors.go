package sync

import (
	"errors"
	"fmt"
)

// Error kinds carried into dead-letter messages.
const (
	KindMalformedEvent      = "malformed_event"
	KindUnsupportedEntity   = "unsupported_entity"
	KindUnresolvedReference = "unresolved_reference"
	KindPrimaryKeyDrift     = "primary_key_drift"
	KindTransientStore      = "transient_store"
	KindUnknown             = "unknown"
)

// MalformedEventError marks a transport message that cannot be turned into
// a valid Event: undecodable JSON, missing primary key, unknown op code.
// Non-retryable.
type MalformedEventError struct {
	Reason string
	Cause  error
}

func (e *MalformedEventError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Cause }

// UnsupportedEntityError marks an entity type with no registered
// transformer. Non-retryable.
type UnsupportedEntityError struct {
	EntityType string
}

func (e *UnsupportedEntityError) Error() string {
	return fmt.Sprintf("unsupported entity type %q", e.EntityType)
}

// UnresolvedReferenceError marks a foreign key whose referenced entity has
// not been synced yet. Retryable: the parent may arrive moments later.
type UnresolvedReferenceError struct {
	EntityType string
	Field      string
	SourceID   string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %s.%s=%s: no cross-system mapping yet", e.EntityType, e.Field, e.SourceID)
}

// PrimaryKeyDriftError marks an insert that failed because the target
// table's id generator is behind the table's actual maximum id. The writer
// repairs the sequence and retries once inline; if that also fails the
// error surfaces as retryable.
type PrimaryKeyDriftError struct {
	Table string
	Cause error
}

func (e *PrimaryKeyDriftError) Error() string {
	return fmt.Sprintf("primary key drift on %s: %v", e.Table, e.Cause)
}

func (e *PrimaryKeyDriftError) Unwrap() error { return e.Cause }

// TransientStoreError wraps connection loss, timeouts, deadlocks, and
// other store-side failures that are expected to clear. Retryable.
type TransientStoreError struct {
	Op    string
	Cause error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Cause)
}

func (e *TransientStoreError) Unwrap() error { return e.Cause }

// Kind returns the taxonomy name for err, for logs and dead-letter
// messages.
func Kind(err error) string {
	var (
		malformed   *MalformedEventError
		unsupported *UnsupportedEntityError
		unresolved  *UnresolvedReferenceError
		drift       *PrimaryKeyDriftError
		transient   *TransientStoreError
	)
	switch {
	case errors.As(err, &malformed):
		return KindMalformedEvent
	case errors.As(err, &unsupported):
		return KindUnsupportedEntity
	case errors.As(err, &unresolved):
		return KindUnresolvedReference
	case errors.As(err, &drift):
		return KindPrimaryKeyDrift
	case errors.As(err, &transient):
		return KindTransientStore
	}
	return KindUnknown
}

// IsRetryable reports whether the failure may clear on a later attempt.
// Unknown errors are treated as retryable so that a transient condition the
// taxonomy does not recognize still gets its retry budget; the budget cap
// bounds the damage when it is in fact permanent.
func IsRetryable(err error) bool {
	switch Kind(err) {
	case KindMalformedEvent, KindUnsupportedEntity:
		return false
	}
	return true
}
