// Package transform converts a record payload from one system's schema to
// the other's: field renames from a fixed per-entity dictionary, closed-set
// value normalization, and foreign-key translation through the entity
// mapping table.
package transform

import (
	"context"
	"fmt"
	"strconv"

	synce "github.com/relaystack/duplex/internal/sync"
)

// Record is a transformed field map ready for writing to the target store.
// It always carries source = "sync_engine" so the resulting capture event
// is skipped by the loop-prevention guard.
type Record map[string]any

// ProvenanceField is the column every synced row is stamped with.
const ProvenanceField = "source"

// MappingLookup resolves a record id from one system's numbering to the
// other's. Implemented by a store's ledger.
type MappingLookup interface {
	LookupMappedID(ctx context.Context, entityType string, source synce.Provenance, sourceID int64) (int64, bool, error)
}

// FallbackLookup consults Primary and, on a clean miss, Secondary. Each
// direction records mappings in its target store's ledger, so a record
// first synced by the opposite direction is only known to the other
// store; resolving through both ledgers keeps the identity map whole.
type FallbackLookup struct {
	Primary   MappingLookup
	Secondary MappingLookup
}

func (f FallbackLookup) LookupMappedID(ctx context.Context, entityType string, source synce.Provenance, sourceID int64) (int64, bool, error) {
	id, found, err := f.Primary.LookupMappedID(ctx, entityType, source, sourceID)
	if err != nil || found {
		return id, found, err
	}
	if f.Secondary == nil {
		return 0, false, nil
	}
	return f.Secondary.LookupMappedID(ctx, entityType, source, sourceID)
}

// Transformer converts events of a single entity type.
type Transformer interface {
	// EntityType returns the logical record kind this transformer handles.
	EntityType() string

	// Transform maps the event payload from the origin schema to the
	// target schema. The origin is taken from the event's provenance.
	Transform(ctx context.Context, ev *synce.Event) (Record, error)
}

// Registry selects a transformer by entity type. The set of transformers
// is fixed at construction; there is no runtime registration.
type Registry struct {
	transformers map[string]Transformer
}

// NewRegistry builds the registry over the full entity dictionary, with
// foreign keys resolved through lookup.
func NewRegistry(lookup MappingLookup) *Registry {
	transformers := make(map[string]Transformer, len(entityRules))
	for _, rule := range entityRules {
		transformers[rule.Entity] = &ruleTransformer{rule: rule, lookup: lookup}
	}
	return &Registry{transformers: transformers}
}

// CanHandle reports whether a transformer exists for entityType.
func (r *Registry) CanHandle(entityType string) bool {
	_, ok := r.transformers[entityType]
	return ok
}

// Transform dispatches to the entity's transformer. Unknown entity types
// fail with UnsupportedEntityError.
func (r *Registry) Transform(ctx context.Context, ev *synce.Event) (Record, error) {
	t, ok := r.transformers[ev.EntityType]
	if !ok {
		return nil, &synce.UnsupportedEntityError{EntityType: ev.EntityType}
	}
	return t.Transform(ctx, ev)
}

// ruleTransformer applies one entity's bidirectional dictionary.
type ruleTransformer struct {
	rule   Rule
	lookup MappingLookup
}

func (t *ruleTransformer) EntityType() string { return t.rule.Entity }

func (t *ruleTransformer) Transform(ctx context.Context, ev *synce.Event) (Record, error) {
	origin := ev.Provenance
	if origin != synce.ProvenanceSystemA && origin != synce.ProvenanceSystemB {
		return nil, fmt.Errorf("transform %s: origin must be A or B, got %q", t.rule.Entity, origin)
	}

	out := make(Record, len(t.rule.Fields)+len(t.rule.Enums)+len(t.rule.Refs)+1)

	for _, f := range t.rule.Fields {
		src, dst := f.pick(origin)
		if v, ok := ev.Payload[src]; ok {
			out[dst] = v
		}
	}

	for _, e := range t.rule.Enums {
		src, dst := e.pick(origin)
		v, ok := ev.Payload[src]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, &synce.MalformedEventError{Reason: fmt.Sprintf("%s.%s is not a string", t.rule.Entity, src)}
		}
		mapped, ok := e.mapValue(origin, s)
		if !ok {
			return nil, &synce.MalformedEventError{Reason: fmt.Sprintf("%s.%s value %q outside the known set", t.rule.Entity, src, s)}
		}
		out[dst] = mapped
	}

	for _, ref := range t.rule.Refs {
		src, dst := ref.pick(origin)
		v, ok := ev.Payload[src]
		if !ok || v == nil {
			continue
		}
		sourceID, err := toInt64(v)
		if err != nil {
			return nil, &synce.MalformedEventError{Reason: fmt.Sprintf("%s.%s is not a numeric id: %v", t.rule.Entity, src, err)}
		}
		targetID, found, err := t.lookup.LookupMappedID(ctx, ref.Entity, origin, sourceID)
		if err != nil {
			return nil, fmt.Errorf("resolve %s.%s: %w", t.rule.Entity, src, err)
		}
		if !found {
			// The parent may sync moments later; retryable.
			return nil, &synce.UnresolvedReferenceError{
				EntityType: ref.Entity,
				Field:      src,
				SourceID:   strconv.FormatInt(sourceID, 10),
			}
		}
		out[dst] = targetID
	}

	out[ProvenanceField] = string(synce.ProvenanceEngine)

	return out, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("non-integral value %v", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unsupported id type %T", v)
}
