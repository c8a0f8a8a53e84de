// Package capture decodes capture-agent transport messages into canonical
// sync events. Two wire shapes are accepted: the enveloped form carrying
// separate before/after row snapshots, and the flattened form where the row
// fields appear directly at the top level.
package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	synce "github.com/relaystack/duplex/internal/sync"
)

// envelope is the structured capture-agent message shape. Mirrors the
// Debezium change-event contract: before/after row snapshots plus a source
// block with capture metadata.
type envelope struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	Source *envelopeMeta  `json:"source"`
}

type envelopeMeta struct {
	TsMs    int64  `json:"ts_ms"`
	Version string `json:"version"`
}

// Decoder turns raw transport messages into canonical events. One decoder
// is built per pipeline direction with that direction's table-name prefix.
type Decoder struct {
	prefix string
	logger *slog.Logger

	now func() time.Time
	id  func(channel string, partition int32, offset int64) string
}

// NewDecoder builds a decoder that strips prefix (e.g. "a_") from channel
// names to derive the entity type.
func NewDecoder(prefix string, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		prefix: prefix,
		logger: logger.With("component", "capture-decoder"),
		now:    time.Now,
		id:     deriveEventID,
	}
}

// eventIDNamespace is the fixed UUIDv5 namespace for derived event ids.
var eventIDNamespace = uuid.MustParse("b5d3f1f6-6f00-4a7c-9f3e-2d1c8a0e4b72")

// deriveEventID names an event by its transport coordinates. A redelivered
// record gets the same id, so the ledger and the dedup cache recognize it.
func deriveEventID(channel string, partition int32, offset int64) string {
	key := fmt.Sprintf("%s/%d/%d", channel, partition, offset)
	return uuid.NewSHA1(eventIDNamespace, []byte(key)).String()
}

// Decode parses one transport message received on channel into a canonical
// event. The event id is derived from the transport coordinates unless the
// message carries its own event_id field (replayed events do, so they keep
// their identity across the dead-letter round trip).
func (d *Decoder) Decode(raw []byte, channel string, partition int32, offset int64) (*synce.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &synce.MalformedEventError{Reason: "undecodable message", Cause: err}
	}

	entityType := d.entityType(channel)
	eventID := d.id(channel, partition, offset)

	if isEnvelope(fields) {
		return d.decodeEnvelope(raw, entityType, eventID)
	}
	return d.decodeFlattened(raw, entityType, eventID)
}

// isEnvelope detects the structured shape: an op code plus at least one row
// snapshot.
func isEnvelope(fields map[string]json.RawMessage) bool {
	if _, ok := fields["op"]; !ok {
		return false
	}
	_, before := fields["before"]
	_, after := fields["after"]
	return before || after
}

func (d *Decoder) decodeEnvelope(raw []byte, entityType, eventID string) (*synce.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &synce.MalformedEventError{Reason: "undecodable envelope", Cause: err}
	}

	op, err := mapOperation(env.Op)
	if err != nil {
		return nil, err
	}

	// Deletes carry the row in before; everything else in after.
	row := env.After
	if op == synce.OpDelete {
		row = env.Before
	}
	if row == nil {
		return nil, &synce.MalformedEventError{Reason: fmt.Sprintf("no row snapshot for op %q", env.Op)}
	}

	occurredAt := d.now()
	schemaVersion := ""
	if env.Source != nil {
		if env.Source.TsMs > 0 {
			occurredAt = time.UnixMilli(env.Source.TsMs).UTC()
		}
		schemaVersion = env.Source.Version
	}

	return d.buildEvent(eventID, entityType, op, row, schemaVersion, occurredAt)
}

// decodeFlattened handles the unwrapped shape where the row fields sit at
// the top level. An optional "op" field carries the operation code; absent,
// the message is treated as a snapshot read (CREATE).
func (d *Decoder) decodeFlattened(raw []byte, entityType, eventID string) (*synce.Event, error) {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, &synce.MalformedEventError{Reason: "undecodable flattened message", Cause: err}
	}

	op := synce.OpCreate
	if code, ok := row["op"].(string); ok {
		mapped, err := mapOperation(code)
		if err != nil {
			return nil, err
		}
		op = mapped
		delete(row, "op")
	}

	schemaVersion, _ := row["schema_version"].(string)

	return d.buildEvent(eventID, entityType, op, row, schemaVersion, d.now())
}

func (d *Decoder) buildEvent(eventID, entityType string, op synce.Operation, row map[string]any, schemaVersion string, occurredAt time.Time) (*synce.Event, error) {
	// A carried event_id wins over the derived one.
	if carried, ok := row["event_id"].(string); ok && carried != "" {
		eventID = carried
		delete(row, "event_id")
	}

	pk, ok := row["id"]
	if !ok || pk == nil {
		return nil, &synce.MalformedEventError{Reason: "record identifier absent"}
	}

	provRaw, _ := row["source"].(string)
	prov := synce.Provenance(provRaw)
	if !prov.Valid() {
		return nil, &synce.MalformedEventError{Reason: fmt.Sprintf("missing or unknown provenance tag %q", provRaw)}
	}

	return synce.NewEvent(eventID, entityType, op, FormatKey(pk), row, prov, schemaVersion, occurredAt)
}

// entityType derives the logical record kind from the channel name. The
// channel may be dotted (server.schema.table); only the last segment names
// the table. A missing prefix usually means a misconfigured capture agent,
// so it is logged and the raw table name used as-is.
func (d *Decoder) entityType(channel string) string {
	table := channel
	if i := strings.LastIndexByte(channel, '.'); i >= 0 {
		table = channel[i+1:]
	}

	if d.prefix != "" && strings.HasPrefix(table, d.prefix) {
		return table[len(d.prefix):]
	}

	d.logger.Warn("channel name missing expected prefix, using raw table name",
		"channel", channel,
		"expected_prefix", d.prefix,
	)
	return table
}

func mapOperation(code string) (synce.Operation, error) {
	switch code {
	case "c", "r":
		return synce.OpCreate, nil
	case "u":
		return synce.OpUpdate, nil
	case "d":
		return synce.OpDelete, nil
	}
	return "", &synce.MalformedEventError{Reason: fmt.Sprintf("unrecognized operation code %q", code)}
}

// FormatKey renders a primary key value from decoded JSON as its canonical
// string form. JSON numbers arrive as float64; integral values must not
// grow a decimal point.
func FormatKey(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case float64:
		if k == float64(int64(k)) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	case json.Number:
		return k.String()
	default:
		return fmt.Sprintf("%v", k)
	}
}
