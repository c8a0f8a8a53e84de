package transform

import (
	synce "github.com/relaystack/duplex/internal/sync"
)

// FieldPair is one entry of an entity's rename dictionary: the field's name
// in system A and in system B.
type FieldPair struct {
	A string
	B string
}

func (f FieldPair) pick(origin synce.Provenance) (src, dst string) {
	if origin == synce.ProvenanceSystemA {
		return f.A, f.B
	}
	return f.B, f.A
}

// EnumPair is one legal value of a normalized enum field, spelled per side.
type EnumPair struct {
	A string
	B string
}

// EnumField is a field whose values come from a closed set and are spelled
// differently per system (e.g. lower-case on A, title-case on B). This is
// a fixed enumeration, not a general string transform.
type EnumField struct {
	FieldPair
	Values []EnumPair
}

func (e EnumField) mapValue(origin synce.Provenance, v string) (string, bool) {
	for _, pair := range e.Values {
		if origin == synce.ProvenanceSystemA && pair.A == v {
			return pair.B, true
		}
		if origin == synce.ProvenanceSystemB && pair.B == v {
			return pair.A, true
		}
	}
	return "", false
}

// RefField is a foreign key to another entity; its value is translated
// through the entity mapping table.
type RefField struct {
	FieldPair
	Entity string
}

// Rule is the complete hand-maintained dictionary for one entity type.
type Rule struct {
	Entity string
	Fields []FieldPair
	Enums  []EnumField
	Refs   []RefField
}

// entityRules is the full set of synchronized entities. Adding an entity
// means adding its dictionary here and the table on both sides.
var entityRules = []Rule{
	{
		Entity: "users",
		Fields: []FieldPair{
			{A: "username", B: "user_name"},
			{A: "email", B: "email_address"},
			{A: "full_name", B: "display_name"},
		},
	},
	{
		Entity: "posts",
		Fields: []FieldPair{
			{A: "title", B: "title"},
			{A: "body", B: "content"},
		},
		Enums: []EnumField{
			{
				FieldPair: FieldPair{A: "post_status", B: "status"},
				Values: []EnumPair{
					{A: "draft", B: "Draft"},
					{A: "published", B: "Published"},
					{A: "archived", B: "Archived"},
				},
			},
		},
		Refs: []RefField{
			{FieldPair: FieldPair{A: "author_id", B: "user_id"}, Entity: "users"},
		},
	},
	{
		Entity: "likes",
		Fields: nil,
		Refs: []RefField{
			{FieldPair: FieldPair{A: "user_id", B: "liker_id"}, Entity: "users"},
			{FieldPair: FieldPair{A: "post_id", B: "liked_post_id"}, Entity: "posts"},
		},
	},
}
