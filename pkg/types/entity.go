package types

import (
	"strings"
	"time"
)

// EntityType classifies a named entity extracted from content.
type EntityType string

const (
	EntityPerson  EntityType = "person"
	EntityOrg     EntityType = "org"
	EntityDate    EntityType = "date"
	EntityMoney   EntityType = "money"
	EntityPlace   EntityType = "place"
	EntityProduct EntityType = "product"
	EntityOther   EntityType = "other"
)

// ValidEntityTypes contains all recognised entity type values.
var ValidEntityTypes = []EntityType{
	EntityPerson,
	EntityOrg,
	EntityDate,
	EntityMoney,
	EntityPlace,
	EntityProduct,
	EntityOther,
}

// IsValidEntityType checks if the given entity type is recognised.
func IsValidEntityType(t EntityType) bool {
	for _, v := range ValidEntityTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Entity is an aggregate over all mentions of the same (canonical_text, type)
// pair across content items.
type Entity struct {
	// ID is the stable identifier, format: ent:<type>:<slug>.
	ID string `json:"id"`

	// CanonicalText is the normalized display form of the entity.
	CanonicalText string `json:"canonical_text"`

	// Type is the entity classification.
	Type EntityType `json:"type"`

	// MentionCount is the number of distinct content items mentioning the
	// entity (one per item regardless of how often it appears in the text).
	MentionCount int `json:"mention_count"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// EntityID builds the canonical entity identifier for a text/type pair.
// The slug lowercases the canonical text and collapses whitespace runs to
// single hyphens, matching the ent:<type>:<slug> format used throughout the
// graph store.
func EntityID(canonicalText string, entityType EntityType) string {
	slug := strings.ToLower(strings.TrimSpace(canonicalText))
	slug = strings.Join(strings.Fields(slug), "-")
	return "ent:" + string(entityType) + ":" + slug
}

// Mention is a single occurrence of an entity within one content item's text.
// Start and End are byte offsets into the item text.
type Mention struct {
	Text  string     `json:"text"`
	Type  EntityType `json:"type"`
	Start int        `json:"start"`
	End   int        `json:"end"`
}

// Neighbor is one entry in an entity's co-occurrence neighborhood, ranked by
// edge weight.
type Neighbor struct {
	Entity *Entity `json:"entity"`
	Weight int     `json:"weight"`
}
