package syncstore

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnknownKind       = errors.New("unknown kind")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotImplemented    = errors.New("not implemented")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrAuthDenied        = errors.New("auth denied")
	ErrMalformedResponse = errors.New("malformed response")
)

// Entity is the canonical record shape shared by every syncable kind. The
// generic key fields live as struct members; kind-specific fields live in
// Payload under the keys declared by the kind's FieldSpecs.
type Entity struct {
	ID        string         `json:"id"`
	OrgScope  string         `json:"organization_scope,omitempty"`
	Active    bool           `json:"active"`
	SortOrder int            `json:"sort_order"`
	Name      string         `json:"name"`
	Code      string         `json:"code,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// FieldSpec declares one kind-specific field along with the column names it
// has lived under across remote schema revisions. Columns are checked in
// order; the first entry is the currently expected column.
type FieldSpec struct {
	Key         string
	Columns     []string
	MetadataKey string
	Default     any
	Canon       func(any) any
}

// Variant is one candidate shape for the remote write payload. Variants are
// tried in declaration order by the upsert engine.
type Variant struct {
	Name   string
	Encode func(e Entity) map[string]any
}

// Kind describes one category of syncable entity: its cache key, remote
// collection, default seed set, payload fields, and write variants.
type Kind struct {
	Name           string
	Label          string
	Collection     string
	OrgScopeColumn string
	Fields         []FieldSpec
	Variants       []Variant
	Seeds          func() []Entity
}

func (k Kind) fallbackName() string {
	label := strings.TrimSpace(k.Label)
	if label == "" {
		label = strings.TrimSpace(k.Name)
	}
	if label == "" {
		return "Untitled"
	}
	return "Untitled " + label
}

func (k Kind) orgScopeColumn() string {
	if strings.TrimSpace(k.OrgScopeColumn) == "" {
		return "organization_id"
	}
	return k.OrgScopeColumn
}

// Normalize canonicalizes arbitrary input into a complete Entity. It accepts
// an Entity, a pointer to one, or any object-shaped value (form literals,
// legacy cache rows), and never fails: unusable fields are replaced with
// defaults. Normalize is idempotent.
func Normalize(k Kind, raw any) Entity {
	switch v := raw.(type) {
	case Entity:
		return normalizeEntity(k, v)
	case *Entity:
		if v == nil {
			return normalizeEntity(k, Entity{})
		}
		return normalizeEntity(k, *v)
	case map[string]any:
		return normalizeMap(k, v)
	default:
		return normalizeMap(k, toObject(raw))
	}
}

func normalizeEntity(k Kind, e Entity) Entity {
	out := Entity{
		ID:        canonicalID(e.ID),
		OrgScope:  strings.TrimSpace(e.OrgScope),
		Active:    e.Active,
		SortOrder: e.SortOrder,
		Name:      strings.TrimSpace(e.Name),
		Code:      strings.TrimSpace(e.Code),
	}
	if out.Name == "" {
		out.Name = k.fallbackName()
	}
	out.Payload = normalizePayload(k, e.Payload, nil)
	return out
}

func normalizeMap(k Kind, raw map[string]any) Entity {
	if raw == nil {
		raw = map[string]any{}
	}
	e := Entity{
		ID:        canonicalID(toString(raw["id"])),
		OrgScope:  strings.TrimSpace(firstString(raw, "organization_scope", "organization_id", "org_id")),
		Active:    deriveActive(raw),
		SortOrder: toInt(raw["sort_order"]),
		Name:      strings.TrimSpace(toString(raw["name"])),
		Code:      strings.TrimSpace(toString(raw["code"])),
	}
	if e.Name == "" {
		e.Name = k.fallbackName()
	}
	nested, _ := raw["payload"].(map[string]any)
	e.Payload = normalizePayload(k, nested, raw)
	return e
}

// normalizePayload fills every declared payload field from the nested payload
// object first, then the flat input, then the spec default.
func normalizePayload(k Kind, payload map[string]any, flat map[string]any) map[string]any {
	if len(k.Fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(k.Fields))
	for _, spec := range k.Fields {
		var value any
		if payload != nil {
			value = payload[spec.Key]
		}
		if value == nil && flat != nil {
			value = flat[spec.Key]
		}
		if value == nil {
			value = spec.Default
		}
		if spec.Canon != nil {
			value = spec.Canon(value)
		}
		out[spec.Key] = value
	}
	return out
}

// deriveActive resolves the availability flag in fixed priority order: an
// explicit boolean "active", else a "status" string where "inactive" means
// false and anything else true, else true.
func deriveActive(raw map[string]any) bool {
	if v, ok := raw["active"].(bool); ok {
		return v
	}
	if status, ok := raw["status"].(string); ok && strings.TrimSpace(status) != "" {
		return !strings.EqualFold(strings.TrimSpace(status), "inactive")
	}
	return true
}

// canonicalID returns id when it already parses as a UUID, otherwise a fresh
// one.
func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return uuid.NewString()
}

// sortEntities orders by sort_order ascending with a lexicographic tiebreak
// on name. All cache reads observe this order.
func sortEntities(entities []Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].SortOrder != entities[j].SortOrder {
			return entities[i].SortOrder < entities[j].SortOrder
		}
		return entities[i].Name < entities[j].Name
	})
}

func toObject(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	default:
		return ""
	}
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := strings.TrimSpace(toString(raw[key])); s != "" {
			return s
		}
	}
	return ""
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if parsed, err := n.Int64(); err == nil {
			return int(parsed)
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed
		}
	}
	return 0
}
