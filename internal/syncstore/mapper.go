package syncstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// rowsSchemaJSON is the minimal shape every remote list/upsert response must
// satisfy before rows are mapped: an array of objects whose well-known
// columns, when present, carry a sane type.
const rowsSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"id": {"type": ["string", "number", "null"]},
			"name": {"type": ["string", "null"]},
			"active": {"type": ["boolean", "null"]},
			"status": {"type": ["string", "null"]},
			"sort_order": {"type": ["number", "string", "null"]}
		}
	}
}`

var rowsSchema = mustCompileRowsSchema()

func mustCompileRowsSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rowsSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("rows schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rows.json", doc); err != nil {
		panic(fmt.Sprintf("rows schema: %v", err))
	}
	schema, err := compiler.Compile("rows.json")
	if err != nil {
		panic(fmt.Sprintf("rows schema: %v", err))
	}
	return schema
}

// ValidateRows checks a decoded remote response against the rows schema and
// returns it as a row slice. Anything that does not validate classifies as a
// malformed response.
func ValidateRows(v any) ([]map[string]any, error) {
	generic, ok := toGenericArray(v)
	if !ok {
		return nil, fmt.Errorf("%w: response is not a row array", ErrMalformedResponse)
	}
	if err := rowsSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	rows := make([]map[string]any, 0, len(generic))
	for _, item := range generic {
		row, isObject := item.(map[string]any)
		if !isObject {
			return nil, fmt.Errorf("%w: row is not an object", ErrMalformedResponse)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func toGenericArray(v any) ([]any, bool) {
	switch arr := v.(type) {
	case []any:
		return arr, true
	case []map[string]any:
		generic := make([]any, 0, len(arr))
		for _, item := range arr {
			generic = append(generic, item)
		}
		return generic, true
	default:
		return nil, false
	}
}

// MapRow translates an arbitrary remote row into the canonical entity shape.
// Generic key fields tolerate the column names they have historically lived
// under; kind-specific fields resolve through their FieldSpec order.
func MapRow(k Kind, row map[string]any) Entity {
	if row == nil {
		row = map[string]any{}
	}
	e := Entity{
		ID:        toString(resolveColumns(row, "id")),
		OrgScope:  toString(resolveColumns(row, "organization_id", "org_id", "organization_scope")),
		Active:    deriveActive(row),
		SortOrder: toInt(resolveColumns(row, "sort_order", "position", "display_order")),
		Name:      toString(resolveColumns(row, "name", "label", "title")),
		Code:      toString(resolveColumns(row, "code", "slug")),
	}
	if len(k.Fields) > 0 {
		e.Payload = make(map[string]any, len(k.Fields))
		for _, spec := range k.Fields {
			e.Payload[spec.Key] = resolveField(row, spec)
		}
	}
	return Normalize(k, e)
}

// MapRows maps every row of a validated response.
func MapRows(k Kind, rows []map[string]any) []Entity {
	entities := make([]Entity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, MapRow(k, row))
	}
	return entities
}

// resolveField reads one kind-specific field in the fixed priority order the
// remote schema evolved through: the current column, each historical
// alternate (unwrapping arrays and string-encoded JSON), a field nested in
// the metadata object, then the hard-coded default. The order is load-bearing
// for deployments still on older schemas and must not be reordered.
func resolveField(row map[string]any, spec FieldSpec) any {
	var value any
	for _, column := range spec.Columns {
		if value = coerceFieldScalar(row[column]); value != nil {
			break
		}
	}
	if value == nil {
		metaKey := spec.MetadataKey
		if metaKey == "" {
			metaKey = spec.Key
		}
		if meta, ok := coerceFieldScalar(row["metadata"]).(map[string]any); ok {
			value = coerceFieldScalar(meta[metaKey])
		}
	}
	if value == nil {
		value = spec.Default
	}
	if spec.Canon != nil {
		value = spec.Canon(value)
	}
	return value
}

func resolveColumns(row map[string]any, columns ...string) any {
	for _, column := range columns {
		if value := coerceScalar(row[column]); value != nil {
			return value
		}
	}
	return nil
}

// coerceScalar unwraps the alternate representations a generic column may
// arrive in: an array-typed value yields its first element, a blank string
// counts as absent. Strings are kept verbatim; a display name that happens to
// start with a brace is still a display name.
func coerceScalar(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case []any:
		if len(value) == 0 {
			return nil
		}
		return coerceScalar(value[0])
	case string:
		if strings.TrimSpace(value) == "" {
			return nil
		}
		return value
	default:
		return value
	}
}

// coerceFieldScalar additionally unwraps string-encoded JSON, a shape only
// the kind-specific field columns have historically arrived in.
func coerceFieldScalar(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case []any:
		if len(value) == 0 {
			return nil
		}
		return coerceFieldScalar(value[0])
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return nil
		}
		if looksLikeJSON(trimmed) {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return coerceFieldScalar(parsed)
			}
		}
		return value
	default:
		return value
	}
}

func looksLikeJSON(s string) bool {
	switch s[0] {
	case '{', '[', '"':
		return true
	default:
		return false
	}
}
