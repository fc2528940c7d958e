package syncstore

import (
	"context"
)

// upsertRemote mirrors entities to the remote collection by trying each of
// the kind's payload variants in order until one is accepted. It returns the
// canonical entities mapped back from the remote response, or ok=false (the
// local-only marker) when the write could not be mirrored. The cache has
// already committed the local result before this runs, so every failure mode
// here degrades to "saved locally only".
//
// Requests are strictly sequential: at most one variant is in flight, so at
// most one write can succeed even against a permissive backend.
func (s *Store) upsertRemote(ctx context.Context, k Kind, entities []Entity) ([]Entity, bool) {
	if s.transport == nil || len(entities) == 0 {
		return nil, false
	}
	if !s.prober.available(ctx, k) {
		return nil, false
	}
	scope := s.sessionScope(entities)

	for _, variant := range k.Variants {
		rows := encodeVariant(variant, entities)
		mapped, outcome := s.attemptVariant(ctx, k, variant.Name, rows, scope)
		switch outcome {
		case variantAccepted:
			return mapped, true
		case variantAuthDenied:
			return nil, false
		}
		// Schema mismatch, malformed response, or anything else: the next
		// variant might match what this deployment's schema expects.
	}
	return nil, false
}

type variantOutcome int

const (
	variantAccepted variantOutcome = iota
	variantRejected
	variantAuthDenied
)

// attemptVariant issues one variant, with up to one corrective retry: when
// the remote names a column it does not recognize, that column is stripped
// from every row and the same variant is retried once. The org-scope column
// is attached opportunistically on the first attempt and stripped the same
// way when a deployment predates it.
func (s *Store) attemptVariant(ctx context.Context, k Kind, name string, rows []map[string]any, scope string) ([]Entity, variantOutcome) {
	attempt := rows
	if scope != "" {
		attempt = withColumn(rows, k.orgScopeColumn(), scope)
	}
	for try := 0; try < 2; try++ {
		response, err := s.transport.Upsert(ctx, k.Collection, attempt)
		if err == nil {
			validated, vErr := ValidateRows(response)
			if vErr != nil {
				s.log.Debug().Err(vErr).Str("kind", k.Name).Str("variant", name).Msg("upsert response malformed")
				return nil, variantRejected
			}
			return MapRows(k, validated), variantAccepted
		}
		if isAuthDenied(err) {
			// Retrying a different shape will not fix an auth problem, and
			// repeated attempts only burn round trips.
			s.log.Warn().Err(err).Str("kind", k.Name).Msg("remote write denied, keeping local result")
			return nil, variantAuthDenied
		}
		column := missingColumn(err)
		if column == "" || try > 0 {
			s.log.Debug().Err(err).Str("kind", k.Name).Str("variant", name).Msg("variant rejected")
			return nil, variantRejected
		}
		s.log.Debug().Str("kind", k.Name).Str("variant", name).Str("column", column).Msg("stripping unrecognized column and retrying variant")
		attempt = withoutColumn(attempt, column)
	}
	return nil, variantRejected
}

// deleteRemote issues a best-effort remote delete; the outcome is logged and
// otherwise ignored.
func (s *Store) deleteRemote(ctx context.Context, k Kind, id string) {
	if s.transport == nil || !s.prober.available(ctx, k) {
		return
	}
	if err := s.transport.Delete(ctx, k.Collection, id); err != nil {
		s.log.Debug().Err(err).Str("kind", k.Name).Str("id", id).Msg("remote delete failed")
	}
}

func (s *Store) sessionScope(entities []Entity) string {
	for _, e := range entities {
		if e.OrgScope != "" {
			return e.OrgScope
		}
	}
	if s.orgScope != nil {
		return s.orgScope()
	}
	return ""
}

func encodeVariant(variant Variant, entities []Entity) []map[string]any {
	rows := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, variant.Encode(e))
	}
	return rows
}

func withColumn(rows []map[string]any, column, value string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		clone := make(map[string]any, len(row)+1)
		for key, v := range row {
			clone[key] = v
		}
		clone[column] = value
		out = append(out, clone)
	}
	return out
}

func withoutColumn(rows []map[string]any, column string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		clone := make(map[string]any, len(row))
		for key, v := range row {
			if key == column {
				continue
			}
			clone[key] = v
		}
		out = append(out, clone)
	}
	return out
}
