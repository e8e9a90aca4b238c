package mapper

import (
	"strings"

	"github.com/weiawesome/cdc-search-bridge/internal/domain"
)

// IndexNamer derives the target index name from a source table identity.
type IndexNamer func(schema, table string) string

// DefaultIndexNamer joins lowercased schema and table with a dash,
// e.g. ("public", "users") → "public-users".
func DefaultIndexNamer(schema, table string) string {
	schema = strings.ToLower(schema)
	table = strings.ToLower(table)
	if schema == "" {
		return table
	}
	return schema + "-" + table
}

// Mapper turns change envelopes into idempotent index actions.
type Mapper struct {
	namer IndexNamer
}

// New creates a mapper. A nil namer falls back to DefaultIndexNamer.
func New(namer IndexNamer) *Mapper {
	if namer == nil {
		namer = DefaultIndexNamer
	}
	return &Mapper{namer: namer}
}

// MapToAction maps one envelope to exactly one action. The mapping is pure
// and total: invalid envelopes were already rejected by the parser, so
// there is no failure mode here.
//
// Create/Update/Snapshot become upserts; Delete and Tombstone both become
// deletes so that replaying either is safe. A tombstone without any key
// fields addresses nothing and is ignored.
func (m *Mapper) MapToAction(env domain.ChangeEnvelope) domain.IndexAction {
	action := domain.IndexAction{
		Index: m.namer(env.Schema, env.Table),
		DocID: env.Key.DocumentID(),
		Op:    env.Operation,
	}

	switch env.Operation {
	case domain.OpCreate, domain.OpUpdate, domain.OpSnapshot:
		action.Kind = domain.ActionUpsert
		action.Body = env.After
	case domain.OpDelete:
		action.Kind = domain.ActionDelete
	case domain.OpTombstone:
		if action.DocID == "" {
			action.Kind = domain.ActionIgnore
		} else {
			action.Kind = domain.ActionDelete
		}
	default:
		action.Kind = domain.ActionIgnore
	}

	return action
}
