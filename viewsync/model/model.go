// Package model defines the data model shared by the sync layer's
// components: primary entities, journal records, view definitions,
// and the progress and drift records that track propagation.
package model

import (
	"time"

	"github.com/jrife/viewsync/storage/kv/keys"
)

// MutationKind discriminates the two kinds of journal records
type MutationKind uint8

const (
	// KindPut merges a fields delta into the entity
	KindPut MutationKind = iota
	// KindTombstone marks the entity logically absent. Tombstoned
	// entities are never physically deleted until every registered
	// view has propagated past the tombstone.
	KindTombstone
)

// Fields is the attribute map of an entity or a fields delta
type Fields map[string]string

// Clone returns a copy of the fields map
func (fields Fields) Clone() Fields {
	clone := make(Fields, len(fields))

	for k, v := range fields {
		clone[k] = v
	}

	return clone
}

// Merge returns a copy of the fields map with the
// delta merged on top
func (fields Fields) Merge(delta Fields) Fields {
	merged := fields.Clone()

	for k, v := range delta {
		merged[k] = v
	}

	return merged
}

// JournalRecord is one intended mutation of a primary entity.
// Seq is assigned by the journal at append time and is the sole
// ordering authority for the entity. WriteTime is advisory only:
// writers may race and wall clocks may skew.
type JournalRecord struct {
	EntityKey  string       `json:"entityKey"`
	Seq        uint64       `json:"seq"`
	Kind       MutationKind `json:"kind"`
	Delta      Fields       `json:"delta,omitempty"`
	WriteTime  time.Time    `json:"writeTime"`
	MutationID string       `json:"mutationId"`
	Synthetic  bool         `json:"synthetic,omitempty"`
}

// Entity is the materialized current state of a primary entity:
// the last assigned sequence number, the merged fields, and the
// tombstone flag. Tombstoned entities retain their fields so view
// keys remain derivable for views that have not caught up.
type Entity struct {
	Key     string `json:"key"`
	Seq     uint64 `json:"seq"`
	Deleted bool   `json:"deleted,omitempty"`
	Fields  Fields `json:"fields,omitempty"`
}

// ViewMutation is the projection of one journal record onto one
// view: the view row key, the fields to write, and whether the row
// should be deleted instead. Applying the same ViewMutation twice
// must be a no-op the second time.
type ViewMutation struct {
	ViewName  string
	ViewKey   keys.Key
	EntityKey string
	Seq       uint64
	Delete    bool
	Fields    Fields
}

// ViewRow is a stored row of a derived view table
type ViewRow struct {
	EntityKey string `json:"entityKey"`
	Seq       uint64 `json:"seq"`
	Fields    Fields `json:"fields,omitempty"`
}

// PairState is the propagation state of one (entity, view) pair
type PairState uint8

const (
	// PairIdle means the pair has no work in flight
	PairIdle PairState = iota
	// PairApplying means a mutation application is in flight
	PairApplying
	// PairRetrying means the last application failed and the
	// pair is backing off before the next attempt
	PairRetrying
	// PairStuck means the pair exhausted its retry budget.
	// Terminal from the engine's perspective, recoverable by
	// reconciliation.
	PairStuck
)

func (state PairState) String() string {
	switch state {
	case PairIdle:
		return "idle"
	case PairApplying:
		return "applying"
	case PairRetrying:
		return "retrying"
	case PairStuck:
		return "stuck"
	}

	return "unknown"
}

// ViewProgress records, per (entity, view) pair, the highest
// sequence number successfully applied to the view. It is owned
// exclusively by the propagation engine and read by the reconciler
// and the consistency window reporter. Seq only ever advances.
type ViewProgress struct {
	EntityKey       string    `json:"entityKey"`
	ViewName        string    `json:"viewName"`
	Seq             uint64    `json:"seq"`
	Pending         uint64    `json:"pending,omitempty"`
	Attempts        int       `json:"attempts,omitempty"`
	State           PairState `json:"state"`
	LastAttemptAt   time.Time `json:"lastAttemptAt,omitempty"`
	OldestPendingAt time.Time `json:"oldestPendingAt,omitempty"`
}

// DriftKind discriminates the two kinds of referential drift
type DriftKind uint8

const (
	// DriftDangling is a view row with no corresponding live entity,
	// or whose key no longer matches the entity's current state
	DriftDangling DriftKind = iota
	// DriftMissing is an entity with no corresponding view row past
	// its expected propagation delay
	DriftMissing
)

func (kind DriftKind) String() string {
	switch kind {
	case DriftDangling:
		return "dangling"
	case DriftMissing:
		return "missing"
	}

	return "unknown"
}

// DriftRecord is produced by the reconciler when an audit finds a
// discrepancy between a view and its source entity. It is consumed
// by a repair action and then discarded, never persisted.
type DriftRecord struct {
	Kind       DriftKind
	ViewName   string
	ViewKey    keys.Key
	EntityKey  string
	Seq        uint64
	DetectedAt time.Time
}
