// Package projector computes the view-table mutations a journal
// record implies. Projection is pure: it never touches storage.
// When a record's delta alone is not enough to derive the view's
// key the projector says so with ErrIncomplete, and the caller
// falls back to projecting from the full entity state. That
// fallback is a documented path, not a silent drop.
package projector

import (
	"errors"

	"github.com/jrife/viewsync/viewsync/model"
)

// ErrIncomplete indicates that the view's key cannot be derived
// from the record's delta alone and the caller must project from
// the full entity state instead
var ErrIncomplete = errors.New("view key is not derivable from the delta alone")

// Project computes the view mutation implied by one journal
// record. For a Put whose delta carries every key field, it
// produces an upsert of the copied fields. A tombstone's delta
// carries no fields, so tombstones always require the fallback.
// Returns ErrIncomplete when the full entity state is needed.
func Project(record model.JournalRecord, def model.ViewDefinition) (model.ViewMutation, error) {
	if record.Kind == model.KindTombstone {
		return model.ViewMutation{}, ErrIncomplete
	}

	if !def.KeyDerivableFrom(record.Delta) {
		return model.ViewMutation{}, ErrIncomplete
	}

	for _, field := range def.CopyFields {
		if _, ok := record.Delta[field]; !ok {
			// A partial delta can derive the key but still lack
			// copied fields. The row must carry them all.
			return model.ViewMutation{}, ErrIncomplete
		}
	}

	viewKey, _ := def.Key(record.Delta, record.EntityKey)

	return model.ViewMutation{
		ViewName:  def.Name,
		ViewKey:   viewKey,
		EntityKey: record.EntityKey,
		Seq:       record.Seq,
		Fields:    def.CopiedFields(record.Delta),
	}, nil
}

// ProjectEntity computes the view mutation implied by an entity's
// full current state: a delete if the entity is tombstoned, an
// upsert otherwise. ok is false if the view's key derivation
// function is undefined for this entity (a key field was never
// set), in which case no row exists for it and there is nothing
// to write.
func ProjectEntity(entity model.Entity, def model.ViewDefinition) (model.ViewMutation, bool) {
	viewKey, ok := def.Key(entity.Fields, entity.Key)

	if !ok {
		return model.ViewMutation{}, false
	}

	return model.ViewMutation{
		ViewName:  def.Name,
		ViewKey:   viewKey,
		EntityKey: entity.Key,
		Seq:       entity.Seq,
		Delete:    entity.Deleted,
		Fields:    def.CopiedFields(entity.Fields),
	}, true
}
