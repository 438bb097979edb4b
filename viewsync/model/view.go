package model

import (
	"strings"

	"github.com/jrife/viewsync/storage/kv/keys"
)

// ViewDefinition describes one derived view table. A view's rows
// are keyed by the values of KeyFields in order, clustered by the
// entity key so that entities sharing key field values don't
// collide. A view with no CopyFields is a lookup index: rows carry
// only the source entity key and sequence number. Definitions are
// immutable once registered; changing one requires a backfill.
type ViewDefinition struct {
	Name       string   `json:"name"`
	KeyFields  []string `json:"keyFields"`
	CopyFields []string `json:"copyFields,omitempty"`
}

// LookupOnly returns true if this view is a key-only
// lookup index
func (def ViewDefinition) LookupOnly() bool {
	return len(def.CopyFields) == 0
}

// Compatible returns true if other describes the same view:
// same name, same key derivation, same copied fields. Registering
// a compatible definition twice is an accepted no-op; registering
// an incompatible one under the same name is a configuration
// conflict.
func (def ViewDefinition) Compatible(other ViewDefinition) bool {
	if def.Name != other.Name {
		return false
	}

	if !equalStrings(def.KeyFields, other.KeyFields) {
		return false
	}

	return equalStrings(def.CopyFields, other.CopyFields)
}

// Key derives this view's row key from the entity's fields and
// key. ok is false if any key field is absent, in which case the
// key derivation function is undefined for this entity and no
// row exists for it.
func (def ViewDefinition) Key(fields Fields, entityKey string) (keys.Key, bool) {
	parts := make([]keys.Key, 0, len(def.KeyFields)+1)

	for _, field := range def.KeyFields {
		value, ok := fields[field]

		// Key field values are non-terminal parts of the composite
		// row key, so a zero byte would alias into another value's
		// range. Such a value cannot derive a key.
		if !ok || strings.IndexByte(value, 0) >= 0 {
			return nil, false
		}

		parts = append(parts, keys.Key(value))
	}

	parts = append(parts, keys.Key(entityKey))

	return keys.Join(parts...), true
}

// KeyDerivableFrom returns true if every key field of this view
// is present in the delta, meaning Key can be evaluated from the
// delta alone without fetching the full entity
func (def ViewDefinition) KeyDerivableFrom(delta Fields) bool {
	for _, field := range def.KeyFields {
		if _, ok := delta[field]; !ok {
			return false
		}
	}

	return true
}

// KeyPrefix builds a range matching all rows whose key field
// values equal the given values, regardless of entity key. Used
// for lookup queries against the view. The trailing separator
// keeps a value from matching rows whose value merely extends it.
func (def ViewDefinition) KeyPrefix(values ...string) keys.Range {
	if len(values) == 0 {
		return keys.All()
	}

	parts := make([]keys.Key, 0, len(values))

	for _, value := range values {
		parts = append(parts, keys.Key(value))
	}

	prefix := append(keys.Join(parts...), 0)

	return keys.All().Prefix(prefix)
}

// CopiedFields narrows the entity's fields to the subset this
// view duplicates. Lookup indexes copy nothing.
func (def ViewDefinition) CopiedFields(fields Fields) Fields {
	if def.LookupOnly() {
		return nil
	}

	copied := make(Fields, len(def.CopyFields))

	for _, field := range def.CopyFields {
		if value, ok := fields[field]; ok {
			copied[field] = value
		}
	}

	return copied
}

// ViewSet is a read-only collection of registered views
type ViewSet interface {
	// Views returns all registered view definitions
	Views() []ViewDefinition
	// View retrieves a view definition by name
	View(name string) (ViewDefinition, bool)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
