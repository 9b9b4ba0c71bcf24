package models

import (
	"bytes"
	"encoding/json"
	"maps"
)

// EnumerationItem is one dynamically discovered detection target of an alert.
// Its natural key is (Name, Params) scoped to AlertID, or Params restricted to
// the alert's id keys when those are configured.
type EnumerationItem struct {
	Entity
	Name    string         `gorm:"index;not null" json:"name"`
	Params  map[string]any `gorm:"serializer:json" json:"params,omitempty"`
	AlertID *int64         `gorm:"index" json:"alertId,omitempty"`
}

// EnumerationItemFilter selects items by owning alert.
type EnumerationItemFilter struct {
	AlertID *int64
}

// NewEnumerationItem builds an unsaved item with a private copy of params.
func NewEnumerationItem(name string, params map[string]any) *EnumerationItem {
	return &EnumerationItem{Name: name, Params: maps.Clone(params)}
}

// Matches reports whether both items have the same name and structurally equal params.
func (e *EnumerationItem) Matches(other *EnumerationItem) bool {
	if e == nil || other == nil {
		return false
	}
	return e.Name == other.Name && ParamsEqual(e.Params, other.Params)
}

// Key restricts params to the given id keys. Keys absent from params are skipped.
func (e *EnumerationItem) Key(idKeys []string) map[string]any {
	key := make(map[string]any, len(idKeys))
	for _, k := range idKeys {
		if v, ok := e.Params[k]; ok {
			key[k] = v
		}
	}
	return key
}

// HasAlert reports whether the item is scoped to alertID.
func (e *EnumerationItem) HasAlert(alertID int64) bool {
	return e.AlertID != nil && *e.AlertID == alertID
}

// Clone returns a deep-enough copy for in-place edits.
func (e *EnumerationItem) Clone() *EnumerationItem {
	c := *e
	c.Params = maps.Clone(e.Params)
	if e.AlertID != nil {
		id := *e.AlertID
		c.AlertID = &id
	}
	return &c
}

// ParamsEqual compares parameter maps by canonical JSON so values survive a storage
// round-trip (an int 1 and a float64 1 compare equal). A nil map equals an empty one.
func ParamsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// Int64Ptr is a small helper for optional id fields.
func Int64Ptr(v int64) *int64 {
	return &v
}
