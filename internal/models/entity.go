package models

import (
	"time"

	"gorm.io/gorm"
)

// Entity is the envelope attached to every persisted record.
type Entity struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id,omitempty" yaml:"id,omitempty"`
	Version    int       `gorm:"not null;default:1" json:"version" yaml:"-"`
	CreateTime time.Time `gorm:"autoCreateTime" json:"createTime" yaml:"-"`
	CreatedBy  string    `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	UpdateTime time.Time `gorm:"autoUpdateTime" json:"updateTime" yaml:"-"`
	UpdatedBy  string    `json:"updatedBy,omitempty" yaml:"updatedBy,omitempty"`
}

// Persisted reports whether the entity carries a store-assigned id.
func (e Entity) Persisted() bool {
	return e.ID != 0
}

// SameAs compares envelopes by id. Two unsaved entities are never the same.
func (e Entity) SameAs(other Entity) bool {
	if !e.Persisted() && !other.Persisted() {
		return false
	}
	return e.ID == other.ID
}

// BeforeUpdate bumps the version on every update.
func (e *Entity) BeforeUpdate(*gorm.DB) error {
	e.Version++
	return nil
}

// Interval is a half-open detection window [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval builds an interval from epoch milliseconds.
func NewInterval(startMillis, endMillis int64) Interval {
	return Interval{Start: time.UnixMilli(startMillis).UTC(), End: time.UnixMilli(endMillis).UTC()}
}

// StartMillis returns the start as epoch milliseconds.
func (i Interval) StartMillis() int64 { return i.Start.UnixMilli() }

// EndMillis returns the end as epoch milliseconds.
func (i Interval) EndMillis() int64 { return i.End.UnixMilli() }

// Contains reports whether t falls inside the window.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Valid reports whether the window is non-empty.
func (i Interval) Valid() bool {
	return i.End.After(i.Start)
}

func (i Interval) String() string {
	return "[" + i.Start.Format(time.RFC3339) + ", " + i.End.Format(time.RFC3339) + ")"
}
