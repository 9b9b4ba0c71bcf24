package models

// AlertAssociation subscribes a group to an alert, optionally narrowed to one enumeration item.
type AlertAssociation struct {
	AlertID           int64  `json:"alertId"`
	EnumerationItemID *int64 `json:"enumerationItemId,omitempty"`
}

// SubscriptionGroup is a notification target.
type SubscriptionGroup struct {
	Entity
	Name              string             `gorm:"uniqueIndex;not null" json:"name"`
	Topic             string             `json:"topic,omitempty"`
	AlertAssociations []AlertAssociation `gorm:"serializer:json" json:"alertAssociations,omitempty"`
}

// Subscribes reports whether the group wants notifications for (alertID, itemID).
// An association without an item receives every item of the alert.
func (g *SubscriptionGroup) Subscribes(alertID int64, itemID *int64) bool {
	for _, a := range g.AlertAssociations {
		if a.AlertID != alertID {
			continue
		}
		if a.EnumerationItemID == nil {
			return true
		}
		if itemID != nil && *a.EnumerationItemID == *itemID {
			return true
		}
	}
	return false
}

// RepointAssociations moves associations of (alertID, fromItem) to toItem and
// reports whether anything changed.
func (g *SubscriptionGroup) RepointAssociations(alertID, fromItem, toItem int64) bool {
	changed := false
	for i := range g.AlertAssociations {
		a := &g.AlertAssociations[i]
		if a.AlertID == alertID && a.EnumerationItemID != nil && *a.EnumerationItemID == fromItem {
			a.EnumerationItemID = Int64Ptr(toItem)
			changed = true
		}
	}
	return changed
}
