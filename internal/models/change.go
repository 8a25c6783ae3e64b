package models

import (
	"encoding/json"
	"time"
)

type ChangeEventType string

const (
	ChangeInsert   ChangeEventType = "INSERT"
	ChangeUpdate   ChangeEventType = "UPDATE"
	ChangeDelete   ChangeEventType = "DELETE"
	ChangePresence ChangeEventType = "PRESENCE"
)

const (
	TableDailyOperations = "daily_operations"
	TablePresence        = "presence"
)

// ChangeNotification is one row change (or presence heartbeat) delivered by
// the change feed. Rows stay raw JSON until the consumer decodes them.
type ChangeNotification struct {
	EventType ChangeEventType `json:"event_type"`
	Table     string          `json:"table"`
	Day       string          `json:"day,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
}

// HasBefore reports whether the notification carries a previous row image.
func (n ChangeNotification) HasBefore() bool { return present(n.Before) }

// HasAfter reports whether the notification carries a new row image.
func (n ChangeNotification) HasAfter() bool { return present(n.After) }

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// PresenceRecord is a heartbeat from an active editor.
type PresenceRecord struct {
	ActorID           string    `json:"actor_id"`
	LastActivity      time.Time `json:"last_activity"`
	EditingResourceID string    `json:"editing_resource_id,omitempty"`
}

// NewRowChange encodes a daily operation change for publishing.
func NewRowChange(eventType ChangeEventType, before, after *DailyOperation) (ChangeNotification, error) {
	n := ChangeNotification{EventType: eventType, Table: TableDailyOperations}
	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			return n, err
		}
		n.Before = raw
		n.Day = before.Day
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			return n, err
		}
		n.After = raw
		n.Day = after.Day
	}
	return n, nil
}

// NewPresenceChange encodes a heartbeat for the given day.
func NewPresenceChange(day string, rec PresenceRecord) (ChangeNotification, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return ChangeNotification{}, err
	}
	return ChangeNotification{EventType: ChangePresence, Table: TablePresence, Day: day, After: raw}, nil
}
