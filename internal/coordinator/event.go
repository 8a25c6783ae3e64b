package coordinator

import (
	"time"

	"stokraf-backend/internal/models"
	"stokraf-backend/internal/reconcile"
)

// State is the subscription state of one coordinator.
type State string

const (
	StateDisconnected State = "disconnected"
	StateSubscribing  State = "subscribing"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
)

type EventKind string

const (
	EventState          EventKind = "state"
	EventMerged         EventKind = "merged"
	EventConflict       EventKind = "conflict"
	EventWarningExpired EventKind = "warning_expired"
	EventPresence       EventKind = "presence"
	EventResync         EventKind = "resync"
)

// Event is what a coordinator reports to its owner.
type Event struct {
	Kind          EventKind               `json:"kind"`
	State         State                   `json:"state,omitempty"`
	Row           *reconcile.Row          `json:"row,omitempty"`
	Warning       *Warning                `json:"warning,omitempty"`
	Presence      []models.PresenceRecord `json:"presence,omitempty"`
	PresenceCount int                     `json:"presence_count,omitempty"`
	At            time.Time               `json:"at"`
}

// Warning tells an editor that someone else changed a row they have open.
type Warning struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	Field       string    `json:"field"`
	OldValue    int       `json:"old_value"`
	NewValue    int       `json:"new_value"`
	At          time.Time `json:"at"`
}

// RecentUpdate is one entry of the remote-changes feed.
type RecentUpdate struct {
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	Field       string    `json:"field"`
	OldValue    int       `json:"old_value"`
	NewValue    int       `json:"new_value"`
	At          time.Time `json:"at"`
}
