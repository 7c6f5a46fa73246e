package monitor

import (
	"time"

	"github.com/kimhsiao/outletsync/internal/sync/queue"
)

// ConnectionState is the monitor's view of the link to the central system.
type ConnectionState string

const (
	StateOffline ConnectionState = "offline"
	StateOnline  ConnectionState = "online"
	StateSyncing ConnectionState = "syncing"
	StateError   ConnectionState = "error"
)

// EventType names a monitor notification.
type EventType string

const (
	EventStateChanged  EventType = "connection.state_changed"
	EventSyncStarted   EventType = "sync.started"
	EventSyncCompleted EventType = "sync.completed"
	EventSyncFailed    EventType = "sync.failed"
	EventQueueChanged  EventType = "queue.changed"
)

// Event is published to the Observer whenever observable state changes.
type Event struct {
	Type   EventType            `json:"type"`
	From   ConnectionState      `json:"from,omitempty"`
	To     ConnectionState      `json:"to,omitempty"`
	ItemID string               `json:"item_id,omitempty"`
	Action string               `json:"action,omitempty"`
	Count  int                  `json:"count,omitempty"`
	Result *queue.ProcessResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
	At     time.Time            `json:"at"`
}

// Observer receives monitor events. Notify is called synchronously from the
// goroutine that caused the change and must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify implements Observer.
func (f ObserverFunc) Notify(e Event) {
	f(e)
}

// Observers fans an event out to several observers in order.
type Observers []Observer

// Notify implements Observer.
func (o Observers) Notify(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(e)
		}
	}
}
