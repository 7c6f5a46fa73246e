// Package models provides the persisted shapes shared by the sync queue and
// its storage adapters.
package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of local mutation a queue item replicates.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Priority is the scheduling weight class of a queue item.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority in dequeue order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the dequeue rank of p; lower ranks are dequeued first.
// Unknown priorities rank after PriorityLow.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
	QueueStatusConflict   QueueStatus = "conflict"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusPending, QueueStatusInProgress, QueueStatusCompleted,
		QueueStatusFailed, QueueStatusCancelled, QueueStatusConflict:
		return true
	}
	return false
}

// Terminal reports whether no further processing transition leaves s.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusCancelled, QueueStatusConflict:
		return true
	}
	return false
}

// SyncQueueItem is one unit of pending replication work. Its shape is the
// durable contract between the queue engine and any store implementation.
type SyncQueueItem struct {
	ID      string `db:"id" json:"id"`
	Seq     int64  `db:"seq" json:"seq"`
	StoreID string `db:"store_id" json:"store_id"`

	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Operation  Operation       `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"payload" json:"payload"`

	Priority      Priority    `db:"priority" json:"priority"`
	Status        QueueStatus `db:"status" json:"status"`
	RetryCount    int         `db:"retry_count" json:"retry_count"`
	MaxRetries    int         `db:"max_retries" json:"max_retries"`
	LastError     string      `db:"last_error" json:"last_error,omitempty"`
	LastAttemptAt *time.Time  `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time  `db:"next_retry_at" json:"next_retry_at,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`

	// IsActive is cleared by cleanup instead of deleting the row.
	IsActive bool `db:"is_active" json:"is_active"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// IsTerminal reports whether the item reached a terminal status.
func (i *SyncQueueItem) IsTerminal() bool {
	return i.Status.Terminal()
}

// IsExhausted reports whether the item used up its automatic retries.
func (i *SyncQueueItem) IsExhausted() bool {
	return i.RetryCount >= i.MaxRetries
}

// CanRetry reports whether a manual retry is permitted: the item failed and
// still has retries left.
func (i *SyncQueueItem) CanRetry() bool {
	return i.Status == QueueStatusFailed && !i.IsExhausted()
}

// Clone returns a deep copy of the item.
func (i *SyncQueueItem) Clone() *SyncQueueItem {
	if i == nil {
		return nil
	}
	c := *i
	if i.Payload != nil {
		c.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	c.LastAttemptAt = cloneTime(i.LastAttemptAt)
	c.NextRetryAt = cloneTime(i.NextRetryAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
