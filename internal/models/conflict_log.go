package models

import "time"

// Resolution values recorded on a ConflictLog.
const (
	ResolutionPending      = "pending"
	ResolutionLocalWins    = "local_wins"
	ResolutionRemoteWins   = "remote_wins"
	ResolutionManualReview = "manual_review_required"
)

// ConflictLog records a conflict reported by the central system for a queue
// item, and how it was eventually resolved.
type ConflictLog struct {
	ID              string     `db:"id" json:"id"`
	StoreID         string     `db:"store_id" json:"store_id"`
	QueueItemID     string     `db:"queue_item_id" json:"queue_item_id"`
	EntityType      string     `db:"entity_type" json:"entity_type"`
	EntityID        string     `db:"entity_id" json:"entity_id"`
	Reason          string     `db:"reason" json:"reason,omitempty"`
	LocalTimestamp  time.Time  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp *time.Time `db:"remote_timestamp" json:"remote_timestamp,omitempty"`
	Resolution      string     `db:"resolution" json:"resolution"`
	DetectedAt      time.Time  `db:"detected_at" json:"detected_at"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// IsResolved reports whether a winner was chosen. Conflicts awaiting
// manual review are not resolved.
func (c *ConflictLog) IsResolved() bool {
	return c.Resolution == ResolutionLocalWins || c.Resolution == ResolutionRemoteWins
}

// ConflictSummary aggregates conflict records for one store (or all stores).
type ConflictSummary struct {
	Total        int            `json:"total"`
	Unresolved   int            `json:"unresolved"`
	Resolved     int            `json:"resolved"`
	ByResolution map[string]int `json:"by_resolution,omitempty"`
	ByEntityType map[string]int `json:"by_entity_type,omitempty"`
}
