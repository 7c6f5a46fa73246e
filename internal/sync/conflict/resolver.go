// Package conflict records and resolves changes the central system rejected
// as conflicting with its own copy.
package conflict

import (
	"time"

	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	return s == ResolutionStrategyLastWriteWins || s == ResolutionStrategyManual
}

// AutoResolveMinSkew is the smallest timestamp difference last-write-wins
// will act on. Closer writes go to manual review.
const AutoResolveMinSkew = time.Second

// Resolver picks a winner for a conflict.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy. Unknown
// strategies fall back to last-write-wins.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if !strategy.Valid() {
		strategy = ResolutionStrategyLastWriteWins
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Decide returns the resolution for a conflict whose local change was made
// at local and whose central copy was last written at remote. A nil remote
// means the central timestamp is unknown.
func (r *Resolver) Decide(local time.Time, remote *time.Time) string {
	if r.strategy == ResolutionStrategyManual || !ShouldAutoResolve(local, remote) {
		return models.ResolutionManualReview
	}
	// ties can't reach here; skew is at least AutoResolveMinSkew
	if local.After(*remote) {
		return models.ResolutionLocalWins
	}
	return models.ResolutionRemoteWins
}

// ShouldAutoResolve reports whether the two writes are far enough apart for
// last-write-wins to be trusted.
func ShouldAutoResolve(local time.Time, remote *time.Time) bool {
	if remote == nil || local.IsZero() {
		return false
	}
	diff := local.Sub(*remote)
	if diff < 0 {
		diff = -diff
	}
	return diff > AutoResolveMinSkew
}

// apply records the decision on log and logs it.
func (r *Resolver) apply(log *models.ConflictLog, remote *time.Time, now time.Time) {
	log.RemoteTimestamp = remote
	log.Resolution = r.Decide(log.LocalTimestamp, remote)

	fields := map[string]interface{}{
		"conflict_id":     log.ID,
		"queue_item_id":   log.QueueItemID,
		"entity_type":     log.EntityType,
		"entity_id":       log.EntityID,
		"local_timestamp": log.LocalTimestamp.Format(time.RFC3339),
		"strategy":        string(r.strategy),
		"resolution":      log.Resolution,
	}
	if remote != nil {
		fields["remote_timestamp"] = remote.Format(time.RFC3339)
	}

	if log.Resolution == models.ResolutionManualReview {
		log.ResolvedAt = nil
		logging.Warn("Conflict queued for manual review", fields)
		return
	}
	log.ResolvedAt = &now
	logging.Info("Conflict resolved using last-write-wins", fields)
}
