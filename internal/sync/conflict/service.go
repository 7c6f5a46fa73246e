package conflict

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/uuid"
)

// Service records conflicts reported during queue processing and applies
// the resolver to them. It satisfies queue.ConflictRecorder and
// monitor.ConflictSource.
type Service struct {
	repo     Repository
	resolver *Resolver
	now      func() time.Time
}

// NewService creates a Service. A nil resolver uses last-write-wins.
func NewService(repo Repository, resolver *Resolver) *Service {
	if resolver == nil {
		resolver = NewResolver(ResolutionStrategyLastWriteWins)
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RecordConflict stores a pending conflict for item.
func (s *Service) RecordConflict(ctx context.Context, item *models.SyncQueueItem, reason string) error {
	if item == nil {
		return apperrors.New(apperrors.ErrInvalid, "conflict item is required")
	}

	log := &models.ConflictLog{
		ID:             uuid.New(),
		StoreID:        item.StoreID,
		QueueItemID:    item.ID,
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		Reason:         reason,
		LocalTimestamp: item.CreatedAt,
		Resolution:     models.ResolutionPending,
		DetectedAt:     s.now(),
	}
	if err := s.repo.Create(ctx, log); err != nil {
		return fmt.Errorf("record conflict for item %s: %w", item.ID, err)
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"conflict_id":   log.ID,
			"queue_item_id": item.ID,
			"entity_type":   item.EntityType,
			"entity_id":     item.EntityID,
			"reason":        reason,
		})
	return nil
}

// Resolve applies the configured strategy to a pending conflict, given the
// central system's last write time for the entity (nil when unknown).
func (s *Service) Resolve(ctx context.Context, id string, remoteTimestamp *time.Time) (*models.ConflictLog, error) {
	log, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if log.IsResolved() {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"conflict %s already resolved as %s", id, log.Resolution)
	}

	s.resolver.apply(log, remoteTimestamp, s.now())
	if err := s.repo.Update(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// ResolveAs records an operator's decision on an unresolved conflict.
// resolution must be local_wins or remote_wins.
func (s *Service) ResolveAs(ctx context.Context, id, resolution string) (*models.ConflictLog, error) {
	if resolution != models.ResolutionLocalWins && resolution != models.ResolutionRemoteWins {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unsupported resolution %q", resolution)
	}
	log, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if log.IsResolved() {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"conflict %s already resolved as %s", id, log.Resolution)
	}

	now := s.now()
	log.Resolution = resolution
	log.ResolvedAt = &now
	if err := s.repo.Update(ctx, log); err != nil {
		return nil, err
	}

	logging.Info("Conflict resolved by operator",
		map[string]interface{}{"conflict_id": id, "resolution": resolution})
	return log, nil
}

// List returns conflicts matching filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]*models.ConflictLog, error) {
	return s.repo.List(ctx, filter)
}

// GetConflictSummary counts conflicts for storeID; empty means all stores.
func (s *Service) GetConflictSummary(ctx context.Context, storeID string) (*models.ConflictSummary, error) {
	logs, err := s.repo.List(ctx, Filter{StoreID: storeID})
	if err != nil {
		return nil, err
	}

	summary := &models.ConflictSummary{
		ByResolution: make(map[string]int),
		ByEntityType: make(map[string]int),
	}
	for _, log := range logs {
		summary.Total++
		if log.IsResolved() {
			summary.Resolved++
		} else {
			summary.Unresolved++
		}
		summary.ByResolution[log.Resolution]++
		summary.ByEntityType[log.EntityType]++
	}
	return summary, nil
}
