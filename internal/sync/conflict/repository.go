package conflict

import (
	"cmp"
	"context"
	"slices"
	"sync"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
)

// Filter selects conflict records.
type Filter struct {
	StoreID        string
	UnresolvedOnly bool
	Limit          int
}

// Matches reports whether log passes the filter (Limit aside).
func (f Filter) Matches(log *models.ConflictLog) bool {
	if f.StoreID != "" && log.StoreID != f.StoreID {
		return false
	}
	if f.UnresolvedOnly && log.IsResolved() {
		return false
	}
	return true
}

// Repository persists conflict records.
type Repository interface {
	Create(ctx context.Context, log *models.ConflictLog) error
	Get(ctx context.Context, id string) (*models.ConflictLog, error)
	// List returns matching records, most recently detected first.
	List(ctx context.Context, filter Filter) ([]*models.ConflictLog, error)
	Update(ctx context.Context, log *models.ConflictLog) error
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	logs map[string]*models.ConflictLog
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{logs: make(map[string]*models.ConflictLog)}
}

func clone(log *models.ConflictLog) *models.ConflictLog {
	c := *log
	if log.RemoteTimestamp != nil {
		t := *log.RemoteTimestamp
		c.RemoteTimestamp = &t
	}
	if log.ResolvedAt != nil {
		t := *log.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func (r *MemoryRepository) Create(_ context.Context, log *models.ConflictLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[log.ID]; ok {
		return apperrors.Newf(apperrors.ErrDuplicate, "conflict %s already exists", log.ID)
	}
	r.logs[log.ID] = clone(log)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.ConflictLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log, ok := r.logs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", id)
	}
	return clone(log), nil
}

func (r *MemoryRepository) List(_ context.Context, filter Filter) ([]*models.ConflictLog, error) {
	r.mu.RLock()
	out := make([]*models.ConflictLog, 0, len(r.logs))
	for _, log := range r.logs {
		if filter.Matches(log) {
			out = append(out, clone(log))
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.ConflictLog) int {
		if c := b.DetectedAt.Compare(a.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Update(_ context.Context, log *models.ConflictLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[log.ID]; !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", log.ID)
	}
	r.logs[log.ID] = clone(log)
	return nil
}
