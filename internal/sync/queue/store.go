package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/uuid"
)

// Store is the durable collection of queue items. Implementations must be
// safe for concurrent use and must hand out copies: callers mutate what Get
// and List return and persist it with Update.
type Store interface {
	// Get returns the item with the given id, or a NOT_FOUND AppError.
	Get(ctx context.Context, id string) (*models.SyncQueueItem, error)

	// List returns the items matching filter. Soft-deleted items are
	// excluded unless filter.IncludeInactive is set.
	List(ctx context.Context, filter Filter) ([]*models.SyncQueueItem, error)

	// Add persists a new item, assigning ID (when empty) and Seq on it.
	Add(ctx context.Context, item *models.SyncQueueItem) error

	// Update replaces a stored item keyed by ID.
	Update(ctx context.Context, item *models.SyncQueueItem) error
}

// Filter narrows a Store listing.
type Filter struct {
	// Statuses restricts results to these statuses; empty means any.
	Statuses []models.QueueStatus
	// StoreID restricts results to one origin store; empty means any.
	StoreID string
	// IncludeInactive also returns soft-deleted items.
	IncludeInactive bool
	// Match is an optional predicate applied after the fields above.
	Match func(*models.SyncQueueItem) bool
}

// Matches reports whether item satisfies every constraint of f.
func (f Filter) Matches(item *models.SyncQueueItem) bool {
	if !f.IncludeInactive && !item.IsActive {
		return false
	}
	if f.StoreID != "" && item.StoreID != f.StoreID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, item.Status) {
		return false
	}
	if f.Match != nil && !f.Match(item) {
		return false
	}
	return true
}

func errItemNotFound(id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", id)
}

// MemoryStore is an in-memory Store. Reads take a shared lock only, so
// status queries never wait behind a processing run.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.SyncQueueItem
	seq   int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*models.SyncQueueItem),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, errItemNotFound(id)
	}
	return item.Clone(), nil
}

// List implements Store. Results are ordered by Seq.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*models.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.SyncQueueItem, 0)
	for _, item := range s.items {
		if filter.Matches(item) {
			out = append(out, item.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.SyncQueueItem) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out, nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, item *models.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New()
	}
	if _, exists := s.items[item.ID]; exists {
		return apperrors.Newf(apperrors.ErrDuplicate, "queue item %s already exists", item.ID)
	}

	s.seq++
	item.Seq = s.seq
	s.items[item.ID] = item.Clone()
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, item *models.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ID]
	if !ok {
		return errItemNotFound(item.ID)
	}

	stored := item.Clone()
	stored.Seq = existing.Seq
	s.items[item.ID] = stored
	return nil
}

// Len returns the number of stored items, soft-deleted ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
