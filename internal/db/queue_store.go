package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
)

// QueueStore is a SQLite-backed queue.Store.
type QueueStore struct {
	repo *Repository
}

var _ queue.Store = (*QueueStore)(nil)

// NewQueueStore creates a QueueStore over repo.
func NewQueueStore(repo *Repository) *QueueStore {
	return &QueueStore{repo: repo}
}

const queueColumns = `seq, id, store_id, entity_type, entity_id, operation, payload, priority,
	status, retry_count, max_retries, last_error, last_attempt_at, next_retry_at,
	created_at, updated_at, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*models.SyncQueueItem, error) {
	var (
		item        models.SyncQueueItem
		payload     []byte
		lastAttempt sql.NullInt64
		nextRetry   sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&item.Seq, &item.ID, &item.StoreID, &item.EntityType, &item.EntityID,
		&item.Operation, &payload, &item.Priority, &item.Status,
		&item.RetryCount, &item.MaxRetries, &item.LastError,
		&lastAttempt, &nextRetry, &createdAt, &updatedAt, &item.IsActive,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		item.Payload = payload
	}
	item.LastAttemptAt = fromNullNanos(lastAttempt)
	item.NextRetryAt = fromNullNanos(nextRetry)
	item.CreatedAt = fromNanos(createdAt)
	item.UpdatedAt = fromNanos(updatedAt)
	return &item, nil
}

// Get returns the item with id.
func (s *QueueStore) Get(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	stmt, err := s.repo.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	item, err := scanQueueItem(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("queue item", id)
	}
	if err != nil {
		return nil, dbError("get queue item", err)
	}
	return item, nil
}

// List returns matching items in Seq order.
func (s *QueueStore) List(ctx context.Context, filter queue.Filter) ([]*models.SyncQueueItem, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeInactive {
		where = append(where, "is_active = 1")
	}
	if filter.StoreID != "" {
		where = append(where, "store_id = ?")
		args = append(args, filter.StoreID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`

	rows, err := s.repo.readDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list queue items", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, dbError("scan queue item", err)
		}
		if filter.Match != nil && !filter.Match(item) {
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list queue items", err)
	}
	return items, nil
}

// Add inserts item, assigning ID (when empty) and Seq.
func (s *QueueStore) Add(ctx context.Context, item *models.SyncQueueItem) error {
	stmt, err := s.repo.PrepareStmt(ctx, `
	INSERT INTO sync_queue (id, store_id, entity_type, entity_id, operation, payload, priority,
		status, retry_count, max_retries, last_error, last_attempt_at, next_retry_at,
		created_at, updated_at, is_active)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	id := newID(item.ID)
	res, err := stmt.ExecContext(ctx,
		id, item.StoreID, item.EntityType, item.EntityID, string(item.Operation),
		[]byte(item.Payload), string(item.Priority), string(item.Status),
		item.RetryCount, item.MaxRetries, item.LastError,
		nullNanos(item.LastAttemptAt), nullNanos(item.NextRetryAt),
		toNanos(item.CreatedAt), toNanos(item.UpdatedAt), item.IsActive,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Newf(apperrors.ErrDuplicate, "queue item %s already exists", id)
		}
		return dbError("insert queue item", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return dbError("read queue sequence", err)
	}
	item.ID = id
	item.Seq = seq
	return nil
}

// Update overwrites every mutable column of an existing item. Seq and
// CreatedAt are kept.
func (s *QueueStore) Update(ctx context.Context, item *models.SyncQueueItem) error {
	stmt, err := s.repo.PrepareStmt(ctx, `
	UPDATE sync_queue SET store_id = ?, entity_type = ?, entity_id = ?, operation = ?, payload = ?,
		priority = ?, status = ?, retry_count = ?, max_retries = ?, last_error = ?,
		last_attempt_at = ?, next_retry_at = ?, updated_at = ?, is_active = ?
	WHERE id = ?`)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx,
		item.StoreID, item.EntityType, item.EntityID, string(item.Operation), []byte(item.Payload),
		string(item.Priority), string(item.Status), item.RetryCount, item.MaxRetries, item.LastError,
		nullNanos(item.LastAttemptAt), nullNanos(item.NextRetryAt), toNanos(item.UpdatedAt), item.IsActive,
		item.ID,
	)
	if err != nil {
		return dbError("update queue item", err)
	}
	return checkAffected(res, "queue item", item.ID)
}
