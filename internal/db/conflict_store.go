package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/conflict"
)

// ConflictStore is a SQLite-backed conflict.Repository.
type ConflictStore struct {
	repo *Repository
}

var _ conflict.Repository = (*ConflictStore)(nil)

// NewConflictStore creates a ConflictStore over repo.
func NewConflictStore(repo *Repository) *ConflictStore {
	return &ConflictStore{repo: repo}
}

const conflictColumns = `id, store_id, queue_item_id, entity_type, entity_id, reason,
	local_timestamp, remote_timestamp, resolution, detected_at, resolved_at`

func scanConflict(row rowScanner) (*models.ConflictLog, error) {
	var (
		log        models.ConflictLog
		local      int64
		remote     sql.NullInt64
		detectedAt int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&log.ID, &log.StoreID, &log.QueueItemID, &log.EntityType, &log.EntityID,
		&log.Reason, &local, &remote, &log.Resolution, &detectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	log.LocalTimestamp = fromNanos(local)
	log.RemoteTimestamp = fromNullNanos(remote)
	log.DetectedAt = fromNanos(detectedAt)
	log.ResolvedAt = fromNullNanos(resolvedAt)
	return &log, nil
}

// Create inserts log, assigning an ID when empty.
func (s *ConflictStore) Create(ctx context.Context, log *models.ConflictLog) error {
	log.ID = newID(log.ID)
	_, err := s.repo.db.ExecContext(ctx, `
	INSERT INTO conflict_log (`+conflictColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.StoreID, log.QueueItemID, log.EntityType, log.EntityID, log.Reason,
		toNanos(log.LocalTimestamp), nullNanos(log.RemoteTimestamp), log.Resolution,
		toNanos(log.DetectedAt), nullNanos(log.ResolvedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Newf(apperrors.ErrDuplicate, "conflict %s already exists", log.ID)
		}
		return dbError("insert conflict", err)
	}
	return nil
}

// Get returns the conflict with id.
func (s *ConflictStore) Get(ctx context.Context, id string) (*models.ConflictLog, error) {
	row := s.repo.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflict_log WHERE id = ?`, id)
	log, err := scanConflict(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conflict", id)
	}
	if err != nil {
		return nil, dbError("get conflict", err)
	}
	return log, nil
}

// List returns matching conflicts, most recently detected first.
func (s *ConflictStore) List(ctx context.Context, filter conflict.Filter) ([]*models.ConflictLog, error) {
	var (
		where []string
		args  []any
	)
	if filter.StoreID != "" {
		where = append(where, "store_id = ?")
		args = append(args, filter.StoreID)
	}
	if filter.UnresolvedOnly {
		where = append(where, "resolution NOT IN (?, ?)")
		args = append(args, models.ResolutionLocalWins, models.ResolutionRemoteWins)
	}

	query := `SELECT ` + conflictColumns + ` FROM conflict_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.repo.readDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list conflicts", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		log, err := scanConflict(rows)
		if err != nil {
			return nil, dbError("scan conflict", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list conflicts", err)
	}
	return logs, nil
}

// Update stores the resolution fields of an existing conflict.
func (s *ConflictStore) Update(ctx context.Context, log *models.ConflictLog) error {
	res, err := s.repo.db.ExecContext(ctx, `
	UPDATE conflict_log SET reason = ?, remote_timestamp = ?, resolution = ?, resolved_at = ?
	WHERE id = ?`,
		log.Reason, nullNanos(log.RemoteTimestamp), log.Resolution, nullNanos(log.ResolvedAt), log.ID)
	if err != nil {
		return dbError("update conflict", err)
	}
	return checkAffected(res, "conflict", log.ID)
}
