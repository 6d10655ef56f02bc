package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"salesync/internal/models"
)

// ErrItemTerminal возвращается при попытке изменить элемент очереди в
// терминальном статусе (synced, conflict, failed).
var ErrItemTerminal = errors.New("queue item is in a terminal status")

// ErrItemNotFound возвращается, когда элемент очереди отсутствует.
var ErrItemNotFound = errors.New("queue item not found")

// Enqueue добавляет операцию в очередь и проставляет ID и временные метки.
func (db *DB) Enqueue(ctx context.Context, item *models.QueueItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.ScheduledAt.Before(item.CreatedAt) {
		item.ScheduledAt = item.CreatedAt
	}
	if item.Priority == 0 {
		item.Priority = models.DefaultPriority
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = models.DefaultMaxRetries
	}
	item.Status = models.StatusPending
	item.UpdatedAt = now

	query := `INSERT INTO sync_queue (entity_type, operation, entity_id, payload, priority, retry_count, max_retries, status, last_error, created_at, updated_at, scheduled_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		item.EntityType,
		item.Operation,
		item.EntityID,
		item.Payload,
		item.Priority,
		item.RetryCount,
		item.MaxRetries,
		item.Status,
		item.LastError,
		item.CreatedAt,
		item.UpdatedAt,
		item.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id

	return nil
}

// DequeueBatch возвращает до limit ожидающих элементов, чьё время наступило,
// в порядке priority ASC, created_at ASC. Будущие scheduled_at не попадают.
func (db *DB) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]models.QueueItem, error) {
	query := `SELECT id, entity_type, operation, entity_id, payload, priority, retry_count, max_retries, status, last_error, created_at, updated_at, scheduled_at
              FROM sync_queue
              WHERE status = 'pending' AND scheduled_at <= ?
              ORDER BY priority ASC, created_at ASC
              LIMIT ?`
	rows, err := db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue rows: %w", err)
	}
	return items, nil
}

// GetQueueItem возвращает элемент очереди по ID.
func (db *DB) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	query := `SELECT id, entity_type, operation, entity_id, payload, priority, retry_count, max_retries, status, last_error, created_at, updated_at, scheduled_at
              FROM sync_queue WHERE id = ?`
	row := db.QueryRowContext(ctx, query, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// MarkSynced переводит ожидающий элемент в терминальный статус synced.
func (db *DB) MarkSynced(ctx context.Context, id int64) error {
	return db.markTerminal(ctx, id, models.StatusSynced, nil)
}

// MarkConflict переводит ожидающий элемент в терминальный статус conflict.
func (db *DB) MarkConflict(ctx context.Context, id int64, reason string) error {
	return db.markTerminal(ctx, id, models.StatusConflict, &reason)
}

// MarkFailed переводит элемент сразу в терминальный failed, минуя повторы.
// Используется для ошибок, которые повтор не исправит.
func (db *DB) MarkFailed(ctx context.Context, id int64, reason string) error {
	return db.markTerminal(ctx, id, models.StatusFailed, &reason)
}

func (db *DB) markTerminal(ctx context.Context, id int64, status models.QueueStatus, lastError *string) error {
	query := `UPDATE sync_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = 'pending'`
	result, err := db.ExecContext(ctx, query, status, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d as %s: %w", id, status, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := db.GetQueueItem(ctx, id); errors.Is(err, ErrItemNotFound) {
			return ErrItemNotFound
		}
		return ErrItemTerminal
	}
	return nil
}

// MarkFailedOrReschedule записывает неудачную попытку: пока остались попытки,
// элемент возвращается в pending с отложенным scheduled_at, иначе переводится
// в терминальный failed. Возвращает итоговый статус.
func (db *DB) MarkFailedOrReschedule(ctx context.Context, id int64, errMsg string, nextDelay time.Duration) (models.QueueStatus, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.QueueStatus
	var retryCount, maxRetries int
	row := tx.QueryRowContext(ctx, `SELECT status, retry_count, max_retries FROM sync_queue WHERE id = ?`, id)
	if err := row.Scan(&status, &retryCount, &maxRetries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrItemNotFound
		}
		return "", fmt.Errorf("failed to load queue item %d: %w", id, err)
	}
	if status.Terminal() {
		return "", ErrItemTerminal
	}

	now := time.Now().UTC()
	newCount := retryCount + 1

	if newCount >= maxRetries {
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			models.StatusFailed, newCount, errMsg, now, id)
		status = models.StatusFailed
		db.logger.Warn().Int64("item_id", id).Int("retry_count", newCount).Str("last_error", errMsg).Msg("queue item exhausted retries")
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_queue SET retry_count = ?, last_error = ?, updated_at = ?, scheduled_at = ? WHERE id = ?`,
			newCount, errMsg, now, now.Add(nextDelay), id)
		status = models.StatusPending
	}
	if err != nil {
		return "", fmt.Errorf("failed to record attempt for item %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit attempt for item %d: %w", id, err)
	}
	return status, nil
}

// CountByStatus возвращает количество элементов в заданном статусе.
func (db *DB) CountByStatus(ctx context.Context, status models.QueueStatus) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items by status: %w", err)
	}
	return count, nil
}

// Clear удаляет элементы очереди. Пустой статус очищает всю очередь.
func (db *DB) Clear(ctx context.Context, status models.QueueStatus) (int64, error) {
	var result sql.Result
	var err error
	if status == "" {
		result, err = db.ExecContext(ctx, `DELETE FROM sync_queue`)
	} else {
		result, err = db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = ?`, status)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	return result.RowsAffected()
}

// QueueStats собирает срез ожидающей очереди для панелей состояния.
func (db *DB) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{
		ByEntityType: make(map[models.EntityType]int),
		ByOperation:  make(map[models.Operation]int),
		ByPriority:   make(map[int]int),
	}

	rows, err := db.QueryContext(ctx,
		`SELECT entity_type, operation, priority, COUNT(*) FROM sync_queue WHERE status = 'pending' GROUP BY entity_type, operation, priority`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityType models.EntityType
		var operation models.Operation
		var priority, count int
		if err := rows.Scan(&entityType, &operation, &priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats.PendingCount += count
		stats.ByEntityType[entityType] += count
		stats.ByOperation[operation] += count
		stats.ByPriority[priority] += count
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	var lastSync sql.NullTime
	err = db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM sync_queue WHERE status = 'synced'`).Scan(&lastSync)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync time: %w", err)
	}
	if lastSync.Valid {
		stats.LastSyncAt = &lastSync.Time
	}

	var nextRetry sql.NullTime
	err = db.QueryRowContext(ctx, `SELECT MIN(scheduled_at) FROM sync_queue WHERE status = 'pending' AND retry_count > 0`).Scan(&nextRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to read next retry time: %w", err)
	}
	if nextRetry.Valid {
		stats.NextRetryAt = &nextRetry.Time
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (models.QueueItem, error) {
	var item models.QueueItem
	err := row.Scan(
		&item.ID,
		&item.EntityType,
		&item.Operation,
		&item.EntityID,
		&item.Payload,
		&item.Priority,
		&item.RetryCount,
		&item.MaxRetries,
		&item.Status,
		&item.LastError,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.ScheduledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, err
		}
		return item, fmt.Errorf("failed to scan queue item: %w", err)
	}
	return item, nil
}
