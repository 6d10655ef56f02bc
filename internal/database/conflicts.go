package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"salesync/internal/models"
)

// ErrConflictNotFound возвращается, когда конфликт отсутствует в журнале.
var ErrConflictNotFound = errors.New("conflict not found")

// SaveConflict записывает обнаруженный конфликт в журнал.
func (db *DB) SaveConflict(ctx context.Context, c *models.Conflict) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO conflicts (id, entity_type, entity_id, conflict_type, severity, status, client_data, server_data, client_timestamp, server_timestamp, reason, device_id, sync_session_id, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		c.ID,
		c.EntityType,
		c.EntityID,
		c.Type,
		c.Severity,
		c.Status,
		string(c.ClientData),
		string(c.ServerData),
		c.ClientTimestamp,
		c.ServerTimestamp,
		c.Reason,
		c.DeviceID,
		c.SyncSessionID,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

// UpdateConflictResolution фиксирует исход разрешения конфликта.
func (db *DB) UpdateConflictResolution(ctx context.Context, c *models.Conflict) error {
	query := `UPDATE conflicts SET status = ?, resolution_strategy = ?, resolved_data = ?, resolved_at = ?, resolved_by = ? WHERE id = ?`
	result, err := db.ExecContext(ctx, query,
		c.Status,
		c.Strategy,
		string(c.ResolvedData),
		c.ResolvedAt,
		c.ResolvedBy,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conflict resolution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflictNotFound
	}
	return nil
}

// GetConflict возвращает конфликт по ID.
func (db *DB) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	query := conflictSelect + ` WHERE id = ?`
	row := db.QueryRowContext(ctx, query, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConflictsByStatus возвращает конфликты в заданном статусе, новые первыми.
// Пустой статус возвращает весь журнал.
func (db *DB) ListConflictsByStatus(ctx context.Context, status models.ConflictStatus) ([]*models.Conflict, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = db.QueryContext(ctx, conflictSelect+` ORDER BY created_at DESC`)
	} else {
		rows, err = db.QueryContext(ctx, conflictSelect+` WHERE status = ? ORDER BY created_at DESC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conflict rows: %w", err)
	}
	return conflicts, nil
}

// SaveRule добавляет или заменяет правило разрешения.
func (db *DB) SaveRule(ctx context.Context, r *models.ConflictRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO conflict_rules (id, name, entity_type, conflict_type, condition_field, condition_operator, condition_value, strategy, priority, active, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                  name = excluded.name,
                  entity_type = excluded.entity_type,
                  conflict_type = excluded.conflict_type,
                  condition_field = excluded.condition_field,
                  condition_operator = excluded.condition_operator,
                  condition_value = excluded.condition_value,
                  strategy = excluded.strategy,
                  priority = excluded.priority,
                  active = excluded.active`
	_, err := db.ExecContext(ctx, query,
		r.ID,
		r.Name,
		r.EntityType,
		r.ConflictType,
		r.Condition.Field,
		r.Condition.Operator,
		r.Condition.Value,
		r.Strategy,
		r.Priority,
		r.Active,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict rule: %w", err)
	}
	return nil
}

// DeleteRule удаляет правило разрешения по ID.
func (db *DB) DeleteRule(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM conflict_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conflict rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("conflict rule %s not found", id)
	}
	return nil
}

// ListRules возвращает правила, высший приоритет первым.
func (db *DB) ListRules(ctx context.Context, activeOnly bool) ([]models.ConflictRule, error) {
	query := `SELECT id, name, entity_type, conflict_type, condition_field, condition_operator, condition_value, strategy, priority, active, created_at
              FROM conflict_rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict rules: %w", err)
	}
	defer rows.Close()

	var rules []models.ConflictRule
	for rows.Next() {
		var r models.ConflictRule
		err := rows.Scan(
			&r.ID,
			&r.Name,
			&r.EntityType,
			&r.ConflictType,
			&r.Condition.Field,
			&r.Condition.Operator,
			&r.Condition.Value,
			&r.Strategy,
			&r.Priority,
			&r.Active,
			&r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conflict rules: %w", err)
	}
	return rules, nil
}

const conflictSelect = `SELECT id, entity_type, entity_id, conflict_type, severity, status, client_data, server_data, client_timestamp, server_timestamp, reason, resolution_strategy, resolved_data, resolved_at, resolved_by, device_id, sync_session_id, created_at
              FROM conflicts`

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var c models.Conflict
	var clientData, serverData, reason, strategy, resolvedData, resolvedBy, deviceID, sessionID sql.NullString
	var clientTS, serverTS, resolvedAt sql.NullTime
	err := row.Scan(
		&c.ID,
		&c.EntityType,
		&c.EntityID,
		&c.Type,
		&c.Severity,
		&c.Status,
		&clientData,
		&serverData,
		&clientTS,
		&serverTS,
		&reason,
		&strategy,
		&resolvedData,
		&resolvedAt,
		&resolvedBy,
		&deviceID,
		&sessionID,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	if clientData.Valid {
		c.ClientData = []byte(clientData.String)
	}
	if serverData.Valid {
		c.ServerData = []byte(serverData.String)
	}
	if clientTS.Valid {
		c.ClientTimestamp = clientTS.Time
	}
	if serverTS.Valid {
		c.ServerTimestamp = serverTS.Time
	}
	c.Reason = reason.String
	c.Strategy = models.ResolutionStrategy(strategy.String)
	if resolvedData.Valid && resolvedData.String != "" {
		c.ResolvedData = []byte(resolvedData.String)
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	c.ResolvedBy = resolvedBy.String
	c.DeviceID = deviceID.String
	c.SyncSessionID = sessionID.String

	return &c, nil
}
