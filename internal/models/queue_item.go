package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies the business entity a queued operation applies to.
type EntityType string

const (
	EntityProduct       EntityType = "product"
	EntitySale          EntityType = "sale"
	EntityStockMovement EntityType = "stock_movement"
)

// InventoryAffecting reports whether concurrent edits on this entity type can
// corrupt stock levels, which raises conflict severity.
func (e EntityType) InventoryAffecting() bool {
	return e == EntityStockMovement
}

// Operation is the kind of mutation recorded in the queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// QueueStatus is the lifecycle state of a queue item. Only pending items are
// ever dequeued; synced, conflict and failed are terminal.
type QueueStatus string

const (
	StatusPending  QueueStatus = "pending"
	StatusSynced   QueueStatus = "synced"
	StatusConflict QueueStatus = "conflict"
	StatusFailed   QueueStatus = "failed"
)

// Terminal reports whether the status can never transition again.
func (s QueueStatus) Terminal() bool {
	return s == StatusSynced || s == StatusConflict || s == StatusFailed
}

// QueueItem is a pending mutation persisted in the sync_queue table.
type QueueItem struct {
	ID          int64       `json:"id"`
	EntityType  EntityType  `json:"entity_type"`
	Operation   Operation   `json:"operation"`
	EntityID    string      `json:"entity_id"`
	Payload     string      `json:"payload"`
	Priority    int         `json:"priority"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	Status      QueueStatus `json:"status"`
	LastError   *string     `json:"last_error"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ScheduledAt time.Time   `json:"scheduled_at"`
}

// EnvelopeSchemaVersion is bumped whenever the shape of queued entity payloads
// changes, so items enqueued before an app upgrade stay processable.
const EnvelopeSchemaVersion = 1

// Envelope wraps a queued entity payload with enough metadata to decode it
// after the entity shape has evolved.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	EntityType    EntityType      `json:"entity_type"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope wraps raw entity data in the current schema version.
func NewEnvelope(entityType EntityType, data json.RawMessage) Envelope {
	return Envelope{
		SchemaVersion: EnvelopeSchemaVersion,
		EntityType:    entityType,
		Data:          data,
	}
}

// Encode serializes the envelope for storage in QueueItem.Payload.
func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode payload envelope: %w", err)
	}
	return string(b), nil
}

// DecodeEnvelope parses a stored payload back into an envelope.
func DecodeEnvelope(raw string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Envelope{}, fmt.Errorf("decode payload envelope: %w", err)
	}
	if e.SchemaVersion == 0 {
		return Envelope{}, fmt.Errorf("payload envelope missing schema version")
	}
	return e, nil
}

// SyncResult aggregates the outcome of one drain pass over the queue.
type SyncResult struct {
	SessionID      string        `json:"session_id"`
	SuccessCount   int           `json:"success_count"`
	FailedCount    int           `json:"failed_count"`
	ConflictCount  int           `json:"conflict_count"`
	Errors         []string      `json:"errors"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// QueueStats is a snapshot of the pending queue used by dashboards.
type QueueStats struct {
	PendingCount int                `json:"pending_count"`
	ByEntityType map[EntityType]int `json:"by_entity_type"`
	ByOperation  map[Operation]int  `json:"by_operation"`
	ByPriority   map[int]int        `json:"by_priority"`
	LastSyncAt   *time.Time         `json:"last_sync_at"`
	NextRetryAt  *time.Time         `json:"next_retry_at"`
}
