package models

import (
	"encoding/json"
	"time"
)

// ConflictType classifies how client and server state diverged.
type ConflictType string

const (
	ConflictCreateCreate        ConflictType = "create_create"
	ConflictUpdateUpdate        ConflictType = "update_update"
	ConflictUpdateDelete        ConflictType = "update_delete"
	ConflictDeleteUpdate        ConflictType = "delete_update"
	ConflictVersion             ConflictType = "version_conflict"
	ConflictConstraintViolation ConflictType = "constraint_violation"
	ConflictDataInconsistency   ConflictType = "data_inconsistency"
)

// ConflictSeverity drives escalation and the approval flag on resolutions.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ConflictStatus is the lifecycle state of a detected conflict. Conflicts are
// kept as an audit trail and never deleted automatically.
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated"
	ConflictFailed    ConflictStatus = "failed"
)

// ResolutionStrategy names an automatic or manual way out of a conflict.
type ResolutionStrategy string

const (
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	StrategyClientWins    ResolutionStrategy = "client_wins"
	StrategyServerWins    ResolutionStrategy = "server_wins"
	StrategyMerge         ResolutionStrategy = "merge"
	StrategyBusinessRules ResolutionStrategy = "business_rules"
	StrategyManual        ResolutionStrategy = "manual_resolution"
)

// Conflict records one detected divergence between a client entity snapshot
// and its server counterpart.
type Conflict struct {
	ID              string             `json:"id"`
	EntityType      EntityType         `json:"entity_type"`
	EntityID        string             `json:"entity_id"`
	Type            ConflictType       `json:"conflict_type"`
	Severity        ConflictSeverity   `json:"severity"`
	Status          ConflictStatus     `json:"status"`
	ClientData      json.RawMessage    `json:"client_data"`
	ServerData      json.RawMessage    `json:"server_data"`
	ClientTimestamp time.Time          `json:"client_timestamp"`
	ServerTimestamp time.Time          `json:"server_timestamp"`
	Reason          string             `json:"reason"`
	Strategy        ResolutionStrategy `json:"resolution_strategy,omitempty"`
	ResolvedData    json.RawMessage    `json:"resolved_data,omitempty"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy      string             `json:"resolved_by,omitempty"`
	DeviceID        string             `json:"device_id,omitempty"`
	SyncSessionID   string             `json:"sync_session_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// RuleOperator compares a conflict field against a rule value.
type RuleOperator string

const (
	OperatorEquals      RuleOperator = "equals"
	OperatorNotEquals   RuleOperator = "not_equals"
	OperatorContains    RuleOperator = "contains"
	OperatorGreaterThan RuleOperator = "greater_than"
	OperatorLessThan    RuleOperator = "less_than"
)

// RuleCondition is the predicate part of a resolution rule. Field refers to a
// key looked up in the conflict's client data, falling back to server data.
type RuleCondition struct {
	Field    string       `json:"field" yaml:"field"`
	Operator RuleOperator `json:"operator" yaml:"operator"`
	Value    string       `json:"value" yaml:"value"`
}

// ConflictRule binds a matching conflict to a resolution strategy. Rules are
// evaluated highest priority first; the first active match wins.
type ConflictRule struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	EntityType   EntityType         `json:"entity_type"`
	ConflictType ConflictType       `json:"conflict_type"`
	Condition    RuleCondition      `json:"condition"`
	Strategy     ResolutionStrategy `json:"strategy"`
	Priority     int                `json:"priority"`
	Active       bool               `json:"active"`
	CreatedAt    time.Time          `json:"created_at"`
}
