package conflict

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"salesync/internal/config"
	"salesync/internal/models"

	"github.com/rs/zerolog"
)

// ResolutionResult is the outcome of resolving one conflict.
type ResolutionResult struct {
	Success          bool
	Strategy         models.ResolutionStrategy
	Resolution       json.RawMessage
	Err              error
	Confidence       float64
	RequiresApproval bool
}

// Resolver picks and applies a resolution strategy for a conflict. It never
// touches storage; the manager persists its results.
type Resolver struct {
	cfg    config.ConflictConfig
	logger zerolog.Logger
}

func NewResolver(cfg config.ConflictConfig, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		logger: logger.With().Str("component", "conflict_resolver").Logger(),
	}
}

// PickStrategy resolves which strategy applies: an explicit choice beats
// matching rules, rules beat per-type defaults, per-type beats per-entity,
// and the global default is the last resort.
func (r *Resolver) PickStrategy(c *models.Conflict, explicit models.ResolutionStrategy, rules []models.ConflictRule) models.ResolutionStrategy {
	if explicit != "" {
		return explicit
	}

	for _, rule := range rules {
		if rule.Active && r.ruleMatches(rule, c) {
			r.logger.Debug().Str("rule", rule.Name).Str("conflict_id", c.ID).Str("strategy", string(rule.Strategy)).Msg("resolution rule matched")
			return rule.Strategy
		}
	}

	if s, ok := r.cfg.ByType[c.Type]; ok {
		return s
	}
	if s, ok := r.cfg.ByEntity[c.EntityType]; ok {
		return s
	}
	return r.cfg.DefaultStrategy
}

// ruleMatches checks entity type, conflict type and the optional condition.
// Rules with an empty condition field match unconditionally.
func (r *Resolver) ruleMatches(rule models.ConflictRule, c *models.Conflict) bool {
	if rule.EntityType != c.EntityType || rule.ConflictType != c.Type {
		return false
	}
	if rule.Condition.Field == "" {
		return true
	}

	value, ok := fieldValue(c.ClientData, rule.Condition.Field)
	if !ok {
		value, ok = fieldValue(c.ServerData, rule.Condition.Field)
	}
	if !ok {
		return false
	}

	switch rule.Condition.Operator {
	case models.OperatorEquals:
		return value == rule.Condition.Value
	case models.OperatorNotEquals:
		return value != rule.Condition.Value
	case models.OperatorContains:
		return strings.Contains(value, rule.Condition.Value)
	case models.OperatorGreaterThan, models.OperatorLessThan:
		got, err1 := strconv.ParseFloat(value, 64)
		want, err2 := strconv.ParseFloat(rule.Condition.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if rule.Condition.Operator == models.OperatorGreaterThan {
			return got > want
		}
		return got < want
	default:
		return false
	}
}

// Resolve applies the given strategy to the conflict. MANUAL_RESOLUTION is
// never auto-applied: the result carries the strategy with Success=false and
// RequiresApproval=true so the manager can escalate.
func (r *Resolver) Resolve(c *models.Conflict, strategy models.ResolutionStrategy) ResolutionResult {
	result := ResolutionResult{
		Strategy:         strategy,
		Confidence:       r.confidenceFor(c.Type),
		RequiresApproval: c.Severity == models.SeverityHigh || c.Severity == models.SeverityCritical,
	}

	clientPresent := len(c.ClientData) > 0 && string(c.ClientData) != "null"
	serverPresent := len(c.ServerData) > 0 && string(c.ServerData) != "null"
	if !clientPresent && !serverPresent {
		result.Err = fmt.Errorf("conflict %s has no data on either side", c.ID)
		return result
	}

	switch strategy {
	case models.StrategyClientWins:
		result.Resolution = pickSide(c.ClientData, c.ServerData)
	case models.StrategyServerWins:
		result.Resolution = pickSide(c.ServerData, c.ClientData)
	case models.StrategyLastWriteWins:
		result.Resolution = r.lastWriteWins(c)
	case models.StrategyMerge:
		merged, err := mergeData(c.ClientData, c.ServerData)
		if err != nil {
			result.Err = err
			return result
		}
		result.Resolution = merged
	case models.StrategyBusinessRules:
		result.Resolution = r.businessRules(c)
	case models.StrategyManual:
		result.RequiresApproval = true
		return result
	default:
		result.Err = fmt.Errorf("unknown resolution strategy %q", strategy)
		return result
	}

	result.Success = true
	return result
}

func (r *Resolver) confidenceFor(conflictType models.ConflictType) float64 {
	switch conflictType {
	case models.ConflictUpdateUpdate:
		return r.cfg.UpdateUpdateConfidence
	case models.ConflictVersion:
		return r.cfg.VersionConfidence
	default:
		return r.cfg.DefaultConfidence
	}
}

func (r *Resolver) lastWriteWins(c *models.Conflict) json.RawMessage {
	clientTS := c.ClientTimestamp
	serverTS := c.ServerTimestamp
	if clientTS.IsZero() {
		if ts, ok := timestampField(parseObject(c.ClientData), "updated_at"); ok {
			clientTS = ts
		}
	}
	if serverTS.IsZero() {
		if ts, ok := timestampField(parseObject(c.ServerData), "updated_at"); ok {
			serverTS = ts
		}
	}

	if clientTS.After(serverTS) {
		return pickSide(c.ClientData, c.ServerData)
	}
	return pickSide(c.ServerData, c.ClientData)
}

// businessRules implements the stock-aware policy: for inventory-affecting
// entities the server's stock figures are authoritative, everything else
// falls through to last-write-wins.
func (r *Resolver) businessRules(c *models.Conflict) json.RawMessage {
	if c.EntityType.InventoryAffecting() {
		return pickSide(c.ServerData, c.ClientData)
	}
	return r.lastWriteWins(c)
}

// mergeData takes the server snapshot as the base and fills fields the server
// has as null or missing from the client.
func mergeData(clientData, serverData json.RawMessage) (json.RawMessage, error) {
	client := parseObject(clientData)
	server := parseObject(serverData)
	if client == nil && server == nil {
		return nil, fmt.Errorf("neither side holds a mergeable object")
	}
	if server == nil {
		return clientData, nil
	}
	if client == nil {
		return serverData, nil
	}

	merged := make(map[string]interface{}, len(server)+len(client))
	for k, v := range server {
		merged[k] = v
	}
	for k, v := range client {
		if existing, ok := merged[k]; !ok || existing == nil {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged data: %w", err)
	}
	return out, nil
}

// pickSide returns preferred when it holds data, otherwise the fallback.
func pickSide(preferred, fallback json.RawMessage) json.RawMessage {
	if len(preferred) > 0 && string(preferred) != "null" {
		return preferred
	}
	return fallback
}

func fieldValue(data json.RawMessage, field string) (string, bool) {
	m := parseObject(data)
	if m == nil {
		return "", false
	}
	v, ok := m[field]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}
