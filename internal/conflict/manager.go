package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"salesync/internal/config"
	"salesync/internal/database"
	"salesync/internal/metrics"
	"salesync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAlreadyResolved is returned when a resolved conflict is resolved again.
var ErrAlreadyResolved = errors.New("conflict is already resolved")

// BatchResult aggregates one ResolveBatch pass.
type BatchResult struct {
	Processed int
	Resolved  int
	Escalated int
	Failed    int
}

// Stats is a rolling view of conflict processing since startup.
type Stats struct {
	TotalDetected      int64
	TotalResolved      int64
	TotalEscalated     int64
	TotalFailed        int64
	AutoResolved       int64
	ByType             map[models.ConflictType]int64
	BySeverity         map[models.ConflictSeverity]int64
	ByEntityType       map[models.EntityType]int64
	ByStrategy         map[models.ResolutionStrategy]int64
	ResolutionRate     float64
	AutoResolutionRate float64
}

// Manager ties detection, persistence and resolution together. Every detected
// conflict is journaled; resolved conflicts are kept for audit.
type Manager struct {
	db       *database.DB
	detector *Detector
	resolver *Resolver
	cfg      config.ConflictConfig
	logger   zerolog.Logger
	subs     *subscribers

	mu           sync.Mutex
	detected     int64
	resolved     int64
	escalated    int64
	failed       int64
	autoResolved int64
	byType       map[models.ConflictType]int64
	bySeverity   map[models.ConflictSeverity]int64
	byEntity     map[models.EntityType]int64
	byStrategy   map[models.ResolutionStrategy]int64
}

func NewManager(db *database.DB, detector *Detector, resolver *Resolver, cfg config.ConflictConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		db:         db,
		detector:   detector,
		resolver:   resolver,
		cfg:        cfg,
		logger:     logger.With().Str("component", "conflict_manager").Logger(),
		subs:       newSubscribers(),
		byType:     make(map[models.ConflictType]int64),
		bySeverity: make(map[models.ConflictSeverity]int64),
		byEntity:   make(map[models.EntityType]int64),
		byStrategy: make(map[models.ResolutionStrategy]int64),
	}
}

// Subscribe registers a listener for conflict events. The returned func
// removes it.
func (m *Manager) Subscribe(fn Listener) func() {
	return m.subs.add(fn)
}

// DetectAndRecord runs detection and journals every conflict found.
func (m *Manager) DetectAndRecord(ctx context.Context, clientData, serverData json.RawMessage, dc DetectionContext) ([]*models.Conflict, error) {
	detected := m.detector.Detect(clientData, serverData, dc)
	if len(detected) == 0 {
		return nil, nil
	}

	conflicts := make([]*models.Conflict, 0, len(detected))
	for i := range detected {
		c := detected[i]
		c.ID = uuid.NewString()
		if err := m.db.SaveConflict(ctx, &c); err != nil {
			return conflicts, fmt.Errorf("record conflict for %s/%s: %w", c.EntityType, c.EntityID, err)
		}

		metrics.IncConflictDetected(string(c.Type), string(c.Severity))
		m.recordDetected(&c)
		m.subs.emit(m.logger, Event{Type: EventDetected, Conflict: &c, Time: time.Now()})
		m.logger.Info().
			Str("conflict_id", c.ID).
			Str("entity_type", string(c.EntityType)).
			Str("entity_id", c.EntityID).
			Str("type", string(c.Type)).
			Str("severity", string(c.Severity)).
			Msg("conflict detected")

		conflicts = append(conflicts, &c)
	}
	return conflicts, nil
}

// Record journals a conflict reported by an external source, such as the
// remote endpoint flagging an item during a batch submit.
func (m *Manager) Record(ctx context.Context, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Severity == "" {
		c.Severity = SeverityFor(c.Type, c.EntityType)
	}
	if c.Status == "" {
		c.Status = models.ConflictPending
	}
	if err := m.db.SaveConflict(ctx, c); err != nil {
		return fmt.Errorf("record conflict for %s/%s: %w", c.EntityType, c.EntityID, err)
	}
	metrics.IncConflictDetected(string(c.Type), string(c.Severity))
	m.recordDetected(c)
	m.subs.emit(m.logger, Event{Type: EventDetected, Conflict: c, Time: time.Now()})
	return nil
}

// Resolve resolves one conflict. An empty strategy lets rules and defaults
// decide. Resolving an already resolved conflict is rejected so repeated
// delivery of the same trigger stays idempotent.
func (m *Manager) Resolve(ctx context.Context, id string, explicit models.ResolutionStrategy) (ResolutionResult, error) {
	c, err := m.db.GetConflict(ctx, id)
	if err != nil {
		return ResolutionResult{}, err
	}
	if c.Status == models.ConflictResolved {
		return ResolutionResult{}, ErrAlreadyResolved
	}

	rules, err := m.db.ListRules(ctx, true)
	if err != nil {
		return ResolutionResult{}, err
	}

	strategy := m.resolver.PickStrategy(c, explicit, rules)
	result := m.resolver.Resolve(c, strategy)

	switch {
	case result.Err != nil:
		// The conflict stays pending so it can be retried or escalated later.
		m.recordOutcome(EventFailed, strategy, false)
		m.subs.emit(m.logger, Event{Type: EventFailed, Conflict: c, Strategy: strategy, Err: result.Err, Time: time.Now()})
		m.logger.Warn().Str("conflict_id", c.ID).Str("strategy", string(strategy)).Err(result.Err).Msg("conflict resolution failed")
		return result, nil

	case strategy == models.StrategyManual:
		if err := m.escalate(ctx, c, strategy); err != nil {
			return result, err
		}
		return result, nil

	default:
		now := time.Now().UTC()
		c.Status = models.ConflictResolved
		c.Strategy = strategy
		c.ResolvedData = result.Resolution
		c.ResolvedAt = &now
		c.ResolvedBy = resolvedBy(explicit)
		if err := m.db.UpdateConflictResolution(ctx, c); err != nil {
			return result, err
		}

		metrics.IncConflictResolved(string(strategy))
		m.recordOutcome(EventResolved, strategy, explicit == "")
		m.subs.emit(m.logger, Event{Type: EventResolved, Conflict: c, Strategy: strategy, Time: time.Now()})
		m.logger.Info().
			Str("conflict_id", c.ID).
			Str("strategy", string(strategy)).
			Float64("confidence", result.Confidence).
			Bool("requires_approval", result.RequiresApproval).
			Msg("conflict resolved")
		return result, nil
	}
}

// ResolveBatch attempts automatic resolution of all pending conflicts.
// Conflicts are escalated untouched when auto-resolution is disabled, the
// strategy demands manual handling, or confidence falls below the threshold.
func (m *Manager) ResolveBatch(ctx context.Context) (BatchResult, error) {
	pending, err := m.db.ListConflictsByStatus(ctx, models.ConflictPending)
	if err != nil {
		return BatchResult{}, err
	}

	rules, err := m.db.ListRules(ctx, true)
	if err != nil {
		return BatchResult{}, err
	}

	var batch BatchResult
	for _, c := range pending {
		batch.Processed++

		strategy := m.resolver.PickStrategy(c, "", rules)
		if !m.cfg.AutoResolve || strategy == models.StrategyManual {
			if err := m.escalate(ctx, c, strategy); err != nil {
				return batch, err
			}
			batch.Escalated++
			continue
		}

		result := m.resolver.Resolve(c, strategy)
		if result.Err != nil {
			batch.Failed++
			m.recordOutcome(EventFailed, strategy, false)
			m.subs.emit(m.logger, Event{Type: EventFailed, Conflict: c, Strategy: strategy, Err: result.Err, Time: time.Now()})
			continue
		}
		if result.Confidence < m.cfg.ConfidenceThreshold {
			if err := m.escalate(ctx, c, strategy); err != nil {
				return batch, err
			}
			batch.Escalated++
			continue
		}

		now := time.Now().UTC()
		c.Status = models.ConflictResolved
		c.Strategy = strategy
		c.ResolvedData = result.Resolution
		c.ResolvedAt = &now
		c.ResolvedBy = "auto"
		if err := m.db.UpdateConflictResolution(ctx, c); err != nil {
			return batch, err
		}
		batch.Resolved++

		metrics.IncConflictResolved(string(strategy))
		m.recordOutcome(EventResolved, strategy, true)
		m.subs.emit(m.logger, Event{Type: EventResolved, Conflict: c, Strategy: strategy, Time: time.Now()})
	}

	m.logger.Info().
		Int("processed", batch.Processed).
		Int("resolved", batch.Resolved).
		Int("escalated", batch.Escalated).
		Int("failed", batch.Failed).
		Msg("batch resolution finished")
	return batch, nil
}

func (m *Manager) escalate(ctx context.Context, c *models.Conflict, strategy models.ResolutionStrategy) error {
	c.Status = models.ConflictEscalated
	c.Strategy = strategy
	if err := m.db.UpdateConflictResolution(ctx, c); err != nil {
		return fmt.Errorf("escalate conflict %s: %w", c.ID, err)
	}
	m.recordOutcome(EventEscalated, strategy, false)
	m.subs.emit(m.logger, Event{Type: EventEscalated, Conflict: c, Strategy: strategy, Time: time.Now()})
	m.logger.Info().Str("conflict_id", c.ID).Str("severity", string(c.Severity)).Msg("conflict escalated for manual review")
	return nil
}

// Pending returns unresolved conflicts, newest first.
func (m *Manager) Pending(ctx context.Context) ([]*models.Conflict, error) {
	return m.db.ListConflictsByStatus(ctx, models.ConflictPending)
}

// Resolved returns the resolved part of the journal, newest first.
func (m *Manager) Resolved(ctx context.Context) ([]*models.Conflict, error) {
	return m.db.ListConflictsByStatus(ctx, models.ConflictResolved)
}

// All returns the full conflict journal, newest first.
func (m *Manager) All(ctx context.Context) ([]*models.Conflict, error) {
	return m.db.ListConflictsByStatus(ctx, "")
}

// AddRule persists a resolution rule, assigning an ID when absent.
func (m *Manager) AddRule(ctx context.Context, rule *models.ConflictRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	return m.db.SaveRule(ctx, rule)
}

// RemoveRule deletes a resolution rule.
func (m *Manager) RemoveRule(ctx context.Context, id string) error {
	return m.db.DeleteRule(ctx, id)
}

// Rules lists resolution rules, highest priority first.
func (m *Manager) Rules(ctx context.Context, activeOnly bool) ([]models.ConflictRule, error) {
	return m.db.ListRules(ctx, activeOnly)
}

func (m *Manager) recordDetected(c *models.Conflict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detected++
	m.byType[c.Type]++
	m.bySeverity[c.Severity]++
	m.byEntity[c.EntityType]++
}

func (m *Manager) recordOutcome(event EventType, strategy models.ResolutionStrategy, auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch event {
	case EventResolved:
		m.resolved++
		m.byStrategy[strategy]++
		if auto {
			m.autoResolved++
		}
	case EventEscalated:
		m.escalated++
	case EventFailed:
		m.failed++
	}
}

// Metrics returns rolling conflict statistics since startup.
func (m *Manager) Metrics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalDetected:  m.detected,
		TotalResolved:  m.resolved,
		TotalEscalated: m.escalated,
		TotalFailed:    m.failed,
		AutoResolved:   m.autoResolved,
		ByType:         make(map[models.ConflictType]int64, len(m.byType)),
		BySeverity:     make(map[models.ConflictSeverity]int64, len(m.bySeverity)),
		ByEntityType:   make(map[models.EntityType]int64, len(m.byEntity)),
		ByStrategy:     make(map[models.ResolutionStrategy]int64, len(m.byStrategy)),
	}
	for k, v := range m.byType {
		s.ByType[k] = v
	}
	for k, v := range m.bySeverity {
		s.BySeverity[k] = v
	}
	for k, v := range m.byEntity {
		s.ByEntityType[k] = v
	}
	for k, v := range m.byStrategy {
		s.ByStrategy[k] = v
	}
	if m.detected > 0 {
		s.ResolutionRate = float64(m.resolved) / float64(m.detected)
	}
	if m.resolved > 0 {
		s.AutoResolutionRate = float64(m.autoResolved) / float64(m.resolved)
	}
	return s
}

func resolvedBy(explicit models.ResolutionStrategy) string {
	if explicit != "" {
		return "operator"
	}
	return "auto"
}
