package conflict

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"salesync/internal/config"
	"salesync/internal/database"
	"salesync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T, cfg config.ConflictConfig) (*Manager, *database.DB) {
	t.Helper()
	logger := zerolog.New(os.Stdout)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	detector := NewDetector(cfg.UpdateThreshold)
	resolver := NewResolver(cfg, logger)
	return NewManager(db, detector, resolver, cfg, logger), db
}

func TestDetectAndRecord(t *testing.T) {
	m, db := setupManager(t, testConflictConfig())
	ctx := context.Background()

	var events []Event
	m.Subscribe(func(e Event) { events = append(events, e) })

	now := time.Now()
	conflicts, err := m.DetectAndRecord(ctx,
		snapshot(1, now),
		snapshot(1, now.Add(-time.Minute)),
		productCtx(),
	)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.NotEmpty(t, conflicts[0].ID)

	// Journaled
	saved, err := db.GetConflict(ctx, conflicts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictUpdateUpdate, saved.Type)
	assert.Equal(t, models.ConflictPending, saved.Status)

	require.Len(t, events, 1)
	assert.Equal(t, EventDetected, events[0].Type)
}

func TestDetectAndRecordNoConflict(t *testing.T) {
	m, _ := setupManager(t, testConflictConfig())

	now := time.Now()
	conflicts, err := m.DetectAndRecord(context.Background(), snapshot(1, now), snapshot(1, now), productCtx())
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResolveIsIdempotent(t *testing.T) {
	m, _ := setupManager(t, testConflictConfig())
	ctx := context.Background()

	now := time.Now()
	conflicts, err := m.DetectAndRecord(ctx, snapshot(1, now), snapshot(1, now.Add(-time.Minute)), productCtx())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	id := conflicts[0].ID

	result, err := m.Resolve(ctx, id, models.StrategyClientWins)
	require.NoError(t, err)
	require.True(t, result.Success)

	// Re-delivery of the same trigger must not re-apply anything
	_, err = m.Resolve(ctx, id, models.StrategyServerWins)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolvePersistsOutcome(t *testing.T) {
	m, db := setupManager(t, testConflictConfig())
	ctx := context.Background()

	var events []Event
	m.Subscribe(func(e Event) { events = append(events, e) })

	now := time.Now()
	conflicts, err := m.DetectAndRecord(ctx, snapshot(1, now), snapshot(1, now.Add(-time.Minute)), productCtx())
	require.NoError(t, err)
	id := conflicts[0].ID

	result, err := m.Resolve(ctx, id, "")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, models.StrategyLastWriteWins, result.Strategy)

	saved, err := db.GetConflict(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, saved.Status)
	assert.Equal(t, "auto", saved.ResolvedBy)
	require.NotNil(t, saved.ResolvedAt)
	assert.JSONEq(t, string(conflicts[0].ClientData), string(saved.ResolvedData))

	assert.Equal(t, EventResolved, events[len(events)-1].Type)
}

func TestResolveManualStrategyEscalates(t *testing.T) {
	m, db := setupManager(t, testConflictConfig())
	ctx := context.Background()

	c := &models.Conflict{
		EntityType: models.EntityProduct,
		EntityID:   "prod-1",
		Type:       models.ConflictUpdateDelete,
		ClientData: json.RawMessage(`{"name":"x"}`),
		ServerData: json.RawMessage(`{"name":"y"}`),
	}
	require.NoError(t, m.Record(ctx, c))

	result, err := m.Resolve(ctx, c.ID, "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RequiresApproval)

	saved, err := db.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictEscalated, saved.Status)
}

func TestResolveFailureKeepsPending(t *testing.T) {
	m, db := setupManager(t, testConflictConfig())
	ctx := context.Background()

	c := &models.Conflict{
		EntityType: models.EntityProduct,
		EntityID:   "prod-1",
		Type:       models.ConflictUpdateUpdate,
	}
	require.NoError(t, m.Record(ctx, c))

	result, err := m.Resolve(ctx, c.ID, models.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Error(t, result.Err)

	saved, err := db.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictPending, saved.Status)
}

func TestResolveBatchAutoDisabled(t *testing.T) {
	cfg := testConflictConfig()
	cfg.AutoResolve = false
	m, db := setupManager(t, cfg)
	ctx := context.Background()

	now := time.Now()
	_, err := m.DetectAndRecord(ctx, snapshot(1, now), snapshot(1, now.Add(-time.Minute)), productCtx())
	require.NoError(t, err)

	batch, err := m.ResolveBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)
	assert.Equal(t, 0, batch.Resolved)
	assert.Equal(t, 1, batch.Escalated)

	escalated, err := db.ListConflictsByStatus(ctx, models.ConflictEscalated)
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Nil(t, escalated[0].ResolvedData, "escalation must not apply any data")
}

func TestResolveBatchConfidenceGate(t *testing.T) {
	m, _ := setupManager(t, testConflictConfig())
	ctx := context.Background()

	now := time.Now()

	// update/update: confidence 0.9 >= threshold 0.8, auto-resolved
	_, err := m.DetectAndRecord(ctx, snapshot(1, now), snapshot(1, now.Add(-time.Minute)), productCtx())
	require.NoError(t, err)

	// create/create: confidence 0.5 < threshold, escalated
	dc := productCtx()
	dc.EntityID = "prod-2"
	_, err = m.DetectAndRecord(ctx, snapshot(1, now), nil, dc)
	require.NoError(t, err)

	batch, err := m.ResolveBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Processed)
	assert.Equal(t, 1, batch.Resolved)
	assert.Equal(t, 1, batch.Escalated)
}

func TestRuleManagement(t *testing.T) {
	m, _ := setupManager(t, testConflictConfig())
	ctx := context.Background()

	rule := &models.ConflictRule{
		Name:         "stock conflicts go manual",
		EntityType:   models.EntityStockMovement,
		ConflictType: models.ConflictUpdateUpdate,
		Strategy:     models.StrategyManual,
		Priority:     5,
		Active:       true,
	}
	require.NoError(t, m.AddRule(ctx, rule))
	assert.NotEmpty(t, rule.ID)

	rules, err := m.Rules(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, m.RemoveRule(ctx, rule.ID))
	rules, err = m.Rules(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestManagerMetrics(t *testing.T) {
	m, _ := setupManager(t, testConflictConfig())
	ctx := context.Background()

	now := time.Now()
	conflicts, err := m.DetectAndRecord(ctx, snapshot(1, now), snapshot(1, now.Add(-time.Minute)), productCtx())
	require.NoError(t, err)
	_, err = m.Resolve(ctx, conflicts[0].ID, "")
	require.NoError(t, err)

	stats := m.Metrics()
	assert.Equal(t, int64(1), stats.TotalDetected)
	assert.Equal(t, int64(1), stats.TotalResolved)
	assert.Equal(t, int64(1), stats.AutoResolved)
	assert.Equal(t, int64(1), stats.ByType[models.ConflictUpdateUpdate])
	assert.Equal(t, int64(1), stats.BySeverity[models.SeverityMedium])
	assert.Equal(t, int64(1), stats.ByStrategy[models.StrategyLastWriteWins])
	assert.InDelta(t, 1.0, stats.ResolutionRate, 0.001)
	assert.InDelta(t, 1.0, stats.AutoResolutionRate, 0.001)
}
