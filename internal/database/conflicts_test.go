package database

import (
	"context"
	"testing"
	"time"

	"salesync/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConflict(entityID string) *models.Conflict {
	return &models.Conflict{
		ID:              uuid.NewString(),
		EntityType:      models.EntityProduct,
		EntityID:        entityID,
		Type:            models.ConflictUpdateUpdate,
		Severity:        models.SeverityMedium,
		Status:          models.ConflictPending,
		ClientData:      []byte(`{"name":"client"}`),
		ServerData:      []byte(`{"name":"server"}`),
		ClientTimestamp: time.Now().Add(-time.Minute),
		ServerTimestamp: time.Now(),
		Reason:          "concurrent update detected",
		DeviceID:        "device-1",
		SyncSessionID:   uuid.NewString(),
	}
}

func TestConflictCRUD(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	c := testConflict("prod-1")
	require.NoError(t, db.SaveConflict(ctx, c))

	got, err := db.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.EntityID, got.EntityID)
	assert.Equal(t, models.ConflictPending, got.Status)
	assert.JSONEq(t, `{"name":"client"}`, string(got.ClientData))

	// Resolve
	now := time.Now()
	c.Status = models.ConflictResolved
	c.Strategy = models.StrategyLastWriteWins
	c.ResolvedData = []byte(`{"name":"server"}`)
	c.ResolvedAt = &now
	c.ResolvedBy = "auto"
	require.NoError(t, db.UpdateConflictResolution(ctx, c))

	got, err = db.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, got.Status)
	assert.Equal(t, models.StrategyLastWriteWins, got.Strategy)
	require.NotNil(t, got.ResolvedAt)
	assert.JSONEq(t, `{"name":"server"}`, string(got.ResolvedData))

	// Resolved conflicts stay in the journal
	all, err := db.ListConflictsByStatus(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetConflictNotFound(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	_, err := db.GetConflict(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestListConflictsByStatus(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	pending := testConflict("prod-1")
	require.NoError(t, db.SaveConflict(ctx, pending))

	escalated := testConflict("prod-2")
	escalated.Status = models.ConflictEscalated
	require.NoError(t, db.SaveConflict(ctx, escalated))

	got, err := db.ListConflictsByStatus(ctx, models.ConflictPending)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)

	got, err = db.ListConflictsByStatus(ctx, models.ConflictEscalated)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, escalated.ID, got[0].ID)
}

func TestConflictRules(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	low := &models.ConflictRule{
		ID:           uuid.NewString(),
		Name:         "products fall back to server",
		EntityType:   models.EntityProduct,
		ConflictType: models.ConflictUpdateUpdate,
		Strategy:     models.StrategyServerWins,
		Priority:     1,
		Active:       true,
	}
	high := &models.ConflictRule{
		ID:           uuid.NewString(),
		Name:         "price changes need review",
		EntityType:   models.EntityProduct,
		ConflictType: models.ConflictUpdateUpdate,
		Condition: models.RuleCondition{
			Field:    "price",
			Operator: models.OperatorGreaterThan,
			Value:    "1000",
		},
		Strategy: models.StrategyManual,
		Priority: 10,
		Active:   true,
	}
	inactive := &models.ConflictRule{
		ID:           uuid.NewString(),
		Name:         "disabled rule",
		EntityType:   models.EntitySale,
		ConflictType: models.ConflictVersion,
		Strategy:     models.StrategyClientWins,
		Priority:     100,
		Active:       false,
	}

	require.NoError(t, db.SaveRule(ctx, low))
	require.NoError(t, db.SaveRule(ctx, high))
	require.NoError(t, db.SaveRule(ctx, inactive))

	rules, err := db.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, high.ID, rules[0].ID)
	assert.Equal(t, low.ID, rules[1].ID)
	assert.Equal(t, models.OperatorGreaterThan, rules[0].Condition.Operator)

	rules, err = db.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	// Upsert keeps the same row
	high.Priority = 20
	require.NoError(t, db.SaveRule(ctx, high))
	rules, err = db.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 20, rules[0].Priority)

	require.NoError(t, db.DeleteRule(ctx, low.ID))
	rules, err = db.ListRules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	err = db.DeleteRule(ctx, low.ID)
	assert.Error(t, err)
}
