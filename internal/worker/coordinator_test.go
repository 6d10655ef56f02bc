package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"salesync/internal/config"
	"salesync/internal/conflict"
	"salesync/internal/database"
	"salesync/internal/models"
	"salesync/internal/network"
	"salesync/internal/retry"
	"salesync/internal/syncerr"
	"salesync/internal/transport"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitterFunc func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error)

func (f submitterFunc) SyncBatch(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
	return f(ctx, req)
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		BatchSize:         50,
		DefaultPriority:   3,
		DefaultMaxRetries: 3,
		PollInterval:      time.Hour,
		ReconnectDelayMin: 10 * time.Millisecond,
		ReconnectDelayMax: 20 * time.Millisecond,
		RateLimitRPS:      1000,
		RateLimitBurst:    100,
		RequeueBaseDelay:  5 * time.Second,
		RequeueMaxDelay:   5 * time.Minute,
	}
}

func testRetryConfig() retry.Config {
	cfg := retry.SyncConfig()
	cfg.MaxRetries = 1
	cfg.Jitter = false
	return cfg
}

func newTestCoordinator(t *testing.T, submit submitterFunc, online bool, redisClient *redis.Client) (*Coordinator, *database.DB, *network.Switch) {
	t.Helper()
	logger := zerolog.New(os.Stdout)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conflictCfg := config.ConflictConfig{
		DefaultStrategy:        models.StrategyLastWriteWins,
		UpdateThreshold:        time.Second,
		ConfidenceThreshold:    0.8,
		UpdateUpdateConfidence: 0.9,
		VersionConfidence:      0.8,
		DefaultConfidence:      0.5,
	}
	manager := conflict.NewManager(db, conflict.NewDetector(time.Second), conflict.NewResolver(conflictCfg, logger), conflictCfg, logger)

	sw := network.NewSwitch(online, logger)
	c := NewCoordinator(
		db,
		submit,
		retry.NewExecutor(logger, nil),
		manager,
		sw,
		redisClient,
		testSyncConfig(),
		testRetryConfig(),
		config.AppConfig{Name: "salesync", Version: "1.0.0", DeviceID: "device-1"},
		"salesync:dead_letter",
		logger,
	)
	return c, db, sw
}

func enqueueSale(t *testing.T, c *Coordinator, n int) []*models.QueueItem {
	t.Helper()
	items := make([]*models.QueueItem, 0, n)
	for i := 0; i < n; i++ {
		item, err := c.Enqueue(context.Background(), models.EntitySale, models.OpCreate,
			fmt.Sprintf("sale-%d", i), json.RawMessage(fmt.Sprintf(`{"total":%d}`, i)), 0)
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

func TestDrainSplitsSuccessesAndConflicts(t *testing.T) {
	var calls atomic.Int64
	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		require.Len(t, req.Operations, 1)
		n := calls.Add(1)

		result := transport.ItemResult{EntityID: req.Operations[0].EntityID, Status: transport.ItemStatusSuccess}
		resp := &transport.BatchResponse{TotalProcessed: 1, SuccessCount: 1, Results: []transport.ItemResult{result}}
		if n%2 == 0 {
			resp.SuccessCount = 0
			resp.ConflictCount = 1
			resp.Results[0].Status = transport.ItemStatusConflict
			resp.Results[0].ServerData = json.RawMessage(`{"total":999,"version":7}`)
			resp.Results[0].Message = "newer on server"
		}
		return resp, nil
	})

	c, db, _ := newTestCoordinator(t, submit, true, nil)
	enqueueSale(t, c, 40)

	result, err := c.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, result.SuccessCount)
	assert.Equal(t, 20, result.ConflictCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.NotEmpty(t, result.SessionID)

	ctx := context.Background()
	synced, err := db.CountByStatus(ctx, models.StatusSynced)
	require.NoError(t, err)
	assert.Equal(t, 20, synced)
	conflicted, err := db.CountByStatus(ctx, models.StatusConflict)
	require.NoError(t, err)
	assert.Equal(t, 20, conflicted)
	pending, err := db.CountByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestDrainJournalsServerConflicts(t *testing.T) {
	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		return &transport.BatchResponse{
			TotalProcessed: 1,
			ConflictCount:  1,
			Results: []transport.ItemResult{{
				EntityID:   req.Operations[0].EntityID,
				Status:     transport.ItemStatusConflict,
				ServerData: json.RawMessage(`{"total":999}`),
				Message:    "modified on server",
			}},
		}, nil
	})

	c, _, _ := newTestCoordinator(t, submit, true, nil)
	enqueueSale(t, c, 1)

	result, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictCount)

	pending, err := c.conflicts.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EntitySale, pending[0].EntityType)
	assert.Equal(t, "device-1", pending[0].DeviceID)
	assert.Equal(t, result.SessionID, pending[0].SyncSessionID)
}

func TestDrainOfflineShortCircuits(t *testing.T) {
	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		t.Fatal("offline drain must not touch the network")
		return nil, nil
	})

	c, db, _ := newTestCoordinator(t, submit, false, nil)
	enqueueSale(t, c, 3)

	_, err := c.Drain(context.Background())
	require.ErrorIs(t, err, ErrOffline)

	pending, err := db.CountByStatus(context.Background(), models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestDrainMutualExclusion(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		close(entered)
		<-release
		return &transport.BatchResponse{
			TotalProcessed: 1,
			SuccessCount:   1,
			Results:        []transport.ItemResult{{EntityID: req.Operations[0].EntityID, Status: transport.ItemStatusSuccess}},
		}, nil
	})

	c, _, _ := newTestCoordinator(t, submit, true, nil)
	enqueueSale(t, c, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Drain(context.Background())
		assert.NoError(t, err)
	}()

	<-entered
	_, err := c.Drain(context.Background())
	require.ErrorIs(t, err, ErrDrainInProgress)

	close(release)
	<-done

	// The guard resets once the first drain finishes.
	result, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.SuccessCount)
}

func TestDrainStopsWhenConnectivityDrops(t *testing.T) {
	var c *Coordinator
	var sw *network.Switch
	var calls atomic.Int64
	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		if calls.Add(1) == 2 {
			sw.SetOnline(false)
		}
		return &transport.BatchResponse{
			TotalProcessed: 1,
			SuccessCount:   1,
			Results:        []transport.ItemResult{{EntityID: req.Operations[0].EntityID, Status: transport.ItemStatusSuccess}},
		}, nil
	})

	c, db, sw := newTestCoordinator(t, submit, true, nil)
	enqueueSale(t, c, 5)

	result, err := c.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.SuccessCount)
	assert.NotEmpty(t, result.Errors)

	pending, err := db.CountByStatus(context.Background(), models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestDrainReschedulesRetryableFailures(t *testing.T) {
	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		return nil, syncerr.Network("test", errors.New("connection refused"))
	})

	c, db, _ := newTestCoordinator(t, submit, true, nil)
	items := enqueueSale(t, c, 1)

	result, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.NotEmpty(t, result.Errors)

	item, err := db.GetQueueItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.True(t, item.ScheduledAt.After(time.Now()), "backoff must push scheduled_at into the future")

	// A backed-off item is invisible to the next drain.
	result, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
}

func TestDrainFailsNonRetryableImmediately(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		return nil, syncerr.Validation("test", errors.New("total must be positive"))
	})

	c, db, _ := newTestCoordinator(t, submit, true, client)
	items := enqueueSale(t, c, 1)

	result, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedCount)

	item, err := db.GetQueueItem(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, item.Status)
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, "total must be positive")

	letters, err := c.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0], "total must be positive")
}

func TestDrainDeadLettersExhaustedItems(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		return nil, syncerr.Server("test", errors.New("boom"))
	})

	c, db, _ := newTestCoordinator(t, submit, true, client)
	item, err := c.Enqueue(context.Background(), models.EntitySale, models.OpCreate, "sale-1", json.RawMessage(`{"total":1}`), 0)
	require.NoError(t, err)

	// Burn through the attempt budget: each drain records one failed attempt.
	for i := 0; i < item.MaxRetries; i++ {
		_, err := db.ExecContext(context.Background(),
			`UPDATE sync_queue SET scheduled_at = ? WHERE id = ?`, time.Now().UTC().Add(-time.Minute), item.ID)
		require.NoError(t, err)

		_, err = c.Drain(context.Background())
		require.NoError(t, err)
	}

	got, err := db.GetQueueItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, item.MaxRetries, got.RetryCount)

	letters, err := c.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestDrainFailsCorruptPayloads(t *testing.T) {
	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		t.Fatal("corrupt payloads must never reach the network")
		return nil, nil
	})

	c, db, _ := newTestCoordinator(t, submit, true, nil)

	item := &models.QueueItem{
		EntityType: models.EntitySale,
		Operation:  models.OpCreate,
		EntityID:   "sale-1",
		Payload:    `{"broken`,
	}
	require.NoError(t, db.Enqueue(context.Background(), item))

	result, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedCount)

	got, err := db.GetQueueItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestReconnectTriggersDrain(t *testing.T) {
	drained := make(chan struct{})
	submit := submitterFunc(func(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error) {
		select {
		case drained <- struct{}{}:
		default:
		}
		return &transport.BatchResponse{
			TotalProcessed: 1,
			SuccessCount:   1,
			Results:        []transport.ItemResult{{EntityID: req.Operations[0].EntityID, Status: transport.ItemStatusSuccess}},
		}, nil
	})

	c, _, sw := newTestCoordinator(t, submit, false, nil)
	enqueueSale(t, c, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	time.Sleep(20 * time.Millisecond) // let Start subscribe
	sw.SetOnline(true)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not trigger a drain")
	}
}

func TestEnqueueWrapsPayloadInEnvelope(t *testing.T) {
	c, db, _ := newTestCoordinator(t, nil, false, nil)

	item, err := c.Enqueue(context.Background(), models.EntityProduct, models.OpUpdate, "product-1", json.RawMessage(`{"name":"Tea"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Priority)
	assert.Equal(t, 3, item.MaxRetries)

	got, err := db.GetQueueItem(context.Background(), item.ID)
	require.NoError(t, err)
	envelope, err := models.DecodeEnvelope(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeSchemaVersion, envelope.SchemaVersion)
	assert.Equal(t, models.EntityProduct, envelope.EntityType)
	assert.JSONEq(t, `{"name":"Tea"}`, string(envelope.Data))
}

func TestStats(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil, false, nil)
	enqueueSale(t, c, 2)
	_, err := c.Enqueue(context.Background(), models.EntityProduct, models.OpDelete, "product-1", json.RawMessage(`{}`), 1)
	require.NoError(t, err)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PendingCount)
	assert.Equal(t, 2, stats.ByEntityType[models.EntitySale])
	assert.Equal(t, 1, stats.ByPriority[1])
}
