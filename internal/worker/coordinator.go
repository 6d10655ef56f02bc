package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"salesync/internal/config"
	"salesync/internal/conflict"
	"salesync/internal/database"
	"salesync/internal/metrics"
	"salesync/internal/models"
	"salesync/internal/network"
	"salesync/internal/retry"
	"salesync/internal/syncerr"
	"salesync/internal/transport"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrDrainInProgress is returned when a drain is triggered while another
	// one is still running. The caller gets it immediately, without blocking.
	ErrDrainInProgress = errors.New("queue drain already in progress")

	// ErrOffline is returned when a drain is triggered without connectivity.
	ErrOffline = errors.New("no network connectivity")
)

// Submitter sends one batch of operations to the remote endpoint.
type Submitter interface {
	SyncBatch(ctx context.Context, req *transport.BatchRequest) (*transport.BatchResponse, error)
}

// Coordinator drains the durable queue to the remote endpoint. It reacts to
// connectivity changes, enforces a single drain at a time and applies
// per-item retry with backoff.
type Coordinator struct {
	db        *database.DB
	submitter Submitter
	executor  *retry.Executor
	conflicts *conflict.Manager
	monitor   network.Monitor
	redis     *redis.Client
	limiter   *rate.Limiter
	logger    zerolog.Logger

	syncCfg       config.SyncConfig
	retryCfg      retry.Config
	appCfg        config.AppConfig
	deadLetterKey string

	draining atomic.Bool
}

// NewCoordinator wires the coordinator from its dependencies. redisClient may
// be nil, which disables the dead-letter list.
func NewCoordinator(
	db *database.DB,
	submitter Submitter,
	executor *retry.Executor,
	conflicts *conflict.Manager,
	monitor network.Monitor,
	redisClient *redis.Client,
	syncCfg config.SyncConfig,
	retryCfg retry.Config,
	appCfg config.AppConfig,
	deadLetterKey string,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		db:            db,
		submitter:     submitter,
		executor:      executor,
		conflicts:     conflicts,
		monitor:       monitor,
		redis:         redisClient,
		limiter:       rate.NewLimiter(rate.Limit(syncCfg.RateLimitRPS), syncCfg.RateLimitBurst),
		logger:        logger.With().Str("component", "coordinator").Logger(),
		syncCfg:       syncCfg,
		retryCfg:      retryCfg,
		appCfg:        appCfg,
		deadLetterKey: deadLetterKey,
	}
}

// Enqueue wraps entity data in a versioned envelope and stores the operation.
func (c *Coordinator) Enqueue(ctx context.Context, entityType models.EntityType, operation models.Operation, entityID string, data json.RawMessage, priority int) (*models.QueueItem, error) {
	payload, err := models.NewEnvelope(entityType, data).Encode()
	if err != nil {
		return nil, err
	}

	item := &models.QueueItem{
		EntityType: entityType,
		Operation:  operation,
		EntityID:   entityID,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: c.syncCfg.DefaultMaxRetries,
	}
	if item.Priority == 0 {
		item.Priority = c.syncCfg.DefaultPriority
	}
	if err := c.db.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int64("item_id", item.ID).
		Str("entity_type", string(entityType)).
		Str("operation", string(operation)).
		Str("entity_id", entityID).
		Msg("operation queued")
	return item, nil
}

// Start runs the coordinator until ctx is cancelled: it subscribes to the
// network monitor and polls the queue on a fixed interval as a safety net for
// items whose backoff has elapsed.
func (c *Coordinator) Start(ctx context.Context) {
	unsubscribe := c.monitor.Subscribe(func(online bool) {
		if online {
			c.ScheduleDrain(ctx)
		}
	})
	defer unsubscribe()

	c.logger.Info().Dur("poll_interval", c.syncCfg.PollInterval).Msg("coordinator started")
	defer c.logger.Info().Msg("coordinator stopped")

	ticker := time.NewTicker(c.syncCfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) && !errors.Is(err, ErrOffline) {
				c.logger.Error().Err(err).Msg("scheduled drain failed")
			}
		}
	}
}

// ScheduleDrain triggers a drain after a randomized delay, so a fleet of
// devices regaining connectivity together does not stampede the endpoint.
func (c *Coordinator) ScheduleDrain(ctx context.Context) {
	min := c.syncCfg.ReconnectDelayMin
	max := c.syncCfg.ReconnectDelayMax
	delay := min
	if max > min {
		delay = min + time.Duration(rand.Int63n(int64(max-min)))
	}

	c.logger.Debug().Dur("delay", delay).Msg("drain scheduled after reconnect")
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := c.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) && !errors.Is(err, ErrOffline) {
			c.logger.Error().Err(err).Msg("reconnect drain failed")
		}
	}()
}

// Drain processes eligible queue items once. Manual triggers and reconnect
// triggers both land here. Only one drain runs at a time; a concurrent call
// returns ErrDrainInProgress immediately.
func (c *Coordinator) Drain(ctx context.Context) (*models.SyncResult, error) {
	if !c.monitor.IsOnline() {
		return nil, ErrOffline
	}
	if !c.draining.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer c.draining.Store(false)

	start := time.Now()
	result := &models.SyncResult{SessionID: uuid.NewString()}

	items, err := c.db.DequeueBatch(ctx, c.syncCfg.BatchSize, time.Now())
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}

	for i := range items {
		// Connectivity can drop mid-drain; the rest of the batch stays queued.
		if !c.monitor.IsOnline() {
			result.Errors = append(result.Errors, "connectivity lost mid-drain")
			break
		}
		if err := c.limiter.Wait(ctx); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rate limiter: %v", err))
			break
		}
		c.processItem(ctx, &items[i], result)
	}

	result.ProcessingTime = time.Since(start)
	metrics.ObserveDrainDuration(result.ProcessingTime)
	if pending, err := c.db.CountByStatus(ctx, models.StatusPending); err == nil {
		metrics.SetQueuePending(pending)
	}

	c.logger.Info().
		Str("session_id", result.SessionID).
		Int("items", len(items)).
		Int("synced", result.SuccessCount).
		Int("failed", result.FailedCount).
		Int("conflicts", result.ConflictCount).
		Dur("duration", result.ProcessingTime).
		Msg("drain finished")
	return result, nil
}

func (c *Coordinator) processItem(ctx context.Context, item *models.QueueItem, result *models.SyncResult) {
	envelope, err := models.DecodeEnvelope(item.Payload)
	if err != nil {
		// A payload that cannot be decoded will never sync.
		c.failTerminal(ctx, item, result, fmt.Errorf("decode payload: %w", err))
		return
	}

	req := &transport.BatchRequest{
		Operations: []transport.BatchOperation{{
			EntityType: item.EntityType,
			Operation:  item.Operation,
			EntityID:   item.EntityID,
			EntityData: envelope.Data,
			Timestamp:  item.CreatedAt,
		}},
		ClientTimestamp: time.Now(),
		DeviceID:        c.appCfg.DeviceID,
		AppVersion:      c.appCfg.Version,
		SyncSessionID:   result.SessionID,
	}

	opName := fmt.Sprintf("sync.%s.%s", item.EntityType, item.Operation)
	submit := c.executor.Do(ctx, opName, func(ctx context.Context) (interface{}, error) {
		return c.submitter.SyncBatch(ctx, req)
	}, c.retryCfg, retry.Callbacks{})

	if !submit.Success {
		c.handleSubmitFailure(ctx, item, result, submit.Err)
		return
	}

	resp := submit.Data.(*transport.BatchResponse)
	if len(resp.Results) == 0 {
		c.handleSubmitFailure(ctx, item, result, syncerr.Server("worker.processItem", errors.New("response carries no per-item results")))
		return
	}

	itemResult := resp.Results[0]
	switch itemResult.Status {
	case transport.ItemStatusSuccess:
		if err := c.db.MarkSynced(ctx, item.ID); err != nil {
			c.logger.Error().Int64("item_id", item.ID).Err(err).Msg("mark synced failed")
			result.Errors = append(result.Errors, err.Error())
			return
		}
		result.SuccessCount++
		metrics.IncQueueOperation("synced")

	case transport.ItemStatusConflict:
		c.handleConflict(ctx, item, &envelope, &itemResult, result)

	default:
		cause := itemResult.Message
		if cause == "" {
			cause = "remote rejected operation"
		}
		c.handleSubmitFailure(ctx, item, result, errors.New(cause))
	}
}

// handleConflict marks the item and journals the divergence so it can be
// resolved out of band.
func (c *Coordinator) handleConflict(ctx context.Context, item *models.QueueItem, envelope *models.Envelope, itemResult *transport.ItemResult, result *models.SyncResult) {
	if err := c.db.MarkConflict(ctx, item.ID, itemResult.Message); err != nil {
		c.logger.Error().Int64("item_id", item.ID).Err(err).Msg("mark conflict failed")
		result.Errors = append(result.Errors, err.Error())
		return
	}
	result.ConflictCount++
	metrics.IncQueueOperation("conflict")

	dc := conflict.DetectionContext{
		EntityType:    item.EntityType,
		EntityID:      item.EntityID,
		DeviceID:      c.appCfg.DeviceID,
		SyncSessionID: result.SessionID,
	}
	detected, err := c.conflicts.DetectAndRecord(ctx, envelope.Data, itemResult.ServerData, dc)
	if err != nil {
		c.logger.Error().Int64("item_id", item.ID).Err(err).Msg("record conflict failed")
		result.Errors = append(result.Errors, err.Error())
		return
	}
	if len(detected) == 0 {
		// The server saw a divergence local detection cannot reproduce.
		err := c.conflicts.Record(ctx, &models.Conflict{
			EntityType:    item.EntityType,
			EntityID:      item.EntityID,
			Type:          models.ConflictVersion,
			ClientData:    envelope.Data,
			ServerData:    itemResult.ServerData,
			Reason:        itemResult.Message,
			DeviceID:      c.appCfg.DeviceID,
			SyncSessionID: result.SessionID,
		})
		if err != nil {
			c.logger.Error().Int64("item_id", item.ID).Err(err).Msg("record conflict failed")
			result.Errors = append(result.Errors, err.Error())
		}
	}
}

// handleSubmitFailure reschedules retryable failures with backoff and sends
// everything else straight to failed.
func (c *Coordinator) handleSubmitFailure(ctx context.Context, item *models.QueueItem, result *models.SyncResult, cause error) {
	reason := retry.ClassifyError(cause)
	if !c.retryCfg.IsRetryable(reason) {
		c.failTerminal(ctx, item, result, cause)
		return
	}

	delay := c.requeueDelay(item.RetryCount + 1)
	status, err := c.db.MarkFailedOrReschedule(ctx, item.ID, cause.Error(), delay)
	if err != nil {
		c.logger.Error().Int64("item_id", item.ID).Err(err).Msg("reschedule failed")
		result.Errors = append(result.Errors, err.Error())
		return
	}

	result.Errors = append(result.Errors, fmt.Sprintf("item %d: %v", item.ID, cause))
	if status == models.StatusFailed {
		result.FailedCount++
		metrics.IncQueueOperation("failed")
		item.RetryCount++
		item.Status = models.StatusFailed
		c.pushDeadLetter(ctx, item, cause)
		return
	}
	metrics.IncQueueOperation("rescheduled")
	c.logger.Debug().
		Int64("item_id", item.ID).
		Str("reason", string(reason)).
		Dur("delay", delay).
		Msg("item rescheduled with backoff")
}

func (c *Coordinator) failTerminal(ctx context.Context, item *models.QueueItem, result *models.SyncResult, cause error) {
	if err := c.db.MarkFailed(ctx, item.ID, cause.Error()); err != nil {
		c.logger.Error().Int64("item_id", item.ID).Err(err).Msg("mark failed failed")
		result.Errors = append(result.Errors, err.Error())
		return
	}
	result.FailedCount++
	result.Errors = append(result.Errors, fmt.Sprintf("item %d: %v", item.ID, cause))
	metrics.IncQueueOperation("failed")
	item.Status = models.StatusFailed
	c.pushDeadLetter(ctx, item, cause)
}

// requeueDelay grows exponentially with the retry count, bounded by the
// configured maximum.
func (c *Coordinator) requeueDelay(attempt int) time.Duration {
	cfg := retry.Config{
		BaseDelay:  c.syncCfg.RequeueBaseDelay,
		MaxDelay:   c.syncCfg.RequeueMaxDelay,
		Multiplier: 2,
		Strategy:   retry.StrategyExponential,
	}
	return cfg.BaseDelayFor(attempt)
}

func (c *Coordinator) pushDeadLetter(ctx context.Context, item *models.QueueItem, cause error) {
	if c.redis == nil {
		return
	}
	entry := struct {
		Item     *models.QueueItem `json:"item"`
		Cause    string            `json:"cause"`
		PushedAt time.Time         `json:"pushed_at"`
	}{Item: item, Cause: cause.Error(), PushedAt: time.Now().UTC()}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error().Int64("item_id", item.ID).Err(err).Msg("encode dead letter failed")
		return
	}
	if err := c.redis.LPush(ctx, c.deadLetterKey, data).Err(); err != nil {
		c.logger.Error().Int64("item_id", item.ID).Err(err).Msg("dead letter push failed")
		return
	}
	metrics.IncDeadLetter()
}

// DeadLetters returns up to limit most recent dead-letter entries as raw JSON.
func (c *Coordinator) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if c.redis == nil {
		return nil, nil
	}
	entries, err := c.redis.LRange(ctx, c.deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	return entries, nil
}

// Stats reports the queue snapshot and refreshes the depth gauge.
func (c *Coordinator) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats, err := c.db.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SetQueuePending(stats.PendingCount)
	return stats, nil
}
