package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"salesync/internal/config"
	"salesync/internal/models"
	"salesync/internal/syncerr"

	"github.com/rs/zerolog"
)

// Item statuses the remote endpoint reports per operation.
const (
	ItemStatusSuccess  = "success"
	ItemStatusConflict = "conflict"
	ItemStatusError    = "error"
)

// BatchOperation is one queued mutation in the wire format of the batch
// endpoint.
type BatchOperation struct {
	EntityType models.EntityType `json:"entityType"`
	Operation  models.Operation  `json:"operation"`
	EntityID   string            `json:"entityId"`
	EntityData json.RawMessage   `json:"entityData"`
	Timestamp  time.Time         `json:"timestamp"`
}

// BatchRequest is the body of POST /api/sync/batch.
type BatchRequest struct {
	Operations      []BatchOperation `json:"operations"`
	ClientTimestamp time.Time        `json:"clientTimestamp"`
	DeviceID        string           `json:"deviceId"`
	AppVersion      string           `json:"appVersion"`
	SyncSessionID   string           `json:"syncSessionId"`
}

// ItemResult is the per-operation outcome inside a batch response.
type ItemResult struct {
	EntityID   string          `json:"entityId"`
	Status     string          `json:"status"`
	ServerData json.RawMessage `json:"serverData,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// BatchResponse is the body the endpoint returns for a processed batch.
type BatchResponse struct {
	TotalProcessed  int          `json:"totalProcessed"`
	SuccessCount    int          `json:"successCount"`
	ErrorCount      int          `json:"errorCount"`
	ConflictCount   int          `json:"conflictCount"`
	Results         []ItemResult `json:"results"`
	ServerTimestamp time.Time    `json:"serverTimestamp"`
}

// Client talks to the remote sync endpoint. All failures come back as typed
// errors so the retry executor can classify them without string matching.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg config.RemoteConfig, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "transport").Logger(),
	}
}

// SyncBatch submits a batch of operations. The response is returned only when
// the endpoint answered 2xx and its counts match the submitted batch.
func (c *Client) SyncBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	const op = "transport.SyncBatch"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, syncerr.Validation(op, fmt.Errorf("marshal batch request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sync/batch", bytes.NewReader(body))
	if err != nil {
		return nil, syncerr.Validation(op, fmt.Errorf("build batch request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Device-ID", req.DeviceID)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, syncerr.Timeout(op, err)
		}
		return nil, syncerr.Network(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Int("operations", len(req.Operations)).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("session_id", req.SyncSessionID).
		Msg("batch submitted")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(op, resp)
	}

	var batchResp BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
		return nil, syncerr.Server(op, fmt.Errorf("decode batch response: %w", err))
	}

	if batchResp.TotalProcessed != len(req.Operations) {
		return nil, syncerr.Server(op, fmt.Errorf("response covers %d of %d operations", batchResp.TotalProcessed, len(req.Operations)))
	}
	if batchResp.SuccessCount+batchResp.ErrorCount+batchResp.ConflictCount != batchResp.TotalProcessed {
		return nil, syncerr.Server(op, fmt.Errorf("response counts are inconsistent: %d+%d+%d != %d",
			batchResp.SuccessCount, batchResp.ErrorCount, batchResp.ConflictCount, batchResp.TotalProcessed))
	}

	return &batchResp, nil
}

func classifyStatus(op string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.Auth(op, err)
	case resp.StatusCode == http.StatusRequestTimeout:
		return syncerr.Timeout(op, err)
	case resp.StatusCode == http.StatusConflict:
		return syncerr.Conflict(op, err)
	case resp.StatusCode == http.StatusTooManyRequests:
		return syncerr.RateLimit(op, err)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return syncerr.Validation(op, err)
	case resp.StatusCode >= 500:
		return syncerr.Server(op, err)
	default:
		return syncerr.New(syncerr.ReasonUnknown, op, err)
	}
}
