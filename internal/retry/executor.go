package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"salesync/internal/metrics"
	"salesync/internal/syncerr"

	"github.com/rs/zerolog"
)

// Operation is one unit of retryable work. The passed context carries the
// per-attempt deadline when Config.Timeout is set.
type Operation func(ctx context.Context) (interface{}, error)

// Attempt records one try of an operation.
type Attempt struct {
	Number   int
	Err      error
	Reason   syncerr.Reason
	Delay    time.Duration
	Duration time.Duration
}

// Result is the final outcome of a retried operation.
type Result struct {
	Success      bool
	Data         interface{}
	Err          error
	Attempts     []Attempt
	FinalAttempt int
	TotalTime    time.Duration
}

// Callbacks let a caller observe one specific Do invocation without a
// subscription.
type Callbacks struct {
	OnAttempt func(attempt int, err error, delay time.Duration)
	OnSuccess func(attempt int)
	OnGiveUp  func(attempt int, err error)
}

// Metrics is a rolling snapshot across all operations an executor has run.
type Metrics struct {
	TotalOperations      int64
	SuccessfulOperations int64
	FailedOperations     int64
	TotalAttempts        int64
	AverageDelay         time.Duration
	SuccessRate          float64
	MostCommonReason     syncerr.Reason
	ReasonCounts         map[syncerr.Reason]int64
}

// Executor runs operations with configurable backoff. One executor is shared
// across the process; it is safe for concurrent use.
type Executor struct {
	logger   zerolog.Logger
	classify Classifier
	subs     *subscribers

	mu         sync.Mutex
	total      int64
	successes  int64
	failures   int64
	attempts   int64
	totalDelay time.Duration
	delays     int64
	reasons    map[syncerr.Reason]int64
}

// NewExecutor builds an executor. A nil classifier falls back to
// ClassifyError.
func NewExecutor(logger zerolog.Logger, classify Classifier) *Executor {
	if classify == nil {
		classify = ClassifyError
	}
	return &Executor{
		logger:   logger.With().Str("component", "retry").Logger(),
		classify: classify,
		subs:     newSubscribers(),
		reasons:  make(map[syncerr.Reason]int64),
	}
}

// Subscribe registers a listener for all retry events this executor emits.
// The returned func removes the listener.
func (e *Executor) Subscribe(fn Listener) func() {
	return e.subs.add(fn)
}

// Do runs op until it succeeds, a non-retryable failure occurs, attempts are
// exhausted, or ctx is cancelled.
func (e *Executor) Do(ctx context.Context, name string, op Operation, cfg Config, cb Callbacks) Result {
	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	start := time.Now()
	result := Result{}

	e.emit(Event{Type: EventStarted, Operation: name, Time: start})

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("%s cancelled before attempt %d: %w", name, attempt, err)
			result.FinalAttempt = attempt - 1
			result.TotalTime = time.Since(start)
			e.recordOutcome(false, attempt-1, result.Attempts)
			metrics.IncRetryOutcome("cancelled")
			return result
		}

		e.emit(Event{Type: EventAttempt, Operation: name, Attempt: attempt, Time: time.Now()})

		attemptStart := time.Now()
		data, err := e.runAttempt(ctx, op, cfg.Timeout)
		attemptDuration := time.Since(attemptStart)

		if err == nil {
			result.Success = true
			result.Data = data
			result.FinalAttempt = attempt
			result.TotalTime = time.Since(start)
			e.emit(Event{Type: EventSuccess, Operation: name, Attempt: attempt, Time: time.Now()})
			if cb.OnSuccess != nil {
				cb.OnSuccess(attempt)
			}
			e.recordOutcome(true, attempt, result.Attempts)
			metrics.IncRetryOutcome("success")
			return result
		}

		reason := e.classify(err)
		retryable := cfg.IsRetryable(reason)
		last := attempt == maxAttempts

		rec := Attempt{Number: attempt, Err: err, Reason: reason, Duration: attemptDuration}
		metrics.IncRetryAttempt(string(reason))

		if !retryable || last {
			result.Attempts = append(result.Attempts, rec)
			result.Err = err
			result.FinalAttempt = attempt
			result.TotalTime = time.Since(start)

			e.emit(Event{Type: EventFailed, Operation: name, Attempt: attempt, Reason: reason, Err: err, Time: time.Now()})
			e.emit(Event{Type: EventGaveUp, Operation: name, Attempt: attempt, Reason: reason, Err: err, Time: time.Now()})
			if cb.OnGiveUp != nil {
				cb.OnGiveUp(attempt, err)
			}
			e.logger.Warn().
				Str("operation", name).
				Int("attempt", attempt).
				Str("reason", string(reason)).
				Bool("retryable", retryable).
				Err(err).
				Msg("retry gave up")
			e.recordOutcome(false, attempt, result.Attempts)
			metrics.IncRetryOutcome("gave_up")
			return result
		}

		delay := e.delayFor(cfg, attempt, reason)
		rec.Delay = delay
		result.Attempts = append(result.Attempts, rec)

		e.emit(Event{Type: EventFailed, Operation: name, Attempt: attempt, Reason: reason, Err: err, Delay: delay, Time: time.Now()})
		if cb.OnAttempt != nil {
			cb.OnAttempt(attempt, err, delay)
		}
		e.logger.Debug().
			Str("operation", name).
			Int("attempt", attempt).
			Str("reason", string(reason)).
			Dur("delay", delay).
			Err(err).
			Msg("attempt failed, backing off")
		e.recordDelay(delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = fmt.Errorf("%s cancelled during backoff: %w", name, ctx.Err())
			result.FinalAttempt = attempt
			result.TotalTime = time.Since(start)
			e.recordOutcome(false, attempt, result.Attempts)
			metrics.IncRetryOutcome("cancelled")
			return result
		case <-timer.C:
		}
	}

	// Unreachable: the loop always returns from its last iteration.
	result.TotalTime = time.Since(start)
	return result
}

// runAttempt applies the per-attempt deadline. A deadline hit is reported as
// a failed attempt, not as a cancellation of the whole operation.
func (e *Executor) runAttempt(ctx context.Context, op Operation, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	data, err := op(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, syncerr.Timeout("retry.attempt", err)
	}
	return data, err
}

func (e *Executor) delayFor(cfg Config, attempt int, reason syncerr.Reason) time.Duration {
	delay := cfg.BaseDelayFor(attempt)

	if cfg.Jitter {
		// ±10%
		factor := 1 + (rand.Float64()*0.2 - 0.1)
		delay = time.Duration(float64(delay) * factor)
	}

	if reason == syncerr.ReasonRateLimit {
		if floor := cfg.rateLimitFloor(); delay < floor {
			delay = floor
		}
	}
	return delay
}

func (e *Executor) emit(ev Event) {
	e.subs.emit(e.logger, ev)
}

func (e *Executor) recordOutcome(success bool, attemptCount int, attempts []Attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total++
	if success {
		e.successes++
	} else {
		e.failures++
	}
	e.attempts += int64(attemptCount)
	for _, a := range attempts {
		e.reasons[a.Reason]++
	}
}

func (e *Executor) recordDelay(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalDelay += delay
	e.delays++
}

// Metrics returns a rolling snapshot across all operations run so far.
func (e *Executor) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		TotalOperations:      e.total,
		SuccessfulOperations: e.successes,
		FailedOperations:     e.failures,
		TotalAttempts:        e.attempts,
		ReasonCounts:         make(map[syncerr.Reason]int64, len(e.reasons)),
	}
	if e.delays > 0 {
		m.AverageDelay = e.totalDelay / time.Duration(e.delays)
	}
	if e.total > 0 {
		m.SuccessRate = float64(e.successes) / float64(e.total)
	}
	var best int64
	for reason, count := range e.reasons {
		m.ReasonCounts[reason] = count
		if count > best {
			best = count
			m.MostCommonReason = reason
		}
	}
	return m
}
