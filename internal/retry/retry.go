// Package retry implements the per-execution attempt coordinator for crawler
// work. It walks the configured retry strategy in order, fixing the
// engine/proxy pair per attempt, recording the attempt log, and stopping on
// the first success.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	"github.com/geda-valentim/ingestify-to-ai/internal/index"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/metrics"
)

// AttemptFunc runs one crawl attempt with the step's engine/proxy selection.
type AttemptFunc func(ctx context.Context, step jobs.RetryStep) error

// Engine coordinates the retry loop. It owns no crawl logic; the attempt
// callback does the work.
type Engine struct {
	store   jobs.Store
	clock   jobs.Clock
	emitter index.Emitter
	logger  *zap.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a retry Engine. A nil emitter disables metric documents.
func New(store jobs.Store, clock jobs.Clock, emitter index.Emitter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the strategy against the given execution job. On success the
// execution's engine_used/proxy_used reflect the winning attempt; on terminal
// failure they reflect the last attempted configuration and the returned
// error summarizes every attempt. Cancellation between attempts aborts with
// a cancelled history entry.
func (e *Engine) Run(ctx context.Context, executionID string, strategy []jobs.RetryStep, attempt AttemptFunc) error {
	if len(strategy) == 0 {
		return jobs.Invalid("retry_strategy", "empty retry strategy")
	}

	var failures []string
	for i, step := range strategy {
		if cancelled, err := e.checkCancelled(ctx, executionID, step); err != nil {
			return err
		} else if cancelled {
			return jobs.CancelledErr(fmt.Sprintf("execution %s cancelled before attempt %d", executionID, step.Attempt))
		}

		if err := e.sleep(ctx, time.Duration(step.DelaySeconds)*time.Second); err != nil {
			e.recordCancelled(executionID, step)
			return jobs.CancelledErr(fmt.Sprintf("execution %s cancelled during backoff: %v", executionID, err))
		}

		started := e.clock.Now()
		attemptErr := attempt(ctx, step)
		completed := e.clock.Now()

		entry := jobs.RetryHistoryEntry{
			Attempt:         step.Attempt,
			Engine:          step.Engine,
			UseProxy:        step.UseProxy,
			StartedAt:       started,
			CompletedAt:     completed,
			DurationSeconds: completed.Sub(started).Seconds(),
		}
		if attemptErr == nil {
			entry.Status = jobs.AttemptSuccess
		} else {
			entry.Status = jobs.AttemptFailed
			entry.ErrorType = classify(attemptErr)
			entry.ErrorMessage = attemptErr.Error()
		}
		e.record(executionID, step, entry)

		if attemptErr == nil {
			return nil
		}
		failures = append(failures, fmt.Sprintf("attempt %d (%s, proxy=%t): %v",
			step.Attempt, step.Engine, step.UseProxy, attemptErr))
		e.logger.Warn("crawl attempt failed",
			zap.String("execution_id", executionID),
			zap.Int("attempt", step.Attempt),
			zap.String("engine", string(step.Engine)),
			zap.Bool("use_proxy", step.UseProxy),
			zap.Error(attemptErr))

		if jobs.IsKind(attemptErr, jobs.KindCancelled) || errors.Is(attemptErr, context.Canceled) {
			return jobs.CancelledErr(fmt.Sprintf("execution %s cancelled during attempt %d", executionID, step.Attempt))
		}
		if i == len(strategy)-1 {
			break
		}
	}
	return jobs.Fatal("retries_exhausted",
		fmt.Sprintf("all %d attempts failed: %s", len(strategy), strings.Join(failures, "; ")), nil)
}

// checkCancelled reloads the execution and reports whether the user
// cancelled it between attempts.
func (e *Engine) checkCancelled(ctx context.Context, executionID string, step jobs.RetryStep) (bool, error) {
	execution, err := e.store.Get(ctx, executionID)
	if err != nil {
		return false, err
	}
	if execution.Status != jobs.StatusCancelled {
		return false, nil
	}
	e.recordCancelled(executionID, step)
	return true, nil
}

func (e *Engine) recordCancelled(executionID string, step jobs.RetryStep) {
	now := e.clock.Now()
	e.record(executionID, step, jobs.RetryHistoryEntry{
		Attempt:     step.Attempt,
		Engine:      step.Engine,
		UseProxy:    step.UseProxy,
		StartedAt:   now,
		CompletedAt: now,
		Status:      jobs.AttemptCancelled,
	})
}

// record appends the history entry and pins engine_used/proxy_used to this
// attempt's configuration. Recording failures never abort the run.
func (e *Engine) record(executionID string, step jobs.RetryStep, entry jobs.RetryHistoryEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := e.store.Update(ctx, executionID, func(j *jobs.Job) error {
		j.RetryHistory = append(j.RetryHistory, entry)
		j.EngineUsed = step.Engine
		j.ProxyUsed = step.UseProxy
		return nil
	})
	if err != nil {
		e.logger.Error("record retry attempt failed",
			zap.String("execution_id", executionID),
			zap.Int("attempt", entry.Attempt),
			zap.Error(err))
	}

	metrics.ObserveCrawlAttempt(string(step.Engine), string(entry.Status))
	if e.emitter != nil {
		e.emitter.Emit(index.RetryAttempt(executionID, entry.CompletedAt, entry.Attempt,
			string(entry.Engine), entry.UseProxy, string(entry.Status), string(entry.ErrorType),
			entry.DurationSeconds))
	}
}

func classify(err error) jobs.ErrorType {
	return engine.Classify(err)
}
