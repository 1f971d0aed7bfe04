// Package run implements the durable execution engine: the idempotent,
// retryable steps that start a remote browser task, poll it to completion
// while recording its progress, reconcile the test run and suite run state
// machines and dispatch the failure notification.
package run

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sentinelqa/sentinel/internal/browseruse"
	"github.com/sentinelqa/sentinel/internal/hook"
	"github.com/sentinelqa/sentinel/internal/mail"
	"github.com/sentinelqa/sentinel/internal/storage"
)

// TaskClient starts remote browser tasks and reports their status.
// Implemented by browseruse.Client; faked in tests.
type TaskClient interface {
	RunTask(ctx context.Context, r browseruse.RunTaskRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (browseruse.Task, error)
}

// Mailer sends the suite failure notification. Implemented by mail.Mailer.
type Mailer interface {
	SendSuiteFailed(ctx context.Context, msg mail.SuiteFailedMessage) error
}

// Config tunes the engine's retry and polling behavior. The zero value is
// usable; all fields default to the values documented on them.
type Config struct {
	// PollInterval is the sleep between two status polls of a running task.
	// Defaults to 1s.
	PollInterval time.Duration
	// RetryDelay is the fixed delay before a failed step is re-run.
	// Defaults to 1s.
	RetryDelay time.Duration
	// MaxStepAttempts bounds the re-runs of a failing step. Defaults to 4.
	MaxStepAttempts int
	// MaxPollDuration, when set, force-fails a test run whose remote task
	// did not reach a terminal status in time. 0 polls forever, matching
	// the behavior before this knob existed.
	MaxPollDuration time.Duration
}

// Engine executes the run-one-test and run-suite workflows. All state lives
// in storage; every step can be re-invoked safely, so a crashed workflow can
// be re-run from the triggering event.
type Engine struct {
	storage *storage.Storage
	tasks   TaskClient
	// mailer is nil when outbound mail is not configured. That is only an
	// error once a notification actually has to be sent.
	mailer Mailer
	hooks  *hook.Manager
	log    *slog.Logger

	pollInterval    time.Duration
	retryDelay      time.Duration
	maxStepAttempts int
	maxPollDuration time.Duration

	// sleep and now are replaced in tests to simulate many polling
	// iterations without real delay.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewEngine(s *storage.Storage, tasks TaskClient, mailer Mailer, hooks *hook.Manager, log *slog.Logger, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxStepAttempts <= 0 {
		cfg.MaxStepAttempts = 4
	}

	return &Engine{
		storage:         s,
		tasks:           tasks,
		mailer:          mailer,
		hooks:           hooks,
		log:             log,
		pollInterval:    cfg.PollInterval,
		retryDelay:      cfg.RetryDelay,
		maxStepAttempts: cfg.MaxStepAttempts,
		maxPollDuration: cfg.MaxPollDuration,
		sleep:           sleepContext,
		now:             time.Now,
	}
}

// runStep drives a single step to completion. Steps are retried with a fixed
// delay until they succeed, return a NonRetriableError or exhaust the
// attempt budget; a RetryAfterError overrides the delay of the next attempt.
func (e *Engine) runStep(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var permanent *NonRetriableError
		if errors.As(err, &permanent) {
			return err
		}

		if attempt >= e.maxStepAttempts {
			return err
		}

		delay := e.retryDelay

		var retry *RetryAfterError
		if errors.As(err, &retry) {
			delay = retry.After
		}

		e.log.Warn("step failed, retrying", "step", name, "attempt", attempt, "delay", delay, "error", err)

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
