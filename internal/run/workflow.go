package run

import (
	"context"
	"fmt"

	"github.com/sentinelqa/sentinel/internal/metric"
	"github.com/sentinelqa/sentinel/internal/model"
	"golang.org/x/sync/errgroup"
)

// RunTest executes the run-one-test workflow: start the remote task, poll it
// to completion, finalize the run. If any step fails unrecoverably the run
// is force-failed so the user is never left with a stuck pending/running row.
func (e *Engine) RunTest(ctx context.Context, testRunID int) error {
	log := e.log.With("test-run-id", testRunID)

	metric.TestRunsRunning.Inc()
	defer metric.TestRunsRunning.Dec()

	err := e.runTestSteps(ctx, testRunID)
	if err != nil {
		log.Error("test run workflow failed", "error", err)
		e.failTestRun(ctx, testRunID, err)
	}

	e.notifyTestRunFinished(ctx, testRunID)

	return err
}

func (e *Engine) runTestSteps(ctx context.Context, testRunID int) error {
	if err := e.runStep(ctx, "start-test-run", func(ctx context.Context) error {
		return e.startTestRun(ctx, testRunID)
	}); err != nil {
		return err
	}

	if err := e.runStep(ctx, "poll-task-until-finished", func(ctx context.Context) error {
		return e.pollUntilFinished(ctx, testRunID)
	}); err != nil {
		return err
	}

	return e.runStep(ctx, "finalize-test-run", func(ctx context.Context) error {
		return e.finalizeTestRun(ctx, testRunID)
	})
}

// RunSuite executes the run-suite workflow: fan out start and poll over all
// child test runs, join, finalize the aggregate once and conditionally send
// the failure notification. An unrecoverable failure force-fails the suite
// run and every non-terminal child (fail closed).
func (e *Engine) RunSuite(ctx context.Context, suiteRunID int) error {
	log := e.log.With("suite-run-id", suiteRunID)

	err := e.runSuiteSteps(ctx, suiteRunID)
	if err != nil {
		log.Error("suite run workflow failed", "error", err)
		e.failSuiteRun(ctx, suiteRunID, err)
	}

	e.notifySuiteRunFinished(ctx, suiteRunID)

	return err
}

func (e *Engine) runSuiteSteps(ctx context.Context, suiteRunID int) error {
	var testRunIDs []int

	if err := e.runStep(ctx, "get-test-run-ids", func(ctx context.Context) error {
		runs, err := e.storage.LoadSuiteRunTestRuns(ctx, suiteRunID)
		if err != nil {
			return err
		}

		testRunIDs = testRunIDs[:0]
		for _, r := range runs {
			testRunIDs = append(testRunIDs, r.ID)
		}

		return nil
	}); err != nil {
		return err
	}

	// Siblings run concurrently with no ordering guarantee. The two
	// g.Wait calls are the barriers: all starts, then all polls, and
	// finalization only after every poll completed.
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range testRunIDs {
		id := id
		g.Go(func() error {
			return e.runStep(gctx, fmt.Sprintf("start-test-run-%d", id), func(ctx context.Context) error {
				return e.startTestRun(ctx, id)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, id := range testRunIDs {
		id := id
		g.Go(func() error {
			return e.runStep(gctx, fmt.Sprintf("poll-task-until-finished-%d", id), func(ctx context.Context) error {
				return e.pollUntilFinished(ctx, id)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := e.runStep(ctx, "finalize-suite-run", func(ctx context.Context) error {
		return e.finalizeSuiteRun(ctx, suiteRunID, testRunIDs)
	}); err != nil {
		return err
	}

	return e.runStep(ctx, "send-suite-notification", func(ctx context.Context) error {
		return e.sendSuiteNotification(ctx, suiteRunID)
	})
}

// failTestRun is the out-of-band failure handler of the run-one-test
// workflow.
func (e *Engine) failTestRun(ctx context.Context, testRunID int, cause error) {
	if err := e.storage.FailTestRun(ctx, testRunID, fmt.Sprintf("run aborted: %v", cause), e.now()); err != nil {
		e.log.Error("unable to mark test run failed", "test-run-id", testRunID, "error", err)
	}
}

// failSuiteRun is the out-of-band failure handler of the run-suite workflow:
// it fails the suite run and force-fails all of its non-terminal children so
// nothing stays stuck pending/running after an orchestration crash.
func (e *Engine) failSuiteRun(ctx context.Context, suiteRunID int, cause error) {
	now := e.now()

	if err := e.storage.FinishSuiteRun(ctx, suiteRunID, model.StatusFailed, now); err != nil {
		e.log.Error("unable to mark suite run failed", "suite-run-id", suiteRunID, "error", err)
	}

	if err := e.storage.FailSuiteRunTestRuns(ctx, suiteRunID, fmt.Sprintf("suite run aborted: %v", cause), now); err != nil {
		e.log.Error("unable to mark suite test runs failed", "suite-run-id", suiteRunID, "error", err)
	}
}

func (e *Engine) notifyTestRunFinished(ctx context.Context, testRunID int) {
	run, err := e.storage.LoadTestRun(ctx, testRunID)
	if err != nil {
		e.log.Warn("unable to load finished test run", "test-run-id", testRunID, "error", err)
		return
	}

	metric.TestRunsTotal.WithLabelValues(string(run.Status)).Inc()

	if e.hooks == nil {
		return
	}

	test, err := e.storage.LoadTest(ctx, run.TestID)
	if err != nil {
		return
	}

	suite, err := e.storage.LoadSuite(ctx, test.SuiteID)
	if err != nil {
		return
	}

	e.hooks.NotifyTestRunFinished(ctx, suite, test, run)
}

func (e *Engine) notifySuiteRunFinished(ctx context.Context, suiteRunID int) {
	suiteRun, err := e.storage.LoadSuiteRun(ctx, suiteRunID)
	if err != nil {
		e.log.Warn("unable to load finished suite run", "suite-run-id", suiteRunID, "error", err)
		return
	}

	metric.SuiteRunsTotal.WithLabelValues(string(suiteRun.Status)).Inc()

	if e.hooks == nil {
		return
	}

	suite, err := e.storage.LoadSuite(ctx, suiteRun.SuiteID)
	if err != nil {
		return
	}

	testRuns, err := e.storage.LoadSuiteRunTestRuns(ctx, suiteRunID)
	if err != nil {
		return
	}

	e.hooks.NotifySuiteRunFinished(ctx, suite, suiteRun, testRuns)
}
