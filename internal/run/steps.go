package run

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sentinelqa/sentinel/internal/agent"
	"github.com/sentinelqa/sentinel/internal/browseruse"
	"github.com/sentinelqa/sentinel/internal/mail"
	"github.com/sentinelqa/sentinel/internal/metric"
	"github.com/sentinelqa/sentinel/internal/model"
)

// Fixed execution options sent with every remote task.
const (
	taskModel    = "o3"
	taskMaxSteps = 10
)

func taskRequest(test model.Test) browseruse.RunTaskRequest {
	return browseruse.RunTaskRequest{
		Task: agent.Prompt(agent.TestDefinition{
			Label:      test.Label,
			Evaluation: test.Evaluation,
		}),
		LLMModel:             taskModel,
		MaxAgentSteps:        taskMaxSteps,
		UseAdblock:           true,
		UseProxy:             true,
		HighlightElements:    false,
		EnablePublicShare:    true,
		SaveBrowserData:      false,
		StructuredOutputJSON: agent.ResponseJSONSchema,
	}
}

// startTestRun starts the remote task for a pending test run. Re-invocations
// are no-ops once the run carries an external task id.
func (e *Engine) startTestRun(ctx context.Context, testRunID int) error {
	run, err := e.storage.LoadTestRun(ctx, testRunID)
	if errors.As(err, &model.NotFoundError{}) {
		return nonRetriable("test run not found: %d", testRunID)
	} else if err != nil {
		return err
	}

	if run.ExternalTaskID != nil {
		return nil
	}

	test, err := e.storage.LoadTest(ctx, run.TestID)
	if errors.As(err, &model.NotFoundError{}) {
		return nonRetriable("test not found: %d", run.TestID)
	} else if err != nil {
		return err
	}

	taskID, err := e.tasks.RunTask(ctx, taskRequest(test))
	if err != nil {
		var transport browseruse.TransportError
		if errors.As(err, &transport) {
			return &RetryAfterError{After: e.retryDelay, Cause: err}
		}

		return err
	}

	// The first sibling to get its task accepted moves the suite run to
	// running; the remaining ones are no-ops.
	if run.SuiteRunID != nil {
		if err := e.storage.MarkSuiteRunRunning(ctx, *run.SuiteRunID); err != nil {
			return err
		}
	}

	return e.storage.MarkTestRunRunning(ctx, run.ID, taskID)
}

// pollUntilFinished polls the remote task until it reaches a terminal status
// and persists the verdict. Each iteration's side effects (step recording,
// url updates) are durable before the next iteration, so the step can be
// re-entered after a crash without losing progress.
func (e *Engine) pollUntilFinished(ctx context.Context, testRunID int) error {
	deadline := e.now().Add(e.maxPollDuration)

	for {
		run, err := e.storage.LoadTestRun(ctx, testRunID)
		if errors.As(err, &model.NotFoundError{}) {
			return nonRetriable("test run not found: %d", testRunID)
		} else if err != nil {
			return err
		}

		if run.ExternalTaskID == nil {
			return nonRetriable("test run not started: %d", testRunID)
		}

		task, err := e.tasks.GetTask(ctx, *run.ExternalTaskID)
		metric.TaskPollsTotal.Inc()
		if err != nil {
			var transport browseruse.TransportError
			if errors.As(err, &transport) {
				return &RetryAfterError{After: e.retryDelay, Cause: err}
			}

			return err
		}

		switch task.Status {
		case browseruse.TaskFinished:
			if err := e.recordSteps(ctx, run.ID, task.Steps); err != nil {
				return err
			}

			return e.persistVerdict(ctx, run.ID, task)

		case browseruse.TaskCreated, browseruse.TaskRunning:
			if task.LiveURL != nil {
				if err := e.storage.UpdateTestRunURLs(ctx, run.ID, task.LiveURL, task.PublicShareURL); err != nil {
					return err
				}
			}

			if err := e.recordSteps(ctx, run.ID, task.Steps); err != nil {
				return err
			}

			if e.maxPollDuration > 0 && e.now().After(deadline) {
				msg := fmt.Sprintf("browser task %s did not finish within %s", task.ID, e.maxPollDuration)
				return e.storage.FinishTestRun(ctx, run.ID, model.StatusFailed, &msg, task.LiveURL, task.PublicShareURL, e.now())
			}

			if err := e.sleep(ctx, e.pollInterval); err != nil {
				return err
			}

		case browseruse.TaskFailed, browseruse.TaskPaused, browseruse.TaskStopped:
			// A normal terminal outcome, not a poll-transport error.
			msg := fmt.Sprintf("browser task %s ended with status %q", task.ID, task.Status)
			return e.storage.FinishTestRun(ctx, run.ID, model.StatusFailed, &msg, task.LiveURL, task.PublicShareURL, e.now())

		default:
			return nonRetriable("browser task %s reported unknown status %q", task.ID, task.Status)
		}
	}
}

// persistVerdict parses the task's structured output into a pass/fail
// verdict and stamps the terminal run status.
func (e *Engine) persistVerdict(ctx context.Context, testRunID int, task browseruse.Task) error {
	verdict := agent.ParseResponse(task.Output)

	if verdict.Status == agent.StatusPass {
		return e.storage.FinishTestRun(ctx, testRunID, model.StatusPassed, nil, task.LiveURL, task.PublicShareURL, e.now())
	}

	errText := verdict.Error
	if errText == nil {
		msg := "test failed without an error message"
		errText = &msg
	}

	return e.storage.FinishTestRun(ctx, testRunID, model.StatusFailed, errText, task.LiveURL, task.PublicShareURL, e.now())
}

func (e *Engine) recordSteps(ctx context.Context, testRunID int, steps []browseruse.TaskStep) error {
	for _, s := range steps {
		err := e.storage.InsertTestRunStep(ctx, model.TestRunStep{
			TestRunID:      testRunID,
			CreatedAt:      e.now(),
			ExternalStepID: s.ID,
			Index:          s.Step,
			URL:            s.URL,
			Description:    s.EvaluationPreviousGoal,
		})
		if err != nil {
			return fmt.Errorf("recording step %s: %w", s.ID, err)
		}
	}

	return nil
}

// finalizeTestRun is a defensive finalize: the poll step already stamps the
// terminal status in the common path. A run that is not failed is passed.
func (e *Engine) finalizeTestRun(ctx context.Context, testRunID int) error {
	run, err := e.storage.LoadTestRun(ctx, testRunID)
	if errors.As(err, &model.NotFoundError{}) {
		return nonRetriable("test run not found: %d", testRunID)
	} else if err != nil {
		return err
	}

	if run.Status == model.StatusFailed {
		return nil
	}

	return e.storage.FinishTestRun(ctx, testRunID, model.StatusPassed, nil, nil, nil, e.now())
}

// finalizeSuiteRun derives the aggregate suite run status from its children.
// The caller guarantees that every listed test run is terminal.
func (e *Engine) finalizeSuiteRun(ctx context.Context, suiteRunID int, testRunIDs []int) error {
	runs, err := e.storage.LoadTestRuns(ctx, testRunIDs)
	if err != nil {
		return err
	}

	return e.storage.FinishSuiteRun(ctx, suiteRunID, model.AggregateStatus(runs), e.now())
}

// sendSuiteNotification sends one email for a failed suite run with a
// configured notification address. Everything else is a deliberate no-op.
func (e *Engine) sendSuiteNotification(ctx context.Context, suiteRunID int) error {
	suiteRun, err := e.storage.LoadSuiteRun(ctx, suiteRunID)
	if errors.As(err, &model.NotFoundError{}) {
		return nonRetriable("suite run not found: %d", suiteRunID)
	} else if err != nil {
		return err
	}

	suite, err := e.storage.LoadSuite(ctx, suiteRun.SuiteID)
	if errors.As(err, &model.NotFoundError{}) {
		return nonRetriable("suite not found: %d", suiteRun.SuiteID)
	} else if err != nil {
		return err
	}

	if suiteRun.Status != model.StatusFailed || suite.NotificationsEmailAddress == nil {
		return nil
	}

	if e.mailer == nil {
		return nonRetriable("suite %d requires failure notifications but outbound mail is not configured", suite.ID)
	}

	testRuns, err := e.storage.LoadSuiteRunTestRuns(ctx, suiteRunID)
	if err != nil {
		return err
	}

	summaries := make([]mail.RunSummary, 0, len(testRuns))

	for _, tr := range testRuns {
		label := "test " + strconv.Itoa(tr.TestID)

		if test, err := e.storage.LoadTest(ctx, tr.TestID); err == nil {
			label = test.Label
		}

		summaries = append(summaries, mail.RunSummary{
			RunID:      tr.ID,
			RunName:    label,
			RunStatus:  tr.Status,
			StartedAt:  tr.StartedAt,
			FinishedAt: tr.FinishedAt,
		})
	}

	err = e.mailer.SendSuiteFailed(ctx, mail.SuiteFailedMessage{
		To:         *suite.NotificationsEmailAddress,
		SuiteID:    suite.ID,
		SuiteName:  suite.Name,
		SuiteRunID: suiteRun.ID,
		StartedAt:  suiteRun.StartedAt,
		FinishedAt: suiteRun.FinishedAt,
		Runs:       summaries,
	})
	if err != nil {
		return err
	}

	metric.NotificationsSent.Inc()

	return nil
}
