package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sentinelqa/sentinel/internal/browseruse"
	"github.com/sentinelqa/sentinel/internal/mail"
	"github.com/sentinelqa/sentinel/internal/model"
	"github.com/sentinelqa/sentinel/internal/storage"
	"github.com/stretchr/testify/assert"
)

// fakeTaskClient serves a scripted sequence of task states per task id. Once
// the sequence is exhausted the last state is repeated.
type fakeTaskClient struct {
	mu sync.Mutex

	runTaskErr error
	nextTaskID int

	states map[string][]browseruse.Task
	polls  map[string]int

	started []browseruse.RunTaskRequest
}

func newFakeTaskClient() *fakeTaskClient {
	return &fakeTaskClient{
		states: map[string][]browseruse.Task{},
		polls:  map[string]int{},
	}
}

func (f *fakeTaskClient) script(taskID string, states ...browseruse.Task) {
	for i := range states {
		states[i].ID = taskID
	}

	f.states[taskID] = states
}

func (f *fakeTaskClient) RunTask(_ context.Context, r browseruse.RunTaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.runTaskErr != nil {
		return "", f.runTaskErr
	}

	f.started = append(f.started, r)
	f.nextTaskID++

	return fmt.Sprintf("task-%d", f.nextTaskID), nil
}

func (f *fakeTaskClient) GetTask(_ context.Context, taskID string) (browseruse.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	states := f.states[taskID]
	if len(states) == 0 {
		return browseruse.Task{}, browseruse.TransportError{Cause: errors.New("unknown task " + taskID)}
	}

	i := f.polls[taskID]
	if i >= len(states) {
		i = len(states) - 1
	}
	f.polls[taskID]++

	return states[i], nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.SuiteFailedMessage
}

func (f *fakeMailer) SendSuiteFailed(_ context.Context, msg mail.SuiteFailedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, msg)

	return nil
}

func (f *fakeMailer) sentMessages() []mail.SuiteFailedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]mail.SuiteFailedMessage{}, f.sent...)
}

type engineTest struct {
	engine  *Engine
	storage *storage.Storage
	tasks   *fakeTaskClient
	mailer  *fakeMailer
}

func newEngineTest(t *testing.T, cfg Config) *engineTest {
	t.Helper()

	s, err := storage.New("", slog.Default())
	if err != nil {
		t.Fatalf("creating storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tasks := newFakeTaskClient()
	mailer := &fakeMailer{}

	e := NewEngine(s, tasks, mailer, nil, slog.Default(), cfg)

	// simulated clock, sleeping advances time instantly
	var mu sync.Mutex
	now := time.Now()

	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
		return nil
	}

	return &engineTest{engine: e, storage: s, tasks: tasks, mailer: mailer}
}

func (et *engineTest) createSuite(t *testing.T, notifyAddress *string) int {
	t.Helper()

	id, err := et.storage.CreateSuite(context.Background(), model.Suite{
		Name:                      "suite",
		CreatedAt:                 time.Now(),
		NotificationsEmailAddress: notifyAddress,
	})
	assert.NoError(t, err)

	return id
}

func (et *engineTest) createTest(t *testing.T, suiteID int, label string) int {
	t.Helper()

	id, err := et.storage.CreateTest(context.Background(), model.Test{
		SuiteID:    suiteID,
		CreatedAt:  time.Now(),
		Label:      label,
		Evaluation: "evaluation for " + label,
	})
	assert.NoError(t, err)

	return id
}

func (et *engineTest) createTestRun(t *testing.T, testID int, suiteRunID *int) int {
	t.Helper()

	id, err := et.storage.CreateTestRun(context.Background(), testID, suiteRunID, time.Now())
	assert.NoError(t, err)

	return id
}

func str(s string) *string { return &s }

func TestRunTestPasses(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)
	testID := et.createTest(t, suiteID, "login")
	runID := et.createTestRun(t, testID, nil)

	et.tasks.script("task-1",
		browseruse.Task{Status: browseruse.TaskCreated},
		browseruse.Task{
			Status:  browseruse.TaskRunning,
			LiveURL: str("https://live.example.com"),
			Steps: []browseruse.TaskStep{
				{ID: "s1", Step: 1, URL: "https://example.com", EvaluationPreviousGoal: "opened the page"},
			},
		},
		browseruse.Task{
			Status:         browseruse.TaskFinished,
			PublicShareURL: str("https://share.example.com"),
			Steps: []browseruse.TaskStep{
				{ID: "s1", Step: 1, URL: "https://example.com", EvaluationPreviousGoal: "opened the page"},
				{ID: "s2", Step: 2, URL: "https://example.com/login", EvaluationPreviousGoal: "logged in"},
			},
			Output: str(`{"status":"pass","steps":null,"error":null}`),
		},
	)

	err := et.engine.RunTest(ctx, runID)
	assert.NoError(t, err)

	run, err := et.storage.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPassed, run.Status)
	assert.Nil(t, run.Error)
	assert.Equal(t, "task-1", *run.ExternalTaskID)
	assert.Equal(t, "https://live.example.com", *run.LiveURL)
	assert.Equal(t, "https://share.example.com", *run.PublicShareURL)

	steps, err := et.storage.LoadTestRunSteps(ctx, runID)
	assert.NoError(t, err)
	assert.Len(t, steps, 2, "re-observed steps must not be duplicated")

	// the rendered prompt must carry the evaluation of the right test
	assert.Len(t, et.tasks.started, 1)
	assert.Contains(t, et.tasks.started[0].Task, "evaluation for login")
}

func TestRunTestFailingVerdict(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)
	testID := et.createTest(t, suiteID, "checkout")
	runID := et.createTestRun(t, testID, nil)

	et.tasks.script("task-1", browseruse.Task{
		Status: browseruse.TaskFinished,
		Output: str(`{"status":"failing","steps":null,"error":"the pay button is missing"}`),
	})

	err := et.engine.RunTest(ctx, runID)
	assert.NoError(t, err, "a failing verdict is a successful workflow")

	run, err := et.storage.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Equal(t, "the pay button is missing", *run.Error)
}

func TestRunTestMissingOutputFailsRun(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)
	testID := et.createTest(t, suiteID, "empty")
	runID := et.createTestRun(t, testID, nil)

	et.tasks.script("task-1", browseruse.Task{Status: browseruse.TaskFinished})

	err := et.engine.RunTest(ctx, runID)
	assert.NoError(t, err)

	run, err := et.storage.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Equal(t, "No output was provided!", *run.Error)
}

func TestRunTestStoppedTaskFailsRun(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)
	testID := et.createTest(t, suiteID, "stopped")
	runID := et.createTestRun(t, testID, nil)

	et.tasks.script("task-1", browseruse.Task{Status: browseruse.TaskStopped})

	err := et.engine.RunTest(ctx, runID)
	assert.NoError(t, err)

	run, err := et.storage.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Contains(t, *run.Error, `status "stopped"`)
}

func TestRunTestUnknownStatusAbortsWorkflow(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)
	testID := et.createTest(t, suiteID, "unknown")
	runID := et.createTestRun(t, testID, nil)

	et.tasks.script("task-1", browseruse.Task{Status: browseruse.TaskStatus("exploded")})

	err := et.engine.RunTest(ctx, runID)
	assert.Error(t, err)

	var permanent *NonRetriableError
	assert.ErrorAs(t, err, &permanent)

	run, err := et.storage.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status, "aborted workflows must fail closed")
	assert.Contains(t, *run.Error, "run aborted")
}

func TestRunTestTransportErrorExhaustsRetries(t *testing.T) {
	et := newEngineTest(t, Config{MaxStepAttempts: 2})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)
	testID := et.createTest(t, suiteID, "unreachable")
	runID := et.createTestRun(t, testID, nil)

	et.tasks.runTaskErr = browseruse.TransportError{Cause: errors.New("connection refused")}

	err := et.engine.RunTest(ctx, runID)
	assert.Error(t, err)

	run, err := et.storage.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Contains(t, *run.Error, "run aborted")
}

func TestRunTestMaxPollDurationForceFails(t *testing.T) {
	et := newEngineTest(t, Config{MaxPollDuration: 10 * time.Second})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)
	testID := et.createTest(t, suiteID, "never-finishes")
	runID := et.createTestRun(t, testID, nil)

	et.tasks.script("task-1", browseruse.Task{Status: browseruse.TaskRunning})

	err := et.engine.RunTest(ctx, runID)
	assert.NoError(t, err)

	run, err := et.storage.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Contains(t, *run.Error, "did not finish within")
}

func TestStartTestRunIsReentrant(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)
	testID := et.createTest(t, suiteID, "reentrant")
	runID := et.createTestRun(t, testID, nil)

	assert.NoError(t, et.engine.startTestRun(ctx, runID))
	assert.NoError(t, et.engine.startTestRun(ctx, runID))

	assert.Len(t, et.tasks.started, 1, "a run with a task id must not start a second task")
}

func TestRunSuiteAggregatesAndNotifies(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, str("qa@example.com"))
	passingID := et.createTest(t, suiteID, "passing")
	failingID := et.createTest(t, suiteID, "failing")

	suiteRunID, err := et.storage.CreateSuiteRun(ctx, suiteID, time.Now())
	assert.NoError(t, err)

	passingRunID := et.createTestRun(t, passingID, &suiteRunID)
	failingRunID := et.createTestRun(t, failingID, &suiteRunID)

	et.tasks.script("task-1", browseruse.Task{
		Status: browseruse.TaskFinished,
		Output: str(`{"status":"pass","steps":null,"error":null}`),
	})
	et.tasks.script("task-2", browseruse.Task{
		Status: browseruse.TaskFinished,
		Output: str(`{"status":"failing","steps":null,"error":"broken"}`),
	})

	err = et.engine.RunSuite(ctx, suiteRunID)
	assert.NoError(t, err)

	suiteRun, err := et.storage.LoadSuiteRun(ctx, suiteRunID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, suiteRun.Status)
	assert.NotNil(t, suiteRun.FinishedAt)

	runs, err := et.storage.LoadTestRuns(ctx, []int{passingRunID, failingRunID})
	assert.NoError(t, err)
	assert.Len(t, runs, 2)

	for _, r := range runs {
		assert.True(t, r.Status.Terminal())
	}

	sent := et.mailer.sentMessages()
	assert.Len(t, sent, 1)
	assert.Equal(t, "qa@example.com", sent[0].To)
	assert.Equal(t, "suite", sent[0].SuiteName)
	assert.Len(t, sent[0].Runs, 2)
}

func TestRunSuitePassedSendsNoNotification(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, str("qa@example.com"))
	testID := et.createTest(t, suiteID, "passing")

	suiteRunID, err := et.storage.CreateSuiteRun(ctx, suiteID, time.Now())
	assert.NoError(t, err)

	et.createTestRun(t, testID, &suiteRunID)

	et.tasks.script("task-1", browseruse.Task{
		Status: browseruse.TaskFinished,
		Output: str(`{"status":"pass","steps":null,"error":null}`),
	})

	err = et.engine.RunSuite(ctx, suiteRunID)
	assert.NoError(t, err)

	suiteRun, err := et.storage.LoadSuiteRun(ctx, suiteRunID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPassed, suiteRun.Status)

	assert.Empty(t, et.mailer.sentMessages())
}

func TestRunSuiteWithoutChildrenPasses(t *testing.T) {
	et := newEngineTest(t, Config{})
	ctx := context.Background()

	suiteID := et.createSuite(t, nil)

	suiteRunID, err := et.storage.CreateSuiteRun(ctx, suiteID, time.Now())
	assert.NoError(t, err)

	err = et.engine.RunSuite(ctx, suiteRunID)
	assert.NoError(t, err)

	suiteRun, err := et.storage.LoadSuiteRun(ctx, suiteRunID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPassed, suiteRun.Status)
}

func TestRunSuiteWithoutMailerFailsClosed(t *testing.T) {
	et := newEngineTest(t, Config{})
	et.engine.mailer = nil
	ctx := context.Background()

	suiteID := et.createSuite(t, str("qa@example.com"))
	testID := et.createTest(t, suiteID, "failing")

	suiteRunID, err := et.storage.CreateSuiteRun(ctx, suiteID, time.Now())
	assert.NoError(t, err)

	runID := et.createTestRun(t, testID, &suiteRunID)

	et.tasks.script("task-1", browseruse.Task{
		Status: browseruse.TaskFinished,
		Output: str(`{"status":"failing","steps":null,"error":"broken"}`),
	})

	err = et.engine.RunSuite(ctx, suiteRunID)
	assert.Error(t, err, "an unconfigured mailer must surface once a notification is due")

	run, err := et.storage.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Equal(t, "broken", *run.Error, "the verdict error must survive the failure handler")
}

func TestRunStepRetriesUntilSuccess(t *testing.T) {
	et := newEngineTest(t, Config{MaxStepAttempts: 5})

	attempts := 0

	err := et.engine.runStep(context.Background(), "flaky", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunStepStopsOnNonRetriableError(t *testing.T) {
	et := newEngineTest(t, Config{MaxStepAttempts: 5})

	attempts := 0

	err := et.engine.runStep(context.Background(), "permanent", func(context.Context) error {
		attempts++
		return nonRetriable("boom")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRunStepHonorsRetryAfterDelay(t *testing.T) {
	et := newEngineTest(t, Config{MaxStepAttempts: 2, RetryDelay: time.Second})

	var slept []time.Duration
	et.engine.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := et.engine.runStep(context.Background(), "rate-limited", func(context.Context) error {
		return &RetryAfterError{After: 5 * time.Second, Cause: errors.New("throttled")}
	})

	assert.Error(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, slept)
}
