package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/sentinelqa/sentinel/internal/model"
	"github.com/sentinelqa/sentinel/internal/storage"
	"github.com/stretchr/testify/assert"
)

func createSuiteWithTest(t *testing.T, s *storage.Storage) (suiteID, testID int) {
	t.Helper()

	ctx := context.Background()

	suiteID, err := s.CreateSuite(ctx, model.Suite{Name: "suite", CreatedAt: time.Now()})
	assert.NoError(t, err)

	testID, err = s.CreateTest(ctx, model.Test{
		SuiteID:    suiteID,
		CreatedAt:  time.Now(),
		Label:      "test",
		Evaluation: "evaluation",
	})
	assert.NoError(t, err)

	return suiteID, testID
}

func TestTestRunLifecycle(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	_, testID := createSuiteWithTest(t, s)

	runID, err := s.CreateTestRun(ctx, testID, nil, time.Now())
	assert.NoError(t, err)

	run, err := s.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, run.Status)
	assert.Nil(t, run.SuiteRunID)
	assert.Nil(t, run.ExternalTaskID)

	err = s.MarkTestRunRunning(ctx, runID, "task-1")
	assert.NoError(t, err)

	run, err = s.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusRunning, run.Status)
	assert.Equal(t, "task-1", *run.ExternalTaskID)

	err = s.FinishTestRun(ctx, runID, model.StatusPassed, nil, nil, nil, time.Now())
	assert.NoError(t, err)

	run, err = s.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPassed, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Nil(t, run.Error)
}

func TestTerminalTestRunIsNeverRewritten(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	_, testID := createSuiteWithTest(t, s)

	runID, err := s.CreateTestRun(ctx, testID, nil, time.Now())
	assert.NoError(t, err)

	err = s.FinishTestRun(ctx, runID, model.StatusPassed, nil, nil, nil, time.Now())
	assert.NoError(t, err)

	// late retries of earlier steps must not undo the terminal status
	err = s.MarkTestRunRunning(ctx, runID, "task-late")
	assert.NoError(t, err)

	err = s.FailTestRun(ctx, runID, "aborted", time.Now())
	assert.NoError(t, err)

	run, err := s.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPassed, run.Status)
	assert.Nil(t, run.ExternalTaskID)
	assert.Nil(t, run.Error)
}

func TestFailTestRunKeepsExistingError(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	_, testID := createSuiteWithTest(t, s)

	runID, err := s.CreateTestRun(ctx, testID, nil, time.Now())
	assert.NoError(t, err)

	err = s.FailTestRun(ctx, runID, "first failure", time.Now())
	assert.NoError(t, err)

	run, err := s.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.Equal(t, "first failure", *run.Error)
}

func TestSuiteRunFirstWriterWins(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	suiteID, _ := createSuiteWithTest(t, s)

	suiteRunID, err := s.CreateSuiteRun(ctx, suiteID, time.Now())
	assert.NoError(t, err)

	assert.NoError(t, s.MarkSuiteRunRunning(ctx, suiteRunID))
	assert.NoError(t, s.MarkSuiteRunRunning(ctx, suiteRunID))

	run, err := s.LoadSuiteRun(ctx, suiteRunID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusRunning, run.Status)

	assert.NoError(t, s.FinishSuiteRun(ctx, suiteRunID, model.StatusFailed, time.Now()))
	assert.NoError(t, s.FinishSuiteRun(ctx, suiteRunID, model.StatusPassed, time.Now()))

	run, err = s.LoadSuiteRun(ctx, suiteRunID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status, "first terminal status must stick")
}

func TestFailSuiteRunTestRunsSkipsTerminalChildren(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	suiteID, testID := createSuiteWithTest(t, s)

	suiteRunID, err := s.CreateSuiteRun(ctx, suiteID, time.Now())
	assert.NoError(t, err)

	passedID, err := s.CreateTestRun(ctx, testID, &suiteRunID, time.Now())
	assert.NoError(t, err)
	stuckID, err := s.CreateTestRun(ctx, testID, &suiteRunID, time.Now())
	assert.NoError(t, err)

	err = s.FinishTestRun(ctx, passedID, model.StatusPassed, nil, nil, nil, time.Now())
	assert.NoError(t, err)

	err = s.FailSuiteRunTestRuns(ctx, suiteRunID, "suite run aborted", time.Now())
	assert.NoError(t, err)

	runs, err := s.LoadSuiteRunTestRuns(ctx, suiteRunID)
	assert.NoError(t, err)
	assert.Len(t, runs, 2)

	byID := map[int]model.TestRun{}
	for _, r := range runs {
		byID[r.ID] = r
	}

	assert.Equal(t, model.StatusPassed, byID[passedID].Status)
	assert.Nil(t, byID[passedID].Error)
	assert.Equal(t, model.StatusFailed, byID[stuckID].Status)
	assert.Equal(t, "suite run aborted", *byID[stuckID].Error)
}

func TestInsertTestRunStepIsIdempotent(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	_, testID := createSuiteWithTest(t, s)

	runID, err := s.CreateTestRun(ctx, testID, nil, time.Now())
	assert.NoError(t, err)

	step := model.TestRunStep{
		TestRunID:      runID,
		CreatedAt:      time.Now(),
		ExternalStepID: "step-1",
		Index:          1,
		URL:            "https://example.com",
		Description:    "opened the start page",
	}

	assert.NoError(t, s.InsertTestRunStep(ctx, step))
	assert.NoError(t, s.InsertTestRunStep(ctx, step))

	step.ExternalStepID = "step-2"
	step.Index = 2
	assert.NoError(t, s.InsertTestRunStep(ctx, step))

	steps, err := s.LoadTestRunSteps(ctx, runID)
	assert.NoError(t, err)
	assert.Len(t, steps, 2)
	assert.Equal(t, "step-1", steps[0].ExternalStepID)
	assert.Equal(t, "step-2", steps[1].ExternalStepID)
}

func TestLoadTestRunsWithoutIDs(t *testing.T) {
	s := newStorage(t)

	runs, err := s.LoadTestRuns(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, runs)
}

func TestUpdateTestRunURLsKeepsStoredValues(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	_, testID := createSuiteWithTest(t, s)

	runID, err := s.CreateTestRun(ctx, testID, nil, time.Now())
	assert.NoError(t, err)

	liveURL := "https://live.example.com"
	err = s.UpdateTestRunURLs(ctx, runID, &liveURL, nil)
	assert.NoError(t, err)

	shareURL := "https://share.example.com"
	err = s.UpdateTestRunURLs(ctx, runID, nil, &shareURL)
	assert.NoError(t, err)

	run, err := s.LoadTestRun(ctx, runID)
	assert.NoError(t, err)
	assert.Equal(t, &liveURL, run.LiveURL)
	assert.Equal(t, &shareURL, run.PublicShareURL)
}
