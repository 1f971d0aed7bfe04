package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sentinelqa/sentinel/internal/model"
)

// Status updates are guarded so that a terminal row is never rewritten:
// the engine's steps are retried at-least-once and may race with the
// failure-path handler, the uniqueness of the final status comes from
// these WHERE clauses and not from locking.

func (s *Storage) CreateSuiteRun(ctx context.Context, suiteID int, at time.Time) (int, error) {
	db := s.getDB(ctx)

	r, err := db.NamedQuery(`INSERT INTO suite_run
	(suite_id, created_at, started_at, status) VALUES
	(:suiteId, :createdAt, :startedAt, :status)
	RETURNING id`,
		map[string]any{
			"suiteId":   suiteID,
			"createdAt": timeFormat(at),
			"startedAt": timeFormat(at),
			"status":    string(model.StatusPending),
		})
	if err != nil {
		return -1, err
	}

	return insertedID(r, "suite_run")
}

func (s *Storage) LoadSuiteRun(ctx context.Context, id int) (model.SuiteRun, error) {
	db := s.getDB(ctx)

	r, err := db.NamedQuery(`SELECT id, suite_id, status, created_at, started_at, finished_at
	FROM suite_run WHERE id = :id`,
		map[string]any{"id": id})
	if err != nil {
		return model.SuiteRun{}, err
	}
	defer r.Close()

	if !r.Next() {
		return model.SuiteRun{}, model.NotFoundError{}
	}

	return scanSuiteRun(r)
}

func (s *Storage) LoadSuiteRuns(ctx context.Context, suiteID int) ([]model.SuiteRun, error) {
	db := s.getDB(ctx)

	runs := []model.SuiteRun{}
	r, err := db.NamedQuery(`SELECT id, suite_id, status, created_at, started_at, finished_at
		FROM suite_run WHERE suite_id = :suiteId ORDER BY id DESC`,
		map[string]any{"suiteId": suiteID})
	if err != nil {
		return runs, err
	}
	defer r.Close()

	for r.Next() {
		run, err := scanSuiteRun(r)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

// MarkSuiteRunRunning transitions a pending suite run to running.
// First writer wins; sibling test runs racing here is a no-op.
func (s *Storage) MarkSuiteRunRunning(ctx context.Context, id int) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `UPDATE suite_run SET status = :running
	WHERE id = :id AND status = :pending`,
		map[string]any{
			"running": string(model.StatusRunning),
			"pending": string(model.StatusPending),
			"id":      id,
		})

	return err
}

// FinishSuiteRun stamps the terminal status of a suite run. A run that is
// already terminal is left untouched.
func (s *Storage) FinishSuiteRun(ctx context.Context, id int, status model.RunStatus, at time.Time) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `UPDATE suite_run SET status = :status, finished_at = :finishedAt
	WHERE id = :id AND status NOT IN (:passed, :failed)`,
		map[string]any{
			"status":     string(status),
			"finishedAt": timeFormat(at),
			"id":         id,
			"passed":     string(model.StatusPassed),
			"failed":     string(model.StatusFailed),
		})

	return err
}

func (s *Storage) CreateTestRun(ctx context.Context, testID int, suiteRunID *int, at time.Time) (int, error) {
	db := s.getDB(ctx)

	r, err := db.NamedQuery(`INSERT INTO test_run
	(test_id, suite_run_id, created_at, started_at, status) VALUES
	(:testId, :suiteRunId, :createdAt, :startedAt, :status)
	RETURNING id`,
		map[string]any{
			"testId":     testID,
			"suiteRunId": suiteRunID,
			"createdAt":  timeFormat(at),
			"startedAt":  timeFormat(at),
			"status":     string(model.StatusPending),
		})
	if err != nil {
		return -1, err
	}

	return insertedID(r, "test_run")
}

const testRunColumns = `id, test_id, suite_run_id, status, created_at, started_at, finished_at,
	error, external_task_id, live_url, public_share_url`

func (s *Storage) LoadTestRun(ctx context.Context, id int) (model.TestRun, error) {
	db := s.getDB(ctx)

	r, err := db.NamedQuery(`SELECT `+testRunColumns+` FROM test_run WHERE id = :id`,
		map[string]any{"id": id})
	if err != nil {
		return model.TestRun{}, err
	}
	defer r.Close()

	if !r.Next() {
		return model.TestRun{}, model.NotFoundError{}
	}

	return scanTestRun(r)
}

func (s *Storage) LoadTestRuns(ctx context.Context, ids []int) ([]model.TestRun, error) {
	runs := []model.TestRun{}

	if len(ids) == 0 {
		return runs, nil
	}

	query, args, err := sqlx.In(`SELECT `+testRunColumns+` FROM test_run WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}

	db := s.getDB(ctx)

	r, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return runs, err
	}
	defer r.Close()

	for r.Next() {
		run, err := scanTestRun(r)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (s *Storage) LoadSuiteRunTestRuns(ctx context.Context, suiteRunID int) ([]model.TestRun, error) {
	db := s.getDB(ctx)

	runs := []model.TestRun{}
	r, err := db.NamedQuery(`SELECT `+testRunColumns+` FROM test_run
		WHERE suite_run_id = :suiteRunId ORDER BY id`,
		map[string]any{"suiteRunId": suiteRunID})
	if err != nil {
		return runs, err
	}
	defer r.Close()

	for r.Next() {
		run, err := scanTestRun(r)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

// MarkTestRunRunning stores the accepted external task id and transitions the
// run to running. Re-invocations of the start step are no-ops because the run
// is already terminal or already carries the same task id.
func (s *Storage) MarkTestRunRunning(ctx context.Context, id int, externalTaskID string) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `UPDATE test_run
	SET status = :running, external_task_id = :taskId
	WHERE id = :id AND status NOT IN (:passed, :failed)`,
		map[string]any{
			"running": string(model.StatusRunning),
			"taskId":  externalTaskID,
			"id":      id,
			"passed":  string(model.StatusPassed),
			"failed":  string(model.StatusFailed),
		})

	return err
}

// UpdateTestRunURLs opportunistically persists the latest live/share urls
// observed while polling. Nil values leave the stored ones untouched.
func (s *Storage) UpdateTestRunURLs(ctx context.Context, id int, liveURL, publicShareURL *string) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `UPDATE test_run SET
	live_url = COALESCE(:liveUrl, live_url),
	public_share_url = COALESCE(:publicShareUrl, public_share_url)
	WHERE id = :id`,
		map[string]any{
			"liveUrl":        liveURL,
			"publicShareUrl": publicShareURL,
			"id":             id,
		})

	return err
}

// FinishTestRun stamps the terminal status of a test run together with the
// error text and the latest urls. Terminal rows are left untouched.
func (s *Storage) FinishTestRun(ctx context.Context, id int, status model.RunStatus, errText *string, liveURL, publicShareURL *string, at time.Time) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `UPDATE test_run SET
	status = :status,
	error = :error,
	finished_at = :finishedAt,
	live_url = COALESCE(:liveUrl, live_url),
	public_share_url = COALESCE(:publicShareUrl, public_share_url)
	WHERE id = :id AND status NOT IN (:passed, :failed)`,
		map[string]any{
			"status":         string(status),
			"error":          errText,
			"finishedAt":     timeFormat(at),
			"liveUrl":        liveURL,
			"publicShareUrl": publicShareURL,
			"id":             id,
			"passed":         string(model.StatusPassed),
			"failed":         string(model.StatusFailed),
		})

	return err
}

// FailTestRun force-fails a run that is not yet terminal. Used by the
// failure-path handler so that a crashed workflow never leaves a run stuck
// pending or running.
func (s *Storage) FailTestRun(ctx context.Context, id int, errText string, at time.Time) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `UPDATE test_run SET
	status = :failed, error = COALESCE(error, :error), finished_at = :finishedAt
	WHERE id = :id AND status NOT IN (:passed, :failed)`,
		map[string]any{
			"failed":     string(model.StatusFailed),
			"error":      errText,
			"finishedAt": timeFormat(at),
			"id":         id,
			"passed":     string(model.StatusPassed),
		})

	return err
}

// FailSuiteRunTestRuns force-fails every non-terminal test run of a suite run.
func (s *Storage) FailSuiteRunTestRuns(ctx context.Context, suiteRunID int, errText string, at time.Time) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `UPDATE test_run SET
	status = :failed, error = COALESCE(error, :error), finished_at = :finishedAt
	WHERE suite_run_id = :suiteRunId AND status NOT IN (:passed, :failed)`,
		map[string]any{
			"failed":     string(model.StatusFailed),
			"error":      errText,
			"finishedAt": timeFormat(at),
			"suiteRunId": suiteRunID,
			"passed":     string(model.StatusPassed),
		})

	return err
}

// InsertTestRunStep records a step reported by the external task. Recording
// is keyed on the globally unique external step id: re-observing a step
// across polling iterations is a no-op, not an error.
func (s *Storage) InsertTestRunStep(ctx context.Context, step model.TestRunStep) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `INSERT INTO test_run_step
	(test_run_id, created_at, external_step_id, idx, url, description) VALUES
	(:testRunId, :createdAt, :externalStepId, :idx, :url, :description)
	ON CONFLICT (external_step_id) DO NOTHING`,
		map[string]any{
			"testRunId":      step.TestRunID,
			"createdAt":      timeFormat(step.CreatedAt),
			"externalStepId": step.ExternalStepID,
			"idx":            step.Index,
			"url":            step.URL,
			"description":    step.Description,
		})

	return err
}

func (s *Storage) LoadTestRunSteps(ctx context.Context, testRunID int) ([]model.TestRunStep, error) {
	db := s.getDB(ctx)

	steps := []model.TestRunStep{}
	r, err := db.NamedQuery(`SELECT id, test_run_id, created_at, external_step_id, idx, url, description
		FROM test_run_step WHERE test_run_id = :testRunId ORDER BY idx`,
		map[string]any{"testRunId": testRunID})
	if err != nil {
		return steps, err
	}
	defer r.Close()

	for r.Next() {
		step, err := scanTestRunStep(r)
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}

	return steps, nil
}

func scanSuiteRun(r *sqlx.Rows) (model.SuiteRun, error) {
	run := model.SuiteRun{}

	var status, created string
	var started, finished *string

	err := r.Scan(
		&run.ID,
		&run.SuiteID,
		&status,
		&created,
		&started,
		&finished,
	)
	if err != nil {
		return model.SuiteRun{}, fmt.Errorf("scanning suite run: %w", err)
	}

	run.Status = model.RunStatus(status)

	if run.CreatedAt, err = parseDate(created); err != nil {
		return model.SuiteRun{}, fmt.Errorf("parsing created time: %w", err)
	}
	if run.StartedAt, err = parseDatePtr(started); err != nil {
		return model.SuiteRun{}, fmt.Errorf("parsing started time: %w", err)
	}
	if run.FinishedAt, err = parseDatePtr(finished); err != nil {
		return model.SuiteRun{}, fmt.Errorf("parsing finished time: %w", err)
	}

	return run, nil
}

func scanTestRun(r *sqlx.Rows) (model.TestRun, error) {
	run := model.TestRun{}

	var status, created string
	var started, finished *string

	err := r.Scan(
		&run.ID,
		&run.TestID,
		&run.SuiteRunID,
		&status,
		&created,
		&started,
		&finished,
		&run.Error,
		&run.ExternalTaskID,
		&run.LiveURL,
		&run.PublicShareURL,
	)
	if err != nil {
		return model.TestRun{}, fmt.Errorf("scanning test run: %w", err)
	}

	run.Status = model.RunStatus(status)

	if run.CreatedAt, err = parseDate(created); err != nil {
		return model.TestRun{}, fmt.Errorf("parsing created time: %w", err)
	}
	if run.StartedAt, err = parseDatePtr(started); err != nil {
		return model.TestRun{}, fmt.Errorf("parsing started time: %w", err)
	}
	if run.FinishedAt, err = parseDatePtr(finished); err != nil {
		return model.TestRun{}, fmt.Errorf("parsing finished time: %w", err)
	}

	return run, nil
}

func scanTestRunStep(r *sqlx.Rows) (model.TestRunStep, error) {
	step := model.TestRunStep{}

	var created string

	err := r.Scan(
		&step.ID,
		&step.TestRunID,
		&created,
		&step.ExternalStepID,
		&step.Index,
		&step.URL,
		&step.Description,
	)
	if err != nil {
		return model.TestRunStep{}, fmt.Errorf("scanning test run step: %w", err)
	}

	if step.CreatedAt, err = parseDate(created); err != nil {
		return model.TestRunStep{}, fmt.Errorf("parsing created time: %w", err)
	}

	return step, nil
}
