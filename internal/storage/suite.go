package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sentinelqa/sentinel/internal/model"
)

func (s *Storage) CreateSuite(ctx context.Context, suite model.Suite) (int, error) {
	db := s.getDB(ctx)

	r, err := db.NamedQuery(`INSERT INTO suite
	(name, created_at, cron_cadence, last_cron_run_at, notifications_email_address) VALUES
	(:name, :createdAt, :cronCadence, :lastCronRunAt, :notificationsEmailAddress)
	RETURNING id`,
		map[string]any{
			"name":                      suite.Name,
			"createdAt":                 timeFormat(suite.CreatedAt),
			"cronCadence":               cadenceString(suite.CronCadence),
			"lastCronRunAt":             timeFormatPtr(suite.LastCronRunAt),
			"notificationsEmailAddress": suite.NotificationsEmailAddress,
		})
	if err != nil {
		return -1, err
	}

	return insertedID(r, "suite")
}

func (s *Storage) LoadSuite(ctx context.Context, id int) (model.Suite, error) {
	db := s.getDB(ctx)

	r, err := db.NamedQuery(`SELECT
	id, name, created_at, cron_cadence, last_cron_run_at, notifications_email_address
	FROM suite WHERE id = :id`,
		map[string]any{"id": id})
	if err != nil {
		return model.Suite{}, err
	}
	defer r.Close()

	if !r.Next() {
		return model.Suite{}, model.NotFoundError{}
	}

	return scanSuite(r)
}

func (s *Storage) LoadSuites(ctx context.Context) ([]model.Suite, error) {
	db := s.getDB(ctx)

	suites := []model.Suite{}
	r, err := db.QueryxContext(ctx, `SELECT
		id, name, created_at, cron_cadence, last_cron_run_at, notifications_email_address
		FROM suite ORDER BY created_at DESC`)
	if err != nil {
		return suites, err
	}
	defer r.Close()

	for r.Next() {
		suite, err := scanSuite(r)
		if err != nil {
			return nil, err
		}

		suites = append(suites, suite)
	}

	return suites, nil
}

// LoadScheduledSuites returns all suites that have a cron cadence configured.
func (s *Storage) LoadScheduledSuites(ctx context.Context) ([]model.Suite, error) {
	db := s.getDB(ctx)

	suites := []model.Suite{}
	r, err := db.QueryxContext(ctx, `SELECT
		id, name, created_at, cron_cadence, last_cron_run_at, notifications_email_address
		FROM suite WHERE cron_cadence IS NOT NULL`)
	if err != nil {
		return suites, err
	}
	defer r.Close()

	for r.Next() {
		suite, err := scanSuite(r)
		if err != nil {
			return nil, err
		}

		suites = append(suites, suite)
	}

	return suites, nil
}

func (s *Storage) UpdateSuiteLastCronRun(ctx context.Context, suiteID int, at time.Time) error {
	db := s.getDB(ctx)

	_, err := db.NamedExecContext(ctx, `UPDATE suite SET last_cron_run_at = :at WHERE id = :id`,
		map[string]any{
			"at": timeFormat(at),
			"id": suiteID,
		})

	return err
}

func (s *Storage) CreateTest(ctx context.Context, test model.Test) (int, error) {
	db := s.getDB(ctx)

	r, err := db.NamedQuery(`INSERT INTO test
	(suite_id, created_at, label, evaluation) VALUES
	(:suiteId, :createdAt, :label, :evaluation)
	RETURNING id`,
		map[string]any{
			"suiteId":    test.SuiteID,
			"createdAt":  timeFormat(test.CreatedAt),
			"label":      test.Label,
			"evaluation": test.Evaluation,
		})
	if err != nil {
		return -1, err
	}

	return insertedID(r, "test")
}

func (s *Storage) LoadTest(ctx context.Context, id int) (model.Test, error) {
	db := s.getDB(ctx)

	r, err := db.NamedQuery(`SELECT id, suite_id, created_at, label, evaluation
	FROM test WHERE id = :id`,
		map[string]any{"id": id})
	if err != nil {
		return model.Test{}, err
	}
	defer r.Close()

	if !r.Next() {
		return model.Test{}, model.NotFoundError{}
	}

	return scanTest(r)
}

func (s *Storage) LoadSuiteTests(ctx context.Context, suiteID int) ([]model.Test, error) {
	db := s.getDB(ctx)

	tests := []model.Test{}
	r, err := db.NamedQuery(`SELECT id, suite_id, created_at, label, evaluation
		FROM test WHERE suite_id = :suiteId ORDER BY id`,
		map[string]any{"suiteId": suiteID})
	if err != nil {
		return tests, err
	}
	defer r.Close()

	for r.Next() {
		test, err := scanTest(r)
		if err != nil {
			return nil, err
		}

		tests = append(tests, test)
	}

	return tests, nil
}

func (s *Storage) UpdateTestEvaluation(ctx context.Context, testID int, evaluation string) error {
	db := s.getDB(ctx)

	r, err := db.NamedExecContext(ctx, `UPDATE test SET evaluation = :evaluation WHERE id = :id`,
		map[string]any{
			"evaluation": evaluation,
			"id":         testID,
		})
	if err != nil {
		return err
	}

	if affected, _ := r.RowsAffected(); affected != 1 {
		return model.NotFoundError{}
	}

	return nil
}

func (s *Storage) DeleteTest(ctx context.Context, testID int) error {
	db := s.getDB(ctx)

	r, err := db.NamedExecContext(ctx, `DELETE FROM test WHERE id = :id`,
		map[string]any{"id": testID})
	if err != nil {
		return err
	}

	if affected, _ := r.RowsAffected(); affected != 1 {
		return model.NotFoundError{}
	}

	return nil
}

func cadenceString(c *model.CronCadence) *string {
	if c == nil {
		return nil
	}

	s := string(*c)
	return &s
}

func scanSuite(r *sqlx.Rows) (model.Suite, error) {
	suite := model.Suite{}

	var created string
	var cadence, lastCronRun *string

	err := r.Scan(
		&suite.ID,
		&suite.Name,
		&created,
		&cadence,
		&lastCronRun,
		&suite.NotificationsEmailAddress,
	)
	if err != nil {
		return model.Suite{}, fmt.Errorf("scanning suite: %w", err)
	}

	if suite.CreatedAt, err = parseDate(created); err != nil {
		return model.Suite{}, fmt.Errorf("parsing created time: %w", err)
	}
	if suite.LastCronRunAt, err = parseDatePtr(lastCronRun); err != nil {
		return model.Suite{}, fmt.Errorf("parsing last cron run time: %w", err)
	}

	if cadence != nil {
		c := model.CronCadence(*cadence)
		suite.CronCadence = &c
	}

	return suite, nil
}

func scanTest(r *sqlx.Rows) (model.Test, error) {
	test := model.Test{}

	var created string

	err := r.Scan(
		&test.ID,
		&test.SuiteID,
		&created,
		&test.Label,
		&test.Evaluation,
	)
	if err != nil {
		return model.Test{}, fmt.Errorf("scanning test: %w", err)
	}

	if test.CreatedAt, err = parseDate(created); err != nil {
		return model.Test{}, fmt.Errorf("parsing created time: %w", err)
	}

	return test, nil
}
