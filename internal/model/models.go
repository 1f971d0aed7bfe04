// The model package holds the persisted domain records. Keeping them in a
// separate package is atypical for go projects but avoids cyclic dependencies
// between the storage layer, the run engine and the server package.
package model

import "time"

// CronCadence is the fixed schedule at which a suite is run automatically.
type CronCadence string

const (
	CadenceHourly CronCadence = "hourly"
	CadenceDaily  CronCadence = "daily"
)

// Interval returns the minimum duration between two scheduled runs.
func (c CronCadence) Interval() time.Duration {
	if c == CadenceHourly {
		return time.Hour
	}

	return 24 * time.Hour
}

func (c CronCadence) Valid() bool {
	return c == CadenceHourly || c == CadenceDaily
}

// Suite is a named collection of tests, optionally scheduled and optionally
// notified by email when a run fails.
type Suite struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	// CronCadence, if set, causes the suite to be run automatically.
	CronCadence *CronCadence `json:"cronCadence,omitempty"`
	// LastCronRunAt is the time the scheduler last triggered this suite.
	LastCronRunAt *time.Time `json:"lastCronRunAt,omitempty"`
	// NotificationsEmailAddress receives an email when a suite run fails.
	// No notifications are sent when unset.
	NotificationsEmailAddress *string `json:"notificationsEmailAddress,omitempty"`
}

// Test is a single natural-language scenario. The evaluation text is the
// success criterion handed verbatim to the remote agent.
type Test struct {
	ID         int       `json:"id"`
	SuiteID    int       `json:"suiteId"`
	CreatedAt  time.Time `json:"createdAt"`
	Label      string    `json:"label"`
	Evaluation string    `json:"evaluation"`
}

// RunStatus is the lifecycle state shared by suite runs and test runs.
// Transitions are monotonic along pending -> running -> {passed, failed};
// a terminal status is never left.
type RunStatus string

const (
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusPassed  RunStatus = "passed"
	StatusFailed  RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == StatusPassed || s == StatusFailed
}

func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPassed, StatusFailed:
		return true
	}

	return false
}

// SuiteRun is one execution of all tests in a suite. Its status is derived
// from the terminal states of its child test runs and is never set directly
// by a user.
type SuiteRun struct {
	ID         int        `json:"id"`
	SuiteID    int        `json:"suiteId"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// TestRun is one execution attempt of a test. SuiteRunID is nil when the run
// was triggered standalone.
type TestRun struct {
	ID         int        `json:"id"`
	TestID     int        `json:"testId"`
	SuiteRunID *int       `json:"suiteRunId,omitempty"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	// Error describes why the run failed. Non-nil on a failed run,
	// nil on a passed one.
	Error *string `json:"error,omitempty"`
	// ExternalTaskID is the id of the remote browser task executing this run.
	// Set once the task was accepted; its presence makes the start step a no-op.
	ExternalTaskID *string `json:"externalTaskId,omitempty"`
	LiveURL        *string `json:"liveUrl,omitempty"`
	PublicShareURL *string `json:"publicShareUrl,omitempty"`
}

// TestRunStep is one action/observation reported by the remote task.
// Append-only; ExternalStepID is globally unique and is the sole idempotency
// key for recording.
type TestRunStep struct {
	ID             int       `json:"id"`
	TestRunID      int       `json:"testRunId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExternalStepID string    `json:"externalStepId"`
	Index          int       `json:"index"`
	URL            string    `json:"url"`
	Description    string    `json:"description"`
}

// AggregateStatus derives a suite run status from its child test runs:
// failed if at least one child failed, passed otherwise. Callers must only
// invoke this once every child is terminal; a run without children passes.
func AggregateStatus(runs []TestRun) RunStatus {
	for _, r := range runs {
		if r.Status == StatusFailed {
			return StatusFailed
		}
	}

	return StatusPassed
}
