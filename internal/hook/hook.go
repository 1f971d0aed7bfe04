// Package hook notifies registered listeners about finished runs. Hooks are
// best-effort observers: a failing hook is logged, never surfaced into the
// run itself.
package hook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sentinelqa/sentinel/internal/model"
)

type Hook interface {
	Name() string
	Init() error
}

type TestRunFinishedListener interface {
	Hook
	TestRunFinished(ctx context.Context, suite model.Suite, test model.Test, run model.TestRun)
}

type SuiteRunFinishedListener interface {
	Hook
	SuiteRunFinished(ctx context.Context, suite model.Suite, run model.SuiteRun, testRuns []model.TestRun)
}

type Manager struct {
	all              []Hook
	testRunFinished  []TestRunFinishedListener
	suiteRunFinished []SuiteRunFinishedListener

	log *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		all:              []Hook{},
		testRunFinished:  []TestRunFinishedListener{},
		suiteRunFinished: []SuiteRunFinishedListener{},
		log:              log,
	}
}

func (m *Manager) Register(h Hook) {
	m.all = append(m.all, h)
}

func (m *Manager) Init() error {
	for _, h := range m.all {
		if err := h.Init(); err != nil {
			return fmt.Errorf("initiating hook %q: %w", h.Name(), err)
		}

		registeredHook := false

		if l, ok := h.(TestRunFinishedListener); ok {
			m.testRunFinished = append(m.testRunFinished, l)
			registeredHook = true
		}
		if l, ok := h.(SuiteRunFinishedListener); ok {
			m.suiteRunFinished = append(m.suiteRunFinished, l)
			registeredHook = true
		}

		if !registeredHook {
			return fmt.Errorf("hook %q does not implement any listener", h.Name())
		}
	}

	return nil
}

func (m *Manager) NotifyTestRunFinished(ctx context.Context, suite model.Suite, test model.Test, run model.TestRun) {
	for _, l := range m.testRunFinished {
		l.TestRunFinished(ctx, suite, test, run)
	}
}

func (m *Manager) NotifySuiteRunFinished(ctx context.Context, suite model.Suite, run model.SuiteRun, testRuns []model.TestRun) {
	for _, l := range m.suiteRunFinished {
		l.SuiteRunFinished(ctx, suite, run, testRuns)
	}
}
