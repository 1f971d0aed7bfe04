package sentinel

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// startSchedules starts a cron entry that checks once a minute whether a
// scheduled suite is due. A suite is due when its last scheduled run is older
// than its cadence interval, so triggers survive restarts without drift.
func (s *Server) startSchedules() error {
	s.cron = cron.New(cron.WithSeconds())

	_, err := s.cron.AddFunc("0 * * * * *", s.triggerDueSuites)
	if err != nil {
		return err
	}

	s.cron.Start()

	return nil
}

func (s *Server) triggerDueSuites() {
	ctx := context.Background()

	suites, err := s.storage.LoadScheduledSuites(ctx)
	if err != nil {
		s.log.Error("loading scheduled suites", "error", err)
		return
	}

	now := time.Now()

	for _, suite := range suites {
		if suite.CronCadence == nil {
			continue
		}

		if suite.LastCronRunAt != nil && now.Sub(*suite.LastCronRunAt) < suite.CronCadence.Interval() {
			continue
		}

		if err := s.storage.UpdateSuiteLastCronRun(ctx, suite.ID, now); err != nil {
			s.log.Error("updating suite cron watermark", "suite-id", suite.ID, "error", err)
			continue
		}

		suiteRun, err := s.triggerSuiteRun(ctx, suite.ID)
		if err != nil {
			s.log.Error("triggering scheduled suite run", "suite-id", suite.ID, "error", err)
			continue
		}

		s.log.Info("triggered suite run", "suite-id", suite.ID, "suite-run-id", suiteRun.ID, "triggered-by", "scheduled")
	}
}
