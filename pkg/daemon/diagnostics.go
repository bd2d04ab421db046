package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/events"
)

// diagnosticsTimeout bounds a scheduled corner check.
const diagnosticsTimeout = 30 * time.Minute

// setupDiagnostics returns a scheduler that probes every registered corner
// while the printer is idle.
func setupDiagnostics() *Scheduler {
	return NewScheduler(
		runDiagnostics,
		func() error {
			if cal.Status().Busy {
				return calibration.ErrAlreadyRunning
			}
			return nil
		},
		func(data any) {
			if t, ok := data.(time.Time); ok {
				hub.Publish(events.TypeInfo, fmt.Sprintf("Corner check scheduled at %s", t.Format("15:04")), 0, nil)
			}
		},
		func(data any) {
			if err, ok := data.(error); ok {
				logrus.WithError(err).Warn("scheduled corner check")
				hub.Publish(events.TypeWarn, fmt.Sprintf("Scheduled corner check: %v", err), 0, nil)
			}
		},
	)
}

func runDiagnostics() error {
	ctx, cancel := context.WithTimeout(context.Background(), diagnosticsTimeout)
	defer cancel()

	logrus.Info("running scheduled corner check")
	results, err := cal.TestAllCorners(ctx, reg.List())
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d points unreachable", failed, len(results))
	}
	return nil
}
