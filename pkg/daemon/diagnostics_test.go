package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/events"
)

func TestRunDiagnostics(t *testing.T) {
	sim, _ := setupTestDaemon(t)

	require.NoError(t, runDiagnostics())
	log := hub.Log()
	require.NotEmpty(t, log)
	assert.Equal(t, "4 of 4 points reachable", log[len(log)-1].Message)

	// Triggers above the search window.
	sim.SetHeight(calibration.ProbePoint{X: 200, Y: 30}, 50)
	assert.ErrorContains(t, runDiagnostics(), "1 of 4 points unreachable")

	var warned bool
	for _, ev := range hub.Log() {
		if ev.Type == events.TypeWarn && ev.Session == 0 {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestDiagnosticsPreCheck(t *testing.T) {
	sim, _ := setupTestDaemon(t)
	sim.SetHeight(calibration.ProbePoint{X: 30, Y: 200}, 3)

	require.NoError(t, scheduler.PreCheck())

	_, err := cal.Start()
	require.NoError(t, err)
	assert.ErrorIs(t, scheduler.PreCheck(), calibration.ErrAlreadyRunning)
}
