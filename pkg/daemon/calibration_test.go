package daemon

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/events"
	"github.com/j-be/autobim/pkg/leveling"
	"github.com/j-be/autobim/pkg/printer"
	"github.com/j-be/autobim/pkg/probe"
	"github.com/j-be/autobim/pkg/registry"
)

var corners = []calibration.ProbePoint{
	{X: 30, Y: 30}, {X: 30, Y: 200}, {X: 200, Y: 200}, {X: 200, Y: 30},
}

func testSettings() settings {
	thread, _ := leveling.ParseThread("CW-M3")
	return settings{
		leveling: leveling.Config{
			Tolerance:              0.2,
			MaxIterations:          3,
			FailureBudget:          1,
			FirstCornerIsReference: true,
			Thread:                 thread,
		},
		probe: probe.Params{
			ZMin:           0,
			ZMax:           10,
			Resolution:     0.01,
			MaxSteps:       32,
			Confirmations:  1,
			NoiseThreshold: 0.05,
			Timeout:        time.Second,
		},
		safeZ:          15,
		beforeGcode:    []string{"M104 S0"},
		afterGcode:     []string{"M84"},
		adjustmentWait: time.Minute,
	}
}

type testEnv struct {
	sim *printer.Sim
	reg *registry.Registry
	hub *events.EventHub
	cal *calibrator
	ch  chan events.Event
}

func newTestEnv(t *testing.T, modify ...func(*settings)) *testEnv {
	t.Helper()

	st := testSettings()
	for _, m := range modify {
		m(&st)
	}

	sim := printer.NewSim(2)
	r, err := registry.New(corners)
	require.NoError(t, err)
	h := events.NewEventHub()
	ch, _ := h.Subscribe()

	e := &testEnv{
		sim: sim,
		reg: r,
		hub: h,
		cal: newCalibrator(sim, r, h, nil, func() (settings, error) { return st, nil }),
		ch:  ch,
	}
	t.Cleanup(func() {
		_ = e.cal.Abort("test finished")
		e.cal.wait()
	})
	return e
}

// until reads events until match returns true.
func (e *testEnv) until(t *testing.T, match func(events.Event) bool) []events.Event {
	t.Helper()

	var got []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-e.ch:
			require.True(t, ok, "subscription closed")
			got = append(got, ev)
			if match(ev) {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event, got %d events", len(got))
		}
	}
}

func terminal(ev events.Event) bool { return ev.Type.Terminal() }

func types(evs []events.Event) []events.Type {
	ret := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		ret = append(ret, ev.Type)
	}
	return ret
}

func TestSessionCompletesOnLevelBed(t *testing.T) {
	e := newTestEnv(t)

	id, err := e.cal.Start()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.True(t, e.reg.Frozen())

	evs := e.until(t, terminal)
	e.cal.wait()

	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, events.TypeStarted, evs[0].Type)
	assert.Equal(t, events.TypeCompleted, evs[len(evs)-1].Type)
	for _, ev := range evs {
		assert.Equal(t, id, ev.Session)
	}

	st := e.cal.Status()
	assert.False(t, st.Running)
	assert.False(t, st.Busy)
	assert.Equal(t, calibration.PhaseIdle, st.Phase)
	assert.False(t, e.reg.Frozen())

	s := e.cal.LastSession()
	require.NotNil(t, s)
	assert.Equal(t, calibration.PhaseCompleted, s.Phase)
	assert.Len(t, s.Results, 4)
	require.NotNil(t, s.Report)
	assert.True(t, s.Report.Converged)
	assert.False(t, s.EndedAt.IsZero())

	assert.True(t, e.sim.Homed())
	lines := e.sim.Lines()
	assert.Contains(t, lines, "M104 S0")
	assert.Equal(t, "M84", lines[len(lines)-2], "after G-code runs before the final display message")
	assert.Equal(t, "M117 done", lines[len(lines)-1])
}

func TestExactEventSequenceWithRejectedDiagnostic(t *testing.T) {
	e := newTestEnv(t)
	e.sim.SetLatency(time.Millisecond)

	id, err := e.cal.Start()
	require.NoError(t, err)

	_, err = e.cal.TestCorner(context.Background(), calibration.ProbePoint{X: 10, Y: 10})
	assert.ErrorIs(t, err, calibration.ErrAlreadyRunning)
	_, err = e.cal.TestAllCorners(context.Background(), corners)
	assert.ErrorIs(t, err, calibration.ErrAlreadyRunning)
	assert.ErrorIs(t, e.cal.Home(context.Background()), calibration.ErrAlreadyRunning)

	evs := e.until(t, terminal)
	got := types(evs)
	assert.Equal(t, events.TypeStarted, got[0])
	assert.Equal(t, events.TypeCompleted, got[len(got)-1])
	for _, typ := range got[1 : len(got)-1] {
		assert.Contains(t, []events.Type{events.TypeInfo, events.TypeWarn}, typ)
	}
	for _, ev := range evs {
		assert.Equal(t, id, ev.Session, "rejected diagnostics emit nothing")
	}
}

func TestStartWhileRunning(t *testing.T) {
	e := newTestEnv(t)
	e.sim.SetLatency(2 * time.Millisecond)

	_, err := e.cal.Start()
	require.NoError(t, err)
	_, err = e.cal.Start()
	assert.ErrorIs(t, err, calibration.ErrAlreadyRunning)

	evs := e.until(t, terminal)
	started := 0
	for _, ev := range evs {
		if ev.Type == events.TypeStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestStatusDoesNotBlockOnSlowProbe(t *testing.T) {
	e := newTestEnv(t)
	e.sim.SetLatency(200 * time.Millisecond)

	_, err := e.cal.Start()
	require.NoError(t, err)

	begin := time.Now()
	st := e.cal.Status()
	assert.Less(t, time.Since(begin), 50*time.Millisecond)
	assert.True(t, st.Running)
	assert.True(t, st.Busy)
	assert.True(t, st.Phase.Active())
	require.NotNil(t, st.Session)
}

func TestAbortDuringAdjustmentWait(t *testing.T) {
	e := newTestEnv(t)
	for i, h := range []float64{2, 3, 4, 2.5} {
		e.sim.SetHeight(corners[i], h)
	}

	_, err := e.cal.Start()
	require.NoError(t, err)

	e.until(t, func(ev events.Event) bool {
		return ev.Type == events.TypeInfo && strings.HasPrefix(ev.Message, "Adjust screws")
	})
	assert.Equal(t, calibration.PhaseConverging, e.cal.Status().Phase)
	calls := e.sim.Calls()

	require.NoError(t, e.cal.Abort("operator"))
	require.NoError(t, e.cal.Abort("operator"), "abort is idempotent while pending")

	evs := e.until(t, terminal)
	e.cal.wait()
	assert.Equal(t, events.TypeAborted, evs[len(evs)-1].Type)
	assert.Contains(t, evs[len(evs)-1].Message, "operator")
	assert.Equal(t, calls, e.sim.Calls(), "no motion after the abort checkpoint")

	s := e.cal.LastSession()
	assert.Equal(t, calibration.PhaseAborted, s.Phase)
	assert.Empty(t, s.LastError)

	seq := evs[len(evs)-1].Seq
	assert.ErrorIs(t, e.cal.Abort("again"), calibration.ErrNotRunning)
	log := e.hub.Log()
	assert.Equal(t, seq, log[len(log)-1].Seq, "second abort emits nothing")
}

func TestAbortBeforeHomingEnds(t *testing.T) {
	e := newTestEnv(t)
	e.sim.SetLatency(100 * time.Millisecond)

	_, err := e.cal.Start()
	require.NoError(t, err)
	require.NoError(t, e.cal.Abort("changed my mind"))

	evs := e.until(t, terminal)
	e.cal.wait()
	assert.Equal(t, events.TypeAborted, evs[len(evs)-1].Type)
	// At most the homing move in flight finishes; nothing runs after it.
	assert.LessOrEqual(t, e.sim.Calls(), 1)
	assert.Empty(t, e.cal.LastSession().Results)
}

func TestConvergesAfterCorrection(t *testing.T) {
	e := newTestEnv(t)
	for i, h := range []float64{2, 3, 4, 2.5} {
		e.sim.SetHeight(corners[i], h)
	}

	_, err := e.cal.Start()
	require.NoError(t, err)

	evs := e.until(t, func(ev events.Event) bool {
		return ev.Type == events.TypeInfo && strings.HasPrefix(ev.Message, "Adjust screws")
	})
	report, err := events.DecodeAs[calibration.Report](evs[len(evs)-1])
	require.NoError(t, err)
	assert.False(t, report.Converged)
	require.Len(t, report.Adjustments, 4)
	wantDeltas := []float64{0, 1, 2, 0.5}
	for i, a := range report.Adjustments {
		assert.InDelta(t, wantDeltas[i], a.Delta, 0.02, a.Point.String())
		assert.InDelta(t, wantDeltas[i]/0.5, a.Turns, 0.05, a.Point.String())
	}

	for _, a := range report.Adjustments {
		e.sim.Adjust(a.Point, -a.Delta)
	}
	require.NoError(t, e.cal.Continue())

	evs = e.until(t, terminal)
	assert.Equal(t, events.TypeCompleted, evs[len(evs)-1].Type)

	e.cal.wait()
	s := e.cal.LastSession()
	require.NotNil(t, s.Report)
	assert.True(t, s.Report.Converged)
	assert.Equal(t, 2, s.Report.Iterations)
	assert.Len(t, s.Results, 8)
}

func TestMaxIterationsCompletesWithWarning(t *testing.T) {
	e := newTestEnv(t, func(s *settings) {
		s.leveling.MaxIterations = 2
		s.adjustmentWait = time.Millisecond
	})
	e.sim.SetHeight(corners[2], 3)

	_, err := e.cal.Start()
	require.NoError(t, err)

	evs := e.until(t, terminal)
	assert.Equal(t, events.TypeCompleted, evs[len(evs)-1].Type)
	assert.Equal(t, events.TypeWarn, evs[len(evs)-2].Type)
	assert.Contains(t, evs[len(evs)-2].Message, "not level after 2 iteration(s)")

	e.cal.wait()
	assert.Equal(t, calibration.PhaseCompleted, e.cal.LastSession().Phase)
}

func TestHomingFailureEndsInError(t *testing.T) {
	e := newTestEnv(t)
	e.sim.FailHome = errors.New("endstop not hit")

	_, err := e.cal.Start()
	require.NoError(t, err)

	evs := e.until(t, terminal)
	e.cal.wait()
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeAborted, last.Type)
	assert.Contains(t, last.Message, "endstop not hit")

	s := e.cal.LastSession()
	assert.Equal(t, calibration.PhaseError, s.Phase)
	assert.Contains(t, s.LastError, "homing failed")
	assert.Equal(t, "M84", e.sim.Lines()[len(e.sim.Lines())-2], "after G-code also runs on error")

	// The daemon stays usable.
	_, err = e.cal.Start()
	assert.NoError(t, err)
	e.until(t, terminal)
}

func TestUnreachableCornerExhaustsBudget(t *testing.T) {
	e := newTestEnv(t)
	e.sim.SetHeight(corners[1], 12)

	_, err := e.cal.Start()
	require.NoError(t, err)

	evs := e.until(t, terminal)
	e.cal.wait()
	warns := 0
	for _, ev := range evs {
		if ev.Type == events.TypeWarn {
			warns++
		}
	}
	assert.Equal(t, 1, warns, "one retry within the budget")
	assert.Equal(t, events.TypeAborted, evs[len(evs)-1].Type)
	assert.Contains(t, evs[len(evs)-1].Message, "cannot probe X30 Y200")

	s := e.cal.LastSession()
	assert.Equal(t, calibration.PhaseError, s.Phase)
	require.Len(t, s.Results, 2)
	assert.False(t, s.Results[1].OK)
}

func TestHardwareErrorDuringProbing(t *testing.T) {
	e := newTestEnv(t)
	e.sim.FailProbe = calibration.ErrHardwareCommunication

	_, err := e.cal.Start()
	require.NoError(t, err)

	evs := e.until(t, terminal)
	e.cal.wait()
	assert.Equal(t, events.TypeAborted, evs[len(evs)-1].Type)
	assert.Equal(t, calibration.PhaseError, e.cal.LastSession().Phase)
	for _, ev := range evs {
		assert.NotEqual(t, events.TypeWarn, ev.Type, "hardware errors are not retried")
	}
}

func TestRegistryFrozenDuringSession(t *testing.T) {
	e := newTestEnv(t)
	e.sim.SetLatency(5 * time.Millisecond)

	_, err := e.cal.Start()
	require.NoError(t, err)
	assert.ErrorIs(t, e.reg.Add(calibration.ProbePoint{X: 100, Y: 100}), calibration.ErrRegistryFrozen)

	e.until(t, terminal)
	e.cal.wait()
	assert.NoError(t, e.reg.Add(calibration.ProbePoint{X: 100, Y: 100}))
}

func TestAbortAndContinueWithoutSession(t *testing.T) {
	e := newTestEnv(t)
	assert.ErrorIs(t, e.cal.Abort("nothing"), calibration.ErrNotRunning)
	assert.ErrorIs(t, e.cal.Continue(), calibration.ErrNotRunning)
	assert.Nil(t, e.cal.LastSession())
	assert.Empty(t, e.hub.Log())
}

func TestTestCorner(t *testing.T) {
	e := newTestEnv(t)
	p := calibration.ProbePoint{X: 100, Y: 120}
	e.sim.SetHeight(p, 3.3)

	res, err := e.cal.TestCorner(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.InDelta(t, 3.3, res.TriggerHeight, 0.01)

	ev := <-e.ch
	assert.Equal(t, events.TypeInfo, ev.Type)
	assert.Equal(t, "Point X100 Y120 seems to work fine", ev.Message)
	assert.Nil(t, e.cal.LastSession(), "diagnostics do not create sessions")
	assert.False(t, e.cal.Status().Busy)

	e.sim.SetHeight(p, 20)
	res, err = e.cal.TestCorner(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, res.OK)
	ev = <-e.ch
	assert.Equal(t, events.TypeWarn, ev.Type)
	assert.Contains(t, ev.Message, "seems to be unreachable!")

	_, err = e.cal.TestCorner(context.Background(), calibration.ProbePoint{X: -1, Y: 0})
	assert.ErrorIs(t, err, calibration.ErrInvalidArgument)
}

func TestTestAllCorners(t *testing.T) {
	e := newTestEnv(t)
	e.sim.SetHeight(corners[3], 50)

	results, err := e.cal.TestAllCorners(context.Background(), corners)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, corners[i], r.Point)
		assert.Equal(t, i != 3, r.OK)
	}

	_, err = e.cal.TestAllCorners(context.Background(), nil)
	assert.ErrorIs(t, err, calibration.ErrInvalidArgument)
}

func TestDiagnosticSummaryStaysOutOfSession(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ctx.Err() == nil {
				_, _ = e.cal.TestAllCorners(ctx, corners)
			}
		}()

		var id uint64
		deadline := time.Now().Add(10 * time.Second)
		for {
			var err error
			if id, err = e.cal.Start(); err == nil {
				break
			}
			require.ErrorIs(t, err, calibration.ErrAlreadyRunning)
			require.True(t, time.Now().Before(deadline), "never got the printer")
		}
		cancel()
		<-done
		e.cal.wait()

		log := e.hub.Log()
		require.NotEmpty(t, log)
		require.Equal(t, events.TypeStarted, log[0].Type)
		for _, ev := range log {
			require.Equal(t, id, ev.Session, "%s: %s", ev.Type, ev.Message)
			if ev.Type.Terminal() {
				break
			}
		}
	}
}

func TestHome(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.cal.Home(context.Background()))
	assert.True(t, e.sim.Homed())

	e.sim.FailHome = errors.New("stuck")
	err := e.cal.Home(context.Background())
	assert.ErrorIs(t, err, calibration.ErrHardwareCommunication)
	assert.False(t, e.cal.Status().Busy)
}
