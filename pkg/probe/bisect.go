// Package probe finds the height at which the probe triggers above a bed
// point by bisecting the search range.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/printer"
)

// Params configures the search. Heights are in millimeters.
type Params struct {
	ZMin float64
	ZMax float64
	// Resolution is the interval width at which a search stops.
	Resolution float64
	// MaxSteps bounds the number of bisection steps of one reading.
	MaxSteps int
	// Confirmations is the number of readings taken after the first one.
	Confirmations int
	// NoiseThreshold is the largest spread between readings that is accepted.
	NoiseThreshold float64
	// Timeout bounds every single primitive call.
	Timeout time.Duration
}

func DefaultParams() Params {
	return Params{
		ZMin:           0,
		ZMax:           10,
		Resolution:     0.01,
		MaxSteps:       32,
		Confirmations:  2,
		NoiseThreshold: 0.05,
		Timeout:        30 * time.Second,
	}
}

func (p Params) Validate() error {
	switch {
	case math.IsNaN(p.ZMin) || math.IsNaN(p.ZMax) || p.ZMax <= p.ZMin:
		return fmt.Errorf("search range [%v, %v] is empty", p.ZMin, p.ZMax)
	case p.Resolution <= 0:
		return fmt.Errorf("resolution must be positive, got %v", p.Resolution)
	case p.MaxSteps <= 0:
		return fmt.Errorf("max steps must be positive, got %d", p.MaxSteps)
	case p.Confirmations < 0:
		return fmt.Errorf("confirmations must not be negative, got %d", p.Confirmations)
	case p.NoiseThreshold < 0:
		return fmt.Errorf("noise threshold must not be negative, got %v", p.NoiseThreshold)
	case p.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", p.Timeout)
	}
	return nil
}

var (
	errNoTrigger    = errors.New("probe did not trigger within the search range")
	errAboveRange   = errors.New("probe triggered above the search range")
	errNotConverged = errors.New("search did not reach the requested resolution")
)

// Engine runs bisection searches. It keeps no state between invocations.
type Engine struct {
	printer printer.Printer
	params  Params
	now     func() time.Time
}

func NewEngine(p printer.Printer, params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, pkgerrors.Wrap(calibration.ErrInvalidArgument, err.Error())
	}
	return &Engine{printer: p, params: params, now: time.Now}, nil
}

// Params returns the engine's search parameters.
func (e *Engine) Params() Params { return e.params }

// Probe finds the trigger height above point. It never returns an error:
// failures are reported through ProbeResult.OK and ProbeResult.Err.
func (e *Engine) Probe(ctx context.Context, point calibration.ProbePoint) calibration.ProbeResult {
	res := calibration.ProbeResult{Point: point}
	log := logrus.WithFields(logrus.Fields{
		"point":     point.String(),
		"operation": "probe",
	})

	height, samples, err := e.probe(ctx, point)
	res.ProbedAt = e.now()
	res.Samples = samples
	if err != nil {
		res.Err = classify(err)
		res.Error = err.Error()
		log.WithError(err).Warn("probe failed")
		return res
	}

	res.OK = true
	res.TriggerHeight = height
	log.WithFields(logrus.Fields{
		"height":  height,
		"samples": samples,
	}).Debug("probe done")
	return res
}

func (e *Engine) probe(ctx context.Context, point calibration.ProbePoint) (float64, []float64, error) {
	p := e.params

	if err := e.lift(ctx, point); err != nil {
		return 0, nil, err
	}

	first, err := e.reading(ctx, point, p.ZMin, p.ZMax, true)
	if err != nil {
		return 0, nil, err
	}
	samples := []float64{first}

	// Readings are quantized to the resolution, so they may differ by that
	// much on a perfect probe. The confirmation window is one step wider than
	// the accepted spread: a reading pinned to its edge is always rejected.
	accepted := p.NoiseThreshold + p.Resolution
	window := accepted + p.Resolution
	for i := 0; i < p.Confirmations; i++ {
		lo := math.Max(p.ZMin, first-window)
		hi := math.Min(p.ZMax, first+window)
		v, err := e.reading(ctx, point, lo, hi, false)
		if err != nil {
			return 0, samples, err
		}
		samples = append(samples, v)
	}

	lo, hi, sum := samples[0], samples[0], 0.0
	for _, v := range samples {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		sum += v
	}
	if spread := hi - lo; spread > accepted {
		return 0, samples, pkgerrors.Wrapf(calibration.ErrProbeFailure,
			"readings disagree by %.3fmm (threshold %.3fmm)", spread, accepted)
	}
	return sum / float64(len(samples)), samples, nil
}

// reading bisects [lo, hi] once and lifts the probe afterwards. With
// checkBounds the ends of the range are verified when the search never saw
// one of the two outcomes.
func (e *Engine) reading(ctx context.Context, point calibration.ProbePoint, lo, hi float64, checkBounds bool) (float64, error) {
	loLimit, hiLimit := lo, hi
	sawTrigger, sawOpen := false, false

	for steps := 0; hi-lo >= e.params.Resolution; steps++ {
		if steps >= e.params.MaxSteps {
			return 0, pkgerrors.Wrapf(errNotConverged, "interval %.4fmm after %d steps", hi-lo, steps)
		}
		z := (lo + hi) / 2
		triggered, err := e.triggeredAt(ctx, point, z)
		if err != nil {
			return 0, err
		}
		if triggered {
			lo = z
			sawTrigger = true
		} else {
			hi = z
			sawOpen = true
		}
	}

	if checkBounds && !sawTrigger {
		triggered, err := e.triggeredAt(ctx, point, loLimit)
		if err != nil {
			return 0, err
		}
		if !triggered {
			return 0, errNoTrigger
		}
	}
	if checkBounds && !sawOpen {
		triggered, err := e.triggeredAt(ctx, point, hiLimit)
		if err != nil {
			return 0, err
		}
		if triggered {
			// The range is closed: a trigger within half a step above the
			// top still reads as the top.
			triggered, err = e.triggeredAt(ctx, point, hiLimit+e.params.Resolution/2)
			if err != nil {
				return 0, err
			}
			if triggered {
				return 0, errAboveRange
			}
			if err := e.lift(ctx, point); err != nil {
				return 0, err
			}
			return hiLimit, nil
		}
	}

	if err := e.lift(ctx, point); err != nil {
		return 0, err
	}
	return (lo + hi) / 2, nil
}

func (e *Engine) triggeredAt(ctx context.Context, point calibration.ProbePoint, z float64) (bool, error) {
	if err := e.move(ctx, point, z); err != nil {
		return false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, e.params.Timeout)
	defer cancel()
	return e.printer.ProbeTriggered(opCtx)
}

func (e *Engine) lift(ctx context.Context, point calibration.ProbePoint) error {
	return e.move(ctx, point, e.params.ZMax)
}

func (e *Engine) move(ctx context.Context, point calibration.ProbePoint, z float64) error {
	opCtx, cancel := context.WithTimeout(ctx, e.params.Timeout)
	defer cancel()
	return e.printer.MoveTo(opCtx, point, z)
}

// classify maps a failure onto the error taxonomy: a primitive that did not
// answer in time is a probe failure, anything else the printer reported is a
// hardware communication error.
func classify(err error) error {
	switch {
	case errors.Is(err, calibration.ErrProbeFailure),
		errors.Is(err, calibration.ErrHardwareCommunication),
		errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return pkgerrors.Wrap(calibration.ErrProbeFailure, "probe timed out")
	case errors.Is(err, errNoTrigger), errors.Is(err, errAboveRange), errors.Is(err, errNotConverged):
		return pkgerrors.Wrap(calibration.ErrProbeFailure, err.Error())
	}
	return pkgerrors.Wrap(calibration.ErrHardwareCommunication, err.Error())
}
