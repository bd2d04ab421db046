package printer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/j-be/autobim/pkg/calibration"
)

// Sim is a simulated printer. The bed surface under each registered point
// sits at a configurable height; the probe triggers when the nozzle is at or
// below that height (plus noise).
type Sim struct {
	mu       sync.Mutex
	heights  map[calibration.ProbePoint]float64
	fallback float64
	noise    float64
	rng      *rand.Rand
	latency  time.Duration
	homed    bool
	pos      calibration.ProbePoint
	z        float64
	lines    []string

	// FailHome, FailMove and FailProbe inject errors.
	FailHome  error
	FailMove  error
	FailProbe error

	calls int
}

// NewSim returns a simulated printer whose bed is flat at height fallback.
func NewSim(fallback float64) *Sim {
	return &Sim{
		heights:  make(map[calibration.ProbePoint]float64),
		fallback: fallback,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// SetHeight sets the bed height under p.
func (s *Sim) SetHeight(p calibration.ProbePoint, h float64) {
	s.mu.Lock()
	s.heights[p] = h
	s.mu.Unlock()
}

// Height returns the bed height under p.
func (s *Sim) Height(p calibration.ProbePoint) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height(p)
}

func (s *Sim) height(p calibration.ProbePoint) float64 {
	if h, ok := s.heights[p]; ok {
		return h
	}
	return s.fallback
}

// Adjust moves the bed under p by delta, like turning a leveling screw.
func (s *Sim) Adjust(p calibration.ProbePoint, delta float64) {
	s.mu.Lock()
	s.heights[p] = s.height(p) + delta
	s.mu.Unlock()
}

// SetNoise sets the standard deviation of the trigger height noise.
func (s *Sim) SetNoise(stddev float64, seed int64) {
	s.mu.Lock()
	s.noise = stddev
	s.rng = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
}

// SetLatency makes every primitive take d.
func (s *Sim) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Calls returns the number of primitives invoked so far.
func (s *Sim) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Homed reports whether Home succeeded at least once.
func (s *Sim) Homed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homed
}

// Lines returns the display messages and raw commands received.
func (s *Sim) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *Sim) wait(ctx context.Context) error {
	s.mu.Lock()
	s.calls++
	d := s.latency
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sim) Home(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailHome != nil {
		return s.FailHome
	}
	s.homed = true
	s.z = 0
	return nil
}

func (s *Sim) MoveTo(ctx context.Context, point calibration.ProbePoint, z float64) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMove != nil {
		return s.FailMove
	}
	s.pos = point
	s.z = z
	return nil
}

func (s *Sim) ProbeTriggered(ctx context.Context) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailProbe != nil {
		return false, s.FailProbe
	}
	h := s.height(s.pos)
	if s.noise > 0 {
		h += s.rng.NormFloat64() * s.noise
	}
	return s.z <= h, nil
}

func (s *Sim) Display(_ context.Context, msg string) error {
	s.mu.Lock()
	s.lines = append(s.lines, "M117 "+msg)
	s.mu.Unlock()
	return nil
}

func (s *Sim) Commands(_ context.Context, lines ...string) error {
	s.mu.Lock()
	s.lines = append(s.lines, lines...)
	s.mu.Unlock()
	return nil
}
