// Package registry holds the ordered set of bed corners a calibration probes.
package registry

import (
	"math"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/j-be/autobim/pkg/calibration"
)

// DefaultPoints are the four corners of a 230x230 bed, front left first.
var DefaultPoints = []calibration.ProbePoint{
	{X: 30, Y: 30},
	{X: 30, Y: 200},
	{X: 200, Y: 200},
	{X: 200, Y: 30},
}

// Registry is the only owner of the configured probe points. Callers mutate
// it through validated operations; a running session freezes it.
type Registry struct {
	mu     sync.RWMutex
	points []calibration.ProbePoint
	frozen bool

	// OnChange is called with a copy of the new list after every successful
	// mutation, outside the lock.
	OnChange func([]calibration.ProbePoint)
}

// New returns a registry holding points, or DefaultPoints when points is empty.
func New(points []calibration.ProbePoint) (*Registry, error) {
	if len(points) == 0 {
		points = DefaultPoints
	}
	if err := Validate(points); err != nil {
		return nil, err
	}
	return &Registry{points: append([]calibration.ProbePoint(nil), points...)}, nil
}

// Validate checks that points is non-empty, finite, non-negative and free of
// duplicates.
func Validate(points []calibration.ProbePoint) error {
	if len(points) == 0 {
		return pkgerrors.Wrap(calibration.ErrInvalidArgument, "point list is empty")
	}
	seen := make(map[calibration.ProbePoint]struct{}, len(points))
	for i, p := range points {
		if err := validatePoint(p); err != nil {
			return pkgerrors.Wrapf(err, "point %d", i)
		}
		if _, ok := seen[p]; ok {
			return pkgerrors.Wrapf(calibration.ErrInvalidArgument, "duplicate point %s", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

func validatePoint(p calibration.ProbePoint) error {
	for _, v := range []float64{p.X, p.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return pkgerrors.Wrapf(calibration.ErrInvalidArgument, "coordinate %v is not finite", v)
		}
		if v < 0 {
			return pkgerrors.Wrapf(calibration.ErrInvalidArgument, "coordinate %v is negative", v)
		}
	}
	return nil
}

// List returns a copy of the registered points in insertion order.
func (r *Registry) List() []calibration.ProbePoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]calibration.ProbePoint(nil), r.points...)
}

// Len returns the number of registered points.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// Set replaces the whole list.
func (r *Registry) Set(points []calibration.ProbePoint) error {
	if err := Validate(points); err != nil {
		return err
	}
	return r.mutate(func() error {
		r.points = append([]calibration.ProbePoint(nil), points...)
		return nil
	})
}

// Add appends p to the list.
func (r *Registry) Add(p calibration.ProbePoint) error {
	if err := validatePoint(p); err != nil {
		return err
	}
	return r.mutate(func() error {
		for _, q := range r.points {
			if q == p {
				return pkgerrors.Wrapf(calibration.ErrInvalidArgument, "duplicate point %s", p)
			}
		}
		r.points = append(r.points, p)
		return nil
	})
}

// Remove deletes the point at index. The last point cannot be removed.
func (r *Registry) Remove(index int) error {
	return r.mutate(func() error {
		if index < 0 || index >= len(r.points) {
			return pkgerrors.Wrapf(calibration.ErrInvalidArgument, "index %d out of range", index)
		}
		if len(r.points) == 1 {
			return pkgerrors.Wrap(calibration.ErrInvalidArgument, "cannot remove the last point")
		}
		r.points = append(r.points[:index:index], r.points[index+1:]...)
		return nil
	})
}

// Freeze blocks mutation and returns the snapshot a session works on.
func (r *Registry) Freeze() []calibration.ProbePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	return append([]calibration.ProbePoint(nil), r.points...)
}

// Thaw allows mutation again.
func (r *Registry) Thaw() {
	r.mu.Lock()
	r.frozen = false
	r.mu.Unlock()
}

// Frozen reports whether a session currently holds the registry.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) mutate(fn func() error) error {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return calibration.ErrRegistryFrozen
	}
	if err := fn(); err != nil {
		r.mu.Unlock()
		return err
	}
	snapshot := append([]calibration.ProbePoint(nil), r.points...)
	onChange := r.OnChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(snapshot)
	}
	return nil
}
