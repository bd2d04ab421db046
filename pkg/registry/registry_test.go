package registry

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j-be/autobim/pkg/calibration"
)

func TestNewUsesDefaults(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPoints, r.List())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		points  []calibration.ProbePoint
		wantErr bool
	}{
		{name: "ok", points: []calibration.ProbePoint{{X: 1, Y: 2}, {X: 3, Y: 4}}},
		{name: "empty", points: nil, wantErr: true},
		{name: "duplicate", points: []calibration.ProbePoint{{X: 1, Y: 2}, {X: 1, Y: 2}}, wantErr: true},
		{name: "nan", points: []calibration.ProbePoint{{X: math.NaN(), Y: 2}}, wantErr: true},
		{name: "negative", points: []calibration.ProbePoint{{X: -1, Y: 2}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.points)
			if tt.wantErr {
				assert.True(t, errors.Is(err, calibration.ErrInvalidArgument), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMutationsKeepInsertionOrder(t *testing.T) {
	var changes [][]calibration.ProbePoint
	r, err := New([]calibration.ProbePoint{{X: 10, Y: 10}})
	require.NoError(t, err)
	r.OnChange = func(p []calibration.ProbePoint) { changes = append(changes, p) }

	require.NoError(t, r.Add(calibration.ProbePoint{X: 20, Y: 10}))
	require.NoError(t, r.Add(calibration.ProbePoint{X: 20, Y: 20}))
	assert.Error(t, r.Add(calibration.ProbePoint{X: 20, Y: 20}))
	require.NoError(t, r.Remove(1))

	assert.Equal(t, []calibration.ProbePoint{{X: 10, Y: 10}, {X: 20, Y: 20}}, r.List())
	assert.Len(t, changes, 3)

	assert.Error(t, r.Remove(5))
	require.NoError(t, r.Remove(0))
	assert.Error(t, r.Remove(0), "last point stays")
}

func TestFrozenRegistryRejectsMutation(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	snapshot := r.Freeze()
	assert.True(t, r.Frozen())
	assert.ErrorIs(t, r.Add(calibration.ProbePoint{X: 1, Y: 1}), calibration.ErrRegistryFrozen)
	assert.ErrorIs(t, r.Set(DefaultPoints[:1]), calibration.ErrRegistryFrozen)
	assert.ErrorIs(t, r.Remove(0), calibration.ErrRegistryFrozen)

	snapshot[0] = calibration.ProbePoint{X: 99, Y: 99}
	assert.Equal(t, DefaultPoints[0], r.List()[0], "snapshot is a copy")

	r.Thaw()
	assert.NoError(t, r.Add(calibration.ProbePoint{X: 1, Y: 1}))
}
