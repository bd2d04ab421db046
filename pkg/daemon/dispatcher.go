package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/j-be/autobim/pkg/calibration"
)

// coord is a coordinate that accepts JSON numbers as well as numeric strings.
// Web frontends tend to keep form values as strings.
type coord float64

func (c *coord) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*c = coord(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("coordinate must be a number, got %s", b)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("coordinate must be a number, got %q", s)
	}
	*c = coord(f)
	return nil
}

type pointPayload struct {
	X *coord `json:"x"`
	Y *coord `json:"y"`
}

func (p pointPayload) point() (calibration.ProbePoint, error) {
	if p.X == nil || p.Y == nil {
		return calibration.ProbePoint{}, pkgerrors.Wrap(calibration.ErrInvalidArgument, "both x and y are required")
	}
	return calibration.ProbePoint{X: float64(*p.X), Y: float64(*p.Y)}, nil
}

type pointsPayload struct {
	Points []pointPayload `json:"points"`
}

func (p pointsPayload) list() ([]calibration.ProbePoint, error) {
	points := make([]calibration.ProbePoint, 0, len(p.Points))
	for i, pp := range p.Points {
		pt, err := pp.point()
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "point %d", i)
		}
		points = append(points, pt)
	}
	return points, nil
}

type abortPayload struct {
	Reason string `json:"reason"`
}

type startResponse struct {
	Session uint64 `json:"session"`
}

type testAllCornersResponse struct {
	Results []calibration.ProbeResult `json:"results"`
}

// dispatcher maps command names and their JSON payloads onto calibrator
// operations. Malformed input is rejected synchronously; nothing is queued.
type dispatcher struct {
	cal *calibrator
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return pkgerrors.Wrap(calibration.ErrInvalidArgument, err.Error())
	}
	return nil
}

// Dispatch runs the named command. Errors wrap the sentinels of package
// calibration so callers can classify them with errors.Is.
func (d *dispatcher) Dispatch(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	switch calibration.Command(name) {
	case calibration.CommandStart:
		id, err := d.cal.Start()
		if err != nil {
			return nil, err
		}
		return startResponse{Session: id}, nil

	case calibration.CommandAbort:
		var p abortPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		if p.Reason == "" {
			p.Reason = "requested by user"
		}
		return struct{}{}, d.cal.Abort(p.Reason)

	case calibration.CommandContinue:
		return struct{}{}, d.cal.Continue()

	case calibration.CommandHome:
		return struct{}{}, d.cal.Home(ctx)

	case calibration.CommandTestCorner:
		var p pointPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		pt, err := p.point()
		if err != nil {
			return nil, err
		}
		return d.cal.TestCorner(ctx, pt)

	case calibration.CommandTestAllCorners:
		var p pointsPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		points, err := p.list()
		if err != nil {
			return nil, err
		}
		results, err := d.cal.TestAllCorners(ctx, points)
		if err != nil {
			return nil, err
		}
		return testAllCornersResponse{Results: results}, nil

	case calibration.CommandStatus:
		return d.cal.Status(), nil
	}

	return nil, pkgerrors.Wrapf(calibration.ErrUnknownCommand, "%q", name)
}
