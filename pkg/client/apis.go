package client

import (
	"encoding/json"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/config"
)

func decode[T any](ret string, what string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return v, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return v, nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Command sends a command through the generic command endpoint. payload is
// merged into the request next to the command name.
func (c *Client) Command(cmd calibration.Command, payload map[string]any) (string, error) {
	req := map[string]any{}
	for k, v := range payload {
		req[k] = v
	}
	req["command"] = cmd

	data, err := marshal(req)
	if err != nil {
		return "", err
	}
	return c.Post("/api/command", data)
}

// Start starts a calibration session and returns its id.
func (c *Client) Start() (uint64, error) {
	ret, err := c.Post("/calibration/start", "")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to start calibration")
	}
	resp, err := decode[struct {
		Session uint64 `json:"session"`
	}](ret, "start response")
	if err != nil {
		return 0, err
	}
	return resp.Session, nil
}

// Abort asks the running session to stop. An empty reason lets the daemon
// pick a default.
func (c *Client) Abort(reason string) error {
	data := ""
	if reason != "" {
		var err error
		if data, err = marshal(map[string]string{"reason": reason}); err != nil {
			return err
		}
	}
	_, err := c.Post("/calibration/abort", data)
	return pkgerrors.Wrapf(err, "failed to abort calibration")
}

// Continue ends the current adjustment wait early.
func (c *Client) Continue() error {
	_, err := c.Post("/calibration/continue", "")
	return pkgerrors.Wrapf(err, "failed to continue calibration")
}

func (c *Client) Home() error {
	_, err := c.Post("/home", "")
	return pkgerrors.Wrapf(err, "failed to home printer")
}

func (c *Client) TestCorner(p calibration.ProbePoint) (*calibration.ProbeResult, error) {
	data, err := marshal(p)
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/test-corner", data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to test point %s", p)
	}
	res, err := decode[calibration.ProbeResult](ret, "probe result")
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// TestAllCorners probes every point once. The daemon uses its registered
// points when points is empty.
func (c *Client) TestAllCorners(points []calibration.ProbePoint) ([]calibration.ProbeResult, error) {
	if len(points) == 0 {
		var err error
		if points, err = c.GetPoints(); err != nil {
			return nil, err
		}
	}
	data, err := marshal(map[string]any{"points": points})
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/test-all-corners", data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to test points")
	}
	resp, err := decode[struct {
		Results []calibration.ProbeResult `json:"results"`
	}](ret, "probe results")
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) GetStatus() (*calibration.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}
	st, err := decode[calibration.Status](ret, "status")
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetSession returns the running or last session. The error matches
// ErrNotFound when no calibration has run since the daemon started.
func (c *Client) GetSession() (*calibration.Session, error) {
	ret, err := c.Get("/session")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get session")
	}
	s, err := decode[calibration.Session](ret, "session")
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetPoints() ([]calibration.ProbePoint, error) {
	ret, err := c.Get("/points")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get probe points")
	}
	return decode[[]calibration.ProbePoint](ret, "probe points")
}

func (c *Client) SetPoints(points []calibration.ProbePoint) ([]calibration.ProbePoint, error) {
	data, err := marshal(points)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/points", data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set probe points")
	}
	return decode[[]calibration.ProbePoint](ret, "probe points")
}

func (c *Client) AddPoint(p calibration.ProbePoint) ([]calibration.ProbePoint, error) {
	data, err := marshal(p)
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/points", data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to add probe point %s", p)
	}
	return decode[[]calibration.ProbePoint](ret, "probe points")
}

func (c *Client) RemovePoint(index int) ([]calibration.ProbePoint, error) {
	ret, err := c.Delete("/points/" + strconv.Itoa(index))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to remove probe point %d", index)
	}
	return decode[[]calibration.ProbePoint](ret, "probe points")
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}
	conf, err := decode[config.RawFileConfig](ret, "config")
	if err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return decode[string](ret, "version")
}

// GetMetrics returns the daemon metrics in the Prometheus text format.
func (c *Client) GetMetrics() (string, error) {
	ret, err := c.Get("/metrics")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get metrics")
	}
	return ret, nil
}
