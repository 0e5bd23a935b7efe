package client

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/lockbox/pkg/config"
	"github.com/charlie0129/lockbox/pkg/lockbox"
	"github.com/charlie0129/lockbox/pkg/types"
)

func decode[T any](ret string, what string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func inputPath(name, action string) string {
	return "/inputs/" + url.PathEscape(name) + "/" + action
}

func (c *Client) GetStatus() (*types.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}
	return decode[types.Status](ret, "status")
}

// SetupInput sends a partial input configuration. Fields absent from fields
// keep their current values.
func (c *Client) SetupInput(name string, fields map[string]any) (*lockbox.InputConfig, error) {
	payload := ""
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		payload = string(b)
	}
	ret, err := c.Put(inputPath(name, "setup"), payload)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set up %s", name)
	}
	return decode[lockbox.InputConfig](ret, "input config")
}

func (c *Client) ClearInput(name string) (string, error) {
	return c.Post(inputPath(name, "clear"), "")
}

func (c *Client) Calibrate(name string, autosave bool) (*lockbox.CalibrationResult, error) {
	ret, err := c.Post(inputPath(name, "calibrate")+"?autosave="+strconv.FormatBool(autosave), "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to calibrate %s", name)
	}
	return decode[lockbox.CalibrationResult](ret, "calibration result")
}

// Sweep returns nil without error when the daemon had no capture.
func (c *Client) Sweep(name string) (*lockbox.Capture, error) {
	ret, err := c.Post(inputPath(name, "sweep"), "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to sweep %s", name)
	}
	if ret == "" {
		return nil, nil
	}
	return decode[lockbox.Capture](ret, "capture")
}

func (c *Client) GetExpectedSignal(name string, variable float64) (*types.ExpectedResponse, error) {
	q := url.Values{"variable": {strconv.FormatFloat(variable, 'g', -1, 64)}}
	ret, err := c.Get(inputPath(name, "expected") + "?" + q.Encode())
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get expected signal of %s", name)
	}
	return decode[types.ExpectedResponse](ret, "expected signal")
}

func (c *Client) SetAnalogOffset(name string, v float64) (string, error) {
	return c.Put(inputPath(name, "analog-offset"), strconv.FormatFloat(v, 'g', -1, 64))
}

// SetOffsetToFirstEdge uses the lock input and output for empty names.
func (c *Client) SetOffsetToFirstEdge(input, output string) (*lockbox.EdgeResult, error) {
	b, err := json.Marshal(types.OffsetRequest{Input: input, Output: output})
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/offset/first-edge", string(b))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set offset")
	}
	return decode[lockbox.EdgeResult](ret, "edge result")
}

func (c *Client) Lock() (*lockbox.LockResult, error) {
	ret, err := c.Post("/lock", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to lock")
	}
	return decode[lockbox.LockResult](ret, "lock result")
}

func (c *Client) Unlock() (string, error) {
	return c.Post("/unlock", "")
}

func (c *Client) SetAutoRelock(enabled bool) (string, error) {
	return c.Put("/auto-relock", strconv.FormatBool(enabled))
}

// Schedule sets the recalibration schedule. An empty expression disables it.
func (c *Client) Schedule(cronExpr string) ([]time.Time, error) {
	b, err := json.Marshal(types.ScheduleRequest{Cron: cronExpr})
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", string(b))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	return nextRuns(ret)
}

func (c *Client) SkipSchedule() ([]time.Time, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to skip the next recalibration")
	}
	return nextRuns(ret)
}

func nextRuns(ret string) ([]time.Time, error) {
	resp, err := decode[types.ScheduleResponse](ret, "schedule")
	if err != nil {
		return nil, err
	}
	return resp.NextRuns, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}
	return decode[config.RawFileConfig](ret, "config")
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}
