// Package types holds the request and response bodies shared by the daemon
// and its clients.
package types

import (
	"time"

	"github.com/charlie0129/lockbox/pkg/lockbox"
)

// Status is returned by GET /status.
type Status struct {
	lockbox.Status

	// WantLock is set by a lock request and cleared by an unlock request.
	// The monitor loop only relocks while it is set.
	WantLock   bool `json:"wantLock"`
	AutoRelock bool `json:"autoRelock"`

	// MonitorLoops are the recent monitor loop times, newest first.
	MonitorLoops []time.Time            `json:"monitorLoops"`
	LastMonitor  *lockbox.MonitorResult `json:"lastMonitor,omitempty"`

	Schedule          string    `json:"schedule"`
	NextRecalibration time.Time `json:"nextRecalibration,omitempty"`
}

// OffsetRequest is the body of POST /offset/first-edge.
type OffsetRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// ScheduleRequest is the body of PUT /schedule. An empty Cron disables
// periodic recalibration.
type ScheduleRequest struct {
	Cron string `json:"cron"`
}

// ScheduleResponse lists the next recalibration times.
type ScheduleResponse struct {
	NextRuns []time.Time `json:"nextRuns"`
}

// ExpectedResponse is returned by GET /inputs/:name/expected.
type ExpectedResponse struct {
	Input    string  `json:"input"`
	Variable float64 `json:"variable"`
	Signal   float64 `json:"signal"`
}
