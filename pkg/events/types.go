package events

import "encoding/json"

// Event name constants
const (
	InputCalibrated = "input.calibrated"
	OffsetApplied   = "output.offset"
	LockState       = "lock.state"
	ScheduleAction  = "schedule.action"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// InputCalibratedEvent is the typed payload for input.calibrated.
type InputCalibratedEvent struct {
	Input   string  `json:"input"`
	Version int     `json:"version"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	RMS     float64 `json:"rms"`
	Ts      int64   `json:"ts"`
}

// OffsetAppliedEvent is the typed payload for output.offset.
type OffsetAppliedEvent struct {
	Output  string  `json:"output"`
	Input   string  `json:"input"`
	Offset  float64 `json:"offset"`
	Clamped bool    `json:"clamped"`
	Ts      int64   `json:"ts"`
}

// LockStateEvent is the typed payload for lock.state.
type LockStateEvent struct {
	Locked  bool   `json:"locked"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// ScheduleActionEvent is the typed payload for schedule.action.
type ScheduleActionEvent struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.InputCalibratedEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Input, payload.Mean)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
