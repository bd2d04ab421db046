package events

import "encoding/json"

// Type is the kind of a calibration event.
type Type string

const (
	TypeStarted   Type = "started"
	TypeInfo      Type = "info"
	TypeWarn      Type = "warn"
	TypeAborted   Type = "aborted"
	TypeCompleted Type = "completed"
)

// Terminal reports whether t ends a session.
func (t Type) Terminal() bool {
	return t == TypeAborted || t == TypeCompleted
}

// Event is a calibration event pushed to observers.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    Type            `json:"type"`
	Message string          `json:"message,omitempty"`
	Session uint64          `json:"session,omitempty"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// If Data is empty, it returns the zero value of T with a nil error.
//
// Example:
//
//	report, err := events.DecodeAs[calibration.Report](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(report.MaxDeviation)
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
