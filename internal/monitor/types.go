package monitor

import (
	"context"
	"time"

	"server-health/internal/config"
	"server-health/internal/messages"
)

// Status is the raw outcome of one probe that reached the target.
type Status struct {
	StatusCode int
	OK         bool
	// Validation explains a failed check on a received response,
	// e.g. "unexpected status" or "keyword missing".
	Validation string
}

// ServerStatus is the health verdict of one retry round.
type ServerStatus struct {
	StatusCode int // 0 if no response
	OK         bool
	// ExecError is a probe-level failure such as a timeout or DNS error,
	// or the validation failure of the last response.
	ExecError string
}

func (s ServerStatus) message() messages.Status {
	return messages.Status{StatusCode: s.StatusCode, ExecError: s.ExecError}
}

// Result is what the engine decided for one target in one cycle.
type Result struct {
	Up         bool
	Status     ServerStatus
	ActionsRun int
}

// Event is emitted on transitions (UP->DOWN or DOWN->UP).
type Event struct {
	TargetName string
	URL        string

	From bool
	To   bool

	At         time.Time
	Reason     string
	StatusCode int
}

// HealthProbe performs one bounded request against a target.
// An error means the probe could not get a response at all.
type HealthProbe interface {
	Check(ctx context.Context, target config.Target) (Status, error)
}

// ActionRunner executes one remediation action to completion.
type ActionRunner interface {
	Run(ctx context.Context, action config.Action) (string, error)
}

// Notifier delivers one message. Failures are reported, never retried.
type Notifier interface {
	Notify(ctx context.Context, mail config.MailConfig, msg messages.Message, recipients []string) error
}

// Recorder keeps a history of cycle results.
type Recorder interface {
	RecordCheck(ctx context.Context, target config.Target, res Result, at time.Time) error
	RecordTransition(ctx context.Context, ev Event) error
}

type nopRecorder struct{}

func (nopRecorder) RecordCheck(context.Context, config.Target, Result, time.Time) error { return nil }
func (nopRecorder) RecordTransition(context.Context, Event) error                       { return nil }
