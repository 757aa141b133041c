// Package notify delivers stage outcome events to an external sink.
package notify

import (
	"context"
	"time"
)

// Event status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Notifier receives stage outcomes. Implementations may block; callers run
// them off the request path.
type Notifier interface {
	NotifySuccess(ctx context.Context, stage string, result map[string]any) error
	NotifyFailure(ctx context.Context, stage string, err error) error
}

// Event is the JSON document every sink emits.
type Event struct {
	Stage     string         `json:"stage"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func successEvent(stage string, result map[string]any, now time.Time) Event {
	return Event{Stage: stage, Status: StatusSuccess, Result: result, Timestamp: now}
}

func failureEvent(stage string, err error, now time.Time) Event {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Event{Stage: stage, Status: StatusFailure, Error: msg, Timestamp: now}
}

// Noop discards every event.
type Noop struct{}

// NotifySuccess does nothing.
func (Noop) NotifySuccess(context.Context, string, map[string]any) error { return nil }

// NotifyFailure does nothing.
func (Noop) NotifyFailure(context.Context, string, error) error { return nil }
