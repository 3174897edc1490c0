package lifecycle

import (
	"context"
	"time"

	"mathstream/server/logging"
)

const (
	// EventStateChanged is emitted when a streaming client changes connection state.
	EventStateChanged logging.EventType = "lifecycle.state_changed"
	// EventReconnectScheduled is emitted when a reconnect attempt is armed.
	EventReconnectScheduled logging.EventType = "lifecycle.reconnect_scheduled"
	// EventReconnectExhausted is emitted when the retry budget runs out.
	EventReconnectExhausted logging.EventType = "lifecycle.reconnect_exhausted"
	// EventCommandDropped is emitted when a command is sent while offline.
	EventCommandDropped logging.EventType = "lifecycle.command_dropped"
)

// StatePayload captures a connection state transition.
type StatePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	URL  string `json:"url,omitempty"`
}

// ReconnectPayload captures the retry schedule.
type ReconnectPayload struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	DelayMillis int64  `json:"delayMillis"`
	Error       string `json:"error,omitempty"`
}

// DroppedPayload identifies the command that could not be sent.
type DroppedPayload struct {
	CommandType string `json:"commandType"`
	Timestamp   int64  `json:"timestamp"`
	State       string `json:"state"`
}

// StateChanged publishes a connection state transition.
func StateChanged(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload StatePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStateChanged,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// ReconnectScheduled publishes the next retry delay.
func ReconnectScheduled(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, attempt, maxAttempts int, delay time.Duration, cause error) {
	if pub == nil {
		return
	}
	payload := ReconnectPayload{Attempt: attempt, MaxAttempts: maxAttempts, DelayMillis: delay.Milliseconds()}
	if cause != nil {
		payload.Error = cause.Error()
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventReconnectScheduled,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// ReconnectExhausted publishes an error once no attempts remain.
func ReconnectExhausted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, maxAttempts int) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventReconnectExhausted,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryLifecycle,
		Payload:  ReconnectPayload{Attempt: maxAttempts, MaxAttempts: maxAttempts},
	})
}

// CommandDropped publishes a warning for a command sent while not connected.
func CommandDropped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload DroppedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCommandDropped,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
