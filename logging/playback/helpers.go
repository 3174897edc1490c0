package playback

import (
	"context"

	"mathstream/server/logging"
)

const (
	// EventSceneStarted is emitted when a scene begins playing.
	EventSceneStarted logging.EventType = "playback.scene_started"
	// EventSceneStopped is emitted when a scene stops, completed or not.
	EventSceneStopped logging.EventType = "playback.scene_stopped"
	// EventCommandDispatched is emitted for every scene command handed to the sender.
	EventCommandDispatched logging.EventType = "playback.command_dispatched"
)

// ScenePayload describes a scene run.
type ScenePayload struct {
	Name         string `json:"name,omitempty"`
	Duration     int64  `json:"durationMillis"`
	Commands     int    `json:"commands"`
	Elapsed      int64  `json:"elapsedMillis,omitempty"`
	Completed    bool   `json:"completed,omitempty"`
	Dispatched   int    `json:"dispatched,omitempty"`
	DispatchMode string `json:"dispatchMode,omitempty"`
	SendFailures int    `json:"sendFailures,omitempty"`
}

// DispatchPayload describes one dispatched command.
type DispatchPayload struct {
	CommandType string `json:"commandType"`
	Timestamp   int64  `json:"timestamp"`
	Elapsed     int64  `json:"elapsedMillis"`
	Error       string `json:"error,omitempty"`
}

// SceneStarted publishes a scene start.
func SceneStarted(ctx context.Context, pub logging.Publisher, scene logging.EntityRef, payload ScenePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSceneStarted,
		Actor:    scene,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryPlayback,
		Payload:  payload,
	})
}

// SceneStopped publishes a scene stop.
func SceneStopped(ctx context.Context, pub logging.Publisher, scene logging.EntityRef, payload ScenePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSceneStopped,
		Actor:    scene,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryPlayback,
		Payload:  payload,
	})
}

// CommandDispatched publishes a debug event per dispatched command. Failed
// sends are raised to warnings.
func CommandDispatched(ctx context.Context, pub logging.Publisher, scene logging.EntityRef, payload DispatchPayload) {
	if pub == nil {
		return
	}
	severity := logging.SeverityDebug
	if payload.Error != "" {
		severity = logging.SeverityWarn
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCommandDispatched,
		Actor:    scene,
		Severity: severity,
		Category: logging.CategoryPlayback,
		Payload:  payload,
	})
}

// EventAutoplayTriggered is emitted when a cron entry starts a scene.
const EventAutoplayTriggered logging.EventType = "playback.autoplay_triggered"

// AutoplayPayload describes one cron firing.
type AutoplayPayload struct {
	Cron  string `json:"cron"`
	Error string `json:"error,omitempty"`
}

// AutoplayTriggered publishes a cron firing. Failed plays are raised to warnings.
func AutoplayTriggered(ctx context.Context, pub logging.Publisher, scene logging.EntityRef, payload AutoplayPayload) {
	if pub == nil {
		return
	}
	severity := logging.SeverityInfo
	if payload.Error != "" {
		severity = logging.SeverityWarn
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAutoplayTriggered,
		Actor:    scene,
		Severity: severity,
		Category: logging.CategoryPlayback,
		Payload:  payload,
	})
}
