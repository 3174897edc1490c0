package network

import (
	"context"

	"mathstream/server/logging"
)

const (
	// EventClientConnected is emitted when the hub registers a connection.
	EventClientConnected logging.EventType = "network.client_connected"
	// EventClientDisconnected is emitted when the hub drops a connection.
	EventClientDisconnected logging.EventType = "network.client_disconnected"
	// EventMessageRelayed is emitted for every message fanned out by the hub.
	EventMessageRelayed logging.EventType = "network.message_relayed"
	// EventDecodeFailed is emitted when an inbound frame fails validation.
	EventDecodeFailed logging.EventType = "network.decode_failed"
	// EventRateLimited is emitted when a connection exceeds its inbound budget.
	EventRateLimited logging.EventType = "network.rate_limited"
	// EventPermissionDenied is emitted when a read-only client tries to publish.
	EventPermissionDenied logging.EventType = "network.permission_denied"
)

// ConnectionPayload describes a connection lifecycle change.
type ConnectionPayload struct {
	Permissions []string `json:"permissions,omitempty"`
	Replaced    bool     `json:"replaced,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// RelayPayload summarises a fan-out.
type RelayPayload struct {
	CommandType string `json:"commandType"`
	Receivers   int    `json:"receivers"`
	Bytes       int    `json:"bytes"`
}

// RejectPayload records why an inbound frame was discarded.
type RejectPayload struct {
	Reason string `json:"reason"`
	Bytes  int    `json:"bytes"`
}

func publish(ctx context.Context, pub logging.Publisher, typ logging.EventType, severity logging.Severity, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     typ,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// ClientConnected publishes a connection registration.
func ClientConnected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	publish(ctx, pub, EventClientConnected, logging.SeverityInfo, actor, payload, extra)
}

// ClientDisconnected publishes a connection removal.
func ClientDisconnected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	publish(ctx, pub, EventClientDisconnected, logging.SeverityInfo, actor, payload, extra)
}

// MessageRelayed publishes a debug event for a broadcast.
func MessageRelayed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, messageID string, payload RelayPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventMessageRelayed,
		Actor:     actor,
		Severity:  logging.SeverityDebug,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		Extra:     extra,
		MessageID: messageID,
	})
}

// DecodeFailed publishes a warning for a dropped malformed frame.
func DecodeFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload RejectPayload, extra map[string]any) {
	publish(ctx, pub, EventDecodeFailed, logging.SeverityWarn, actor, payload, extra)
}

// RateLimited publishes a warning for a frame dropped by the inbound limiter.
func RateLimited(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload RejectPayload, extra map[string]any) {
	publish(ctx, pub, EventRateLimited, logging.SeverityWarn, actor, payload, extra)
}

// PermissionDenied publishes a warning for a frame from a client without write access.
func PermissionDenied(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload RejectPayload, extra map[string]any) {
	publish(ctx, pub, EventPermissionDenied, logging.SeverityWarn, actor, payload, extra)
}
