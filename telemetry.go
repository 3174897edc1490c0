package server

import (
	"sync/atomic"

	"mathstream/server/internal/telemetry"
)

const (
	metricConnectedClients = "hub_connected_clients"
	metricConnections      = "hub_connections_total"
	metricDisconnections   = "hub_disconnections_total"
	metricMessagesSent     = "hub_messages_sent_total"
	metricBytesSent        = "hub_bytes_sent_total"
	metricDecodeFailures   = "hub_decode_failures_total"
	metricPermissionDenied = "hub_permission_denied_total"
	metricWriteFailures    = "hub_write_failures_total"
)

type telemetryCounters struct {
	metrics telemetry.Metrics

	connected          atomic.Uint64
	connections        atomic.Uint64
	disconnections     atomic.Uint64
	messagesSent       atomic.Uint64
	bytesSent          atomic.Uint64
	lastBroadcastBytes atomic.Uint64
	decodeFailures     atomic.Uint64
	permissionDenied   atomic.Uint64
	writeFailures      atomic.Uint64
}

type telemetrySnapshot struct {
	ConnectedClients   uint64 `json:"connectedClients"`
	Connections        uint64 `json:"connections"`
	Disconnections     uint64 `json:"disconnections"`
	MessagesSent       uint64 `json:"messagesSent"`
	BytesSent          uint64 `json:"bytesSent"`
	LastBroadcastBytes uint64 `json:"lastBroadcastBytes"`
	DecodeFailures     uint64 `json:"decodeFailures"`
	PermissionDenied   uint64 `json:"permissionDenied"`
	WriteFailures      uint64 `json:"writeFailures"`
}

func newTelemetryCounters(metrics telemetry.Metrics) *telemetryCounters {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &telemetryCounters{metrics: metrics}
}

func (t *telemetryCounters) RecordConnected(count int) {
	t.connections.Add(1)
	t.connected.Store(uint64(count))
	t.metrics.Add(metricConnections, 1)
	t.metrics.Store(metricConnectedClients, uint64(count))
}

func (t *telemetryCounters) RecordDisconnected(count int) {
	t.disconnections.Add(1)
	t.connected.Store(uint64(count))
	t.metrics.Add(metricDisconnections, 1)
	t.metrics.Store(metricConnectedClients, uint64(count))
}

func (t *telemetryCounters) RecordBroadcast(bytes, receivers int) {
	if bytes < 0 {
		bytes = 0
	}
	if receivers <= 0 {
		return
	}
	total := uint64(bytes) * uint64(receivers)
	t.messagesSent.Add(uint64(receivers))
	t.bytesSent.Add(total)
	t.lastBroadcastBytes.Store(uint64(bytes))
	t.metrics.Add(metricMessagesSent, uint64(receivers))
	t.metrics.Add(metricBytesSent, total)
}

func (t *telemetryCounters) RecordDecodeFailure() {
	t.decodeFailures.Add(1)
	t.metrics.Add(metricDecodeFailures, 1)
}

func (t *telemetryCounters) RecordPermissionDenied() {
	t.permissionDenied.Add(1)
	t.metrics.Add(metricPermissionDenied, 1)
}

func (t *telemetryCounters) RecordWriteFailure() {
	t.writeFailures.Add(1)
	t.metrics.Add(metricWriteFailures, 1)
}

func (t *telemetryCounters) Snapshot() telemetrySnapshot {
	return telemetrySnapshot{
		ConnectedClients:   t.connected.Load(),
		Connections:        t.connections.Load(),
		Disconnections:     t.disconnections.Load(),
		MessagesSent:       t.messagesSent.Load(),
		BytesSent:          t.bytesSent.Load(),
		LastBroadcastBytes: t.lastBroadcastBytes.Load(),
		DecodeFailures:     t.decodeFailures.Load(),
		PermissionDenied:   t.permissionDenied.Load(),
		WriteFailures:      t.writeFailures.Load(),
	}
}

// TelemetrySnapshot returns the hub counters for diagnostics.
func (h *Hub) TelemetrySnapshot() telemetrySnapshot {
	return h.telemetry.Snapshot()
}

// DiagnosticsSnapshot returns the connected clients for diagnostics.
func (h *Hub) DiagnosticsSnapshot() []ClientState {
	return h.ConnectedClients()
}
