package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mathstream/server/internal/net/proto"
	"mathstream/server/internal/telemetry"
	"mathstream/server/logging"
	"mathstream/server/logging/network"
)

// ErrPermissionDenied is returned when a client without write access publishes.
var ErrPermissionDenied = errors.New("client lacks write permission")

// Connection is one live subscriber transport.
type Connection interface {
	WriteMessage(data []byte) error
	Close() error
	Open() bool
}

// HubConfig controls a Hub.
type HubConfig struct {
	Logger             telemetry.Logger
	Publisher          logging.Publisher
	Metrics            telemetry.Metrics
	DefaultPermissions []Permission
	Clock              func() time.Time
}

// DefaultHubConfig returns a config granting read and write to new clients.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		DefaultPermissions: []Permission{PermissionRead, PermissionWrite},
		Clock:              time.Now,
	}
}

// Hub relays messages between every connected client. It never interprets
// command payloads; exclusion is keyed on client id only.
//
// Fan-out is serialised: Broadcast, SendToClient and the welcome written by
// HandleConnection all hold one lock while they write, so every receiver sees
// messages in the same order. The cost is that a receiver slow to accept a
// write stalls every other broadcast and new connection until its write
// returns or fails. Connections should therefore bound their writes, as the
// websocket transport does with its write deadline.
type Hub struct {
	cfg       HubConfig
	telemetry *telemetryCounters

	mu          sync.Mutex
	subscribers map[string]*subscriber
	nextOrder   uint64

	// broadcastMu serialises fan-out so every receiver observes the same order.
	broadcastMu sync.Mutex
}

type subscriber struct {
	conn  Connection
	order uint64
	state ClientState
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	defaults := DefaultHubConfig()
	if len(cfg.DefaultPermissions) == 0 {
		cfg.DefaultPermissions = defaults.DefaultPermissions
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	return &Hub{
		cfg:         cfg,
		telemetry:   newTelemetryCounters(cfg.Metrics),
		subscribers: make(map[string]*subscriber),
	}
}

// HandleConnection registers conn under clientID and sends it the welcome
// message. A previous connection with the same id is closed and replaced.
// When permissions is empty the configured defaults apply.
func (h *Hub) HandleConnection(clientID string, conn Connection, permissions ...Permission) ClientState {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if len(permissions) == 0 {
		permissions = h.cfg.DefaultPermissions
	}

	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.Lock()
	existing := h.subscribers[clientID]
	h.nextOrder++
	sub := &subscriber{
		conn:  conn,
		order: h.nextOrder,
		state: ClientState{
			ID:          clientID,
			Connected:   true,
			LastActive:  h.cfg.Clock(),
			Permissions: append([]Permission(nil), permissions...),
		},
	}
	h.subscribers[clientID] = sub
	count := len(h.subscribers)
	state := sub.state.clone()
	h.mu.Unlock()

	if existing != nil {
		existing.conn.Close()
	}
	h.telemetry.RecordConnected(count)
	network.ClientConnected(context.Background(), h.cfg.Publisher, logging.ClientRef(clientID), network.ConnectionPayload{
		Permissions: permissionNames(permissions),
		Replaced:    existing != nil,
	}, nil)

	data, err := welcomeMessage()
	if err != nil {
		h.cfg.Logger.Printf("failed to encode welcome message for %s: %v", clientID, err)
		return state
	}
	if err := conn.WriteMessage(data); err != nil {
		h.cfg.Logger.Printf("failed to send welcome message to %s: %v", clientID, err)
		h.remove(sub, "welcome write failed")
		conn.Close()
		state.Connected = false
		return state
	}
	h.telemetry.RecordBroadcast(len(data), 1)
	return state
}

// HandleMessage decodes raw and rebroadcasts it to every client except the
// one named in metadata.clientId. Malformed payloads are dropped and the
// decode error is returned.
func (h *Hub) HandleMessage(raw []byte) error {
	msg, err := proto.DecodeMessage(raw)
	if err != nil {
		h.rejectMalformed("", raw, err)
		return err
	}
	h.relay(msg, raw, msg.Metadata.ClientID)
	return nil
}

// HandleMessageFrom is HandleMessage for frames read from a registered
// connection. It refreshes the sender's activity, enforces the write
// permission, and also excludes the sending connection.
func (h *Hub) HandleMessageFrom(clientID string, raw []byte) error {
	h.mu.Lock()
	sub, ok := h.subscribers[clientID]
	canWrite := true
	if ok {
		sub.state.LastActive = h.cfg.Clock()
		canWrite = sub.state.HasPermission(PermissionWrite)
	}
	h.mu.Unlock()

	if !canWrite {
		h.telemetry.RecordPermissionDenied()
		h.cfg.Logger.Printf("dropping message from read-only client %s", clientID)
		network.PermissionDenied(context.Background(), h.cfg.Publisher, logging.ClientRef(clientID), network.RejectPayload{
			Reason: ErrPermissionDenied.Error(),
			Bytes:  len(raw),
		}, nil)
		return ErrPermissionDenied
	}

	msg, err := proto.DecodeMessage(raw)
	if err != nil {
		h.rejectMalformed(clientID, raw, err)
		return err
	}
	h.relay(msg, raw, msg.Metadata.ClientID, clientID)
	return nil
}

func (h *Hub) rejectMalformed(clientID string, raw []byte, err error) {
	h.telemetry.RecordDecodeFailure()
	h.cfg.Logger.Printf("discarding malformed message from %s: %v", displayID(clientID), err)
	network.DecodeFailed(context.Background(), h.cfg.Publisher, logging.ClientRef(clientID), network.RejectPayload{
		Reason: err.Error(),
		Bytes:  len(raw),
	}, nil)
}

func (h *Hub) relay(msg proto.Message, raw []byte, exclude ...string) {
	receivers := h.Broadcast(raw, exclude...)
	network.MessageRelayed(context.Background(), h.cfg.Publisher, logging.ClientRef(msg.Metadata.ClientID), msg.ID, network.RelayPayload{
		CommandType: string(msg.Command.Type),
		Receivers:   receivers,
		Bytes:       len(raw),
	}, nil)
}

// Broadcast writes raw to every open connection whose id is not excluded and
// returns the number of successful writes. Connections whose write fails are
// disconnected.
func (h *Hub) Broadcast(raw []byte, exclude ...string) int {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	targets := h.snapshot(exclude)
	delivered := 0
	var failed []*subscriber
	for _, sub := range targets {
		if !sub.conn.Open() {
			continue
		}
		if err := sub.conn.WriteMessage(raw); err != nil {
			h.cfg.Logger.Printf("failed to send message to %s: %v", sub.state.ID, err)
			failed = append(failed, sub)
			continue
		}
		delivered++
	}

	for _, sub := range failed {
		h.telemetry.RecordWriteFailure()
		if h.remove(sub, "write failed") {
			sub.conn.Close()
		}
	}
	h.telemetry.RecordBroadcast(len(raw), delivered)
	return delivered
}

// SendToClient writes raw to a single client and reports whether it was
// delivered.
func (h *Hub) SendToClient(clientID string, raw []byte) bool {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.Lock()
	sub, ok := h.subscribers[clientID]
	h.mu.Unlock()
	if !ok || !sub.conn.Open() {
		return false
	}
	if err := sub.conn.WriteMessage(raw); err != nil {
		h.cfg.Logger.Printf("failed to send message to %s: %v", clientID, err)
		h.telemetry.RecordWriteFailure()
		if h.remove(sub, "write failed") {
			sub.conn.Close()
		}
		return false
	}
	h.telemetry.RecordBroadcast(len(raw), 1)
	return true
}

// HandleDisconnect removes the client registered with conn. A connection
// that has already been replaced is ignored.
func (h *Hub) HandleDisconnect(conn Connection) bool {
	h.mu.Lock()
	var found *subscriber
	for _, sub := range h.subscribers {
		if sub.conn == conn {
			found = sub
			break
		}
	}
	h.mu.Unlock()
	if found == nil {
		return false
	}
	return h.remove(found, "connection closed")
}

// Disconnect removes clientID and closes its connection.
func (h *Hub) Disconnect(clientID string) bool {
	h.mu.Lock()
	sub, ok := h.subscribers[clientID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	removed := h.remove(sub, "disconnected")
	sub.conn.Close()
	return removed
}

// remove deletes sub if it is still the registered connection for its id.
func (h *Hub) remove(sub *subscriber, reason string) bool {
	h.mu.Lock()
	current, ok := h.subscribers[sub.state.ID]
	if !ok || current != sub {
		h.mu.Unlock()
		return false
	}
	delete(h.subscribers, sub.state.ID)
	count := len(h.subscribers)
	h.mu.Unlock()

	h.telemetry.RecordDisconnected(count)
	network.ClientDisconnected(context.Background(), h.cfg.Publisher, logging.ClientRef(sub.state.ID), network.ConnectionPayload{Reason: reason}, nil)
	return true
}

// ConnectedClients returns a copy of every registered client in connect order.
func (h *Hub) ConnectedClients() []ClientState {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.orderedLocked()
	clients := make([]ClientState, 0, len(subs))
	for _, sub := range subs {
		clients = append(clients, sub.state.clone())
	}
	return clients
}

// Client returns the state of a single client.
func (h *Hub) Client(clientID string) (ClientState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[clientID]
	if !ok {
		return ClientState{}, false
	}
	return sub.state.clone(), true
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.orderedLocked()
	h.mu.Unlock()
	for _, sub := range subs {
		if h.remove(sub, "shutdown") {
			sub.conn.Close()
		}
	}
}

func (h *Hub) snapshot(exclude []string) []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.orderedLocked()
	if len(exclude) == 0 {
		return subs
	}
	filtered := subs[:0]
	for _, sub := range subs {
		if !containsID(exclude, sub.state.ID) {
			filtered = append(filtered, sub)
		}
	}
	return filtered
}

func (h *Hub) orderedLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].order < subs[j].order })
	return subs
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate != "" && candidate == id {
			return true
		}
	}
	return false
}

func displayID(id string) string {
	if id == "" {
		return "unknown client"
	}
	return id
}
