package server

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mathstream/server/internal/net/proto"
)

type recordingConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	failNext error
}

func (c *recordingConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *recordingConn) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.messages...)
}

func (c *recordingConn) IsClosed() bool {
	return !c.Open()
}

func newTestHub() *Hub {
	cfg := DefaultHubConfig()
	cfg.Clock = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return NewHub(cfg)
}

func encodeFrom(t *testing.T, clientID string, cmd proto.Command) []byte {
	t.Helper()
	data, err := proto.EncodeMessage(proto.CreateMessage(cmd, clientID))
	if err != nil {
		t.Fatalf("failed to encode message: %v", err)
	}
	return data
}

func connectClient(t *testing.T, hub *Hub, id string, permissions ...Permission) *recordingConn {
	t.Helper()
	conn := &recordingConn{}
	state := hub.HandleConnection(id, conn, permissions...)
	if !state.Connected {
		t.Fatalf("expected %s to be connected", id)
	}
	return conn
}

func TestHandleConnectionSendsWelcome(t *testing.T) {
	hub := newTestHub()
	first := connectClient(t, hub, "a")
	second := connectClient(t, hub, "b")

	if got := len(first.Messages()); got != 1 {
		t.Fatalf("expected existing client to receive only its own welcome, got %d messages", got)
	}
	messages := second.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected one welcome message, got %d", len(messages))
	}
	msg, err := proto.DecodeMessage(messages[0])
	if err != nil {
		t.Fatalf("welcome message does not decode: %v", err)
	}
	if msg.Metadata.ClientID != proto.ServerClientID {
		t.Fatalf("expected server client id, got %q", msg.Metadata.ClientID)
	}
	if msg.Command.Type != proto.CommandScene || msg.Command.Timestamp != 0 {
		t.Fatalf("unexpected welcome command %+v", msg.Command)
	}
	scene := msg.Command.Scene
	if scene.SceneID != WelcomeSceneID || scene.Transition != proto.TransitionNone || scene.Duration != 0 {
		t.Fatalf("unexpected welcome payload %+v", scene)
	}
}

func TestHandleConnectionDefaultsAndState(t *testing.T) {
	hub := newTestHub()
	connectClient(t, hub, "writer")
	connectClient(t, hub, "viewer", PermissionRead)

	clients := hub.ConnectedClients()
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
	if clients[0].ID != "writer" || clients[1].ID != "viewer" {
		t.Fatalf("expected connect order, got %s, %s", clients[0].ID, clients[1].ID)
	}
	if !clients[0].HasPermission(PermissionWrite) || !clients[0].HasPermission(PermissionRead) {
		t.Fatalf("expected default read/write permissions, got %v", clients[0].Permissions)
	}
	if clients[1].HasPermission(PermissionWrite) {
		t.Fatalf("expected viewer to be read-only")
	}
	if !clients[0].Connected || clients[0].LastActive.UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("unexpected client state %+v", clients[0])
	}

	clients[0].Permissions[0] = PermissionAdmin
	again := hub.ConnectedClients()
	if again[0].Permissions[0] == PermissionAdmin {
		t.Fatalf("expected ConnectedClients to return copies")
	}
}

func TestHandleConnectionGeneratesIDWhenEmpty(t *testing.T) {
	hub := newTestHub()
	state := hub.HandleConnection("", &recordingConn{})
	if state.ID == "" {
		t.Fatalf("expected generated client id")
	}
	if _, ok := hub.Client(state.ID); !ok {
		t.Fatalf("expected generated id to be registered")
	}
}

func TestHandleMessageExcludesSender(t *testing.T) {
	hub := newTestHub()
	a := connectClient(t, hub, "a")
	b := connectClient(t, hub, "b")
	c := connectClient(t, hub, "c")

	raw := encodeFrom(t, "a", proto.NewVoiceCommand(10, proto.VoiceData{Text: "hello"}))
	if err := hub.HandleMessage(raw); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	if got := len(a.Messages()); got != 1 {
		t.Fatalf("expected sender to receive nothing beyond welcome, got %d", got)
	}
	for name, conn := range map[string]*recordingConn{"b": b, "c": c} {
		messages := conn.Messages()
		if len(messages) != 2 {
			t.Fatalf("expected %s to receive welcome plus relay, got %d", name, len(messages))
		}
		if string(messages[1]) != string(raw) {
			t.Fatalf("expected %s to receive the original bytes", name)
		}
	}
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	hub := newTestHub()
	a := connectClient(t, hub, "a")
	b := connectClient(t, hub, "b")

	err := hub.HandleMessage([]byte(`{"id":"x","command":{"type":"laser"}}`))
	if !errors.Is(err, proto.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if len(a.Messages()) != 1 || len(b.Messages()) != 1 {
		t.Fatalf("expected malformed message not to be relayed")
	}
	if got := hub.TelemetrySnapshot().DecodeFailures; got != 1 {
		t.Fatalf("expected 1 decode failure, got %d", got)
	}
	if len(hub.ConnectedClients()) != 2 {
		t.Fatalf("expected connections to stay registered")
	}
}

func TestHandleMessageFromEnforcesWritePermission(t *testing.T) {
	hub := newTestHub()
	viewer := connectClient(t, hub, "viewer", PermissionRead)
	writer := connectClient(t, hub, "writer")

	raw := encodeFrom(t, "viewer", proto.NewVoiceCommand(0, proto.VoiceData{Text: "nope"}))
	if err := hub.HandleMessageFrom("viewer", raw); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if len(writer.Messages()) != 1 {
		t.Fatalf("expected read-only client message to be dropped")
	}

	raw = encodeFrom(t, "writer", proto.NewVoiceCommand(0, proto.VoiceData{Text: "ok"}))
	if err := hub.HandleMessageFrom("writer", raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(viewer.Messages()) != 2 {
		t.Fatalf("expected viewer to receive relayed message")
	}
	if len(writer.Messages()) != 1 {
		t.Fatalf("expected writer not to receive its own message")
	}
}

func TestHandleMessageFromExcludesSendingConnection(t *testing.T) {
	hub := newTestHub()
	sender := connectClient(t, hub, "sender")
	other := connectClient(t, hub, "other")

	// metadata claims a different client; the sending connection is still excluded.
	raw := encodeFrom(t, "spoofed", proto.NewVoiceCommand(0, proto.VoiceData{Text: "x"}))
	if err := hub.HandleMessageFrom("sender", raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.Messages()) != 1 {
		t.Fatalf("expected sending connection to be excluded")
	}
	if len(other.Messages()) != 2 {
		t.Fatalf("expected other client to receive the message")
	}
}

func TestReconnectWithSameIDReplacesConnection(t *testing.T) {
	hub := newTestHub()
	stale := connectClient(t, hub, "a")
	fresh := connectClient(t, hub, "a")

	if !stale.IsClosed() {
		t.Fatalf("expected replaced connection to be closed")
	}
	if len(hub.ConnectedClients()) != 1 {
		t.Fatalf("expected a single registration for the id")
	}
	if hub.HandleDisconnect(stale) {
		t.Fatalf("expected stale connection disconnect to be ignored")
	}
	if _, ok := hub.Client("a"); !ok {
		t.Fatalf("expected fresh connection to stay registered")
	}
	if !hub.HandleDisconnect(fresh) {
		t.Fatalf("expected fresh connection to be removed")
	}
	if len(hub.ConnectedClients()) != 0 {
		t.Fatalf("expected no clients after disconnect")
	}
}

func TestBroadcastSkipsClosedAndDropsFailing(t *testing.T) {
	hub := newTestHub()
	healthy := connectClient(t, hub, "healthy")
	closed := connectClient(t, hub, "closed")
	failing := connectClient(t, hub, "failing")

	closed.Close()
	failing.mu.Lock()
	failing.failNext = errors.New("broken pipe")
	failing.mu.Unlock()

	delivered := hub.Broadcast([]byte(`payload`))
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if len(healthy.Messages()) != 2 {
		t.Fatalf("expected healthy client to receive payload")
	}
	if len(closed.Messages()) != 1 {
		t.Fatalf("expected closed client to be skipped")
	}
	if _, ok := hub.Client("failing"); ok {
		t.Fatalf("expected failing client to be disconnected")
	}
	if !failing.IsClosed() {
		t.Fatalf("expected failing connection to be closed")
	}
	if got := hub.TelemetrySnapshot().WriteFailures; got != 1 {
		t.Fatalf("expected 1 write failure, got %d", got)
	}
}

func TestConcurrentBroadcastsKeepReceiverOrder(t *testing.T) {
	hub := newTestHub()
	receivers := []*recordingConn{
		connectClient(t, hub, "r1"),
		connectClient(t, hub, "r2"),
		connectClient(t, hub, "r3"),
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hub.Broadcast([]byte(fmt.Sprintf("m%d", i)))
		}(i)
	}
	wg.Wait()

	reference := receivers[0].Messages()
	if len(reference) != 51 {
		t.Fatalf("expected 51 messages, got %d", len(reference))
	}
	for _, conn := range receivers[1:] {
		got := conn.Messages()
		if len(got) != len(reference) {
			t.Fatalf("expected %d messages, got %d", len(reference), len(got))
		}
		for i := 1; i < len(got); i++ {
			if string(got[i]) != string(reference[i]) {
				t.Fatalf("receivers disagree on order at %d: %s vs %s", i, got[i], reference[i])
			}
		}
	}
}

// gatedConn holds writes made after arm until release.
type gatedConn struct {
	recordingConn
	armed   chan struct{}
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedConn() *gatedConn {
	return &gatedConn{armed: make(chan struct{}), entered: make(chan struct{}), gate: make(chan struct{})}
}

func (c *gatedConn) arm() { close(c.armed) }

func (c *gatedConn) WriteMessage(data []byte) error {
	select {
	case <-c.armed:
		c.once.Do(func() { close(c.entered) })
		<-c.gate
	default:
	}
	return c.recordingConn.WriteMessage(data)
}

func TestSlowReceiverHoldsBackLaterBroadcasts(t *testing.T) {
	hub := newTestHub()
	slow := newGatedConn()
	if state := hub.HandleConnection("slow", slow); !state.Connected {
		t.Fatalf("expected slow client to connect")
	}
	fast := connectClient(t, hub, "fast")
	slow.arm()

	first := make(chan int, 1)
	go func() { first <- hub.Broadcast([]byte("m1")) }()
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast never reached the slow receiver")
	}

	second := make(chan int, 1)
	go func() { second <- hub.Broadcast([]byte("m2")) }()
	select {
	case <-second:
		t.Fatalf("second broadcast finished while the slow receiver was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(slow.gate)
	for _, done := range []chan int{first, second} {
		select {
		case n := <-done:
			if n != 2 {
				t.Fatalf("expected both receivers to get the broadcast, got %d", n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("broadcast did not finish after the slow receiver recovered")
		}
	}
	got := fast.Messages()
	if len(got) != 3 || string(got[1]) != "m1" || string(got[2]) != "m2" {
		t.Fatalf("unexpected messages at fast receiver: %q", got)
	}
}

func TestSendToClient(t *testing.T) {
	hub := newTestHub()
	a := connectClient(t, hub, "a")
	b := connectClient(t, hub, "b")

	if !hub.SendToClient("a", []byte("direct")) {
		t.Fatalf("expected direct send to succeed")
	}
	if hub.SendToClient("missing", []byte("direct")) {
		t.Fatalf("expected send to unknown client to fail")
	}
	if len(a.Messages()) != 2 || len(b.Messages()) != 1 {
		t.Fatalf("expected only client a to receive the direct message")
	}
}

func TestDisconnectAndClose(t *testing.T) {
	hub := newTestHub()
	a := connectClient(t, hub, "a")
	b := connectClient(t, hub, "b")

	if !hub.Disconnect("a") {
		t.Fatalf("expected disconnect to succeed")
	}
	if hub.Disconnect("a") {
		t.Fatalf("expected second disconnect to report false")
	}
	if !a.IsClosed() {
		t.Fatalf("expected connection to be closed")
	}

	hub.Close()
	if !b.IsClosed() {
		t.Fatalf("expected close to shut every connection")
	}
	snapshot := hub.TelemetrySnapshot()
	if snapshot.ConnectedClients != 0 || snapshot.Connections != 2 || snapshot.Disconnections != 2 {
		t.Fatalf("unexpected telemetry %+v", snapshot)
	}
}
