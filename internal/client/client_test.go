package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mathstream/server/internal/net/proto"
)

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type scriptedDialer struct {
	mu    sync.Mutex
	fail  bool
	urls  []string
	conns []*fakeConn
	gate  chan struct{}
}

func (d *scriptedDialer) Dial(ctx context.Context, target string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, target)
	gate := d.gate
	fail := d.fail
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *scriptedDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *scriptedDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *scriptedDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeTimer struct {
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

type scheduled struct {
	delay time.Duration
	fn    func()
	timer *fakeTimer
}

type recordingScheduler struct {
	mu    sync.Mutex
	tasks []scheduled
}

func (s *recordingScheduler) schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{}
	s.tasks = append(s.tasks, scheduled{delay: d, fn: fn, timer: timer})
	return timer
}

func (s *recordingScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.delay)
	}
	return out
}

func (s *recordingScheduler) last() scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[len(s.tasks)-1]
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// fireLast runs the most recent task the way a timer would, unless it was stopped.
func (s *recordingScheduler) fireLast() {
	task := s.last()
	if task.timer.stopped.Load() {
		return
	}
	task.fn()
}

func newTestClient(dialer Dialer, scheduler *recordingScheduler) *Client {
	cfg := DefaultConfig()
	cfg.ID = "client-under-test"
	cfg.Dialer = dialer
	cfg.Scheduler = scheduler.schedule
	return New(cfg)
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func encodeCommand(t *testing.T, cmd proto.Command) []byte {
	t.Helper()
	data, err := proto.EncodeMessage(proto.CreateMessage(cmd, "remote"))
	if err != nil {
		t.Fatalf("failed to encode message: %v", err)
	}
	return data
}

func TestConnectAppendsClientID(t *testing.T) {
	dialer := &scriptedDialer{}
	client := newTestClient(dialer, &recordingScheduler{})

	if err := client.Connect(context.Background(), "ws://example.test/api/stream?role=viewer"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(client.Disconnect)

	parsed, err := url.Parse(dialer.urls[0])
	if err != nil {
		t.Fatalf("invalid dial url: %v", err)
	}
	if got := parsed.Query().Get("clientId"); got != "client-under-test" {
		t.Fatalf("expected clientId query, got %q", got)
	}
	if got := parsed.Query().Get("role"); got != "viewer" {
		t.Fatalf("expected existing query to be preserved, got %q", got)
	}
	if !client.Connected() {
		t.Fatalf("expected client to be connected")
	}
}

func TestConnectIsIdempotentUnderConcurrency(t *testing.T) {
	gate := make(chan struct{})
	dialer := &scriptedDialer{gate: gate}
	client := newTestClient(dialer, &recordingScheduler{})
	t.Cleanup(client.Disconnect)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Connect(context.Background(), "ws://example.test/api/stream")
		}()
	}

	waitFor(t, "dial to start", func() bool { return dialer.dials() >= 1 })
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected connect error: %v", err)
		}
	}
	if got := dialer.dials(); got != 1 {
		t.Fatalf("expected exactly one dial, got %d", got)
	}

	if err := client.Connect(context.Background(), "ws://example.test/api/stream"); err != nil {
		t.Fatalf("connect while connected failed: %v", err)
	}
	if got := dialer.dials(); got != 1 {
		t.Fatalf("expected connect while connected to be a no-op, got %d dials", got)
	}
}

func TestReconnectBackoffSequence(t *testing.T) {
	dialer := &scriptedDialer{fail: true}
	scheduler := &recordingScheduler{}
	var states []State
	var statesMu sync.Mutex
	cfg := DefaultConfig()
	cfg.Dialer = dialer
	cfg.Scheduler = scheduler.schedule
	cfg.OnStateChange = func(_, to State) {
		statesMu.Lock()
		states = append(states, to)
		statesMu.Unlock()
	}
	client := New(cfg)

	err := client.Connect(context.Background(), "ws://example.test/api/stream")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if transportErr.Op != "dial" {
		t.Fatalf("expected dial op, got %q", transportErr.Op)
	}

	for scheduler.count() < 5 {
		before := scheduler.count()
		scheduler.fireLast()
		if scheduler.count() == before {
			break
		}
	}
	scheduler.fireLast()

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	got := scheduler.delays()
	if len(got) != len(want) {
		t.Fatalf("expected %d scheduled attempts, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, want[i], got[i])
		}
	}
	if client.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", client.State())
	}
	if dials := dialer.dials(); dials != 6 {
		t.Fatalf("expected initial dial plus 5 retries, got %d", dials)
	}

	statesMu.Lock()
	last := states[len(states)-1]
	statesMu.Unlock()
	if last != StateFailed {
		t.Fatalf("expected last observed state to be failed, got %s", last)
	}

	// An explicit connect re-arms the retry budget.
	dialer.setFail(false)
	if err := client.Connect(context.Background(), "ws://example.test/api/stream"); err != nil {
		t.Fatalf("connect after failure: %v", err)
	}
	t.Cleanup(client.Disconnect)
	if !client.Connected() {
		t.Fatalf("expected client to recover after explicit connect")
	}
}

func TestAbruptCloseSchedulesReconnect(t *testing.T) {
	dialer := &scriptedDialer{}
	scheduler := &recordingScheduler{}
	client := newTestClient(dialer, scheduler)
	t.Cleanup(client.Disconnect)

	if err := client.Connect(context.Background(), "ws://example.test/api/stream"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	dialer.lastConn().Close()

	waitFor(t, "reconnect to be scheduled", func() bool { return scheduler.count() == 1 })
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", client.State())
	}
	if got := scheduler.last().delay; got != 2*time.Second {
		t.Fatalf("expected first retry after 2s, got %s", got)
	}

	scheduler.fireLast()
	if !client.Connected() {
		t.Fatalf("expected reconnect to succeed, state=%s", client.State())
	}
	if dialer.dials() != 2 {
		t.Fatalf("expected two dials, got %d", dialer.dials())
	}

	// The counter reset on success so the next drop starts from attempt 1 again.
	dialer.lastConn().Close()
	waitFor(t, "second reconnect to be scheduled", func() bool { return scheduler.count() == 2 })
	if got := scheduler.last().delay; got != 2*time.Second {
		t.Fatalf("expected retry counter reset, got delay %s", got)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &scriptedDialer{}
	scheduler := &recordingScheduler{}
	client := newTestClient(dialer, scheduler)

	if err := client.Connect(context.Background(), "ws://example.test/api/stream"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	dialer.lastConn().Close()
	waitFor(t, "reconnect to be scheduled", func() bool { return scheduler.count() == 1 })

	client.Disconnect()
	client.Disconnect()

	task := scheduler.last()
	if !task.timer.stopped.Load() {
		t.Fatalf("expected pending reconnect timer to be stopped")
	}
	// A timer that already fired must not revive the connection either.
	task.fn()
	if dialer.dials() != 1 {
		t.Fatalf("expected no reconnect after disconnect, got %d dials", dialer.dials())
	}
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", client.State())
	}
}

func TestExplicitDisconnectDoesNotRetry(t *testing.T) {
	dialer := &scriptedDialer{}
	scheduler := &recordingScheduler{}
	client := newTestClient(dialer, scheduler)

	if err := client.Connect(context.Background(), "ws://example.test/api/stream"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	conn := dialer.lastConn()
	client.Disconnect()

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatalf("expected transport to be closed")
	}
	time.Sleep(20 * time.Millisecond)
	if scheduler.count() != 0 {
		t.Fatalf("expected no reconnect after explicit disconnect, got %d", scheduler.count())
	}
}

func TestSendCommandRequiresConnection(t *testing.T) {
	dialer := &scriptedDialer{}
	client := newTestClient(dialer, &recordingScheduler{})

	cmd := proto.NewVoiceCommand(100, proto.VoiceData{Text: "hello"})
	if err := client.SendCommand(cmd); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := client.Connect(context.Background(), "ws://example.test/api/stream"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(client.Disconnect)
	if err := client.SendCommand(cmd); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	written := dialer.lastConn().Written()
	if len(written) != 1 {
		t.Fatalf("expected one frame, got %d", len(written))
	}
	msg, err := proto.DecodeMessage(written[0])
	if err != nil {
		t.Fatalf("written frame does not decode: %v", err)
	}
	if msg.Metadata.ClientID != "client-under-test" {
		t.Fatalf("unexpected client id %q", msg.Metadata.ClientID)
	}
	if msg.Command.Voice == nil || msg.Command.Voice.Text != "hello" || msg.Command.Timestamp != 100 {
		t.Fatalf("unexpected command %+v", msg.Command)
	}

	if err := client.SendCommand(proto.Command{Type: proto.CommandDraw}); err == nil {
		t.Fatalf("expected invalid command to be rejected")
	}
}

func TestListenersReceiveInOrderAndSkipMalformed(t *testing.T) {
	dialer := &scriptedDialer{}
	client := newTestClient(dialer, &recordingScheduler{})

	var mu sync.Mutex
	var calls []string
	record := func(name string) Listener {
		return func(cmd proto.Command) {
			mu.Lock()
			calls = append(calls, name+":"+cmd.Voice.Text)
			mu.Unlock()
		}
	}
	client.AddListener("a", record("a"))
	client.AddListener("b", record("b"))
	client.AddListener("a", record("a2"))
	client.AddListener("c", record("c"))
	if !client.RemoveListener("c") {
		t.Fatalf("expected listener c to be removed")
	}

	if err := client.Connect(context.Background(), "ws://example.test/api/stream"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(client.Disconnect)

	conn := dialer.lastConn()
	conn.inbound <- encodeCommand(t, proto.NewVoiceCommand(0, proto.VoiceData{Text: "one"}))
	conn.inbound <- []byte(`{"id":"broken"`)
	conn.inbound <- encodeCommand(t, proto.NewVoiceCommand(0, proto.VoiceData{Text: "two"}))

	waitFor(t, "listener delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 4
	})

	want := []string{"a2:one", "b:one", "a2:two", "b:two"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d: expected %q, got %q (all=%v)", i, want[i], calls[i], calls)
		}
	}
	if !client.Connected() {
		t.Fatalf("expected malformed frame to leave the connection open")
	}
}

func TestDisconnectFromListener(t *testing.T) {
	dialer := &scriptedDialer{}
	scheduler := &recordingScheduler{}
	client := newTestClient(dialer, scheduler)

	done := make(chan struct{})
	client.AddListener("stopper", func(proto.Command) {
		client.Disconnect()
		close(done)
	})
	if err := client.Connect(context.Background(), "ws://example.test/api/stream"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	dialer.lastConn().inbound <- encodeCommand(t, proto.NewVoiceCommand(0, proto.VoiceData{Text: "bye"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("listener was not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", client.State())
	}
	if scheduler.count() != 0 {
		t.Fatalf("expected no reconnect after disconnect from listener")
	}
}

func TestDisconnectDuringDialAbortsConnect(t *testing.T) {
	gate := make(chan struct{})
	dialer := &scriptedDialer{gate: gate}
	scheduler := &recordingScheduler{}
	client := newTestClient(dialer, scheduler)

	result := make(chan error, 1)
	go func() {
		result <- client.Connect(context.Background(), "ws://example.test/api/stream")
	}()
	waitFor(t, "dial to start", func() bool { return dialer.dials() == 1 })
	client.Disconnect()
	close(gate)

	if err := <-result; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", client.State())
	}
	conn := dialer.lastConn()
	select {
	case <-conn.closed:
	default:
		t.Fatalf("expected late connection to be closed")
	}
}
