package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mathstream/server/internal/net/proto"
	"mathstream/server/internal/telemetry"
	"mathstream/server/logging"
	"mathstream/server/logging/lifecycle"
)

const (
	metricCommandsSent      = "client_commands_sent_total"
	metricCommandsDropped   = "client_commands_dropped_total"
	metricMessagesReceived  = "client_messages_received_total"
	metricDecodeFailures    = "client_decode_failures_total"
	metricReconnectAttempts = "client_reconnect_attempts_total"
)

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Config controls a Client.
type Config struct {
	// ID is sent as metadata.clientId. A UUID is generated when empty.
	ID                   string
	Dialer               Dialer
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	Scheduler            Scheduler
	Logger               telemetry.Logger
	Publisher            logging.Publisher
	Metrics              telemetry.Metrics
	// OnStateChange is invoked outside the client lock on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the reconnect policy used by the streaming client:
// five attempts, one second base, ten second cap.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectBase:        time.Second,
		ReconnectCap:         10 * time.Second,
	}
}

// Client is a reconnecting stream connection. The zero value is not usable;
// construct with New.
type Client struct {
	cfg       Config
	id        string
	group     singleflight.Group
	listeners *Listeners
	writeMu   sync.Mutex

	mu       sync.Mutex
	state    State
	target   string
	conn     Conn
	gen      uint64
	attempts int
	timer    Timer
}

// New constructs a disconnected client.
func New(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaults.ReconnectBase
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaults.ReconnectCap
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = afterFunc
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultWebsocketDialer()
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
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Client{cfg: cfg, id: id, listeners: NewListeners()}
}

// ID returns the client id stamped on outbound messages.
func (c *Client) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether commands can be sent.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect opens a connection to target. It returns immediately when already
// connected, and concurrent callers share a single dial. On failure a
// background reconnect is scheduled and the dial error is returned.
func (c *Client) Connect(ctx context.Context, target string) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateFailed {
		c.attempts = 0
	}
	c.target = target
	c.stopTimerLocked()
	c.mu.Unlock()

	_, err, _ := c.group.Do("connect", func() (any, error) {
		return nil, c.dial(ctx, target)
	})
	return err
}

func (c *Client) dial(ctx context.Context, target string) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	from := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.notifyState(from, StateConnecting, target)

	conn, err := c.cfg.Dialer.Dial(ctx, withClientID(target, c.id))

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		transportErr := &TransportError{Op: "dial", URL: target, Err: err}
		from := c.setStateLocked(StateDisconnected)
		notify := c.scheduleReconnectLocked(transportErr)
		c.mu.Unlock()
		c.notifyState(from, StateDisconnected, target)
		notify()
		c.cfg.Logger.Printf("stream connect to %s failed: %v", target, err)
		return transportErr
	}

	c.gen++
	connGen := c.gen
	c.conn = conn
	c.attempts = 0
	from = c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.notifyState(from, StateConnected, target)

	go c.readLoop(conn, connGen)
	return nil
}

func (c *Client) readLoop(conn Conn, connGen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(connGen, err)
			return
		}
		msg, err := proto.DecodeMessage(data)
		if err != nil {
			c.cfg.Metrics.Add(metricDecodeFailures, 1)
			c.cfg.Logger.Printf("discarding malformed stream message: %v", err)
			continue
		}
		c.cfg.Metrics.Add(metricMessagesReceived, 1)
		c.listeners.Dispatch(msg.Command)
	}
}

func (c *Client) handleClose(connGen uint64, cause error) {
	c.mu.Lock()
	if connGen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.conn = nil
	target := c.target
	from := c.setStateLocked(StateDisconnected)
	notify := c.scheduleReconnectLocked(&TransportError{Op: "read", URL: target, Err: cause})
	c.mu.Unlock()

	c.cfg.Logger.Printf("stream connection to %s closed: %v", target, cause)
	c.notifyState(from, StateDisconnected, target)
	notify()
}

// scheduleReconnectLocked arms the next attempt, or moves to StateFailed when
// the budget is spent. The returned func publishes the outcome and must be
// called after the lock is released.
func (c *Client) scheduleReconnectLocked(cause error) func() {
	actor := logging.ClientRef(c.id)
	limit := c.cfg.MaxReconnectAttempts
	if c.attempts >= limit {
		from := c.setStateLocked(StateFailed)
		target := c.target
		return func() {
			c.cfg.Logger.Printf("stream reconnect to %s abandoned after %d attempts", target, limit)
			lifecycle.ReconnectExhausted(context.Background(), c.cfg.Publisher, actor, limit)
			c.notifyState(from, StateFailed, target)
		}
	}
	c.attempts++
	attempt := c.attempts
	delay := Backoff(c.cfg.ReconnectBase, c.cfg.ReconnectCap, attempt)
	gen := c.gen
	c.timer = c.cfg.Scheduler(delay, func() { c.reconnect(gen) })
	return func() {
		c.cfg.Metrics.Add(metricReconnectAttempts, 1)
		lifecycle.ReconnectScheduled(context.Background(), c.cfg.Publisher, actor, attempt, limit, delay, cause)
	}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	target := c.target
	c.mu.Unlock()

	c.group.Do("connect", func() (any, error) {
		return nil, c.dial(context.Background(), target)
	})
}

// SendCommand wraps cmd in a message and writes it. Commands are never
// queued: while not connected ErrNotConnected is returned and the command is
// dropped.
func (c *Client) SendCommand(cmd proto.Command) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	target := c.target
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		c.cfg.Metrics.Add(metricCommandsDropped, 1)
		c.cfg.Logger.Printf("dropping %s command at %dms: %v", cmd.Type, cmd.Timestamp, ErrNotConnected)
		lifecycle.CommandDropped(context.Background(), c.cfg.Publisher, logging.ClientRef(c.id), lifecycle.DroppedPayload{
			CommandType: string(cmd.Type),
			Timestamp:   cmd.Timestamp,
			State:       state.String(),
		})
		return ErrNotConnected
	}

	if err := proto.ValidateCommand(cmd); err != nil {
		return err
	}
	data, err := proto.EncodeMessage(proto.CreateMessage(cmd, c.id))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(data)
	c.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return &TransportError{Op: "write", URL: target, Err: err}
	}
	c.cfg.Metrics.Add(metricCommandsSent, 1)
	return nil
}

// AddListener registers fn for inbound commands. Re-adding an id replaces
// the previous callback without changing its delivery position.
func (c *Client) AddListener(id string, fn Listener) {
	c.listeners.Add(id, fn)
}

// RemoveListener unregisters id.
func (c *Client) RemoveListener(id string) bool {
	return c.listeners.Remove(id)
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// idempotent and safe to call from listeners.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	target := c.target
	from := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.notifyState(from, StateDisconnected, target)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setStateLocked(to State) State {
	from := c.state
	c.state = to
	return from
}

func (c *Client) notifyState(from, to State, target string) {
	if from == to {
		return
	}
	lifecycle.StateChanged(context.Background(), c.cfg.Publisher, logging.ClientRef(c.id), lifecycle.StatePayload{
		From: from.String(),
		To:   to.String(),
		URL:  target,
	}, nil)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}

func withClientID(target, id string) string {
	parsed, err := url.Parse(target)
	if err != nil {
		return target
	}
	query := parsed.Query()
	if query.Get("clientId") != "" {
		return target
	}
	query.Set("clientId", id)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
