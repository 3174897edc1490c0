package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mathstream/server/internal/net/proto"
	"mathstream/server/internal/telemetry"
	"mathstream/server/logging"
	"mathstream/server/logging/playback"
)

const (
	// DefaultFrameInterval approximates one display frame.
	DefaultFrameInterval = 16 * time.Millisecond
	// DefaultWindow is the look-back used by DispatchWindow.
	DefaultWindow = 100 * time.Millisecond
	// DefaultTransitionDuration is the fade announced when a scene starts, in ms.
	DefaultTransitionDuration int64 = 500

	metricCommandsDispatched = "player_commands_dispatched_total"
	metricSendFailures       = "player_send_failures_total"
	metricScenesStarted      = "player_scenes_started_total"
	metricScenesCompleted    = "player_scenes_completed_total"
)

var (
	// ErrSceneNotFound is returned when playing an id that was never added.
	ErrSceneNotFound = errors.New("scene not found")
	// ErrPlayerClosed is returned by PlayScene after Close.
	ErrPlayerClosed = errors.New("player closed")
)

// DispatchMode selects how due commands are picked each frame.
type DispatchMode string

const (
	// DispatchQueue delivers every command exactly once in timestamp order,
	// however late the frame runs.
	DispatchQueue DispatchMode = "queue"
	// DispatchWindow delivers commands whose timestamp falls in the trailing
	// window ending at the elapsed time. Commands in a skipped window are lost.
	DispatchWindow DispatchMode = "window"
)

// ParseDispatchMode maps a config value onto a DispatchMode.
func ParseDispatchMode(value string) (DispatchMode, error) {
	switch DispatchMode(value) {
	case "", DispatchQueue:
		return DispatchQueue, nil
	case DispatchWindow:
		return DispatchWindow, nil
	default:
		return "", fmt.Errorf("unknown dispatch mode %q", value)
	}
}

// Sender delivers commands to the stream.
type Sender interface {
	SendCommand(cmd proto.Command) error
}

// Ticker drives the frame loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Config controls a Player.
type Config struct {
	FrameInterval      time.Duration
	Mode               DispatchMode
	Window             time.Duration
	TransitionDuration int64
	Clock              func() time.Time
	NewTicker          func(time.Duration) Ticker
	Logger             telemetry.Logger
	Publisher          logging.Publisher
	Metrics            telemetry.Metrics
	// OnStop runs once per scene run on the run's frame goroutine, before the
	// StopScene or PlayScene call that halted it returns. It may call back
	// into the player.
	OnStop func(sceneID string, completed bool)
}

// DefaultConfig returns a queue-mode player ticking every frame.
func DefaultConfig() Config {
	return Config{
		FrameInterval:      DefaultFrameInterval,
		Mode:               DispatchQueue,
		Window:             DefaultWindow,
		TransitionDuration: DefaultTransitionDuration,
		Clock:              time.Now,
		NewTicker:          newTimeTicker,
	}
}

// Player replays registered scenes through a Sender. At most one scene plays
// at a time; starting another supersedes it. Commands reach the Sender from a
// single delivery goroutine, strictly in the order they were released, so a
// superseded scene's last command always precedes the next transition.
type Player struct {
	sender Sender
	cfg    Config

	mu      sync.Mutex
	scenes  map[string]Scene
	order   []string
	current *run
	closed  bool

	outboxMu sync.Mutex
	outbox   []*delivery
	wake     chan struct{}
	quit     chan struct{}
}

// New constructs an idle player.
func New(sender Sender, cfg Config) *Player {
	defaults := DefaultConfig()
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaults.FrameInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = defaults.Mode
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.TransitionDuration <= 0 {
		cfg.TransitionDuration = defaults.TransitionDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = defaults.NewTicker
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
	p := &Player{
		sender: sender,
		cfg:    cfg,
		scenes: make(map[string]Scene),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	go p.deliverLoop()
	return p
}

// AddScene validates and registers a copy of scene, replacing any scene
// with the same id.
func (p *Player) AddScene(scene Scene) error {
	if err := scene.Validate(); err != nil {
		return err
	}
	stored := scene.clone()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.scenes[scene.ID]; !exists {
		p.order = append(p.order, scene.ID)
	}
	p.scenes[scene.ID] = stored
	return nil
}

// Scene returns a copy of the registered scene.
func (p *Player) Scene(id string) (Scene, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	scene, ok := p.scenes[id]
	if !ok {
		return Scene{}, false
	}
	return scene.clone(), true
}

// Scenes lists registered scenes in registration order.
func (p *Player) Scenes() []SceneSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	summaries := make([]SceneSummary, 0, len(p.order))
	for _, id := range p.order {
		summaries = append(summaries, p.scenes[id].Summary())
	}
	return summaries
}

// Playing reports whether a scene is running.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Current returns the running scene id and how long it has played.
func (p *Player) Current() (string, time.Duration, bool) {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return "", 0, false
	}
	return r.scene.ID, p.cfg.Clock().Sub(r.start), true
}

// PlayScene starts the scene registered under id, stopping whatever was
// playing. The scene transition command is queued for delivery ahead of any
// scene command. An unknown id leaves the player untouched.
func (p *Player) PlayScene(id string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPlayerClosed
	}
	scene, ok := p.scenes[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	r := p.newRun(scene)
	previous := p.current
	p.current = r
	p.mu.Unlock()

	if previous != nil {
		previous.halt()
	}

	p.cfg.Metrics.Add(metricScenesStarted, 1)
	p.cfg.Logger.Printf("playing scene %s (%d commands, %dms, %s dispatch)", scene.ID, len(scene.Commands), scene.Duration, p.cfg.Mode)
	playback.SceneStarted(context.Background(), p.cfg.Publisher, logging.SceneRef(scene.ID), playback.ScenePayload{
		Name:         scene.Name,
		Duration:     scene.Duration,
		Commands:     len(scene.Commands),
		DispatchMode: string(p.cfg.Mode),
	})

	transition := proto.NewSceneCommand(0, proto.SceneData{
		SceneID:    scene.ID,
		Transition: proto.TransitionFade,
		Duration:   p.cfg.TransitionDuration,
	})
	p.enqueue(&delivery{run: r, cmd: transition, always: true})

	go p.loop(r)
	return nil
}

// StopScene halts the running scene and returns once its frame loop has
// exited and OnStop has run. It is a no-op when idle and may be called from
// any goroutine, including the Sender and OnStop. A command already being
// handed to the Sender finishes and a queued scene transition is still
// delivered; no further scene command is sent.
func (p *Player) StopScene() {
	p.mu.Lock()
	r := p.current
	p.current = nil
	p.mu.Unlock()
	if r != nil {
		r.halt()
	}
}

// Close stops playback and the delivery goroutine. PlayScene fails afterwards.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	r := p.current
	p.current = nil
	p.mu.Unlock()
	if r != nil {
		r.halt()
	}
	close(p.quit)
}

type run struct {
	scene  Scene
	start  time.Time
	queue  *proto.CommandQueue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	dispatched atomic.Int64
	failures   atomic.Int64
}

func (p *Player) newRun(scene Scene) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		scene:  scene,
		start:  p.cfg.Clock(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if p.cfg.Mode == DispatchQueue {
		r.queue = proto.NewCommandQueue(p.cfg.Metrics)
		for _, cmd := range scene.Commands {
			if cmd.Timestamp <= scene.Duration {
				r.queue.AddCommand(cmd)
			}
		}
	}
	return r
}

// halt cancels the run and waits for its loop. The loop never blocks inside
// the Sender, so this cannot wait on the caller's own stack.
func (r *run) halt() {
	r.cancel()
	<-r.done
}

func (p *Player) loop(r *run) {
	ticker := p.cfg.NewTicker(p.cfg.FrameInterval)
	completed := p.runFrames(r, ticker)
	ticker.Stop()
	p.finish(r, completed)
}

func (p *Player) runFrames(r *run, ticker Ticker) bool {
	for {
		select {
		case <-r.ctx.Done():
			return false
		case <-ticker.C():
			if p.frame(r) {
				return true
			}
			if r.ctx.Err() != nil {
				return false
			}
		}
	}
}

// frame dispatches everything due at the current elapsed time and reports
// whether the scene has run its full duration.
func (p *Player) frame(r *run) bool {
	elapsed := p.cfg.Clock().Sub(r.start).Milliseconds()

	var due []proto.Command
	switch p.cfg.Mode {
	case DispatchWindow:
		floor := elapsed - p.cfg.Window.Milliseconds()
		for _, cmd := range r.scene.Commands {
			if cmd.Timestamp <= elapsed && cmd.Timestamp > floor {
				due = append(due, cmd)
			}
		}
	default:
		due = r.queue.DueCommands(elapsed)
	}

	for _, cmd := range due {
		if r.ctx.Err() != nil {
			return false
		}
		d := &delivery{run: r, cmd: cmd, elapsed: elapsed, sent: make(chan struct{})}
		p.enqueue(d)
		select {
		case <-d.sent:
		case <-r.ctx.Done():
			return false
		}
	}
	return elapsed >= r.scene.Duration
}

// delivery is one command waiting for the delivery goroutine.
type delivery struct {
	run     *run
	cmd     proto.Command
	elapsed int64
	// always is set for the scene transition, which is sent even if the run
	// is stopped before its turn.
	always bool
	sent   chan struct{}
}

func (p *Player) enqueue(d *delivery) {
	p.outboxMu.Lock()
	p.outbox = append(p.outbox, d)
	p.outboxMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Player) next() (*delivery, bool) {
	p.outboxMu.Lock()
	defer p.outboxMu.Unlock()
	if len(p.outbox) == 0 {
		return nil, false
	}
	d := p.outbox[0]
	p.outbox[0] = nil
	p.outbox = p.outbox[1:]
	return d, true
}

// deliverLoop hands queued commands to the Sender one at a time, in the
// order they were queued.
func (p *Player) deliverLoop() {
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
		}
		for {
			d, ok := p.next()
			if !ok {
				break
			}
			if d.always || d.run.ctx.Err() == nil {
				p.dispatch(d.run, d.cmd, d.elapsed)
			}
			if d.sent != nil {
				close(d.sent)
			}
		}
	}
}

func (p *Player) dispatch(r *run, cmd proto.Command, elapsed int64) {
	err := p.sender.SendCommand(cmd)

	payload := playback.DispatchPayload{
		CommandType: string(cmd.Type),
		Timestamp:   cmd.Timestamp,
		Elapsed:     elapsed,
	}
	if err != nil {
		r.failures.Add(1)
		payload.Error = err.Error()
		p.cfg.Metrics.Add(metricSendFailures, 1)
		p.cfg.Logger.Printf("scene %s: failed to send %s command at %dms: %v", r.scene.ID, cmd.Type, cmd.Timestamp, err)
	} else {
		r.dispatched.Add(1)
		p.cfg.Metrics.Add(metricCommandsDispatched, 1)
	}
	playback.CommandDispatched(context.Background(), p.cfg.Publisher, logging.SceneRef(r.scene.ID), payload)
}

// finish runs once on the loop goroutine. OnStop is called before done is
// closed so StopScene observes it; current is already cleared, so OnStop may
// start another scene.
func (p *Player) finish(r *run, completed bool) {
	p.mu.Lock()
	if p.current == r {
		p.current = nil
	}
	p.mu.Unlock()
	r.cancel()
	r.queue.ClearCommands()
	defer close(r.done)

	elapsed := p.cfg.Clock().Sub(r.start).Milliseconds()
	dispatched := int(r.dispatched.Load())
	if completed {
		p.cfg.Metrics.Add(metricScenesCompleted, 1)
	}
	p.cfg.Logger.Printf("scene %s stopped after %dms (completed=%t, dispatched=%d)", r.scene.ID, elapsed, completed, dispatched)
	playback.SceneStopped(context.Background(), p.cfg.Publisher, logging.SceneRef(r.scene.ID), playback.ScenePayload{
		Name:         r.scene.Name,
		Duration:     r.scene.Duration,
		Commands:     len(r.scene.Commands),
		Elapsed:      elapsed,
		Completed:    completed,
		Dispatched:   dispatched,
		DispatchMode: string(p.cfg.Mode),
		SendFailures: int(r.failures.Load()),
	})
	if p.cfg.OnStop != nil {
		p.cfg.OnStop(r.scene.ID, completed)
	}
}
