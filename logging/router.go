package logging

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans events out to every configured sink. Publish never blocks:
// when the router queue is full the event is dropped and counted against its
// category, and when a sink falls behind the event is dropped for that sink
// only.
type Router struct {
	cfg         Config
	queue       chan Event
	sinks       []*sinkWorker
	clock       Clock
	fallback    *log.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	closed      atomic.Bool
	minSeverity Severity
	fields      map[string]any
	wg          sync.WaitGroup
	startOnce   sync.Once

	forwarded   atomic.Uint64
	drops       dropCounter
	nextDropLog atomic.Int64
}

// RouterStats is a point-in-time view of the router counters.
type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	// DroppedByCategory counts router queue drops keyed by event category.
	// Events without a category are counted as CategorySystem.
	DroppedByCategory map[string]uint64
	// SinkBacklogDrops counts events a sink missed because its own buffer
	// was full, keyed by sink name.
	SinkBacklogDrops map[string]uint64
}

// DroppedCategories returns the categories with at least one drop, sorted.
func (s RouterStats) DroppedCategories() []string {
	out := make([]string, 0, len(s.DroppedByCategory))
	for category := range s.DroppedByCategory {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

type dropCounter struct {
	mu     sync.Mutex
	total  uint64
	byKind map[string]uint64
}

func (c *dropCounter) record(category string) uint64 {
	if category == "" {
		category = CategorySystem
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byKind == nil {
		c.byKind = make(map[string]uint64)
	}
	c.total++
	c.byKind[category]++
	return c.byKind[category]
}

func (c *dropCounter) snapshot() (uint64, map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string]uint64, len(c.byKind))
	for k, v := range c.byKind {
		copied[k] = v
	}
	return c.total, copied
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	queueSize := cfg.BufferSize
	if queueSize <= 0 {
		queueSize = 512
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:         cfg,
		queue:       make(chan Event, queueSize),
		clock:       clock,
		fallback:    log.New(os.Stderr, "[logging] ", log.LstdFlags),
		ctx:         ctx,
		cancel:      cancel,
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
	}

	backlog := clampInt(queueSize, 32, 1024)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, newSinkWorker(named.Name, named.Sink, backlog, r.fallback))
	}

	r.start()
	return r, nil
}

func (r *Router) start() {
	r.startOnce.Do(func() {
		for _, worker := range r.sinks {
			r.wg.Add(1)
			go func(w *sinkWorker) {
				defer r.wg.Done()
				w.run(r.ctx)
			}(worker)
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				for _, worker := range r.sinks {
					close(worker.events)
				}
			}()
			for {
				select {
				case <-r.ctx.Done():
					r.drain()
					return
				case event := <-r.queue:
					r.forward(event)
				}
			}
		}()
	})
}

func (r *Router) drain() {
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		default:
			return
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	if len(r.fields) > 0 {
		event = cloneForFields(event)
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(r.fields))
		}
		for k, v := range r.fields {
			if _, exists := event.Extra[k]; !exists {
				event.Extra[k] = v
			}
		}
	}
	r.forwarded.Add(1)
	for _, worker := range r.sinks {
		worker.offer(event)
	}
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped(event)
	}
}

func (r *Router) dropped(event Event) {
	count := r.drops.record(event.Category)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := r.nextDropLog.Load()
	if now < next || !r.nextDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
		return
	}
	category := event.Category
	if category == "" {
		category = CategorySystem
	}
	r.fallback.Printf("queue full, dropping %s event type=%s actor=%s (%d %s drops so far)",
		category, event.Type, event.Actor.ID, count, category)
}

func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		<-ctx.Done()
		return ctx.Err()
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.sinks {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	total, byCategory := r.drops.snapshot()
	backlog := make(map[string]uint64, len(r.sinks))
	for _, worker := range r.sinks {
		backlog[worker.name] = worker.dropped.Load()
	}
	return RouterStats{
		EventsTotal:       r.forwarded.Load(),
		DroppedTotal:      total,
		DroppedByCategory: byCategory,
		SinkBacklogDrops:  backlog,
	}
}

func (r *Router) Sink(name string) Sink {
	for _, worker := range r.sinks {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger
	dropped  atomic.Uint64

	failures int
	backoff  time.Time
}

func newSinkWorker(name string, sink Sink, backlog int, fallback *log.Logger) *sinkWorker {
	return &sinkWorker{
		name:     name,
		sink:     sink,
		events:   make(chan Event, backlog),
		fallback: fallback,
	}
}

func (w *sinkWorker) offer(event Event) {
	select {
	case w.events <- cloneForFields(event):
	default:
		if w.dropped.Add(1) == 1 {
			w.fallback.Printf("sink %s backlog full, dropping event type=%s", w.name, event.Type)
		}
	}
}

// run writes events until the channel is closed. A failing sink is retried
// with exponential backoff capped at 32s; the wait ends early once the router
// is closing so shutdown drains promptly.
func (w *sinkWorker) run(ctx context.Context) {
	for event := range w.events {
		w.wait(ctx)
		if err := w.sink.Write(event); err != nil {
			w.failed(err)
			continue
		}
		w.failures = 0
		w.backoff = time.Time{}
	}
}

func (w *sinkWorker) wait(ctx context.Context) {
	if w.failures == 0 {
		return
	}
	delay := time.Until(w.backoff)
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (w *sinkWorker) failed(err error) {
	w.failures++
	delay := time.Duration(1<<clampInt(w.failures, 0, 5)) * time.Second
	w.backoff = time.Now().Add(delay)
	w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
