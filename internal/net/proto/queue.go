package proto

import (
	"sort"
	"sync"
)

const (
	commandQueueOccupancyMetricKey = "command_queue_occupancy"
	commandQueueReleasedMetricKey  = "command_queue_released_total"
)

// CommandQueue holds commands that are not yet due, sorted ascending by
// timestamp. Equal timestamps keep insertion order. It is safe for concurrent
// use.
type CommandQueue struct {
	mu      sync.Mutex
	pending []Command
	metrics telemetryMetrics
}

type telemetryMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// NewCommandQueue constructs an empty queue. metrics may be nil.
func NewCommandQueue(metrics telemetryMetrics) *CommandQueue {
	return &CommandQueue{metrics: metrics}
}

// AddCommand inserts cmd after every queued command with an equal or earlier
// timestamp.
func (q *CommandQueue) AddCommand(cmd Command) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Timestamp > cmd.Timestamp
	})
	q.pending = append(q.pending, Command{})
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = cmd
	q.storeOccupancyLocked()
}

// DueCommands removes and returns every command with timestamp <= now in
// ascending order.
func (q *CommandQueue) DueCommands(now int64) []Command {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Timestamp > now
	})
	if n == 0 {
		return nil
	}
	due := make([]Command, n)
	copy(due, q.pending[:n])
	remaining := copy(q.pending, q.pending[n:])
	for i := remaining; i < len(q.pending); i++ {
		q.pending[i] = Command{}
	}
	q.pending = q.pending[:remaining]
	if q.metrics != nil {
		q.metrics.Add(commandQueueReleasedMetricKey, uint64(n))
	}
	q.storeOccupancyLocked()
	return due
}

// ClearCommands discards every pending command.
func (q *CommandQueue) ClearCommands() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.storeOccupancyLocked()
}

// Len reports the number of pending commands.
func (q *CommandQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *CommandQueue) storeOccupancyLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.Store(commandQueueOccupancyMetricKey, uint64(len(q.pending)))
}
