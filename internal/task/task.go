// Package task provides the background task runner used for privileged
// operations and scans. A task runs on its own goroutine, streams ordered
// progress events to its owner, and delivers exactly one terminal result.
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrCancelled is returned as the terminal error of a task that was stopped
// before it could finish.
var ErrCancelled = errors.New("task cancelled")

// DefaultGrace is the default wait between SIGTERM and SIGKILL when a task
// with a registered process group is stopped.
const DefaultGrace = 5 * time.Second

// EventType tags a progress event.
type EventType int

const (
	// EventLine is a raw output line from a subprocess or scan stage.
	EventLine EventType = iota
	// EventPercent is an advisory completion percentage (0-100).
	EventPercent
	// EventHashProgress is a completion percentage for file hashing.
	EventHashProgress
)

// Event is a single progress update. Events are delivered to the consumer
// in the order they were emitted; none are dropped.
type Event struct {
	Type    EventType
	Line    string
	Percent int
}

// Result is the terminal outcome of a task: a value or an error, never both.
type Result struct {
	Value any
	Err   error
}

// Func is the unit of work executed by a task. It receives a Ctl for
// emitting progress and observing cancellation, and must return promptly
// once Ctl.Stopped reports true.
type Func func(ctl *Ctl) (any, error)

// Runner launches tasks. The zero value is not usable; use NewRunner.
type Runner struct {
	grace time.Duration
}

// NewRunner creates a runner whose Stop escalation waits the given grace
// period between SIGTERM and SIGKILL. A non-positive grace uses DefaultGrace.
func NewRunner(grace time.Duration) *Runner {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Runner{grace: grace}
}

// Handle represents one running (or finished) task. It is owned by the
// caller that created it; Events must be drained and Result consumed.
type Handle struct {
	events chan Event
	result chan Result
	done   chan struct{}
	grace  time.Duration

	mu      sync.Mutex
	stopped bool
	pgid    int
}

// Ctl is the capability handed to a task function for progress emission,
// cancellation checks, and subprocess registration.
type Ctl struct {
	h *Handle
}

// Run executes fn on a new goroutine and returns a handle to it. Any panic
// inside fn is captured and delivered as the terminal error.
func (r *Runner) Run(fn Func) *Handle {
	h := &Handle{
		events: make(chan Event, 64),
		result: make(chan Result, 1),
		done:   make(chan struct{}),
		grace:  r.grace,
	}

	go func() {
		defer close(h.done)

		var res Result
		func() {
			defer func() {
				if p := recover(); p != nil {
					res = Result{Err: fmt.Errorf("task panicked: %v", p)}
				}
			}()
			v, err := fn(&Ctl{h: h})
			res = Result{Value: v, Err: err}
		}()

		// The events channel closes before the result is sent, so a
		// consumer draining Events sees every event before the result.
		close(h.events)
		h.result <- res
	}()

	return h
}

// Events returns the ordered stream of progress events. The channel is
// closed once the task function returns, before the result is delivered.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Result returns the channel carrying the single terminal result.
func (h *Handle) Result() <-chan Result {
	return h.result
}

// Stop requests cooperative cancellation and blocks until the task
// goroutine has fully exited and any registered process group is gone.
// The group is sent SIGTERM; if it is still alive after the grace
// period, it is sent SIGKILL. Stopping a finished task is a no-op.
func (h *Handle) Stop() {
	h.mu.Lock()
	alreadyStopped := h.stopped
	h.stopped = true
	pgid := h.pgid
	h.mu.Unlock()

	if !alreadyStopped && pgid > 0 {
		h.signalGroup(pgid)
	}

	<-h.done

	if alreadyStopped || pgid > 0 {
		return
	}
	// The task may have registered its process group after the stop flag
	// was set. SetProcess sent the graceful signal; escalate here.
	h.mu.Lock()
	late := h.pgid
	h.mu.Unlock()
	if late > 0 {
		h.waitGroupExit(late)
	}
}

// signalGroup terminates the registered process group, escalating from
// SIGTERM to SIGKILL if the group is still alive after the grace period.
func (h *Handle) signalGroup(pgid int) {
	// ESRCH means the group is already gone; nothing to escalate.
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return
	}
	h.waitGroupExit(pgid)
}

// waitGroupExit watches the process group itself, not the task
// goroutine: the goroutine exits on output EOF, which only proves the
// immediate child died, while TERM-resistant descendants can keep the
// group alive. Any survivor past the grace period is killed.
func (h *Handle) waitGroupExit(pgid int) {
	deadline := time.Now().Add(h.grace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(-pgid, 0); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	unix.Kill(-pgid, unix.SIGKILL)
}

// Emit delivers a progress event to the task's owner. It blocks until the
// event is buffered or consumed, preserving ordering without drops.
func (c *Ctl) Emit(e Event) {
	c.h.events <- e
}

// EmitLine emits a raw output line.
func (c *Ctl) EmitLine(line string) {
	c.Emit(Event{Type: EventLine, Line: line})
}

// EmitPercent emits an advisory completion percentage.
func (c *Ctl) EmitPercent(p int) {
	c.Emit(Event{Type: EventPercent, Percent: p})
}

// Stopped reports whether cancellation has been requested. Task functions
// must check this at every blocking boundary.
func (c *Ctl) Stopped() bool {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	return c.h.stopped
}

// SetProcess registers the process group of a subprocess started by the
// task, enabling Stop to signal the whole group. If cancellation was
// already requested when the process is registered, the group is signaled
// immediately.
func (c *Ctl) SetProcess(pgid int) {
	c.h.mu.Lock()
	c.h.pgid = pgid
	stopped := c.h.stopped
	c.h.mu.Unlock()

	if stopped && pgid > 0 {
		unix.Kill(-pgid, unix.SIGTERM)
	}
}
