// Package rendez implements a synchronous, thread-to-thread, copy-once IPC
// rendezvous: a caller acquires a Handle bound to its own OS-thread
// identity, then issues Send, SendReceive, Receive, or Reply against a
// Device. A sender and a receiver are paired exactly once per operation,
// data moves directly between their pinned buffers, and both sides learn
// the per-buffer byte counts actually transferred.
package rendez

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/rendez/internal/logging"
	"github.com/behrlich/rendez/table"
)

// Device is a namespaced container owning one EndpointTable. A host may
// expose several independent Devices.
type Device struct {
	table *table.Table

	nonce atomic.Uint64

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
	params   Params

	interruptsMu sync.Mutex
	interrupts   map[int]chan struct{} // tid -> interrupt channel of the in-flight op

	// lifecycleDone is Options.Context's done channel, folded into every
	// in-flight wait so cancelling the device's lifecycle context
	// interrupts everything parked on it. Nil when no context was given.
	lifecycleDone <-chan struct{}

	// pidFunc resolves the caller's pid; overridden in tests to simulate
	// multiple processes talking to the same in-process Device.
	pidFunc func() int
}

// CreateDevice creates a new Device with the given configuration.
func CreateDevice(params Params, opts Options) (*Device, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(&logging.Config{Level: logging.LevelFromVerbosity(params.Verbosity)})
	}

	observer := opts.Observer
	metrics := NewMetrics()
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	pidFunc := opts.PIDFunc
	if pidFunc == nil {
		pidFunc = currentPID
	}

	d := &Device{
		table:      table.New(),
		metrics:    metrics,
		observer:   observer,
		logger:     logger,
		params:     params,
		interrupts: make(map[int]chan struct{}),
		pidFunc:    pidFunc,
	}
	if opts.Context != nil {
		d.lifecycleDone = opts.Context.Done()
	}
	return d, nil
}

// Close tears down the Device. There are no dedicated worker threads inside
// the core -- everything runs in callers' contexts -- so teardown is
// interrupting whatever operations are still parked in a wait and stopping
// the metrics clock. Interrupted callers unwind themselves (unpin, dequeue,
// drop refs) before returning.
func (d *Device) Close() error {
	d.interruptsMu.Lock()
	for _, ch := range d.interrupts {
		closeOnce(ch)
	}
	d.interruptsMu.Unlock()
	d.metrics.Stop()
	return nil
}

// Flush is the descriptor-close surface for the caller's process: it drops
// the creator reference of every non-zombie endpoint belonging to the
// caller's pid, mirroring the device node's "closing it flushes the
// caller's non-zombie Endpoints" contract. Zombie endpoints already gave up
// their creator reference at Release time and are left to the in-flight
// operations still holding them.
func (d *Device) Flush() {
	pid := d.pidFunc()
	d.table.Flush(pid)
	d.logger.Debug("flushed process endpoints", "pid", pid)
}

// Metrics returns the Device's operational counters.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// Interrupt delivers an asynchronous cancellation to whatever rendezvous
// operation tid currently has in flight on this Device. The delivery model
// matches a signal interrupting a blocked wait: the interrupted operation
// unwinds its own side effects (unpin, dequeue, drop refs) before
// returning. Returns an InvalidArgument-coded error if tid has no
// in-flight operation.
func (d *Device) Interrupt(tid int) error {
	d.interruptsMu.Lock()
	defer d.interruptsMu.Unlock()
	ch, ok := d.interrupts[tid]
	if !ok {
		return NewError(OpUnknown, ErrCodeInvalidArgument, "no in-flight operation for tid")
	}
	closeOnce(ch)
	return nil
}

// closeInterrupt closes ch if it is still the registered channel for tid.
// Both this and Interrupt close under interruptsMu, so two racing
// cancellation sources cannot double-close.
func (d *Device) closeInterrupt(tid int, ch chan struct{}) {
	d.interruptsMu.Lock()
	defer d.interruptsMu.Unlock()
	if cur, ok := d.interrupts[tid]; ok && cur == ch {
		closeOnce(ch)
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
		// already closed by a racing interrupt
	default:
		close(ch)
	}
}

func (d *Device) registerInterrupt(tid int) chan struct{} {
	ch := make(chan struct{})
	d.interruptsMu.Lock()
	d.interrupts[tid] = ch
	d.interruptsMu.Unlock()
	return ch
}

func (d *Device) unregisterInterrupt(tid int) {
	d.interruptsMu.Lock()
	delete(d.interrupts, tid)
	d.interruptsMu.Unlock()
}
