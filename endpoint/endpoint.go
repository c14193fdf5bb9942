// Package endpoint implements the receiving-thread identity described by
// the rendezvous core: a pending-sender queue, an interruptible wait
// condition, and the two buffer slots (send-side / reply-side) a thread
// uses while it is the target or source of a pairing.
package endpoint

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/behrlich/rendez/pagemap"
)

// Slot index constants: the send-phase and reply-phase buffer slots of an
// endpoint.
const (
	SendSlot  = 0
	ReplySlot = 1
)

// Slot holds the pinned buffers participating in one phase (send or reply)
// of a rendezvous, plus the per-buffer byte counts published back to the
// caller once the copy completes.
type Slot struct {
	Maps []*pagemap.PageMap
	Lens []int // actual bytes transferred per buffer, published on completion
}

// Release unpins every PageMap in the slot exactly once.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	for _, m := range s.Maps {
		m.Release()
	}
}

// Endpoint is a single receiving-thread identity: tid, zombie state, the
// waiting-for-reply flag used by the SEND_RECEIVE/REPLY dance, the
// sender_queue of endpoints blocked on this one as their destination, and
// the wait condition that parks the owning goroutine.
type Endpoint struct {
	TID int // immutable once created
	PID int // owning process id, denormalized so a receiver can publish the
	// sender's (pid, tid) without a second table lookup

	zombie          atomic.Bool
	waitingForReply atomic.Bool
	dequeuedByPeer  atomic.Bool // see EnqueueSender/ClaimSender/ResetDequeued

	queueMu     sync.Mutex
	cond        *sync.Cond
	senderQueue *list.List // FIFO of *Endpoint currently blocked on this endpoint

	buffers [2]*Slot

	refs atomic.Int64
}

// New creates an endpoint for the given process/thread id with a refcount
// of one (the creator reference, matching Handle.acquire's "creator
// reference remains held").
func New(pid, tid int) *Endpoint {
	e := &Endpoint{PID: pid, TID: tid, senderQueue: list.New()}
	e.cond = sync.NewCond(&e.queueMu)
	e.refs.Store(1)
	return e
}

// Ref increments the refcount and returns the endpoint, for strong-ref
// lookups.
func (e *Endpoint) Ref() *Endpoint {
	e.refs.Add(1)
	return e
}

// Unref drops a strong reference, returning true if the refcount reached
// zero (the caller is then responsible for removing it from the table).
func (e *Endpoint) Unref() bool {
	return e.refs.Add(-1) == 0
}

// Zombie reports whether HANDLE_PUT has already marked this endpoint.
func (e *Endpoint) Zombie() bool {
	return e.zombie.Load()
}

// MarkZombie marks the endpoint so no new strong-ref lookup will find it;
// in-flight operations that already hold a reference keep running.
func (e *Endpoint) MarkZombie() {
	e.zombie.Store(true)
}

// WaitingForReply reports the SEND_RECEIVE/REPLY dance flag.
func (e *Endpoint) WaitingForReply() bool {
	return e.waitingForReply.Load()
}

// SetWaitingForReply sets the flag and, when clearing it, wakes anyone
// parked on this endpoint's own wait condition (the SEND_RECEIVE caller
// blocked for its reply).
func (e *Endpoint) SetWaitingForReply(v bool) {
	e.queueMu.Lock()
	e.waitingForReply.Store(v)
	e.cond.Broadcast()
	e.queueMu.Unlock()
}

// Slot returns the buffer slot at the given index (SendSlot or ReplySlot).
func (e *Endpoint) Slot(i int) *Slot {
	return e.buffers[i]
}

// SetSlot installs the slot at the given index.
func (e *Endpoint) SetSlot(i int, s *Slot) {
	e.buffers[i] = s
}

// EnqueueSender appends sender to this endpoint's sender_queue under the
// queue lock and wakes anyone waiting on this endpoint (a RECEIVE blocked
// for a sender to appear). Returns the list element so the sender can
// remove itself in O(1) on the cancellation path -- this is the mechanism
// that closes the race where an interrupted SEND leaves a stale entry on
// the remote sender_queue.
func (e *Endpoint) EnqueueSender(sender *Endpoint) *list.Element {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	elem := e.senderQueue.PushBack(sender)
	e.cond.Broadcast()
	return elem
}

// PeekSender returns the head of the sender_queue without removing it, or
// nil if empty.
func (e *Endpoint) PeekSender() *Endpoint {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	front := e.senderQueue.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Endpoint)
}

// ClaimSender removes the head of the sender_queue under the queue lock and
// returns it, or nil if the queue is empty. Claiming deliberately does NOT
// yet satisfy the sender's wait predicate: between ClaimSender and the
// claimer's later MarkDequeued call, the sender cannot complete (its
// CancelEnqueue sees the element already unlinked and falls back to an
// uninterruptible re-wait), so its pinned send slot stays live for the
// whole duration of the claimer's copy.
func (e *Endpoint) ClaimSender() *Endpoint {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	front := e.senderQueue.Front()
	if front == nil {
		return nil
	}
	sender := front.Value.(*Endpoint)
	e.senderQueue.Remove(front)
	front.Value = nil
	return sender
}

// MarkDequeued satisfies this endpoint's "dequeued by a RECEIVE" wait
// predicate and wakes it. The queue removal itself has already happened in
// the receiver's ClaimSender.
// Waking unconditionally is safe because SEND_RECEIVE's predicate
// additionally requires waitingForReply==false, so a sender awaiting a
// reply simply loops back to sleep on the spurious wake until REPLY clears
// that flag.
func (e *Endpoint) MarkDequeued() {
	e.queueMu.Lock()
	e.dequeuedByPeer.Store(true)
	e.cond.Broadcast()
	e.queueMu.Unlock()
}

// ResetDequeued clears the dequeued flag before a new SEND/SEND_RECEIVE
// enqueues this endpoint onto a remote sender_queue; an endpoint is reused
// across many operations issued by the same thread, so this flag must not
// leak state from a prior rendezvous.
func (e *Endpoint) ResetDequeued() {
	e.dequeuedByPeer.Store(false)
}

// Dequeued reports whether a RECEIVE has removed this endpoint from the
// remote sender_queue it was enqueued on.
func (e *Endpoint) Dequeued() bool {
	return e.dequeuedByPeer.Load()
}

// CancelEnqueue attempts to remove elem from the sender_queue on the
// interrupted-wait path. Returns true if it actually removed the element
// (meaning no RECEIVE had claimed it yet); false means a RECEIVE already
// claimed it concurrently -- its copy against the canceller's pinned slot
// may still be in flight, so the canceller must finish the rendezvous with
// an uninterruptible re-wait instead of unwinding.
//
// Lock order invariant: this is always called against the *remote*
// endpoint (the destination of the original SEND/SEND_RECEIVE), and the
// caller must not be holding its own queueMu when calling -- mirrors
// EnqueueSender, which likewise touches only the destination endpoint's
// lock, never the sender's own.
func (e *Endpoint) CancelEnqueue(elem *list.Element) bool {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if elem.Value == nil {
		return false
	}
	e.senderQueue.Remove(elem)
	elem.Value = nil
	return true
}

// Wait blocks until predicate() is true or interrupt fires, under this
// endpoint's own queue lock. The wait is modeled as a condition variable
// with an interruptible escape hatch
// (sync.Cond has no native interruptible wait, so a small watcher goroutine
// translates the interrupt channel into a Broadcast).
func (e *Endpoint) Wait(predicate func() bool, interrupt <-chan struct{}) error {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	if interrupt == nil {
		for !predicate() {
			e.cond.Wait()
		}
		return nil
	}

	interrupted := false
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-interrupt:
			e.queueMu.Lock()
			interrupted = true
			e.cond.Broadcast()
			e.queueMu.Unlock()
		case <-done:
		}
	}()

	for !predicate() && !interrupted {
		e.cond.Wait()
	}
	if interrupted && !predicate() {
		return errInterrupted
	}
	return nil
}

// WaitForSender blocks until this endpoint's sender_queue is non-empty, the
// RECEIVE wait predicate. The closure reads senderQueue
// directly rather than through a locking accessor because Wait already
// holds queueMu while evaluating it.
func (e *Endpoint) WaitForSender(interrupt <-chan struct{}) error {
	return e.Wait(func() bool { return e.senderQueue.Len() > 0 }, interrupt)
}

// WaitForDequeue blocks until a RECEIVE has dequeued this endpoint from the
// remote sender_queue it was enqueued on -- the plain SEND wait predicate.
func (e *Endpoint) WaitForDequeue(interrupt <-chan struct{}) error {
	return e.Wait(func() bool { return e.dequeuedByPeer.Load() }, interrupt)
}

// WaitForDequeueAndReply blocks until this endpoint has both been dequeued
// by a RECEIVE and had waitingForReply cleared by the matching REPLY -- the
// SEND_RECEIVE wait predicate: the RECEIVE dequeue alone wakes the
// condition but does not satisfy it, since waitingForReply is still true.
func (e *Endpoint) WaitForDequeueAndReply(interrupt <-chan struct{}) error {
	return e.Wait(func() bool { return e.dequeuedByPeer.Load() && !e.waitingForReply.Load() }, interrupt)
}

// WaitForReplyClear blocks until waitingForReply is cleared on this
// endpoint -- the REPLY-side wait: the replier parks here until the woken
// sender has copied reply data out of this endpoint's still-pinned REPLY
// slot and flips the flag back off.
func (e *Endpoint) WaitForReplyClear(interrupt <-chan struct{}) error {
	return e.Wait(func() bool { return !e.waitingForReply.Load() }, interrupt)
}

type sentinelError string

func (s sentinelError) Error() string { return string(s) }

const errInterrupted = sentinelError("endpoint: wait interrupted")

// ErrInterrupted is returned by Wait when the interrupt channel fires
// before predicate() becomes true.
var ErrInterrupted error = errInterrupted
