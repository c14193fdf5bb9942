package rendez

import (
	"context"
	"time"

	"github.com/behrlich/rendez/endpoint"
	"github.com/behrlich/rendez/pagemap"
)

// pinMsgs pins every message's buffer into a fresh Slot. On a partial
// failure, everything pinned so far in this call is released before
// returning the error -- no half-pinned slot is ever handed to a caller.
func pinMsgs(msgs []*Msg, writable bool) (*endpoint.Slot, error) {
	maps := make([]*pagemap.PageMap, len(msgs))
	for i, m := range msgs {
		pm, err := pagemap.Pin(m.Buf, writable)
		if err != nil {
			for j := 0; j < i; j++ {
				maps[j].Release()
			}
			return nil, err
		}
		maps[i] = pm
	}
	return &endpoint.Slot{Maps: maps, Lens: make([]int, len(msgs))}, nil
}

// pairCopy moves data from src into dst, buffer by buffer, up to
// min(len(dst.Maps), len(src.Maps)), recording the transferred byte count
// into both slots' Lens at that index so each side later publishes correct
// lengths to its caller. Indices past the shorter side are left at their
// zero-initialized length.
func pairCopy(dst, src *endpoint.Slot) {
	n := len(dst.Maps)
	if len(src.Maps) < n {
		n = len(src.Maps)
	}
	for i := 0; i < n; i++ {
		copied := pagemap.Copy(dst.Maps[i], src.Maps[i])
		dst.Lens[i] = copied
		src.Lens[i] = copied
	}
}

func sumLens(lens []int) uint64 {
	total := 0
	for _, n := range lens {
		total += n
	}
	return uint64(total)
}

// waitInterruptChan registers the per-tid interrupt channel used by
// Device.Interrupt and folds the per-call ctx and the Device's lifecycle
// context (Options.Context) into the same channel, so any of the three
// cancellation sources wakes a blocked wait. The returned cleanup must be
// deferred by every caller.
func (d *Device) waitInterruptChan(ctx context.Context, tid int) (<-chan struct{}, func()) {
	ch := d.registerInterrupt(tid)

	var ctxDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	if ctxDone == nil && d.lifecycleDone == nil {
		return ch, func() { d.unregisterInterrupt(tid) }
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctxDone:
			d.closeInterrupt(tid, ch)
		case <-d.lifecycleDone:
			d.closeInterrupt(tid, ch)
		case <-stop:
		}
	}()
	return ch, func() {
		close(stop)
		d.unregisterInterrupt(tid)
	}
}

// Send implements MSG_SEND: pin, enqueue on the destination's
// sender_queue, block until dequeued, publish the bytes actually copied.
func (d *Device) Send(ctx context.Context, h Handle, destPID, destTID int, smsgs []*Msg) error {
	start := time.Now()
	fail := func(err error) error {
		d.observer.ObserveSend(0, uint64(time.Since(start).Nanoseconds()), false)
		return err
	}

	localEp, localProc, err := d.resolveLocal(h)
	if err != nil {
		return fail(WrapError(OpSend, err))
	}
	defer d.putRef(localEp, localProc)

	remoteEp, remoteProc, err := d.resolveRemote(destPID, destTID)
	if err != nil {
		return fail(WrapError(OpSend, err))
	}
	defer d.putRef(remoteEp, remoteProc)

	sendSlot, err := pinMsgs(smsgs, false)
	if err != nil {
		d.observer.ObservePinFailure()
		return fail(WrapError(OpSend, err))
	}
	defer sendSlot.Release()

	localEp.SetSlot(endpoint.SendSlot, sendSlot)
	localEp.ResetDequeued()
	localEp.SetWaitingForReply(false)

	elem := remoteEp.EnqueueSender(localEp)

	interrupt, cleanup := d.waitInterruptChan(ctx, h.tid)
	defer cleanup()

	if waitErr := localEp.WaitForDequeue(interrupt); waitErr != nil {
		if remoteEp.CancelEnqueue(elem) {
			d.observer.ObserveInterrupted()
			return fail(NewEndpointError(OpSend, destPID, destTID, ErrCodeInterrupted, "send interrupted before pairing"))
		}
		// A RECEIVE claimed us in the same instant our wait
		// was interrupted, and its copy out of our pinned slot may still be
		// running. Unpinning now would yank the pages out from under it, so
		// finish the rendezvous uninterruptibly; the receiver marks us
		// dequeued the moment its copy completes.
		localEp.WaitForDequeue(nil)
	}

	publishLens(smsgs, sendSlot.Lens)
	d.observer.ObserveSend(sumLens(sendSlot.Lens), uint64(time.Since(start).Nanoseconds()), true)
	return nil
}

// SendReceive implements MSG_SEND_RECEIVE: send, then
// block for a reply. The reply-direction copy itself runs here, in the
// sender's post-wake path, against the replier's still-pinned reply slot;
// the replier stays parked until this copy completes.
func (d *Device) SendReceive(ctx context.Context, h Handle, destPID, destTID int, smsgs, rmsgs []*Msg) error {
	start := time.Now()
	fail := func(err error) error {
		d.observer.ObserveSendReceive(0, uint64(time.Since(start).Nanoseconds()), false)
		return err
	}

	localEp, localProc, err := d.resolveLocal(h)
	if err != nil {
		return fail(WrapError(OpSendReceive, err))
	}
	defer d.putRef(localEp, localProc)

	remoteEp, remoteProc, err := d.resolveRemote(destPID, destTID)
	if err != nil {
		return fail(WrapError(OpSendReceive, err))
	}
	defer d.putRef(remoteEp, remoteProc)

	sendSlot, err := pinMsgs(smsgs, false)
	if err != nil {
		d.observer.ObservePinFailure()
		return fail(WrapError(OpSendReceive, err))
	}
	defer sendSlot.Release()

	replySlot, err := pinMsgs(rmsgs, true)
	if err != nil {
		d.observer.ObservePinFailure()
		return fail(WrapError(OpSendReceive, err))
	}
	defer replySlot.Release()

	localEp.SetSlot(endpoint.SendSlot, sendSlot)
	localEp.SetSlot(endpoint.ReplySlot, replySlot)
	localEp.ResetDequeued()
	localEp.SetWaitingForReply(true)

	elem := remoteEp.EnqueueSender(localEp)

	interrupt, cleanup := d.waitInterruptChan(ctx, h.tid)
	defer cleanup()

	if waitErr := localEp.WaitForDequeueAndReply(interrupt); waitErr != nil {
		if remoteEp.CancelEnqueue(elem) {
			localEp.SetWaitingForReply(false)
			d.observer.ObserveInterrupted()
			return fail(NewEndpointError(OpSendReceive, destPID, destTID, ErrCodeInterrupted, "send-receive interrupted before pairing"))
		}
		// Lost the cancellation race: a RECEIVE already claimed us, its
		// copy out of our pinned send slot may still be running, and the
		// matching REPLY parks until we copy its reply data below and
		// clear its flag. Abandoning now would unpin under that copy and
		// leave the replier parked, so finish the wait uninterruptibly.
		if werr := localEp.WaitForDequeueAndReply(nil); werr != nil {
			return WrapError(OpSendReceive, werr)
		}
	}

	replierSlot := remoteEp.Slot(endpoint.ReplySlot)
	pairCopy(replySlot, replierSlot)
	remoteEp.SetWaitingForReply(false)

	publishLens(smsgs, sendSlot.Lens)
	publishLens(rmsgs, replySlot.Lens)
	d.observer.ObserveSendReceive(sumLens(sendSlot.Lens)+sumLens(replySlot.Lens), uint64(time.Since(start).Nanoseconds()), true)
	return nil
}

// Receive implements MSG_RECEIVE: block for the next
// sender, copy its send-phase buffers into rmsgs, and report the sender's
// identity plus whether a REPLY is expected.
func (d *Device) Receive(ctx context.Context, h Handle, rmsgs []*Msg) (senderPID, senderTID int, replyRequired bool, err error) {
	start := time.Now()

	fail := func(err error) error {
		d.observer.ObserveReceive(0, uint64(time.Since(start).Nanoseconds()), false)
		return err
	}

	localEp, localProc, rerr := d.resolveLocal(h)
	if rerr != nil {
		return 0, 0, false, fail(WrapError(OpReceive, rerr))
	}
	defer d.putRef(localEp, localProc)

	recvSlot, perr := pinMsgs(rmsgs, true)
	if perr != nil {
		d.observer.ObservePinFailure()
		return 0, 0, false, fail(WrapError(OpReceive, perr))
	}
	defer recvSlot.Release()
	localEp.SetSlot(endpoint.SendSlot, recvSlot)

	interrupt, cleanup := d.waitInterruptChan(ctx, h.tid)
	defer cleanup()

	for {
		if waitErr := localEp.WaitForSender(interrupt); waitErr != nil {
			d.observer.ObserveInterrupted()
			return 0, 0, false, fail(NewEndpointError(OpReceive, h.pid, h.tid, ErrCodeInterrupted, "receive interrupted waiting for a sender"))
		}

		senderEp := localEp.ClaimSender()
		if senderEp == nil {
			continue // spurious wake, or the head cancelled first
		}

		// The claim unlinked the sender from our queue without satisfying
		// its wait predicate: it stays parked (or re-waits uninterruptibly
		// if it was cancelled in this instant), so its send slot remains
		// pinned for the whole copy. Its identity and reply flag must be
		// read before MarkDequeued -- after that the sender is free to
		// complete and start a new operation through the same endpoint.
		senderSlot := senderEp.Slot(endpoint.SendSlot)
		pairCopy(recvSlot, senderSlot)

		replyRequired = senderEp.WaitingForReply()
		senderPID, senderTID = senderEp.PID, senderEp.TID
		senderEp.MarkDequeued()

		publishLens(rmsgs, recvSlot.Lens)
		d.observer.ObserveReceive(sumLens(recvSlot.Lens), uint64(time.Since(start).Nanoseconds()), true)
		return senderPID, senderTID, replyRequired, nil
	}
}

// Reply implements MSG_REPLY: pin the reply buffers, hand the
// sender permission to copy them out, and block until that copy is done.
func (d *Device) Reply(ctx context.Context, h Handle, senderPID, senderTID int, rmsgs []*Msg) error {
	start := time.Now()

	fail := func(err error) error {
		d.observer.ObserveReply(0, uint64(time.Since(start).Nanoseconds()), false)
		return err
	}

	localEp, localProc, err := d.resolveLocal(h)
	if err != nil {
		return fail(WrapError(OpReply, err))
	}
	defer d.putRef(localEp, localProc)

	senderEp, senderProc, err := d.resolveRemote(senderPID, senderTID)
	if err != nil {
		return fail(WrapError(OpReply, err))
	}
	defer d.putRef(senderEp, senderProc)

	replySlot, err := pinMsgs(rmsgs, false)
	if err != nil {
		d.observer.ObservePinFailure()
		return fail(WrapError(OpReply, err))
	}
	defer replySlot.Release()

	localEp.SetSlot(endpoint.ReplySlot, replySlot)
	localEp.SetWaitingForReply(true)   // block ourselves until the sender's copy finishes
	senderEp.SetWaitingForReply(false) // wake the blocked SEND_RECEIVE caller to run it

	interrupt, cleanup := d.waitInterruptChan(ctx, h.tid)
	defer cleanup()

	if waitErr := localEp.WaitForReplyClear(interrupt); waitErr != nil {
		// The sender may already be mid-copy against our still-pinned
		// slot; unpinning it now would race a concurrent reader, so finish
		// uninterruptibly rather than abandon the handoff.
		if werr := localEp.WaitForReplyClear(nil); werr != nil {
			return WrapError(OpReply, werr)
		}
	}

	publishLens(rmsgs, replySlot.Lens)
	d.observer.ObserveReply(sumLens(replySlot.Lens), uint64(time.Since(start).Nanoseconds()), true)
	return nil
}
