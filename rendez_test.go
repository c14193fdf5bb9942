package rendez

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := CreateDevice(DefaultParams(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// TestBasicSend: a receiver
// blocked in RECEIVE unblocks first, reading the sender's bytes.
func TestBasicSend(t *testing.T) {
	d := newTestDevice(t)

	recvBuf := make([]byte, 64)
	rmsgs := []*Msg{{Buf: recvBuf}}

	var hr Handle
	var gotPID, gotTID int
	var replyRequired bool
	hrReady := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		h, err := d.Acquire(context.Background())
		if err != nil {
			return err
		}
		hr = h
		close(hrReady)
		pid, tid, rr, err := d.Receive(context.Background(), h, rmsgs)
		gotPID, gotTID, replyRequired = pid, tid, rr
		if err != nil {
			return err
		}
		return d.Release(h)
	})

	<-hrReady
	time.Sleep(10 * time.Millisecond) // give the receiver time to park in Wait

	hs, err := d.Acquire(context.Background())
	require.NoError(t, err)

	smsgs := []*Msg{{Buf: []byte("abc")}}
	require.NoError(t, d.Send(context.Background(), hs, hr.PID(), hr.TID(), smsgs))
	require.NoError(t, d.Release(hs))

	require.NoError(t, g.Wait())

	assert.Equal(t, "abc", string(recvBuf[:3]))
	assert.Equal(t, 3, rmsgs[0].N)
	assert.Equal(t, 3, smsgs[0].N)
	assert.Equal(t, hs.PID(), gotPID)
	assert.Equal(t, hs.TID(), gotTID)
	assert.False(t, replyRequired)
}

// TestTruncationToReceiver:
// the receiver's smaller capacity bounds the transfer on both sides.
func TestTruncationToReceiver(t *testing.T) {
	d := newTestDevice(t)

	recvBuf := make([]byte, 10)
	rmsgs := []*Msg{{Buf: recvBuf}}
	hrReady := make(chan struct{})
	var hr Handle

	var g errgroup.Group
	g.Go(func() error {
		h, err := d.Acquire(context.Background())
		if err != nil {
			return err
		}
		hr = h
		close(hrReady)
		_, _, _, err = d.Receive(context.Background(), h, rmsgs)
		if err != nil {
			return err
		}
		return d.Release(h)
	})

	<-hrReady
	time.Sleep(10 * time.Millisecond)

	hs, err := d.Acquire(context.Background())
	require.NoError(t, err)
	smsgs := []*Msg{{Buf: make([]byte, 100)}}
	require.NoError(t, d.Send(context.Background(), hs, hr.PID(), hr.TID(), smsgs))
	require.NoError(t, d.Release(hs))
	require.NoError(t, g.Wait())

	assert.Equal(t, 10, smsgs[0].N)
	assert.Equal(t, 10, rmsgs[0].N)
}

// TestUnequalCounts: only the first
// min(nmsgs_s, nmsgs_r) buffers participate; the rest report zero.
func TestUnequalCounts(t *testing.T) {
	d := newTestDevice(t)

	rmsgs := []*Msg{{Buf: make([]byte, 5)}, {Buf: make([]byte, 15)}}
	hrReady := make(chan struct{})
	var hr Handle

	var g errgroup.Group
	g.Go(func() error {
		h, err := d.Acquire(context.Background())
		if err != nil {
			return err
		}
		hr = h
		close(hrReady)
		_, _, _, err = d.Receive(context.Background(), h, rmsgs)
		if err != nil {
			return err
		}
		return d.Release(h)
	})

	<-hrReady
	time.Sleep(10 * time.Millisecond)

	hs, err := d.Acquire(context.Background())
	require.NoError(t, err)
	smsgs := []*Msg{
		{Buf: make([]byte, 10)},
		{Buf: make([]byte, 20)},
		{Buf: make([]byte, 30)},
		{Buf: make([]byte, 40)},
	}
	require.NoError(t, d.Send(context.Background(), hs, hr.PID(), hr.TID(), smsgs))
	require.NoError(t, d.Release(hs))
	require.NoError(t, g.Wait())

	assert.Equal(t, 5, smsgs[0].N)
	assert.Equal(t, 15, smsgs[1].N)
	assert.Equal(t, 0, smsgs[2].N)
	assert.Equal(t, 0, smsgs[3].N)
	assert.Equal(t, 5, rmsgs[0].N)
	assert.Equal(t, 15, rmsgs[1].N)
}

// TestSendReceiveRoundTrip:
// the reply data R supplies via REPLY ends up in S's rmsgs.
func TestSendReceiveRoundTrip(t *testing.T) {
	d := newTestDevice(t)

	hrReady := make(chan struct{})
	var hr Handle

	var g errgroup.Group
	g.Go(func() error {
		h, err := d.Acquire(context.Background())
		if err != nil {
			return err
		}
		hr = h
		close(hrReady)

		recvBuf := make([]byte, 4)
		rmsgs := []*Msg{{Buf: recvBuf}}
		senderPID, senderTID, replyRequired, err := d.Receive(context.Background(), h, rmsgs)
		if err != nil {
			return err
		}
		if !replyRequired {
			t.Errorf("expected reply_required=true for a SEND_RECEIVE pairing")
		}
		if string(recvBuf) != "ping" {
			t.Errorf("receiver got %q, want %q", recvBuf, "ping")
		}

		replyMsgs := []*Msg{{Buf: []byte("pong")}}
		if err := d.Reply(context.Background(), h, senderPID, senderTID, replyMsgs); err != nil {
			return err
		}
		return d.Release(h)
	})

	<-hrReady
	time.Sleep(10 * time.Millisecond)

	hs, err := d.Acquire(context.Background())
	require.NoError(t, err)

	smsgs := []*Msg{{Buf: []byte("ping")}}
	replyRecv := make([]byte, 16)
	rmsgs := []*Msg{{Buf: replyRecv}}
	require.NoError(t, d.SendReceive(context.Background(), hs, hr.PID(), hr.TID(), smsgs, rmsgs))
	require.NoError(t, d.Release(hs))
	require.NoError(t, g.Wait())

	assert.Equal(t, 4, rmsgs[0].N)
	assert.Equal(t, "pong", string(replyRecv[:4]))
}

// TestCancellationMidWait: a
// SEND with no receiver, cancelled, returns Interrupted, leaves no trace on
// any sender_queue, and a retry succeeds once a receiver shows up.
func TestCancellationMidWait(t *testing.T) {
	d := newTestDevice(t)

	// Handle identity is bound to the acquiring goroutine's locked OS
	// thread, so R's entire lifecycle (acquire, receive, release) must run
	// in one dedicated goroutine; S's runs in the test's own goroutine.
	hrReady := make(chan struct{})
	proceedReceive := make(chan struct{})
	var hr Handle
	recvBuf := make([]byte, 1)

	var g errgroup.Group
	g.Go(func() error {
		h, err := d.Acquire(context.Background())
		if err != nil {
			return err
		}
		hr = h
		close(hrReady)
		<-proceedReceive
		rmsgs := []*Msg{{Buf: recvBuf}}
		if _, _, _, err := d.Receive(context.Background(), h, rmsgs); err != nil {
			return err
		}
		return d.Release(h)
	})

	<-hrReady
	hs, err := d.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	smsgs := []*Msg{{Buf: []byte("x")}}
	err = d.Send(ctx, hs, hr.PID(), hr.TID(), smsgs)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInterrupted))

	close(proceedReceive)
	time.Sleep(10 * time.Millisecond)

	smsgs2 := []*Msg{{Buf: []byte("y")}}
	require.NoError(t, d.Send(context.Background(), hs, hr.PID(), hr.TID(), smsgs2))
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, smsgs2[0].N)
	assert.Equal(t, byte('y'), recvBuf[0])

	require.NoError(t, d.Release(hs))
}

// TestZombieReceiver: releasing R's
// handle before S sends makes the strong-ref lookup fail with NotFound and
// no buffers are pinned on S's side.
func TestZombieReceiver(t *testing.T) {
	d := newTestDevice(t)

	// R's acquire-then-release must happen in its own goroutine: handle
	// identity is bound to the acquiring goroutine's locked OS thread.
	hrCh := make(chan Handle, 1)
	releaseErrCh := make(chan error, 1)
	go func() {
		h, err := d.Acquire(context.Background())
		if err != nil {
			releaseErrCh <- err
			return
		}
		hrCh <- h
		releaseErrCh <- d.Release(h)
	}()

	hr := <-hrCh
	require.NoError(t, <-releaseErrCh)

	hs, err := d.Acquire(context.Background())
	require.NoError(t, err)
	defer d.Release(hs)

	smsgs := []*Msg{{Buf: []byte("z")}}
	err = d.Send(context.Background(), hs, hr.PID(), hr.TID(), smsgs)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNotFound))
	assert.Equal(t, 0, smsgs[0].N)
}

// TestSendZeroMessages: a sender with zero
// messages paired with a receiver of any count sets all receiver lengths
// to zero and the sender unblocks normally.
func TestSendZeroMessages(t *testing.T) {
	d := newTestDevice(t)

	rmsgs := []*Msg{{Buf: make([]byte, 10)}}
	hrReady := make(chan struct{})
	var hr Handle

	var g errgroup.Group
	g.Go(func() error {
		h, err := d.Acquire(context.Background())
		if err != nil {
			return err
		}
		hr = h
		close(hrReady)
		_, _, _, err = d.Receive(context.Background(), h, rmsgs)
		if err != nil {
			return err
		}
		return d.Release(h)
	})

	<-hrReady
	time.Sleep(10 * time.Millisecond)

	hs, err := d.Acquire(context.Background())
	require.NoError(t, err)
	var smsgs []*Msg
	require.NoError(t, d.Send(context.Background(), hs, hr.PID(), hr.TID(), smsgs))
	require.NoError(t, d.Release(hs))
	require.NoError(t, g.Wait())

	assert.Equal(t, 0, rmsgs[0].N)
}

// TestHandleAlreadyExists: a second Acquire for the same (pid, tid) before
// Release fails with AlreadyExists.
func TestHandleAlreadyExists(t *testing.T) {
	d := newTestDevice(t)
	h, err := d.Acquire(context.Background())
	require.NoError(t, err)
	defer d.Release(h)

	// Acquiring again from the same goroutine reuses the same locked OS
	// thread, so it must collide with the live endpoint.
	_, err = d.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeAlreadyExists))
}

// TestDispatchVersion exercises the thin Dispatcher's VERSION path.
func TestDispatchVersion(t *testing.T) {
	d := newTestDevice(t)
	resp, err := d.Dispatch(context.Background(), OpVersion, VersionRequest{})
	require.NoError(t, err)
	vr, ok := resp.(VersionResponse)
	require.True(t, ok)
	assert.Equal(t, ProtocolVersion.Major, vr.Major)
	assert.Equal(t, ProtocolVersion.Minor, vr.Minor)
	assert.Equal(t, ProtocolVersion.Micro, vr.Micro)
}

// TestDispatchHandleLifecycle exercises HANDLE_GET followed by HANDLE_PUT
// through the Dispatcher.
func TestDispatchHandleLifecycle(t *testing.T) {
	d := newTestDevice(t)
	resp, err := d.Dispatch(context.Background(), OpHandleGet, HandleGetRequest{})
	require.NoError(t, err)
	hgr, ok := resp.(HandleGetResponse)
	require.True(t, ok)

	_, err = d.Dispatch(context.Background(), OpHandlePut, HandlePutRequest{Handle: hgr.Handle})
	require.NoError(t, err)
}

// TestDispatchRejectsMismatchedRequest ensures a malformed request for an
// op is rejected with InvalidArgument rather than panicking.
func TestDispatchRejectsMismatchedRequest(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.Dispatch(context.Background(), OpSend, HandleGetRequest{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}
