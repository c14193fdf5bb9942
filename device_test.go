package rendez

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDeviceDefaults(t *testing.T) {
	d, err := CreateDevice(DefaultParams(), Options{})
	require.NoError(t, err)
	defer d.Close()

	require.NotNil(t, d.Metrics())
	assert.Equal(t, ProtocolVersion, d.Version())
}

func TestInterruptUnknownTIDIsInvalidArgument(t *testing.T) {
	d := newTestDevice(t)
	err := d.Interrupt(999999)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}

func TestInterruptIsIdempotent(t *testing.T) {
	d := newTestDevice(t)
	ch := d.registerInterrupt(42)
	require.NoError(t, d.Interrupt(42))
	require.NoError(t, d.Interrupt(42)) // closing an already-closed channel must not panic
	select {
	case <-ch:
	default:
		t.Fatal("expected interrupt channel to be closed")
	}
	d.unregisterInterrupt(42)
}

func TestMetricsRecordSuccessfulSend(t *testing.T) {
	d := newTestDevice(t)

	hrReady := make(chan struct{})
	var hr Handle
	rmsgs := []*Msg{{Buf: make([]byte, 4)}}
	errCh := make(chan error, 1)
	go func() {
		h, err := d.Acquire(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		hr = h
		close(hrReady)
		_, _, _, err = d.Receive(context.Background(), h, rmsgs)
		errCh <- err
	}()

	<-hrReady
	hs, err := d.Acquire(context.Background())
	require.NoError(t, err)

	smsgs := []*Msg{{Buf: []byte("abcd")}}
	require.NoError(t, d.Send(context.Background(), hs, hr.PID(), hr.TID(), smsgs))
	require.NoError(t, d.Release(hs))
	require.NoError(t, <-errCh)

	snap := d.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.SendOps)
	assert.Equal(t, uint64(1), snap.ReceiveOps)
	assert.Equal(t, uint64(0), snap.SendErrors)
}

// TestLifecycleContextInterruptsParkedWaiters: cancelling the context a
// Device was created with must unblock everything parked on that Device.
func TestLifecycleContextInterruptsParkedWaiters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d, err := CreateDevice(DefaultParams(), Options{Context: ctx})
	require.NoError(t, err)
	defer d.Close()

	errCh := make(chan error, 1)
	parked := make(chan struct{})
	go func() {
		h, err := d.Acquire(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		close(parked)
		_, _, _, err = d.Receive(context.Background(), h, []*Msg{{Buf: make([]byte, 8)}})
		errCh <- err
	}()

	<-parked
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsCode(err, ErrCodeInterrupted))
	case <-time.After(2 * time.Second):
		t.Fatal("receiver was not interrupted by lifecycle context cancellation")
	}
}

func TestCloseStopsMetricsClock(t *testing.T) {
	d, err := CreateDevice(DefaultParams(), Options{})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.NotZero(t, d.Metrics().StopTime.Load())
}
