package rendez

import (
	"context"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/behrlich/rendez/endpoint"
	"github.com/behrlich/rendez/table"
)

// Handle is the opaque identifier a thread obtains to identify itself as an
// endpoint in subsequent operations. It is bound to the caller's OS-thread
// identity at acquisition time.
//
// The opaque wire value is not the bare tid: the OS reuses thread ids after
// a thread exits, so a Device mints a monotonic nonce per handle and
// encodes uuid = nonce<<20 | tid&0xFFFFF (see UUID()). Table lookups stay
// keyed by tid alone; the nonce's only job is collision-proofing the
// externally visible value against tid reuse, not indexing.
type Handle struct {
	pid   int
	tid   int
	nonce uint64
}

// TID returns the OS-thread identity this handle is bound to.
func (h Handle) TID() int { return h.tid }

// PID returns the process identity this handle is bound to.
func (h Handle) PID() int { return h.pid }

// UUID returns the opaque 64-bit wire value for this handle, matching the
// external HANDLE_GET response's uuid field.
func (h Handle) UUID() uint64 {
	return h.nonce<<20 | uint64(h.tid)&0xFFFFF
}

func currentPID() int { return unix.Getpid() }
func currentTID() int { return unix.Gettid() }

// Acquire implements HANDLE_GET: it creates an endpoint for the caller's
// current OS-thread identity and returns a Handle bound to it. The calling
// goroutine is locked to its current OS thread for the lifetime of the
// handle: since the handle's identity is the OS tid, an unlocked goroutine
// could be rescheduled onto a different thread between Acquire and a later
// Send/Receive/Reply call, silently invalidating the identity check in
// resolveLocal.
func (d *Device) Acquire(ctx context.Context) (Handle, error) {
	runtime.LockOSThread()

	pid := d.pidFunc()
	tid := currentTID()

	proc, err := d.getOrCreateProcess(pid)
	if err != nil {
		runtime.UnlockOSThread()
		return Handle{}, WrapError(OpHandleGet, err)
	}

	if _, err := proc.GetEndpoint(tid, table.LookupOrCreateExclusive); err != nil {
		d.table.PutProcess(proc)
		runtime.UnlockOSThread()
		if err == table.ErrAlreadyExists {
			return Handle{}, NewEndpointError(OpHandleGet, pid, tid, ErrCodeAlreadyExists, "endpoint already acquired for this thread")
		}
		return Handle{}, WrapError(OpHandleGet, err)
	}

	nonce := d.nonce.Add(1)
	d.logger.Debug("handle acquired", "pid", pid, "tid", tid)
	return Handle{pid: pid, tid: tid, nonce: nonce}, nil
}

// Release implements HANDLE_PUT: it resolves h to the caller's endpoint
// (the caller's current thread identity must equal h.TID()), marks it
// zombie, and drops the creator reference. Concurrent operations still
// holding strong references may continue to completion.
func (d *Device) Release(h Handle) error {
	if currentTID() != h.tid || d.pidFunc() != h.pid {
		return NewEndpointError(OpHandlePut, h.pid, h.tid, ErrCodeInvalidHandle, "handle does not match caller's current thread identity")
	}

	proc, err := d.table.GetProcess(h.pid, table.Lookup)
	if err != nil {
		return NewEndpointError(OpHandlePut, h.pid, h.tid, ErrCodeInvalidHandle, "no such process")
	}
	ep, err := proc.GetEndpoint(h.tid, table.Lookup)
	if err != nil {
		return NewEndpointError(OpHandlePut, h.pid, h.tid, ErrCodeInvalidHandle, "no such endpoint")
	}

	ep.MarkZombie()
	proc.PutEndpoint(ep)
	d.table.PutProcess(proc)
	d.unregisterInterrupt(h.tid)
	runtime.UnlockOSThread()
	d.logger.Debug("handle released", "pid", h.pid, "tid", h.tid)
	return nil
}

// getOrCreateProcess resolves or creates the Process for pid, returning it
// with a strong reference the caller owns (paired 1:1 with the endpoint
// created immediately after it in Acquire, and dropped again in Release).
func (d *Device) getOrCreateProcess(pid int) (*table.Process, error) {
	for {
		proc, err := d.table.GetProcess(pid, table.LookupStrongRef)
		if err == nil {
			return proc, nil
		}
		proc, err = d.table.GetProcess(pid, table.LookupOrCreateExclusive)
		if err == nil {
			return proc, nil
		}
		if err == table.ErrAlreadyExists {
			continue // lost a race with a concurrent Acquire; retry the strong-ref lookup
		}
		return nil, err
	}
}

// resolveLocal resolves h to the caller's own endpoint, the first step of
// every Send/SendReceive/Receive/Reply. The strong references are taken
// BEFORE the thread-identity comparison: a weak lookup followed by the
// check would race a concurrent Release on another thread, which could
// free the endpoint between the two steps. Every endpoint strong reference
// in this module is paired with a process strong reference; the caller
// drops both through putRef.
func (d *Device) resolveLocal(h Handle) (*endpoint.Endpoint, *table.Process, error) {
	proc, err := d.table.GetProcess(h.pid, table.LookupStrongRef)
	if err != nil {
		return nil, nil, NewEndpointError(OpUnknown, h.pid, h.tid, ErrCodeInvalidHandle, "no such process")
	}
	ep, err := proc.GetEndpoint(h.tid, table.LookupStrongRef)
	if err != nil {
		d.table.PutProcess(proc)
		return nil, nil, NewEndpointError(OpUnknown, h.pid, h.tid, ErrCodeInvalidHandle, "no such endpoint")
	}
	if currentTID() != h.tid || d.pidFunc() != h.pid {
		d.putRef(ep, proc)
		return nil, nil, NewEndpointError(OpUnknown, h.pid, h.tid, ErrCodeInvalidHandle, "handle does not match caller's current thread identity")
	}
	return ep, proc, nil
}

// resolveRemote takes a strong-ref lookup of the destination (pid, tid),
// matching SEND/SEND_RECEIVE/REPLY step 2: resolve the destination process
// and endpoint, failing with NotFound if either is absent or the endpoint
// is a zombie.
func (d *Device) resolveRemote(pid, tid int) (*endpoint.Endpoint, *table.Process, error) {
	proc, err := d.table.GetProcess(pid, table.LookupStrongRef)
	if err != nil {
		return nil, nil, NewEndpointError(OpUnknown, pid, tid, ErrCodeNotFound, "no such process")
	}
	ep, err := proc.GetEndpoint(tid, table.LookupStrongRef)
	if err != nil {
		d.table.PutProcess(proc)
		d.metrics.RecordZombieLookupMiss()
		return nil, nil, NewEndpointError(OpUnknown, pid, tid, ErrCodeNotFound, "no such endpoint")
	}
	return ep, proc, nil
}

// putRef drops an endpoint/process strong-reference pair taken by
// resolveLocal or resolveRemote.
func (d *Device) putRef(ep *endpoint.Endpoint, proc *table.Process) {
	proc.PutEndpoint(ep)
	d.table.PutProcess(proc)
}
