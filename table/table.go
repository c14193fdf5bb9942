// Package table implements the two-level, refcounted endpoint table: a
// per-device pid -> Process map, and a per-process
// tid -> Endpoint map, each guarded by its own mutex, with Lookup /
// LookupOrCreateExclusive / LookupStrongRef modes and zombie-aware flush.
package table

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/rendez/endpoint"
)

// Mode selects the lookup semantics for GetProcess/GetEndpoint.
type Mode int

const (
	// Lookup returns an existing entry without taking a strong reference
	// and without creating one; fails with NotFound if absent.
	Lookup Mode = iota
	// LookupOrCreateExclusive creates a new entry, failing with
	// AlreadyExists if one is already present.
	LookupOrCreateExclusive
	// LookupStrongRef returns an existing entry with its refcount
	// incremented; the caller must Put it. On an endpoint, a zombie
	// entry is treated as NotFound under this mode.
	LookupStrongRef
)

// ErrNotFound and ErrAlreadyExists are the two outcomes GetProcess/GetEndpoint
// report outside of success; callers translate these into the ErrorCode
// taxonomy at the Rendezvous layer.
var (
	ErrNotFound      = tableError("not found")
	ErrAlreadyExists = tableError("already exists")
)

type tableError string

func (e tableError) Error() string { return string(e) }

// Process owns the per-process tid -> Endpoint map. Created on first
// endpoint open, ref-counted like the endpoints it contains; the Table's
// process map holds a weak bookkeeping entry while live endpoints hold
// strong references to the Process that contains them.
type Process struct {
	PID int

	mu        sync.Mutex
	endpoints map[int]*endpoint.Endpoint

	refs atomic.Int64
}

func newProcess(pid int) *Process {
	p := &Process{PID: pid, endpoints: make(map[int]*endpoint.Endpoint)}
	p.refs.Store(1) // the creation reference, released by the matching PutProcess
	return p
}

// Table is the per-device EndpointTable: process-table mutex at the top of
// the lock order, guarding a pid -> Process map.
type Table struct {
	mu        sync.Mutex
	processes map[int]*Process
}

// New creates an empty table.
func New() *Table {
	return &Table{processes: make(map[int]*Process)}
}

// GetProcess resolves a Process by pid under the given Mode.
func (t *Table) GetProcess(pid int, mode Mode) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.processes[pid]
	switch mode {
	case Lookup:
		if !ok {
			return nil, ErrNotFound
		}
		return p, nil
	case LookupOrCreateExclusive:
		if ok {
			return nil, ErrAlreadyExists
		}
		p = newProcess(pid)
		t.processes[pid] = p
		return p, nil
	case LookupStrongRef:
		if !ok {
			return nil, ErrNotFound
		}
		p.refs.Add(1)
		return p, nil
	default:
		return nil, ErrNotFound
	}
}

// PutProcess drops a strong reference; when the count reaches zero the
// process is removed from the map. Dropping the last reference of a
// Process must find its endpoint map empty -- a violated precondition
// indicates a logic error in the caller, not a condition this method
// silently tolerates.
func (t *Table) PutProcess(p *Process) {
	if p.refs.Add(-1) != 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p.mu.Lock()
	empty := len(p.endpoints) == 0
	p.mu.Unlock()
	if !empty {
		panic("table: process refcount reached zero with live endpoints")
	}
	delete(t.processes, p.PID)
}

// GetEndpoint resolves an Endpoint by tid within p under the given Mode. A
// strong-ref lookup on a zombie endpoint returns NotFound: zombie
// endpoints never appear in newly returned strong references.
func (p *Process) GetEndpoint(tid int, mode Mode) (*endpoint.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.endpoints[tid]
	switch mode {
	case Lookup:
		if !ok {
			return nil, ErrNotFound
		}
		return e, nil
	case LookupOrCreateExclusive:
		if ok {
			return nil, ErrAlreadyExists
		}
		e = endpoint.New(p.PID, tid)
		p.endpoints[tid] = e
		return e, nil
	case LookupStrongRef:
		if !ok || e.Zombie() {
			return nil, ErrNotFound
		}
		e.Ref()
		return e, nil
	default:
		return nil, ErrNotFound
	}
}

// PutEndpoint drops a strong reference; when the count reaches zero the
// endpoint is removed from the process's map.
func (p *Process) PutEndpoint(e *endpoint.Endpoint) {
	if !e.Unref() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.endpoints[e.TID]; ok && cur == e {
		delete(p.endpoints, e.TID)
	}
}

// Flush drops the creator reference pair of every non-zombie endpoint
// belonging to pid, invoked when the owning descriptor surface is
// closed. Each endpoint creation held one process reference
// alongside the endpoint's own creator reference, so both are dropped per
// flushed endpoint. Zombie endpoints have already released their creator
// references at HANDLE_PUT time and are kept alive only by in-flight
// operations, so flush leaves them alone.
func (t *Table) Flush(pid int) {
	p, err := t.GetProcess(pid, Lookup)
	if err != nil {
		return
	}

	p.mu.Lock()
	var toRelease []*endpoint.Endpoint
	for _, e := range p.endpoints {
		if !e.Zombie() {
			toRelease = append(toRelease, e)
		}
	}
	p.mu.Unlock()

	for _, e := range toRelease {
		e.MarkZombie()
		p.PutEndpoint(e)
		t.PutProcess(p)
	}
}
