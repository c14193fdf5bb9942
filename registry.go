package rendez

import (
	"golang.org/x/sync/errgroup"
)

// Registry holds the process-wide set of Device instances with an explicit
// init/teardown lifecycle: the device count is a constructor argument and
// the registry is passed by reference to whoever needs a Device, not
// reached through a hidden singleton.
type Registry struct {
	devices []*Device
}

// NewRegistry creates count independent Devices sharing the same params
// and options. Each Device is fully independent: endpoints on one are
// invisible to the others.
func NewRegistry(count int, params Params, opts Options) (*Registry, error) {
	if count < 1 {
		return nil, NewError(OpUnknown, ErrCodeInvalidArgument, "device count must be at least 1")
	}

	r := &Registry{devices: make([]*Device, 0, count)}
	for i := 0; i < count; i++ {
		d, err := CreateDevice(params, opts)
		if err != nil {
			_ = r.Close()
			return nil, WrapError(OpUnknown, err)
		}
		r.devices = append(r.devices, d)
	}
	return r, nil
}

// Count returns the number of Devices in the registry.
func (r *Registry) Count() int {
	return len(r.devices)
}

// Device returns the i-th Device, or nil if i is out of range.
func (r *Registry) Device(i int) *Device {
	if i < 0 || i >= len(r.devices) {
		return nil
	}
	return r.devices[i]
}

// Close tears down every Device concurrently, interrupting their in-flight
// operations, and returns the first error encountered.
func (r *Registry) Close() error {
	var g errgroup.Group
	for _, d := range r.devices {
		g.Go(d.Close)
	}
	return g.Wait()
}
