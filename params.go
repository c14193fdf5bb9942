package rendez

import (
	"context"

	"github.com/behrlich/rendez/internal/logging"
)

// Params configures a Device at creation time.
type Params struct {
	// Verbosity controls diagnostic output, 0-3: 0 logs errors only,
	// 3 logs everything down to debug level (handle acquire/release and
	// flush events).
	Verbosity int
}

// DefaultParams returns the default device configuration: verbosity 1
// (warnings and errors only).
func DefaultParams() Params {
	return Params{Verbosity: 1}
}

// Options carries the ambient collaborators a Device is built with:
// a cancellation context for the common "caller gave up" case, a logger,
// and a metrics observer. All are optional.
type Options struct {
	Context  context.Context
	Logger   *logging.Logger
	Observer Observer

	// PIDFunc overrides how a Device resolves the caller's process identity,
	// defaulting to unix.Getpid(). Tests use this to simulate several
	// processes sharing one Device without actually forking.
	PIDFunc func() int
}
