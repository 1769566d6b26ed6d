package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/agentfabric/logging"
)

// Common errors.
var (
	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by fabric nodes and sentinels. Lower phases run first.
const (
	// PhaseListeners stops accepting new links and new work.
	PhaseListeners = 10

	// PhaseLinks closes established links, withdrawing their routes.
	PhaseLinks = 20

	// PhaseWork abandons pending deliveries and stops task runners.
	PhaseWork = 30

	// PhaseDrain waits for in-flight dispatch to return.
	PhaseDrain = 40

	// PhaseStores closes registries, state stores and exporters.
	PhaseStores = 50
)

// Handler is implemented by components that take part in shutdown.
type Handler interface {
	// OnShutdown releases the component. ctx ends when the shutdown budget
	// runs out.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown calls f.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether any handler failed or the budget ran out.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of the handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0) and signal-triggered shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// ContinueOnError keeps later phases running after a handler fails.
	ContinueOnError bool

	// Logger receives per-handler progress. Optional.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns a 30 second budget that runs every phase even when
// a handler fails.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
