package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultConversionTimeout bounds a single capability invocation.
const DefaultConversionTimeout = 300 * time.Second

// Params carries the operation-specific scalar parameters from the request.
// Validation is the capability's job, not the coordinator's.
type Params map[string]string

// Get returns the trimmed parameter value, or fallback when absent or empty.
func (p Params) Get(key, fallback string) string {
	if p == nil {
		return fallback
	}
	if value, ok := p[key]; ok && value != "" {
		return value
	}
	return fallback
}

// Capability is an external-collaborator conversion treated as a black box:
// it either populates the output artifact or fails. Implementations must
// honor ctx cancellation so a timed-out external process is killed rather
// than left running.
type Capability interface {
	Name() string
	Summary() string
	// OutputExt declares the extension for the output artifact given the
	// request parameters, e.g. ".png".
	OutputExt(params Params) string
	Convert(ctx context.Context, input *StagedArtifact, output *StagedArtifact, params Params) error
}

// Registry maps operation names to capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry returns an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability under its declared name, replacing any previous
// registration.
func (r *Registry) Register(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[cap.Name()] = cap
}

// Lookup resolves an operation name to its capability.
func (r *Registry) Lookup(operation string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[operation]
	return cap, ok
}

// Operations lists the registered operation names in sorted order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Outcome is the single normalized result of a capability invocation: either
// Err is nil and Output holds the populated artifact, or Err describes the
// one failure.
type Outcome struct {
	Output  *StagedArtifact
	Elapsed time.Duration
	Err     *ConversionError
}

// Succeeded reports whether the invocation produced an output artifact.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Dispatcher runs capabilities under a hard wall-clock budget and folds every
// failure mode — errors, panics, timeouts — into exactly one Outcome. It
// never retries: capabilities may have non-idempotent side effects.
type Dispatcher struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher with the given per-invocation timeout,
// substituting the default for non-positive values.
func NewDispatcher(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultConversionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{timeout: timeout, logger: logger}
}

// Dispatch invokes the capability against the staged input. On timeout the
// capability's context is cancelled — exec-based capabilities kill their
// process — and the outcome is a timeout failure; Dispatch does not wait for
// a stuck capability beyond the budget.
func (d *Dispatcher) Dispatch(ctx context.Context, cap Capability, input, output *StagedArtifact, params Params) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				d.logger.Error("capability panicked",
					"operation", cap.Name(),
					"panic", fmt.Sprintf("%v", recovered))
				done <- NewConversionError(FailureInternal, "conversion failed unexpectedly")
			}
		}()
		done <- cap.Convert(runCtx, input, output, params)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		cancel()
		// Give the capability a short grace window to observe the
		// cancellation before abandoning it.
		select {
		case err = <-done:
		case <-time.After(2 * time.Second):
			err = runCtx.Err()
		}
		if err == nil {
			err = runCtx.Err()
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		return Outcome{Elapsed: elapsed, Err: d.classify(cap, err, elapsed)}
	}
	if refreshErr := output.Refresh(); refreshErr != nil || output.Size == 0 {
		d.logger.Error("capability produced no output",
			"operation", cap.Name(), "error", refreshErr)
		return Outcome{Elapsed: elapsed, Err: NewConversionError(FailureTool, "conversion produced no output")}
	}
	return Outcome{Output: output, Elapsed: elapsed}
}

func (d *Dispatcher) classify(cap Capability, err error, elapsed time.Duration) *ConversionError {
	if convErr, ok := AsConversionError(err); ok {
		if convErr.Kind != FailureBadInput {
			d.logger.Error("conversion failed",
				"operation", cap.Name(),
				"kind", string(convErr.Kind),
				"elapsed_ms", elapsed.Milliseconds(),
				"error", errors.Unwrap(convErr))
		}
		return convErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		d.logger.Error("conversion timed out",
			"operation", cap.Name(),
			"timeout", d.timeout.String())
		return NewConversionError(FailureTimeout,
			fmt.Sprintf("conversion exceeded the %s time budget", d.timeout)).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return NewConversionError(FailureInternal, "conversion cancelled").WithCause(err)
	}
	// Raw tool errors may carry paths or stderr; log them, return a
	// sanitized message.
	d.logger.Error("conversion failed",
		"operation", cap.Name(),
		"elapsed_ms", elapsed.Milliseconds(),
		"error", err)
	return NewConversionError(FailureTool, "conversion failed").WithCause(err)
}
