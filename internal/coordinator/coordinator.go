// Package coordinator sequences heavy file conversions: it bounds concurrency
// with a fixed slot pool, stages request payloads in private scratch space,
// runs the matching capability under a hard time budget, and guarantees the
// scratch space is removed on every exit path.
package coordinator

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/bldmahavidyalaya/kitsapi/internal/observability/metrics"
)

// Coordinator owns the full lifecycle of one conversion request from
// admission through dispatch. Delivery is the caller's job because the slot
// and staging scope must stay held while the result streams out.
type Coordinator struct {
	admission  *AdmissionController
	artifacts  *ArtifactManager
	registry   *Registry
	dispatcher *Dispatcher
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

// Config wires the coordinator's collaborators.
type Config struct {
	Admission  *AdmissionController
	Artifacts  *ArtifactManager
	Registry   *Registry
	Dispatcher *Dispatcher
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// New assembles a coordinator from pre-built components.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		admission:  cfg.Admission,
		artifacts:  cfg.Artifacts,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// Registry exposes the capability registry for operation listing.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Admission exposes the slot pool for health reporting.
func (c *Coordinator) Admission() *AdmissionController {
	return c.admission
}

// ArtifactRoot reports where request payloads are staged.
func (c *Coordinator) ArtifactRoot() string {
	return c.artifacts.Root()
}

// Result is a finished conversion whose slot and staging scope are still
// held. The caller streams Output and then calls Close, which removes the
// staged artifacts before releasing the slot so a new admission can never
// race the cleanup of this request's disk space.
type Result struct {
	Output     *StagedArtifact
	Operation  string
	Elapsed    time.Duration
	OutputName string

	scope *Scope
	slot  *Slot
}

// Close tears down the request's staging scope and returns its slot to the
// pool. Safe to call more than once.
func (r *Result) Close() {
	if r.scope != nil {
		r.scope.Close()
	}
	if r.slot != nil {
		r.slot.Release()
	}
}

// Process runs one conversion end to end: admission, staging, dispatch. The
// returned Result keeps the slot and scope alive for delivery; every error
// path has already released both. inputName is advisory only — it supplies
// the input extension hint and the download filename.
func (c *Coordinator) Process(ctx context.Context, operation string, input io.Reader, inputName string, params Params) (*Result, error) {
	cap, ok := c.registry.Lookup(operation)
	if !ok {
		return nil, ErrUnknownOperation
	}

	slot, err := c.admission.Acquire(ctx)
	if err != nil {
		if err == ErrAdmissionTimeout {
			c.metrics.ObserveAdmissionRejected(operation)
			c.logger.Warn("conversion rejected, no free slot",
				"operation", operation,
				"capacity", c.admission.Capacity())
		}
		return nil, err
	}
	c.metrics.ConversionStarted()

	scope, err := c.artifacts.NewScope()
	if err != nil {
		c.metrics.ObserveConversion(operation, metrics.StatusFailure, 0)
		slot.Release()
		return nil, err
	}

	result, err := c.run(ctx, cap, scope, operation, input, inputName, params)
	if err != nil {
		scope.Close()
		slot.Release()
		return nil, err
	}
	result.scope = scope
	result.slot = slot
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, cap Capability, scope *Scope, operation string, input io.Reader, inputName string, params Params) (*Result, error) {
	staged, err := scope.StageInput(input, inputName)
	if err != nil {
		c.metrics.ObserveConversion(operation, metrics.StatusFailure, 0)
		c.logger.Error("staging input failed",
			"operation", operation, "scope_id", scope.ID(), "error", err)
		return nil, err
	}
	if staged.Size == 0 {
		c.metrics.ObserveConversion(operation, metrics.StatusFailure, 0)
		return nil, BadInputError("uploaded file is empty")
	}

	output, err := scope.AllocateOutput(cap.OutputExt(params))
	if err != nil {
		c.metrics.ObserveConversion(operation, metrics.StatusFailure, 0)
		return nil, err
	}

	outcome := c.dispatcher.Dispatch(ctx, cap, staged, output, params)
	if outcome.Err != nil {
		c.metrics.ObserveConversion(operation, statusFor(outcome.Err), outcome.Elapsed)
		return nil, outcome.Err
	}
	c.metrics.ObserveConversion(operation, metrics.StatusSuccess, outcome.Elapsed)
	c.logger.Info("conversion finished",
		"operation", operation,
		"scope_id", scope.ID(),
		"input_bytes", staged.Size,
		"output_bytes", outcome.Output.Size,
		"elapsed_ms", outcome.Elapsed.Milliseconds())

	return &Result{
		Output:     outcome.Output,
		Operation:  operation,
		Elapsed:    outcome.Elapsed,
		OutputName: downloadName(inputName, outcome.Output.Path),
	}, nil
}

func statusFor(err *ConversionError) string {
	if err.Kind == FailureTimeout {
		return metrics.StatusTimeout
	}
	return metrics.StatusFailure
}

func downloadName(inputName, outputPath string) string {
	base := sanitizeFilename(inputName, outputPath)
	ext := filepathExt(outputPath)
	if ext == "" {
		return base
	}
	if trimmed := trimExt(base); trimmed != "" {
		return trimmed + ext
	}
	return base + ext
}

func filepathExt(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[i:]
		case '/', '\\':
			return ""
		}
	}
	return ""
}

func trimExt(name string) string {
	if ext := filepathExt(name); ext != "" {
		return name[:len(name)-len(ext)]
	}
	return name
}
