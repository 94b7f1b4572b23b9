package convert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

// toolRunner invokes an external conversion tool under the capability's
// context. Cancellation kills the process, so a timed-out conversion cannot
// keep burning CPU after the dispatcher gives up on it.
type toolRunner struct {
	logger *slog.Logger
}

func newToolRunner(logger *slog.Logger) *toolRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &toolRunner{logger: logger}
}

// run executes the tool and waits for it. stderr is captured for logs only;
// it never reaches the caller-visible error message.
func (t *toolRunner) run(ctx context.Context, tool string, args ...string) error {
	if _, err := exec.LookPath(tool); err != nil {
		t.logger.Error("conversion tool unavailable", "tool", tool, "error", err)
		return coordinator.NewConversionError(coordinator.FailureTool,
			fmt.Sprintf("%s is not available on this host", tool)).WithCause(err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// The dispatcher enforces the budget; surface the context error
		// so it classifies the outcome as a timeout.
		return ctx.Err()
	}
	t.logger.Error("conversion tool failed",
		"tool", tool,
		"error", err,
		"stderr", truncate(stderr.String(), 2048))
	return coordinator.NewConversionError(coordinator.FailureTool,
		fmt.Sprintf("%s could not convert the file", tool)).WithCause(err)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
