// Package pipelines turns pipeline definitions into runnable job handlers.
// Pipeline bodies live in external tools; this package bridges them into the
// worker runtime as subprocesses and supplies a placeholder for pipelines
// that have no command configured yet.
package pipelines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/alephworks/alephauto/internal/config"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/worker"
)

const (
	// DefaultGrace is the SIGTERM to SIGKILL window for cancelled commands.
	DefaultGrace = 5 * time.Second
	// DefaultTailSize bounds how much captured output ends up in results
	// and error messages.
	DefaultTailSize = 4096
)

// Options tune a single command handler.
type Options struct {
	Timeout  time.Duration // per-run deadline, 0 disables
	Grace    time.Duration // SIGTERM to SIGKILL window, DefaultGrace if 0
	TailSize int           // captured output bytes, DefaultTailSize if 0
}

// CommandResult is the job result recorded for a successful command run.
type CommandResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	OutputTail string `json:"output_tail,omitempty"`
}

// HandlerFor picks the handler for a pipeline: the configured argv when one
// exists, the placeholder otherwise.
func HandlerFor(spec config.PipelineSpec, opts Options) domain.JobHandler {
	if len(spec.Command) > 0 {
		return CommandHandler(spec.Command, opts)
	}
	return EchoHandler(spec.ID)
}

// CommandHandler runs argv under the job context. `{key}` argv tokens are
// replaced with top-level string fields from the job payload, the payload and
// identifiers travel as ALEPHAUTO_* env vars, and the stdout tail plus exit
// code become the job result. Failures come back as classifier-ready
// pipeline errors.
func CommandHandler(argv []string, opts Options) domain.JobHandler {
	return func(ctx domain.Context, job domain.Job) (any, error) {
		if len(argv) == 0 {
			return nil, domain.NewPipelineError("EVALIDATION", errors.New("pipeline has no command configured"))
		}

		runCtx := ctx
		cancel := func() {}
		if opts.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		defer cancel()

		args := expandArgv(argv, job.Data)
		cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
		cmd.Env = append(os.Environ(),
			"ALEPHAUTO_JOB_ID="+job.ID,
			"ALEPHAUTO_PIPELINE_ID="+job.PipelineID,
		)
		if len(job.Data) > 0 {
			cmd.Env = append(cmd.Env, "ALEPHAUTO_JOB_DATA="+string(job.Data))
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = opts.Grace
		if cmd.WaitDelay <= 0 {
			cmd.WaitDelay = DefaultGrace
		}

		start := time.Now()
		runErr := cmd.Run()
		elapsed := time.Since(start)

		if runErr != nil {
			if ctx.Err() != nil {
				// Job cancellation, not a pipeline failure.
				return nil, ctx.Err()
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return nil, domain.NewPipelineError("ETIMEDOUT",
					fmt.Errorf("%s timed out after %s", args[0], opts.Timeout))
			}
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				msg := fmt.Sprintf("%s exited %d", args[0], exitErr.ExitCode())
				if detail := tailOf(&stderr, opts.TailSize); detail != "" {
					msg += ": " + detail
				}
				return nil, &domain.PipelineError{Msg: msg, Err: runErr}
			}
			if errors.Is(runErr, exec.ErrNotFound) {
				return nil, domain.NewPipelineError("ENOENT", runErr)
			}
			return nil, fmt.Errorf("op=pipelines.run: %s: %w", args[0], runErr)
		}

		return CommandResult{
			Command:    strings.Join(args, " "),
			DurationMS: elapsed.Milliseconds(),
			OutputTail: tailOf(&stdout, opts.TailSize),
		}, nil
	}
}

// EchoHandler acknowledges a job without running a pipeline body. Pipelines
// gain a real body by configuring a command; until then schedules and manual
// scans still exercise the full job lifecycle.
func EchoHandler(pipelineID string) domain.JobHandler {
	return func(ctx domain.Context, job domain.Job) (any, error) {
		worker.ProgressFromContext(ctx)(1)
		result := map[string]any{
			"pipeline":     pipelineID,
			"acknowledged": true,
		}
		if path := payloadString(job.Data, "repository_path"); path != "" {
			result["repository_path"] = path
		}
		return result, nil
	}
}

// expandArgv substitutes whole-token `{key}` arguments with top-level string
// fields from the payload. Tokens without a matching field pass through.
func expandArgv(argv []string, data json.RawMessage) []string {
	vars := map[string]string{}
	if len(data) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err == nil {
			for k, v := range payload {
				if s, ok := v.(string); ok {
					vars[k] = s
				}
			}
		}
	}
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = arg
		if len(arg) > 2 && strings.HasPrefix(arg, "{") && strings.HasSuffix(arg, "}") {
			if v, ok := vars[arg[1:len(arg)-1]]; ok {
				out[i] = v
			}
		}
	}
	return out
}

func payloadString(data json.RawMessage, key string) string {
	if len(data) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func tailOf(buf *bytes.Buffer, limit int) string {
	if limit <= 0 {
		limit = DefaultTailSize
	}
	s := strings.TrimSpace(buf.String())
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
