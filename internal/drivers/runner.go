package drivers

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nyc-design/Gamer/pkg/logging"
)

// CommandResult holds the result of a CLI invocation. Output is the
// bounded tail of interleaved stdout+stderr, kept for diagnostics in
// provider metadata.
type CommandResult struct {
	Command  string
	ExitCode int
	Output   string
	Duration time.Duration
}

// CommandRunner executes an external tool. A clean non-zero exit is
// reported through ExitCode, not the error; the error is reserved for
// failures to run at all (binary missing, context canceled).
type CommandRunner interface {
	Run(ctx context.Context, args ...string) (*CommandResult, error)
}

// defaultOutputTail bounds how much tool output is retained per call.
const defaultOutputTail = 64 * 1024

// CLIRunner invokes a fixed binary with per-call arguments, streaming
// output through a fixed-size ring so long deployments cannot grow
// memory without bound.
type CLIRunner struct {
	binary    string
	baseArgs  []string
	tailBytes int
	logger    logging.Logger
}

func NewCLIRunner(binary string, baseArgs []string, logger logging.Logger) *CLIRunner {
	return &CLIRunner{
		binary:    binary,
		baseArgs:  baseArgs,
		tailBytes: defaultOutputTail,
		logger:    logger,
	}
}

func (r *CLIRunner) Run(ctx context.Context, args ...string) (*CommandResult, error) {
	full := make([]string, 0, len(r.baseArgs)+len(args))
	full = append(full, r.baseArgs...)
	full = append(full, args...)

	ring := newRingBuffer(r.tailBytes)
	cmd := exec.CommandContext(ctx, r.binary, full...)
	cmd.Stdout = ring
	cmd.Stderr = ring

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Command:  r.binary + " " + strings.Join(full, " "),
		Output:   ring.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if r.logger != nil {
				r.logger.WithFields(logging.Fields{
					"command":   result.Command,
					"exit_code": result.ExitCode,
					"duration":  result.Duration.String(),
				}).Warn("CLI invocation exited non-zero")
			}
			return result, nil
		}
		result.ExitCode = -1
		return result, err
	}
	return result, nil
}

// ringBuffer is a fixed-size circular writer that keeps the most
// recent bytes.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	w    int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = defaultOutputTail
	}
	return &ringBuffer{buf: make([]byte, size)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	size := len(r.buf)
	if n >= size {
		copy(r.buf, p[n-size:])
		r.w, r.full = 0, true
		return n, nil
	}

	k := copy(r.buf[r.w:], p)
	if k < n {
		copy(r.buf, p[k:])
		r.full = true
	}
	r.w = (r.w + n) % size
	if r.w == 0 && n > 0 {
		r.full = true
	}
	return n, nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return string(r.buf[:r.w])
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.w:]...)
	out = append(out, r.buf[:r.w]...)
	return string(out)
}
