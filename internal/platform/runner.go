// File: internal/platform/runner.go
package platform

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrTimedOut is returned when a command exceeds its mandatory timeout.
var ErrTimedOut = errors.New("operation timed out")

// Command describes one child process invocation.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
	// OnLine, when set, receives every decoded output line as it is produced.
	OnLine func(line string)
}

// String renders the command line for logs and reports.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the captured outcome of a child process. The exit code is
// untrusted evidence; callers verify state independently.
type Result struct {
	Command  string
	ExitCode int
	Output   string
	LastLine string
	Elapsed  time.Duration
	TimedOut bool
}

// Runner executes platform tools.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as real child processes.
type ExecRunner struct {
	tools   *Toolbox
	decoder *Decoder
	logger  *zap.Logger
}

// NewExecRunner creates a runner that resolves tool names through the toolbox.
func NewExecRunner(tools *Toolbox, decoder *Decoder, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{tools: tools, decoder: decoder, logger: logger.Named("runner")}
}

// Run starts the command and pumps stdout and stderr line by line until it exits
// or the timeout elapses. A non-zero exit code is not an error; failing to start
// and timing out are.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	res := Result{Command: c.String()}
	path, err := r.tools.Resolve(c.Name)
	if err != nil {
		return res, err
	}

	if c.Timeout <= 0 {
		return res, fmt.Errorf("command %q has no timeout", c.Name)
	}
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, c.Args...)
	// Pipes are closed by us after Wait so a lingering grandchild holding the
	// handles cannot stall output collection past WaitDelay.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = 5 * time.Second

	var (
		mu    sync.Mutex
		lines []string
	)
	collect := func(rd io.Reader) error {
		scanner := bufio.NewScanner(r.decoder.Reader(rd))
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r\x00")
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
			if c.OnLine != nil && strings.TrimSpace(line) != "" {
				c.OnLine(line)
			}
		}
		// Drain so the writer side never blocks on an oversized line.
		_, _ = io.Copy(io.Discard, rd)
		return scanner.Err()
	}

	start := time.Now()
	r.logger.Debug("Starting command", zap.String("command", res.Command), zap.Duration("timeout", c.Timeout))
	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return res, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	var g errgroup.Group
	g.Go(func() error { return collect(outR) })
	g.Go(func() error { return collect(errR) })
	waitErr := cmd.Wait()
	outW.Close()
	errW.Close()
	pumpErr := g.Wait()

	res.Elapsed = time.Since(start)
	res.Output = strings.Join(lines, "\n")
	res.LastLine = lastNonEmpty(lines)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, fmt.Errorf("%s after %s: %w", c.Name, c.Timeout, ErrTimedOut)
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s interrupted: %w", c.Name, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("failed waiting for %s: %w. Output: %s", c.Name, waitErr, res.Output)
	}
	if pumpErr != nil {
		r.logger.Warn("Output capture was incomplete", zap.String("command", res.Command), zap.Error(pumpErr))
	}

	r.logger.Debug("Command finished",
		zap.String("command", res.Command),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
