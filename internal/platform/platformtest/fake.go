// Package platformtest provides a scripted Runner for tests.
package platformtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/bootmend/internal/platform"
)

// Response scripts the outcome of a matched command.
type Response struct {
	Output   string
	ExitCode int
	Err      error
	// Delay simulates a long-running tool; it honors the command timeout.
	Delay time.Duration
	// Do runs before the response is returned, to simulate side effects.
	Do func(cmd platform.Command)
	// Times limits how often the rule matches; zero means unlimited.
	Times int
}

type rule struct {
	prefix string
	resp   Response
	used   int
}

// FakeRunner matches command lines by case-insensitive prefix. Rules are
// consulted in registration order; a rule with Times set stops matching once
// exhausted.
type FakeRunner struct {
	mu       sync.Mutex
	rules    []*rule
	calls    []platform.Command
	Fallback *Response
}

// New returns an empty fake. Unmatched commands fail with ErrToolUnavailable
// unless Fallback is set.
func New() *FakeRunner { return &FakeRunner{} }

// On registers a response for commands whose rendered line starts with prefix.
func (f *FakeRunner) On(prefix string, resp Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: strings.ToLower(prefix), resp: resp})
	return f
}

// Calls returns the rendered command lines seen so far.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.String()
	}
	return out
}

// Called reports whether any command line started with prefix.
func (f *FakeRunner) Called(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(strings.ToLower(c), strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// Run implements platform.Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd platform.Command) (platform.Result, error) {
	line := cmd.String()
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var resp *Response
	for _, r := range f.rules {
		if r.resp.Times > 0 && r.used >= r.resp.Times {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), r.prefix) {
			r.used++
			resp = &r.resp
			break
		}
	}
	if resp == nil {
		resp = f.Fallback
	}
	f.mu.Unlock()

	res := platform.Result{Command: line}
	if resp == nil {
		return res, fmt.Errorf("%s: %w", cmd.Name, platform.ErrToolUnavailable)
	}

	start := time.Now()
	if resp.Delay > 0 {
		timeout := cmd.Timeout
		if timeout <= 0 {
			timeout = resp.Delay + time.Second
		}
		timer := time.NewTimer(resp.Delay)
		deadline := time.NewTimer(timeout)
		defer timer.Stop()
		defer deadline.Stop()
		select {
		case <-timer.C:
		case <-deadline.C:
			res.TimedOut = true
			res.ExitCode = -1
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("%s after %s: %w", cmd.Name, timeout, platform.ErrTimedOut)
		case <-ctx.Done():
			res.ExitCode = -1
			return res, ctx.Err()
		}
	}

	if resp.Do != nil {
		resp.Do(cmd)
	}
	res.Output = resp.Output
	res.ExitCode = resp.ExitCode
	res.Elapsed = time.Since(start)
	for _, l := range strings.Split(resp.Output, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		res.LastLine = strings.TrimSpace(l)
		if cmd.OnLine != nil {
			cmd.OnLine(l)
		}
	}
	return res, resp.Err
}
