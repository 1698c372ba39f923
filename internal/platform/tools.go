package platform

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrToolUnavailable marks a platform tool that is not present in the current
// environment. Recovery shells ship a reduced tool surface.
var ErrToolUnavailable = errors.New("tool not available in this environment")

// Toolbox resolves platform tool names to executables, honoring configured
// overrides before the search path.
type Toolbox struct {
	overrides map[string]string
	lookPath  func(string) (string, error)

	mu    sync.Mutex
	cache map[string]string
}

// NewToolbox creates a toolbox with optional name -> path overrides.
func NewToolbox(overrides map[string]string) *Toolbox {
	o := make(map[string]string, len(overrides))
	for k, v := range overrides {
		o[strings.ToLower(k)] = v
	}
	return &Toolbox{overrides: o, lookPath: exec.LookPath, cache: make(map[string]string)}
}

// Resolve returns the executable path for a tool.
func (t *Toolbox) Resolve(name string) (string, error) {
	key := strings.ToLower(name)
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.cache[key]; ok {
		return p, nil
	}
	if p, ok := t.overrides[key]; ok {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s (configured at %s): %w", name, p, ErrToolUnavailable)
		}
		t.cache[key] = p
		return p, nil
	}
	p, err := t.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrToolUnavailable)
	}
	t.cache[key] = p
	return p, nil
}

// Available reports whether the tool can be resolved.
func (t *Toolbox) Available(name string) bool {
	_, err := t.Resolve(name)
	return err == nil
}
