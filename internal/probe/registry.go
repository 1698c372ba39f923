// File: internal/probe/registry.go
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/internal/platform"
)

// ErrKeyNotFound is returned when a registry key or value does not exist.
var ErrKeyNotFound = errors.New("registry key not found")

// RegValue is one value printed by reg query.
type RegValue struct {
	Type string
	Data string
}

// DWORD parses a REG_DWORD value printed as 0x-prefixed hex.
func (v RegValue) DWORD() (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v.Data), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("value %q is not a DWORD: %w", v.Data, err)
	}
	return uint32(n), nil
}

// RegKey is one key block of reg query output.
type RegKey struct {
	Path   string
	Values map[string]RegValue
}

// Value looks a value up case-insensitively.
func (k RegKey) Value(name string) (RegValue, bool) {
	for n, v := range k.Values {
		if strings.EqualFold(n, name) {
			return v, true
		}
	}
	return RegValue{}, false
}

var regValueLine = regexp.MustCompile(`^\s{4}(.*?)\s{4}(REG_[A-Z_]+)(?:\s{4}(.*))?$`)

// ParseRegQuery parses the text output of reg query, with or without /s.
func ParseRegQuery(out string) []RegKey {
	var keys []RegKey
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.HasPrefix(line, "HKEY_") {
			keys = append(keys, RegKey{Path: strings.TrimSpace(line), Values: map[string]RegValue{}})
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if m := regValueLine.FindStringSubmatch(line); m != nil {
			keys[len(keys)-1].Values[m[1]] = RegValue{Type: m[2], Data: strings.TrimSpace(m[3])}
		}
	}
	return keys
}

// ErrHiveInUse is returned when a hive file is held by another loader,
// usually a concurrent session. It says nothing about the hive's health.
var ErrHiveInUse = errors.New("hive is in use by another session")

// hiveBusyPoll is the pause between load attempts on a busy hive.
const hiveBusyPoll = 500 * time.Millisecond

// newMountScope names the private mount of one read-only pass.
var newMountScope = func() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// HiveReader reads offline registry hives through reg.exe. Hives are mounted
// under HKLM\<prefix>_<NAME> and always unloaded again.
//
// A reader returned by ReadOnly loads a private copy of each hive file under
// a key suffixed with its scope, so any number of read-only passes can run
// beside the one session that holds the target lock and mounts the real file.
type HiveReader struct {
	runner  platform.Runner
	prefix  string
	timeout time.Duration
	logger  *zap.Logger

	scope    string
	copies   bool
	busyWait time.Duration
}

// NewHiveReader creates a reader. timeout bounds every reg invocation.
func NewHiveReader(runner platform.Runner, prefix string, timeout time.Duration, logger *zap.Logger) *HiveReader {
	return &HiveReader{runner: runner, prefix: prefix, timeout: timeout, logger: logger.Named("hive")}
}

// WithBusyWait returns a reader that keeps retrying a load for up to d while
// the hive is held elsewhere.
func (h *HiveReader) WithBusyWait(d time.Duration) *HiveReader {
	r := *h
	r.busyWait = d
	return &r
}

// ReadOnly returns a reader that never loads the target's own hive files.
// Each hive is copied to a temporary directory and the copy is mounted under
// a key suffixed with scope.
func (h *HiveReader) ReadOnly(scope string) *HiveReader {
	r := *h
	r.scope = scope
	r.copies = true
	r.logger = h.logger.With(zap.String("mount_scope", scope))
	return &r
}

// MountKey is the HKLM key an offline hive named name is loaded under.
func (h *HiveReader) MountKey(name string) string {
	key := `HKLM\` + h.prefix + "_" + strings.ToUpper(name)
	if h.scope != "" {
		key += "_" + h.scope
	}
	return key
}

// WithHive loads the hive file, calls fn with the key to read it through, and
// unloads it. When live is set the running system's HKLM\<name> is used instead
// and nothing is loaded.
func (h *HiveReader) WithHive(ctx context.Context, hivePath, name string, live bool, fn func(root string) error) error {
	if live {
		return fn(`HKLM\` + strings.ToUpper(name))
	}
	key := h.MountKey(name)
	file := hivePath
	if h.copies {
		dir, err := os.MkdirTemp("", "bootmend-hive-")
		if err != nil {
			return fmt.Errorf("failed to stage hive copy: %w", err)
		}
		defer os.RemoveAll(dir)
		file = filepath.Join(dir, filepath.Base(hivePath))
		if err := h.whileBusy(ctx, func() error { return copyHive(hivePath, file) }); err != nil {
			return fmt.Errorf("failed to copy hive %s: %w", hivePath, err)
		}
	}

	loaded := false
	err := h.whileBusy(ctx, func() error {
		res, err := h.runner.Run(ctx, platform.Command{Name: "reg", Args: []string{"load", key, file}, Timeout: h.timeout})
		if err != nil {
			// A load that timed out may still have completed.
			loaded = errors.Is(err, platform.ErrTimedOut)
			return err
		}
		if res.ExitCode != 0 {
			if hiveBusy(res.Output) {
				return fmt.Errorf("exit %d: %s: %w", res.ExitCode, res.LastLine, ErrHiveInUse)
			}
			return fmt.Errorf("exit %d: %s", res.ExitCode, res.LastLine)
		}
		loaded = true
		return nil
	})
	if loaded {
		defer h.unload(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("failed to load hive %s: %w", hivePath, err)
	}
	return fn(key)
}

func (h *HiveReader) unload(ctx context.Context, key string) {
	// Unload must run even if the caller's context was cancelled.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()
	ures, uerr := h.runner.Run(uctx, platform.Command{Name: "reg", Args: []string{"unload", key}, Timeout: h.timeout})
	if uerr != nil || ures.ExitCode != 0 {
		h.logger.Warn("Failed to unload hive", zap.String("key", key), zap.Error(uerr), zap.String("output", ures.LastLine))
	}
}

// whileBusy retries fn for as long as it reports ErrHiveInUse, up to the
// reader's busy wait.
func (h *HiveReader) whileBusy(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(h.busyWait)
	for {
		err := fn()
		if !errors.Is(err, ErrHiveInUse) || !time.Now().Before(deadline) {
			return err
		}
		h.logger.Debug("Hive is busy, retrying", zap.Error(err))
		t := time.NewTimer(hiveBusyPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// hiveBusy recognizes the sharing violation Windows reports for a file that
// is already open, whether it comes from reg or from a file copy.
func hiveBusy(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "being used by another process")
}

// copyHive copies a hive file and its transaction logs, when present, so the
// copy loads with the same pending changes as the original.
func copyHive(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	for _, ext := range []string{".LOG1", ".LOG2"} {
		if err := copyFile(src+ext, dst+ext); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return busyErr(err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return busyErr(err)
	}
	return out.Close()
}

func busyErr(err error) error {
	if hiveBusy(err.Error()) {
		return fmt.Errorf("%w: %w", ErrHiveInUse, err)
	}
	return err
}

// Query runs reg query against key. recursive adds /s.
func (h *HiveReader) Query(ctx context.Context, key string, recursive bool) ([]RegKey, error) {
	args := []string{"query", key}
	if recursive {
		args = append(args, "/s")
	}
	res, err := h.runner.Run(ctx, platform.Command{Name: "reg", Args: args, Timeout: h.timeout})
	if err != nil {
		return nil, fmt.Errorf("reg query %s: %w", key, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	keys := ParseRegQuery(res.Output)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	return keys, nil
}

// Key returns the first key block of a non-recursive query.
func (h *HiveReader) Key(ctx context.Context, key string) (RegKey, error) {
	keys, err := h.Query(ctx, key, false)
	if err != nil {
		return RegKey{}, err
	}
	return keys[0], nil
}

// ControlSet resolves the current control set number of a SYSTEM hive root.
// The live hive has a Select key too, so the same lookup serves both.
func (h *HiveReader) ControlSet(ctx context.Context, root string) (int, error) {
	k, err := h.Key(ctx, root+`\Select`)
	if err != nil {
		return 0, err
	}
	v, ok := k.Value("Current")
	if !ok {
		return 0, fmt.Errorf("Select has no Current value")
	}
	n, err := v.DWORD()
	if err != nil {
		return 0, err
	}
	if n == 0 || n > 999 {
		return 0, fmt.Errorf("implausible control set %d", n)
	}
	return int(n), nil
}

// ControlSetName renders a control set number as its key name.
func ControlSetName(n int) string {
	return fmt.Sprintf("ControlSet%03d", n)
}
