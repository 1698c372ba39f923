// File: internal/probe/logs.go
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hpcloud/tail"
	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/platform"
)

const maxSetupErrors = 20

// readTail returns up to n bytes from the end of path, decoded. UTF-16 files
// are cut on an even offset so code units stay aligned.
func readTail(path string, n int64, decoder *platform.Decoder) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	var head [2]byte
	_, _ = io.ReadFull(f, head[:])
	bom := head == [2]byte{0xFF, 0xFE}

	offset := int64(0)
	if info.Size() > n {
		offset = info.Size() - n
		offset -= offset % 2
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	// Re-add the mark lost by seeking so the decoder picks UTF-16.
	if bom && offset > 0 {
		buf = append([]byte{0xFF, 0xFE}, buf...)
	}
	return decoder.Bytes(buf)
}

// ParseBootLog summarizes ntbtlog.txt text. Only the most recent boot, after
// the last version banner, is considered.
func ParseBootLog(text string) (loaded int, lastLoaded string, notLoaded []string) {
	lines := strings.Split(strings.ReplaceAll(text, "\r", ""), "\n")
	start := 0
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "Microsoft (R) Windows") {
			start = i + 1
		}
	}
	seen := map[string]bool{}
	for _, l := range lines[start:] {
		l = strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(l, "BOOTLOG_LOADED "), strings.HasPrefix(l, "Loaded driver "):
			loaded++
			lastLoaded = strings.TrimSpace(l[strings.Index(l, " ")+1:])
			lastLoaded = strings.TrimPrefix(lastLoaded, "driver ")
		case strings.HasPrefix(l, "BOOTLOG_NOT_LOADED "), strings.HasPrefix(l, "Did not load driver "):
			d := strings.TrimSpace(l[strings.LastIndex(l, " ")+1:])
			if !seen[strings.ToLower(d)] {
				seen[strings.ToLower(d)] = true
				notLoaded = append(notLoaded, d)
			}
		}
	}
	return loaded, lastLoaded, notLoaded
}

func collectBootLog(ctx context.Context, env *Env) (evidence.Section, error) {
	path := env.windowsPath("ntbtlog.txt")
	text, err := readTail(path, env.Cfg.LogTailBytes, env.Decoder)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("boot logging was not enabled (%s absent)", path)
		}
		return nil, err
	}
	sec := &evidence.BootLogSection{Availability: evidence.Collected(), Source: path}
	sec.LoadedCount, sec.LastLoaded, sec.NotLoaded = ParseBootLog(text)
	return sec, nil
}

var (
	devSectionStart = regexp.MustCompile(`^>>>\s+\[(.*)\]\s*$`)
	devSectionExit  = regexp.MustCompile(`^<<<\s+\[Exit status:\s*(.+?)\]\s*$`)
)

// DeviceInstallParser accumulates setupapi.dev.log lines.
type DeviceInstallParser struct {
	sections int
	failures []evidence.DeviceInstallFailure
	device   string
	detail   string
	inDevice bool
}

// Feed consumes one line.
func (p *DeviceInstallParser) Feed(line string) {
	line = strings.TrimRight(line, "\r")
	if m := devSectionStart.FindStringSubmatch(line); m != nil {
		title := m[1]
		p.inDevice = strings.Contains(title, "Device Install")
		p.device, p.detail = "", ""
		if p.inDevice {
			p.sections++
			if i := strings.LastIndex(title, " - "); i >= 0 {
				p.device = strings.ToUpper(strings.TrimSpace(title[i+3:]))
			}
		}
		return
	}
	if !p.inDevice {
		return
	}
	if strings.HasPrefix(line, "!!!") && p.detail == "" {
		p.detail = strings.TrimSpace(strings.TrimPrefix(line, "!!!"))
		return
	}
	if m := devSectionExit.FindStringSubmatch(line); m != nil {
		status := strings.TrimSpace(m[1])
		if strings.HasPrefix(strings.ToUpper(status), "FAILURE") && p.device != "" {
			p.failures = append(p.failures, evidence.DeviceInstallFailure{DeviceID: p.device, Status: status, Detail: p.detail})
		}
		p.inDevice = false
	}
}

// Result returns the section count and the failures seen so far.
func (p *DeviceInstallParser) Result() (int, []evidence.DeviceInstallFailure) {
	return p.sections, p.failures
}

func collectDeviceInstall(ctx context.Context, env *Env) (evidence.Section, error) {
	path := env.windowsPath(`INF\setupapi.dev.log`)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	offset := env.Cfg.LogTailBytes
	if info.Size() < offset {
		offset = info.Size()
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    false,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: -offset, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open device install log: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	var p DeviceInstallParser
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				sec := &evidence.DeviceInstallSection{Availability: evidence.Collected(), Source: path}
				sec.Sections, sec.Failures = p.Result()
				return sec, nil
			}
			if line.Err != nil {
				return nil, line.Err
			}
			p.Feed(line.Text)
		}
	}
}

var (
	setupErrorLine = regexp.MustCompile(`^\S+ \S+, Error\s+(.*)$`)
	rollbackMarker = regexp.MustCompile(`(?i)(rollback (initiated|started|complete|completed|succeeded)|rolling back|ExecuteRollback)`)
)

// ScanSetupLog reads one Panther log, returning error lines and whether a
// rollback marker appeared.
func ScanSetupLog(r io.Reader) (errs []string, rollback bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if m := setupErrorLine.FindStringSubmatch(line); m != nil {
			errs = append(errs, strings.TrimSpace(m[1]))
		}
		if rollbackMarker.MatchString(line) {
			rollback = true
		}
	}
	return errs, rollback, scanner.Err()
}

func setupLogPaths(env *Env) []string {
	var out []string
	for _, dir := range []string{
		env.windowsPath("Panther"),
		filepath.Join(env.Target.Root, "$WINDOWS.~BT", "Sources", "Panther"),
	} {
		out = append(out, filepath.Join(dir, "setupact.log"), filepath.Join(dir, "setuperr.log"))
	}
	return out
}

func collectSetupLog(ctx context.Context, env *Env) (evidence.Section, error) {
	sec := &evidence.SetupLogSection{Availability: evidence.Collected(), Sources: []string{}}
	for _, path := range setupLogPaths(env) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := readTail(path, env.Cfg.LogTailBytes, env.Decoder)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		errs, rollback, err := ScanSetupLog(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", path, err)
		}
		sec.Sources = append(sec.Sources, path)
		sec.Errors = append(sec.Errors, errs...)
		sec.RollbackDetected = sec.RollbackDetected || rollback
	}
	pending := env.windowsPath(`WinSxS\pending.xml`)
	if platform.FileExists(pending) {
		sec.PendingActions = true
		sec.Sources = append(sec.Sources, pending)
	}
	if len(sec.Sources) == 0 {
		return nil, errors.New("no setup logs present")
	}
	if len(sec.Errors) > maxSetupErrors {
		sec.Errors = sec.Errors[len(sec.Errors)-maxSetupErrors:]
	}
	return sec, nil
}
