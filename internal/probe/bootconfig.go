// File: internal/probe/bootconfig.go
package probe

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/platform"
)

// Well-known boot store identifiers as printed by bcdedit /v.
const (
	bootmgrGUID   = "{9dea862c-5cdd-4e70-acc1-f32b344d4795}"
	fwbootmgrGUID = "{a5a30fa2-3d06-4e9f-b5f4-a01df9d1fcba}"
)

var bcdField = regexp.MustCompile(`^(\S+)\s{2,}(.*)$`)

// ParseBCD parses "bcdedit /enum all /v" output into raw entries. Device and
// path validity are left unresolved.
func ParseBCD(out string) []evidence.BootEntry {
	var entries []evidence.BootEntry
	lines := strings.Split(strings.ReplaceAll(out, "\r", ""), "\n")
	var cur *evidence.BootEntry
	lastKey := ""
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			lastKey = ""
			continue
		}
		// A title line is followed by a row of dashes.
		if i+1 < len(lines) && isRule(lines[i+1]) {
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &evidence.BootEntry{Type: trimmed}
			i++
			lastKey = ""
			continue
		}
		if cur == nil {
			continue
		}
		if strings.HasPrefix(line, " ") {
			if lastKey == "displayorder" {
				cur.DisplayOrder = append(cur.DisplayOrder, trimmed)
			}
			continue
		}
		m := bcdField.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, value := strings.ToLower(m[1]), strings.TrimSpace(m[2])
		lastKey = key
		switch key {
		case "identifier":
			cur.Identifier = value
		case "device":
			cur.Device = value
		case "path":
			cur.Path = value
		case "description":
			cur.Description = value
		case "osdevice":
			cur.OSDevice = value
		case "systemroot":
			cur.SystemRoot = value
		case "default":
			cur.Default = value
		case "displayorder":
			cur.DisplayOrder = append(cur.DisplayOrder, value)
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries
}

func isRule(line string) bool {
	t := strings.TrimSpace(line)
	return len(t) >= 3 && strings.Trim(t, "-") == ""
}

func isBootManager(e evidence.BootEntry) bool {
	return strings.EqualFold(e.Identifier, bootmgrGUID) || strings.EqualFold(e.Identifier, "{bootmgr}")
}

func isFirmwareManager(e evidence.BootEntry) bool {
	return strings.EqualFold(e.Identifier, fwbootmgrGUID) || strings.EqualFold(e.Identifier, "{fwbootmgr}")
}

// BCDStorePath is the boot store on a mounted system partition.
func BCDStorePath(systemPartition string) string {
	return filepath.Join(partitionRoot(systemPartition), "EFI", "Microsoft", "Boot", "BCD")
}

func partitionRoot(p string) string {
	if len(p) == 2 && p[1] == ':' {
		return p + `\`
	}
	return p
}

// BootStoreArgs builds bcdedit arguments for the store on systemPartition, or
// the system store when the partition is not mounted.
func BootStoreArgs(systemPartition string, args ...string) []string {
	if systemPartition == "" {
		return args
	}
	return append([]string{"/store", BCDStorePath(systemPartition)}, args...)
}

// AnalyzeBootConfig resolves entry validity and derives the summary fields.
func AnalyzeBootConfig(entries []evidence.BootEntry, resolver platform.VolumeResolver, systemPartition string) *evidence.BootConfigSection {
	sec := &evidence.BootConfigSection{Availability: evidence.Collected(), Entries: entries, SystemPartition: systemPartition}
	var bootmgr *evidence.BootEntry
	for i := range sec.Entries {
		e := &sec.Entries[i]
		if e.Device != "" {
			root, ok := resolver.Root(e.Device)
			e.DeviceExists = ok
			if ok && e.Path != "" {
				e.PathExists = platform.FileExists(platform.ResolvePath(root, e.Path))
			}
		}
		switch {
		case isBootManager(*e):
			bootmgr = e
			sec.BootManager = e.Identifier
		case isFirmwareManager(*e):
			sec.FirmwareKnown = true
			sec.FirmwareOrder = append(sec.FirmwareOrder, e.DisplayOrder...)
		}
	}
	if bootmgr != nil {
		sec.DefaultLoader = bootmgr.Default
		if sec.SystemPartition == "" {
			sec.SystemPartition = strings.TrimPrefix(bootmgr.Device, "partition=")
		}
		for _, id := range sec.FirmwareOrder {
			if strings.EqualFold(id, bootmgr.Identifier) || strings.EqualFold(id, "{bootmgr}") {
				sec.HasFirmwareEntry = true
			}
		}
	}
	if sec.SystemPartition != "" {
		_, sec.SystemPartitionPresent = resolver.Root(sec.SystemPartition)
	}
	return sec
}

var fsNameLine = regexp.MustCompile(`(?im)^\s*File System Name\s*:\s*(\S+)`)

// ParseFSName extracts the filesystem name from "fsutil fsinfo volumeinfo".
func ParseFSName(out string) string {
	if m := fsNameLine.FindStringSubmatch(out); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

func collectBootConfig(ctx context.Context, env *Env) (evidence.Section, error) {
	res, err := env.run(ctx, "bcdedit", BootStoreArgs(env.SystemPartition, "/enum", "all", "/v")...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("bcdedit exited %d: %s", res.ExitCode, res.LastLine)
	}
	entries := ParseBCD(res.Output)
	if len(entries) == 0 {
		return nil, fmt.Errorf("boot store enumerated no entries")
	}
	sec := AnalyzeBootConfig(entries, env.Resolver, env.SystemPartition)
	if sec.SystemPartitionPresent {
		root, _ := env.Resolver.Root(sec.SystemPartition)
		env.espRoot = root
		if len(sec.SystemPartition) == 2 {
			if fs, err := env.run(ctx, "fsutil", "fsinfo", "volumeinfo", sec.SystemPartition); err == nil {
				sec.SystemPartitionFS = ParseFSName(fs.Output)
			}
		}
	}
	return sec, nil
}
