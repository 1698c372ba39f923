// File: internal/planner/patterns.go
package planner

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/evidence"
)

// Matches maps a requirement's device ID to its ranked driver candidates.
type Matches map[string][]schemas.DriverCandidate

// patternHolds evaluates one evidence predicate. Every PatternCode has a
// case; an unknown code is a programming error.
func patternHolds(p schemas.PatternCode, set *evidence.Set) bool {
	switch p {
	case schemas.PatternDisabledBootDriver:
		for _, r := range set.Requirements() {
			if r.DriverState == schemas.DriverDisabled && r.Service != "" {
				return true
			}
		}
		return false
	case schemas.PatternMissingBootDriver:
		for _, r := range set.Requirements() {
			if r.DriverState == schemas.DriverMissing {
				return true
			}
		}
		return false
	case schemas.PatternBCDInvalid:
		bc := set.BootConfig()
		if bc == nil {
			return false
		}
		return !bc.DefaultLoaderValid() || (bc.FirmwareKnown && !bc.HasFirmwareEntry)
	case schemas.PatternSystemPartitionUnusable:
		bc := set.BootConfig()
		// An unmounted partition is not evidence of damage; a wrong or raw
		// filesystem on a mounted one is.
		return bc != nil && bc.SystemPartitionPresent && bc.SystemPartitionFS != "" &&
			!strings.EqualFold(bc.SystemPartitionFS, "FAT32")
	case schemas.PatternSystemFilesMissing:
		sf := set.SystemFiles()
		if sf == nil {
			return false
		}
		for _, role := range []string{evidence.RoleLoader, evidence.RoleKernel, evidence.RoleHAL, evidence.RoleBootTemplate} {
			if sf.Missing(role) {
				return true
			}
		}
		return false
	case schemas.PatternVolumeDirty:
		v := set.Volume()
		return v != nil && v.DirtyKnown && v.Dirty
	case schemas.PatternHiveCorrupt:
		sf := set.SystemFiles()
		return sf != nil && sf.HiveChecked && !sf.HiveLoadable
	case schemas.PatternSetupPending:
		sl := set.SetupLog()
		return sl != nil && sl.PendingActions
	default:
		panic(fmt.Sprintf("planner: unhandled pattern %q", p))
	}
}

// holdsInEvidence reports whether a bound condition is already known to be
// true from the evidence. Conditions the evidence cannot speak to are false.
func holdsInEvidence(c schemas.Condition, set *evidence.Set) bool {
	switch c.Code {
	case schemas.CondVolumeUnlocked:
		if set.Target().Locked {
			return false
		}
		v := set.Volume()
		return v != nil && !v.Locked
	case schemas.CondVolumeClean:
		v := set.Volume()
		return v != nil && v.DirtyKnown && !v.Dirty
	case schemas.CondHiveLoadable:
		sf := set.SystemFiles()
		return sf != nil && sf.HiveChecked && sf.HiveLoadable
	case schemas.CondDriverInstalled:
		ds := set.DriverState()
		if ds == nil {
			return false
		}
		s, ok := ds.Service(c.Arg)
		return ok && s.Exists
	case schemas.CondDriverEnabled:
		ds := set.DriverState()
		if ds == nil {
			return false
		}
		s, ok := ds.Service(c.Arg)
		return ok && s.Enabled()
	case schemas.CondFileExists, schemas.CondFileAbsent:
		sf := set.SystemFiles()
		if sf == nil {
			return false
		}
		for _, f := range sf.Files {
			if samePath(f.Path, c.Arg) {
				return f.Present == (c.Code == schemas.CondFileExists)
			}
		}
		return false
	case schemas.CondBCDEntryValid:
		bc := set.BootConfig()
		return bc != nil && bc.DefaultLoaderValid()
	default:
		return false
	}
}

func samePath(a, b string) bool {
	norm := func(p string) string { return strings.ToLower(strings.ReplaceAll(p, `\`, "/")) }
	return norm(a) == norm(b)
}
