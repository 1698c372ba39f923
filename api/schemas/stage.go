// File: api/schemas/stage.go
package schemas

import (
	"fmt"
	"strings"
)

// Stage is one phase of the ordered startup sequence.
type Stage string

const (
	StageFirmware    Stage = "Firmware"
	StageBootManager Stage = "BootManager"
	StageLoader      Stage = "Loader"
	StageKernelInit  Stage = "KernelInit"
	StageDriverInit  Stage = "DriverInit"
	StageSessionInit Stage = "SessionInit"
	StageSetupEngine Stage = "SetupEngine"
	// StageUnknown is reported when no signature reaches the confidence floor.
	StageUnknown Stage = "Unknown"
)

var orderedStages = []Stage{
	StageFirmware,
	StageBootManager,
	StageLoader,
	StageKernelInit,
	StageDriverInit,
	StageSessionInit,
	StageSetupEngine,
}

// Stages returns the boot phases in startup order.
func Stages() []Stage {
	out := make([]Stage, len(orderedStages))
	copy(out, orderedStages)
	return out
}

// Ordinal returns the position of the stage in the startup sequence.
// Unknown sorts after every real stage.
func (s Stage) Ordinal() int {
	for i, st := range orderedStages {
		if st == s {
			return i
		}
	}
	return len(orderedStages)
}

// Valid reports whether s is one of the ordered boot phases.
func (s Stage) Valid() bool {
	return s.Ordinal() < len(orderedStages)
}

// ParseStage resolves a stage name case-insensitively.
func ParseStage(name string) (Stage, error) {
	for _, st := range orderedStages {
		if strings.EqualFold(string(st), name) {
			return st, nil
		}
	}
	if strings.EqualFold(name, string(StageUnknown)) {
		return StageUnknown, nil
	}
	return "", fmt.Errorf("unknown boot stage %q", name)
}

// Category names a class of observed fact gathered by the probe layer.
type Category string

const (
	CategoryInstallation     Category = "installation"
	CategoryDriverState      Category = "driver-state"
	CategoryHardwareIDs      Category = "hardware-id-list"
	CategoryBootConfig       Category = "boot-config-validity"
	CategoryBootLog          Category = "boot-log-tail"
	CategoryDeviceInstallLog Category = "device-install-log"
	CategorySetupLog         Category = "setup-log"
	CategoryEventLog         Category = "event-log"
	CategoryVolumeState      Category = "volume-state"
	CategorySystemFiles      Category = "system-files"
)

var allCategories = []Category{
	CategoryInstallation,
	CategoryDriverState,
	CategoryHardwareIDs,
	CategoryBootConfig,
	CategoryBootLog,
	CategoryDeviceInstallLog,
	CategorySetupLog,
	CategoryEventLog,
	CategoryVolumeState,
	CategorySystemFiles,
}

// Categories lists every evidence category in collection order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c is a known evidence category.
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if known == c {
			return true
		}
	}
	return false
}
