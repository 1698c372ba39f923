package schemas

// Environment describes where the engine itself is running.
type Environment string

const (
	EnvironmentDesktop  Environment = "desktop"
	EnvironmentRecovery Environment = "recovery"
)

// TargetInstallation is a discovered operating-system instance. It is produced
// once per session by the installation scan and never mutated afterwards.
type TargetInstallation struct {
	ID             string      `json:"id" yaml:"id"`
	Root           string      `json:"root" yaml:"root"`
	Volume         string      `json:"volume" yaml:"volume"`
	WindowsDir     string      `json:"windows_dir" yaml:"windows_dir"`
	ProductName    string      `json:"product_name,omitempty" yaml:"product_name,omitempty"`
	Build          string      `json:"build,omitempty" yaml:"build,omitempty"`
	DisplayVersion string      `json:"display_version,omitempty" yaml:"display_version,omitempty"`
	Healthy        bool        `json:"healthy" yaml:"healthy"`
	Running        bool        `json:"running" yaml:"running"`
	Locked         bool        `json:"locked" yaml:"locked"`
	Environment    Environment `json:"environment" yaml:"environment"`
}

// DriverState is the enablement state of the driver a device depends on.
type DriverState string

const (
	DriverEnabled  DriverState = "enabled"
	DriverDisabled DriverState = "disabled"
	DriverMissing  DriverState = "missing"
	DriverUnknown  DriverState = "unknown"
)

// HardwareRequirement is a boot-critical device identifier together with its
// compatible-identifier fallbacks and the state of its driver in the target.
type HardwareRequirement struct {
	DeviceID      string      `json:"device_id" yaml:"device_id"`
	Description   string      `json:"description,omitempty" yaml:"description,omitempty"`
	Class         string      `json:"class,omitempty" yaml:"class,omitempty"`
	HardwareIDs   []string    `json:"hardware_ids" yaml:"hardware_ids"`
	CompatibleIDs []string    `json:"compatible_ids,omitempty" yaml:"compatible_ids,omitempty"`
	Service       string      `json:"service,omitempty" yaml:"service,omitempty"`
	DriverState   DriverState `json:"driver_state" yaml:"driver_state"`
	StartType     int         `json:"start_type" yaml:"start_type"`
}

// Enabled reports whether a driver for the requirement is currently enabled.
func (h HardwareRequirement) Enabled() bool {
	return h.DriverState == DriverEnabled
}

// PrimaryID is the most specific hardware identifier of the device.
func (h HardwareRequirement) PrimaryID() string {
	if len(h.HardwareIDs) == 0 {
		return h.DeviceID
	}
	return h.HardwareIDs[0]
}

// MatchType describes how precisely a driver manifest matched a device.
type MatchType string

const (
	MatchExact      MatchType = "Exact"
	MatchPartial    MatchType = "Partial"
	MatchCompatible MatchType = "Compatible"
)

// Rank orders match types from most to least precise.
func (m MatchType) Rank() int {
	switch m {
	case MatchExact:
		return 0
	case MatchPartial:
		return 1
	case MatchCompatible:
		return 2
	default:
		return 3
	}
}

// DriverCandidate is a located driver package ranked against one requirement.
type DriverCandidate struct {
	ManifestPath   string    `json:"manifest_path" yaml:"manifest_path"`
	Provider       string    `json:"provider,omitempty" yaml:"provider,omitempty"`
	Class          string    `json:"class,omitempty" yaml:"class,omitempty"`
	Version        string    `json:"version,omitempty" yaml:"version,omitempty"`
	Service        string    `json:"service,omitempty" yaml:"service,omitempty"`
	HardwareIDs    []string  `json:"hardware_ids" yaml:"hardware_ids"`
	CompatibleIDs  []string  `json:"compatible_ids,omitempty" yaml:"compatible_ids,omitempty"`
	MatchedID      string    `json:"matched_id" yaml:"matched_id"`
	SignatureValid bool      `json:"signature_valid" yaml:"signature_valid"`
	MatchType      MatchType `json:"match_type" yaml:"match_type"`
	Score          int       `json:"score" yaml:"score"`
}
