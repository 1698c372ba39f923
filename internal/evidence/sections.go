// File: internal/evidence/sections.go
package evidence

import (
	"time"

	"github.com/xkilldash9x/bootmend/api/schemas"
)

// Status distinguishes a category that was read from one that could not be
// read and from one that was never attempted.
type Status string

const (
	StatusAbsent      Status = "absent"
	StatusCollected   Status = "collected"
	StatusUnavailable Status = "unavailable"
)

// Availability is embedded in every section.
type Availability struct {
	Status Status `json:"status" yaml:"status"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Collected reports whether the section holds facts.
func (a Availability) Collected() bool { return a.Status == StatusCollected }

// Section is implemented by every typed evidence category.
type Section interface {
	Category() schemas.Category
	Avail() Availability
}

// InstallationSection describes the target and the control set in use.
type InstallationSection struct {
	Availability `yaml:",inline"`
	Target       schemas.TargetInstallation `json:"target" yaml:"target"`
	ControlSet   int                        `json:"control_set" yaml:"control_set"`
	Live         bool                       `json:"live" yaml:"live"`
}

// ServiceState is one driver service read from the target's SYSTEM hive.
type ServiceState struct {
	Name          string `json:"name" yaml:"name"`
	Exists        bool   `json:"exists" yaml:"exists"`
	Start         int    `json:"start" yaml:"start"`
	StartOverride bool   `json:"start_override,omitempty" yaml:"start_override,omitempty"`
	ImagePath     string `json:"image_path,omitempty" yaml:"image_path,omitempty"`
	ImagePresent  bool   `json:"image_present" yaml:"image_present"`
	Group         string `json:"group,omitempty" yaml:"group,omitempty"`
}

// Enabled reports whether the service starts at boot.
func (s ServiceState) Enabled() bool {
	return s.Exists && s.Start == 0 && !s.StartOverride
}

// DriverStateSection lists boot-relevant services.
type DriverStateSection struct {
	Availability `yaml:",inline"`
	Services     []ServiceState `json:"services" yaml:"services"`
}

// Service returns the named service state, case-insensitively.
func (d *DriverStateSection) Service(name string) (ServiceState, bool) {
	for _, s := range d.Services {
		if equalFold(s.Name, name) {
			return s, true
		}
	}
	return ServiceState{}, false
}

// HardwareSection lists boot-critical devices and their driver state.
type HardwareSection struct {
	Availability `yaml:",inline"`
	Requirements []schemas.HardwareRequirement `json:"requirements" yaml:"requirements"`
}

// BootEntry is one boot-configuration store entry with resolved validity.
type BootEntry struct {
	Identifier   string   `json:"identifier" yaml:"identifier"`
	Type         string   `json:"type" yaml:"type"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Device       string   `json:"device,omitempty" yaml:"device,omitempty"`
	Path         string   `json:"path,omitempty" yaml:"path,omitempty"`
	OSDevice     string   `json:"osdevice,omitempty" yaml:"osdevice,omitempty"`
	SystemRoot   string   `json:"systemroot,omitempty" yaml:"systemroot,omitempty"`
	Default      string   `json:"default,omitempty" yaml:"default,omitempty"`
	DisplayOrder []string `json:"displayorder,omitempty" yaml:"displayorder,omitempty"`
	DeviceExists bool     `json:"device_exists" yaml:"device_exists"`
	PathExists   bool     `json:"path_exists" yaml:"path_exists"`
}

// BootConfigSection is the parsed boot-configuration store.
type BootConfigSection struct {
	Availability           `yaml:",inline"`
	Entries                []BootEntry `json:"entries" yaml:"entries"`
	BootManager            string      `json:"boot_manager,omitempty" yaml:"boot_manager,omitempty"`
	DefaultLoader          string      `json:"default_loader,omitempty" yaml:"default_loader,omitempty"`
	FirmwareKnown          bool        `json:"firmware_known" yaml:"firmware_known"`
	FirmwareOrder          []string    `json:"firmware_order,omitempty" yaml:"firmware_order,omitempty"`
	HasFirmwareEntry       bool        `json:"has_firmware_entry" yaml:"has_firmware_entry"`
	SystemPartition        string      `json:"system_partition,omitempty" yaml:"system_partition,omitempty"`
	SystemPartitionPresent bool        `json:"system_partition_present" yaml:"system_partition_present"`
	SystemPartitionFS      string      `json:"system_partition_fs,omitempty" yaml:"system_partition_fs,omitempty"`
}

// Entry returns the entry with the given identifier.
func (b *BootConfigSection) Entry(id string) (BootEntry, bool) {
	for _, e := range b.Entries {
		if equalFold(e.Identifier, id) {
			return e, true
		}
	}
	return BootEntry{}, false
}

// DefaultLoaderValid reports whether the default loader entry references an
// existing device and loader path.
func (b *BootConfigSection) DefaultLoaderValid() bool {
	e, ok := b.Entry(b.DefaultLoader)
	return ok && e.DeviceExists && e.PathExists
}

// BootLogSection summarizes the tail of the boot driver log.
type BootLogSection struct {
	Availability `yaml:",inline"`
	Source       string   `json:"source" yaml:"source"`
	LoadedCount  int      `json:"loaded_count" yaml:"loaded_count"`
	LastLoaded   string   `json:"last_loaded,omitempty" yaml:"last_loaded,omitempty"`
	NotLoaded    []string `json:"not_loaded,omitempty" yaml:"not_loaded,omitempty"`
}

// DeviceInstallFailure is one failed device-install section.
type DeviceInstallFailure struct {
	DeviceID string `json:"device_id" yaml:"device_id"`
	Status   string `json:"status" yaml:"status"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// DeviceInstallSection summarizes the device-install log.
type DeviceInstallSection struct {
	Availability `yaml:",inline"`
	Source       string                 `json:"source" yaml:"source"`
	Sections     int                    `json:"sections" yaml:"sections"`
	Failures     []DeviceInstallFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// SetupLogSection summarizes the setup engine logs.
type SetupLogSection struct {
	Availability     `yaml:",inline"`
	Sources          []string `json:"sources" yaml:"sources"`
	Errors           []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	RollbackDetected bool     `json:"rollback_detected" yaml:"rollback_detected"`
	PendingActions   bool     `json:"pending_actions" yaml:"pending_actions"`
}

// BootEvent is one boot-relevant event from the offline system event log.
type BootEvent struct {
	ID       int       `json:"id" yaml:"id"`
	Provider string    `json:"provider" yaml:"provider"`
	Time     time.Time `json:"time" yaml:"time"`
	BugCheck uint32    `json:"bugcheck,omitempty" yaml:"bugcheck,omitempty"`
	Service  string    `json:"service,omitempty" yaml:"service,omitempty"`
	Detail   string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// EventLogSection lists boot-relevant events, newest first.
type EventLogSection struct {
	Availability `yaml:",inline"`
	Source       string      `json:"source" yaml:"source"`
	Events       []BootEvent `json:"events,omitempty" yaml:"events,omitempty"`
}

// BugChecks returns the distinct bugcheck codes observed.
func (e *EventLogSection) BugChecks() []uint32 {
	seen := map[uint32]bool{}
	var out []uint32
	for _, ev := range e.Events {
		if ev.BugCheck != 0 && !seen[ev.BugCheck] {
			seen[ev.BugCheck] = true
			out = append(out, ev.BugCheck)
		}
	}
	return out
}

// VolumeSection describes the target volume's encryption and filesystem state.
type VolumeSection struct {
	Availability     `yaml:",inline"`
	Volume           string `json:"volume" yaml:"volume"`
	Encrypted        bool   `json:"encrypted" yaml:"encrypted"`
	Locked           bool   `json:"locked" yaml:"locked"`
	Protection       string `json:"protection,omitempty" yaml:"protection,omitempty"`
	DirtyKnown       bool   `json:"dirty_known" yaml:"dirty_known"`
	Dirty            bool   `json:"dirty" yaml:"dirty"`
	EncryptionReason string `json:"encryption_reason,omitempty" yaml:"encryption_reason,omitempty"`
}

// File roles tracked in the system-files section.
const (
	RoleLoader        = "loader"
	RoleKernel        = "kernel"
	RoleHAL           = "hal"
	RoleSystemHive    = "system-hive"
	RoleSoftwareHive  = "software-hive"
	RoleBootTemplate  = "boot-template"
	RoleBootManager   = "boot-manager"
	RoleRegBackSystem = "regback-system"
	RolePendingXML    = "pending-xml"
)

// FileFact is the presence of one boot-critical file.
type FileFact struct {
	Role    string `json:"role" yaml:"role"`
	Path    string `json:"path" yaml:"path"`
	Present bool   `json:"present" yaml:"present"`
	Size    int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// SystemFilesSection lists boot-critical files and hive loadability.
type SystemFilesSection struct {
	Availability `yaml:",inline"`
	Files        []FileFact `json:"files" yaml:"files"`
	HiveChecked  bool       `json:"hive_checked" yaml:"hive_checked"`
	HiveLoadable bool       `json:"hive_loadable" yaml:"hive_loadable"`
}

// File returns the fact for a role.
func (s *SystemFilesSection) File(role string) (FileFact, bool) {
	for _, f := range s.Files {
		if f.Role == role {
			return f, true
		}
	}
	return FileFact{}, false
}

// Missing reports whether a tracked role was checked and found absent.
func (s *SystemFilesSection) Missing(role string) bool {
	f, ok := s.File(role)
	return ok && !f.Present
}

func (s *InstallationSection) Category() schemas.Category  { return schemas.CategoryInstallation }
func (s *DriverStateSection) Category() schemas.Category   { return schemas.CategoryDriverState }
func (s *HardwareSection) Category() schemas.Category      { return schemas.CategoryHardwareIDs }
func (s *BootConfigSection) Category() schemas.Category    { return schemas.CategoryBootConfig }
func (s *BootLogSection) Category() schemas.Category       { return schemas.CategoryBootLog }
func (s *DeviceInstallSection) Category() schemas.Category { return schemas.CategoryDeviceInstallLog }
func (s *SetupLogSection) Category() schemas.Category      { return schemas.CategorySetupLog }
func (s *EventLogSection) Category() schemas.Category      { return schemas.CategoryEventLog }
func (s *VolumeSection) Category() schemas.Category        { return schemas.CategoryVolumeState }
func (s *SystemFilesSection) Category() schemas.Category   { return schemas.CategorySystemFiles }

func (s *InstallationSection) Avail() Availability  { return s.Availability }
func (s *DriverStateSection) Avail() Availability   { return s.Availability }
func (s *HardwareSection) Avail() Availability      { return s.Availability }
func (s *BootConfigSection) Avail() Availability    { return s.Availability }
func (s *BootLogSection) Avail() Availability       { return s.Availability }
func (s *DeviceInstallSection) Avail() Availability { return s.Availability }
func (s *SetupLogSection) Avail() Availability      { return s.Availability }
func (s *EventLogSection) Avail() Availability      { return s.Availability }
func (s *VolumeSection) Avail() Availability        { return s.Availability }
func (s *SystemFilesSection) Avail() Availability   { return s.Availability }
