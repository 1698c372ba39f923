// File: internal/evidence/set.go
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is bumped whenever a section's shape changes.
const SchemaVersion = 1

var (
	// ErrFrozen is returned when recording into a set that classification has
	// already started consuming.
	ErrFrozen = errors.New("evidence set is frozen")
	// ErrAlreadyRecorded is returned when a category is recorded twice.
	ErrAlreadyRecorded = errors.New("evidence category already recorded")
)

// Set is the typed, versioned evidence gathered for one target. It is
// append-only while collecting and immutable once frozen.
type Set struct {
	mu          sync.RWMutex
	target      schemas.TargetInstallation
	collectedAt time.Time
	sections    map[schemas.Category]Section
	order       []schemas.Category
	frozen      bool
	digest      string
}

// NewSet starts an empty evidence set for the target.
func NewSet(target schemas.TargetInstallation, collectedAt time.Time) *Set {
	return &Set{
		target:      target,
		collectedAt: collectedAt.UTC(),
		sections:    make(map[schemas.Category]Section),
	}
}

// Target returns the installation the evidence describes.
func (s *Set) Target() schemas.TargetInstallation { return s.target }

// Record adds a section. Each category may be recorded exactly once.
func (s *Set) Record(sec Section) error {
	if sec == nil {
		return fmt.Errorf("cannot record a nil section")
	}
	cat := sec.Category()
	if sec.Avail().Status != StatusCollected && sec.Avail().Status != StatusUnavailable {
		return fmt.Errorf("section %s must be collected or unavailable, got %q", cat, sec.Avail().Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return fmt.Errorf("record %s: %w", cat, ErrFrozen)
	}
	if _, exists := s.sections[cat]; exists {
		return fmt.Errorf("record %s: %w", cat, ErrAlreadyRecorded)
	}
	s.sections[cat] = sec
	s.order = append(s.order, cat)
	return nil
}

// MarkUnavailable records an explicit unavailable marker for a category whose
// probe could not complete.
func (s *Set) MarkUnavailable(cat schemas.Category, reason string) error {
	sec, err := newSection(cat)
	if err != nil {
		return err
	}
	setAvailability(sec, Availability{Status: StatusUnavailable, Reason: reason})
	return s.Record(sec)
}

// Freeze makes the set immutable and fixes its digest. Calling it again is a no-op.
func (s *Set) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	s.frozen = true
	s.digest = digestOf(s.snapshotLocked())
}

// Frozen reports whether the set is immutable.
func (s *Set) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Digest returns the content hash of a frozen set, or "" while collecting.
func (s *Set) Digest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digest
}

// Status reports whether a category was collected, marked unavailable, or never recorded.
func (s *Set) Status(cat schemas.Category) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.sections[cat]
	if !ok {
		return StatusAbsent
	}
	return sec.Avail().Status
}

// Availability returns the full availability header of a category.
func (s *Set) Availability(cat schemas.Category) Availability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.sections[cat]
	if !ok {
		return Availability{Status: StatusAbsent}
	}
	return sec.Avail()
}

// Categories returns recorded categories in recording order.
func (s *Set) Categories() []schemas.Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schemas.Category, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Set) collected(cat schemas.Category) Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.sections[cat]
	if !ok || !sec.Avail().Collected() {
		return nil
	}
	return sec
}

// The typed accessors return nil unless the category was collected.

func (s *Set) Installation() *InstallationSection {
	sec, _ := s.collected(schemas.CategoryInstallation).(*InstallationSection)
	return sec
}

func (s *Set) DriverState() *DriverStateSection {
	sec, _ := s.collected(schemas.CategoryDriverState).(*DriverStateSection)
	return sec
}

func (s *Set) Hardware() *HardwareSection {
	sec, _ := s.collected(schemas.CategoryHardwareIDs).(*HardwareSection)
	return sec
}

func (s *Set) BootConfig() *BootConfigSection {
	sec, _ := s.collected(schemas.CategoryBootConfig).(*BootConfigSection)
	return sec
}

func (s *Set) BootLog() *BootLogSection {
	sec, _ := s.collected(schemas.CategoryBootLog).(*BootLogSection)
	return sec
}

func (s *Set) DeviceInstall() *DeviceInstallSection {
	sec, _ := s.collected(schemas.CategoryDeviceInstallLog).(*DeviceInstallSection)
	return sec
}

func (s *Set) SetupLog() *SetupLogSection {
	sec, _ := s.collected(schemas.CategorySetupLog).(*SetupLogSection)
	return sec
}

func (s *Set) EventLog() *EventLogSection {
	sec, _ := s.collected(schemas.CategoryEventLog).(*EventLogSection)
	return sec
}

func (s *Set) Volume() *VolumeSection {
	sec, _ := s.collected(schemas.CategoryVolumeState).(*VolumeSection)
	return sec
}

func (s *Set) SystemFiles() *SystemFilesSection {
	sec, _ := s.collected(schemas.CategorySystemFiles).(*SystemFilesSection)
	return sec
}

// Requirements returns the hardware requirements, or nil when the hardware
// category was not collected.
func (s *Set) Requirements() []schemas.HardwareRequirement {
	if hw := s.Hardware(); hw != nil {
		return hw.Requirements
	}
	return nil
}

// Snapshot is the serializable form of a set, used in reports.
type Snapshot struct {
	Version       int                        `json:"version" yaml:"version"`
	Target        schemas.TargetInstallation `json:"target" yaml:"target"`
	CollectedAt   time.Time                  `json:"collected_at" yaml:"collected_at"`
	Digest        string                     `json:"digest,omitempty" yaml:"digest,omitempty"`
	Installation  *InstallationSection       `json:"installation,omitempty" yaml:"installation,omitempty"`
	DriverState   *DriverStateSection        `json:"driver_state,omitempty" yaml:"driver_state,omitempty"`
	Hardware      *HardwareSection           `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	BootConfig    *BootConfigSection         `json:"boot_config,omitempty" yaml:"boot_config,omitempty"`
	BootLog       *BootLogSection            `json:"boot_log,omitempty" yaml:"boot_log,omitempty"`
	DeviceInstall *DeviceInstallSection      `json:"device_install,omitempty" yaml:"device_install,omitempty"`
	SetupLog      *SetupLogSection           `json:"setup_log,omitempty" yaml:"setup_log,omitempty"`
	EventLog      *EventLogSection           `json:"event_log,omitempty" yaml:"event_log,omitempty"`
	Volume        *VolumeSection             `json:"volume,omitempty" yaml:"volume,omitempty"`
	SystemFiles   *SystemFilesSection        `json:"system_files,omitempty" yaml:"system_files,omitempty"`
}

// Snapshot returns the serializable view of the set, including unavailable
// markers.
func (s *Set) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snapshotLocked()
	snap.Digest = s.digest
	return snap
}

func (s *Set) snapshotLocked() Snapshot {
	snap := Snapshot{Version: SchemaVersion, Target: s.target, CollectedAt: s.collectedAt}
	for _, sec := range s.sections {
		switch v := sec.(type) {
		case *InstallationSection:
			snap.Installation = v
		case *DriverStateSection:
			snap.DriverState = v
		case *HardwareSection:
			snap.Hardware = v
		case *BootConfigSection:
			snap.BootConfig = v
		case *BootLogSection:
			snap.BootLog = v
		case *DeviceInstallSection:
			snap.DeviceInstall = v
		case *SetupLogSection:
			snap.SetupLog = v
		case *EventLogSection:
			snap.EventLog = v
		case *VolumeSection:
			snap.Volume = v
		case *SystemFilesSection:
			snap.SystemFiles = v
		}
	}
	return snap
}

// MarshalYAML renders the snapshot deterministically (struct field order).
func (s *Set) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(s.Snapshot())
}

func digestOf(snap Snapshot) string {
	snap.Digest = ""
	b, err := yaml.Marshal(snap)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newSection(cat schemas.Category) (Section, error) {
	switch cat {
	case schemas.CategoryInstallation:
		return &InstallationSection{}, nil
	case schemas.CategoryDriverState:
		return &DriverStateSection{}, nil
	case schemas.CategoryHardwareIDs:
		return &HardwareSection{}, nil
	case schemas.CategoryBootConfig:
		return &BootConfigSection{}, nil
	case schemas.CategoryBootLog:
		return &BootLogSection{}, nil
	case schemas.CategoryDeviceInstallLog:
		return &DeviceInstallSection{}, nil
	case schemas.CategorySetupLog:
		return &SetupLogSection{}, nil
	case schemas.CategoryEventLog:
		return &EventLogSection{}, nil
	case schemas.CategoryVolumeState:
		return &VolumeSection{}, nil
	case schemas.CategorySystemFiles:
		return &SystemFilesSection{}, nil
	default:
		return nil, fmt.Errorf("unknown evidence category %q", cat)
	}
}

func setAvailability(sec Section, a Availability) {
	switch v := sec.(type) {
	case *InstallationSection:
		v.Availability = a
	case *DriverStateSection:
		v.Availability = a
	case *HardwareSection:
		v.Availability = a
	case *BootConfigSection:
		v.Availability = a
	case *BootLogSection:
		v.Availability = a
	case *DeviceInstallSection:
		v.Availability = a
	case *SetupLogSection:
		v.Availability = a
	case *EventLogSection:
		v.Availability = a
	case *VolumeSection:
		v.Availability = a
	case *SystemFilesSection:
		v.Availability = a
	}
}

// Collected is a convenience for building a collected availability header.
func Collected() Availability { return Availability{Status: StatusCollected} }

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }
