package evidence

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/bootmend/api/schemas"
)

var testTarget = schemas.TargetInstallation{ID: "win-1", Root: `D:\`, WindowsDir: `D:\Windows`, Volume: "D:"}

func TestSetRecordOnce(t *testing.T) {
	set := NewSet(testTarget, time.Unix(0, 0))

	require.NoError(t, set.Record(&DriverStateSection{
		Availability: Collected(),
		Services:     []ServiceState{{Name: "iaStorVD", Exists: true, Start: 4}},
	}))

	err := set.Record(&DriverStateSection{Availability: Collected()})
	assert.ErrorIs(t, err, ErrAlreadyRecorded)

	svc, ok := set.DriverState().Service("IASTORVD")
	require.True(t, ok)
	assert.False(t, svc.Enabled())
}

func TestSetRejectsAbsentStatus(t *testing.T) {
	set := NewSet(testTarget, time.Now())
	err := set.Record(&BootLogSection{})
	assert.Error(t, err)
	assert.Equal(t, StatusAbsent, set.Status(schemas.CategoryBootLog))
}

func TestUnavailableIsDistinctFromAbsent(t *testing.T) {
	set := NewSet(testTarget, time.Now())
	require.NoError(t, set.MarkUnavailable(schemas.CategoryDriverState, "hive inaccessible"))

	assert.Equal(t, StatusUnavailable, set.Status(schemas.CategoryDriverState))
	assert.Equal(t, "hive inaccessible", set.Availability(schemas.CategoryDriverState).Reason)
	assert.Nil(t, set.DriverState(), "typed accessors only return collected sections")

	assert.Equal(t, StatusAbsent, set.Status(schemas.CategoryEventLog))
	assert.Nil(t, set.EventLog())

	assert.Error(t, set.MarkUnavailable(schemas.Category("bogus"), "x"))
}

func TestFreeze(t *testing.T) {
	set := NewSet(testTarget, time.Unix(100, 0))
	require.NoError(t, set.Record(&VolumeSection{Availability: Collected(), Volume: "D:", Locked: true}))
	assert.Empty(t, set.Digest())

	set.Freeze()
	set.Freeze()
	assert.True(t, set.Frozen())
	assert.Len(t, set.Digest(), 64)

	err := set.Record(&BootLogSection{Availability: Collected()})
	assert.ErrorIs(t, err, ErrFrozen)
	err = set.MarkUnavailable(schemas.CategoryEventLog, "late")
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestDigestIsContentAddressed(t *testing.T) {
	build := func(order []Section) *Set {
		s := NewSet(testTarget, time.Unix(100, 0))
		for _, sec := range order {
			require.NoError(t, s.Record(sec))
		}
		s.Freeze()
		return s
	}
	a := build([]Section{
		&VolumeSection{Availability: Collected(), Volume: "D:"},
		&BootLogSection{Availability: Collected(), LastLoaded: "disk.sys"},
	})
	b := build([]Section{
		&BootLogSection{Availability: Collected(), LastLoaded: "disk.sys"},
		&VolumeSection{Availability: Collected(), Volume: "D:"},
	})
	c := build([]Section{
		&BootLogSection{Availability: Collected(), LastLoaded: "volmgr.sys"},
		&VolumeSection{Availability: Collected(), Volume: "D:"},
	})

	assert.Equal(t, a.Digest(), b.Digest(), "recording order does not change content")
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestSnapshotYAML(t *testing.T) {
	set := NewSet(testTarget, time.Unix(0, 0))
	require.NoError(t, set.MarkUnavailable(schemas.CategoryEventLog, "wevtutil missing"))
	require.NoError(t, set.Record(&SystemFilesSection{
		Availability: Collected(),
		Files:        []FileFact{{Role: RoleLoader, Path: `D:\Windows\System32\winload.efi`, Present: false}},
	}))
	set.Freeze()

	out, err := set.MarshalYAML()
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "version: 1")
	assert.Contains(t, text, "status: unavailable")
	assert.Contains(t, text, "reason: wevtutil missing")
	assert.Contains(t, text, "role: loader")
	assert.True(t, strings.Contains(text, "digest: "+set.Digest()))

	assert.True(t, set.SystemFiles().Missing(RoleLoader))
	assert.False(t, set.SystemFiles().Missing(RoleKernel), "untracked roles are not reported missing")
}

func TestConcurrentRecording(t *testing.T) {
	set := NewSet(testTarget, time.Now())
	var wg sync.WaitGroup
	for _, cat := range schemas.Categories() {
		cat := cat
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, set.MarkUnavailable(cat, "probe failed"))
		}()
	}
	wg.Wait()
	assert.Len(t, set.Categories(), len(schemas.Categories()))
}

func TestBootConfigHelpers(t *testing.T) {
	bc := &BootConfigSection{
		Availability:  Collected(),
		DefaultLoader: "{current}",
		Entries: []BootEntry{
			{Identifier: "{current}", DeviceExists: true, PathExists: false},
		},
	}
	assert.False(t, bc.DefaultLoaderValid())
	bc.Entries[0].PathExists = true
	assert.True(t, bc.DefaultLoaderValid())

	ev := &EventLogSection{Events: []BootEvent{{BugCheck: 0x7B}, {BugCheck: 0x7B}, {ID: 41}}}
	assert.Equal(t, []uint32{0x7B}, ev.BugChecks())
}
