package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/probe"
)

type fakeRegistry struct {
	keys     map[string]string
	imported []string
	fail     error
}

func (f *fakeRegistry) Export(_ context.Context, key, dest string) error {
	if f.fail != nil {
		return f.fail
	}
	body, ok := f.keys[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, probe.ErrKeyNotFound)
	}
	return os.WriteFile(dest, []byte(body), 0o644)
}

func (f *fakeRegistry) Import(_ context.Context, file string) error {
	f.imported = append(f.imported, file)
	return nil
}

func newManager(t *testing.T, reg RegistrySnapshotter) (*Manager, *Ledger) {
	t.Helper()
	state := t.TempDir()
	ledger, err := OpenLedger(context.Background(), filepath.Join(state, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return NewManager(filepath.Join(state, "checkpoints"), "session-1", "win-test", reg, ledger, zaptest.NewLogger(t)), ledger
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestCreateAndRestoreFiles(t *testing.T) {
	ctx := context.Background()
	m, ledger := newManager(t, &fakeRegistry{})
	target := t.TempDir()
	hive := filepath.Join(target, "config", "SYSTEM")
	esp := filepath.Join(target, "EFI")
	write(t, hive, "original hive")
	write(t, filepath.Join(esp, "Microsoft", "Boot", "BCD"), "original store")
	write(t, filepath.Join(esp, "Boot", "bootx64.efi"), "original loader")

	cp, err := m.Create(ctx, "step-1", []schemas.CheckpointTarget{
		{Kind: schemas.CheckpointFile, Path: hive},
		{Kind: schemas.CheckpointFile, Path: esp},
	})
	require.NoError(t, err)
	require.Len(t, cp.Entries, 2)
	assert.False(t, cp.Entries[0].IsDir)
	assert.True(t, cp.Entries[1].IsDir)
	assert.Len(t, cp.Entries[0].SHA256, 64)
	assert.Equal(t, schemas.CheckpointActive, cp.State)

	// Damage everything the checkpoint covers.
	write(t, hive, "corrupted")
	require.NoError(t, os.RemoveAll(esp))
	write(t, filepath.Join(esp, "stray.txt"), "created later")

	require.NoError(t, m.Restore(ctx, cp))
	assert.Equal(t, "original hive", read(t, hive))
	assert.Equal(t, "original store", read(t, filepath.Join(esp, "Microsoft", "Boot", "BCD")))
	assert.Equal(t, "original loader", read(t, filepath.Join(esp, "Boot", "bootx64.efi")))
	assert.Equal(t, schemas.CheckpointRestored, cp.State)

	stored, err := ledger.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.CheckpointRestored, stored.State)
	assert.Equal(t, cp.Entries, stored.Entries)
	assert.Equal(t, "step-1", stored.StepID)
}

func TestAbsentEntriesAreNotDeleted(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, &fakeRegistry{})
	path := filepath.Join(t.TempDir(), "pending.xml")

	cp, err := m.Create(ctx, "step", []schemas.CheckpointTarget{{Kind: schemas.CheckpointFile, Path: path}})
	require.NoError(t, err)
	require.Len(t, cp.Entries, 1)
	assert.True(t, cp.Entries[0].Absent)

	write(t, path, "created by the step")
	require.NoError(t, m.Restore(ctx, cp))
	assert.Equal(t, "created by the step", read(t, path))
}

func TestRegistryEntries(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistry{keys: map[string]string{`ControlSet001\Services\iaStorVD`: "Windows Registry Editor Version 5.00\r\n"}}
	m, _ := newManager(t, reg)

	cp, err := m.Create(ctx, "enable", []schemas.CheckpointTarget{
		{Kind: schemas.CheckpointRegistry, Path: `ControlSet001\Services\iaStorVD`},
		{Kind: schemas.CheckpointRegistry, Path: `ControlSet001\Services\missing`},
	})
	require.NoError(t, err)
	require.Len(t, cp.Entries, 2)
	assert.NotEmpty(t, cp.Entries[0].Backup)
	assert.True(t, cp.Entries[1].Absent)

	require.NoError(t, m.Restore(ctx, cp))
	assert.Equal(t, []string{cp.Entries[0].Backup}, reg.imported)
}

func TestCreateFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistry{fail: errors.New("access denied")}
	m, ledger := newManager(t, reg)

	_, err := m.Create(ctx, "enable", []schemas.CheckpointTarget{{Kind: schemas.CheckpointRegistry, Path: `ControlSet001\Services\x`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	all, err := ledger.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	entries, err := os.ReadDir(m.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreDetectsTamperedBackup(t *testing.T) {
	ctx := context.Background()
	m, ledger := newManager(t, &fakeRegistry{})
	file := filepath.Join(t.TempDir(), "winload.efi")
	write(t, file, "good")

	cp, err := m.Create(ctx, "sfc", []schemas.CheckpointTarget{{Kind: schemas.CheckpointFile, Path: file}})
	require.NoError(t, err)
	write(t, cp.Entries[0].Backup, "tampered")
	write(t, file, "changed by the step")

	err = m.Restore(ctx, cp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
	assert.Equal(t, "changed by the step", read(t, file), "a bad backup is never written back")

	stored, err := ledger.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.CheckpointActive, stored.State)
}

func TestDiscardAndList(t *testing.T) {
	ctx := context.Background()
	m, ledger := newManager(t, &fakeRegistry{})
	file := filepath.Join(t.TempDir(), "f")
	write(t, file, "x")

	first, err := m.Create(ctx, "a", []schemas.CheckpointTarget{{Kind: schemas.CheckpointFile, Path: file}})
	require.NoError(t, err)
	second, err := m.Create(ctx, "b", []schemas.CheckpointTarget{{Kind: schemas.CheckpointFile, Path: file}})
	require.NoError(t, err)

	require.NoError(t, m.Discard(ctx, first))
	_, err = os.Stat(first.Dir)
	assert.True(t, os.IsNotExist(err))

	list, err := ledger.List(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	states := map[string]schemas.CheckpointState{}
	for _, cp := range list {
		states[cp.ID] = cp.State
	}
	assert.Equal(t, schemas.CheckpointDiscarded, states[first.ID])
	assert.Equal(t, schemas.CheckpointActive, states[second.ID])

	other, err := ledger.List(ctx, "another-session")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestLedgerNotFound(t *testing.T) {
	_, ledger := newManager(t, &fakeRegistry{})
	_, err := ledger.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, ledger.SetState(context.Background(), "nope", schemas.CheckpointDiscarded), ErrNotFound)
}
