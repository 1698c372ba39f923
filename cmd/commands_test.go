// File: cmd/commands_test.go
package cmd

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/store"
)

func writeFile(path, content string) error { return os.WriteFile(path, []byte(content), 0o644) }

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

func TestConfirm(t *testing.T) {
	cases := map[string]bool{
		"y\n":      true,
		"YES\n":    true,
		" yes \n":  true,
		"n\n":      false,
		"\n":       false,
		"":         false,
		"sure\n":   false,
		"y":        true,
		"yes, do ": false,
	}
	for in, want := range cases {
		var prompt bytes.Buffer
		got, err := confirm(strings.NewReader(in), &prompt, "Apply?")
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
		assert.Equal(t, "Apply? [y/N] ", prompt.String())
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("console detached") }

func TestConfirm_ReadError(t *testing.T) {
	_, err := confirm(failingReader{}, &bytes.Buffer{}, "Apply?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "console detached")
}

func TestPrintTargets(t *testing.T) {
	targets := []schemas.TargetInstallation{
		{ID: "win-c", Volume: "C:", ProductName: "Windows 11 Pro", Build: "22631", Healthy: true, Running: true},
		{ID: "win-d", Volume: "D:", ProductName: "Windows 10 Enterprise", Build: "19045", Healthy: true},
		{ID: "win-e", Volume: "E:", Healthy: false},
	}

	var out bytes.Buffer
	require.NoError(t, printTargets(&out, targets, "text"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "VOLUME")
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[2], "offline")
	assert.Contains(t, lines[3], "incomplete")
	assert.Contains(t, lines[3], "-")

	out.Reset()
	require.NoError(t, printTargets(&out, targets, "json"))
	assert.Contains(t, out.String(), `"id": "win-d"`)

	out.Reset()
	require.NoError(t, printTargets(&out, nil, "text"))
	assert.Equal(t, "No Windows installations found.\n", out.String())

	assert.Error(t, printTargets(&out, targets, "xml"))
}

func TestPrintPlan(t *testing.T) {
	a := schemas.StageAssessment{Stage: schemas.StageDriverInit, Confidence: 80}
	plan := schemas.RepairPlan{
		Digest: "abc123",
		Notes:  []string{"driver store not searched"},
		Steps: []schemas.RepairStep{{
			ID:              "enable-boot-driver/enable-driver[iaStorVD]",
			Operation:       schemas.OperationKind("enable-driver"),
			Description:     "Enable the storage driver",
			Tier:            1,
			Destructiveness: schemas.RegistryEdit,
			Fallback: &schemas.RepairStep{
				ID:        "inject-driver",
				Operation: schemas.OperationKind("inject-driver"),
				Tier:      1,
			},
		}},
	}

	var out bytes.Buffer
	require.NoError(t, printPlan(&out, a, plan, "text"))
	s := out.String()
	assert.Contains(t, s, "Stage: DriverInit (confidence 80%)")
	assert.Contains(t, s, "Note: driver store not searched")
	assert.Contains(t, s, "enable-boot-driver/enable-driver[iaStorVD]")
	assert.Contains(t, s, "else inject-driver")
	assert.Contains(t, s, "Digest: abc123")

	out.Reset()
	require.NoError(t, printPlan(&out, a, schemas.RepairPlan{Blocked: true}, "text"))
	assert.Contains(t, out.String(), "Plan is blocked.")
	assert.Contains(t, out.String(), "No repair steps.")
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	p := progressPrinter(&out)
	p(schemas.ProgressEvent{StepID: "rebuild-bcd", Tier: 2, Status: schemas.StepStatus("running"), Elapsed: 1500 * time.Millisecond, LastLine: "50% complete"})
	p(schemas.ProgressEvent{StepID: "rebuild-bcd", Tier: 2, Status: schemas.StepStatus("succeeded"), Elapsed: 3 * time.Second})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[tier 2] running    rebuild-bcd (2s): 50% complete", lines[0])
	assert.Equal(t, "[tier 2] succeeded  rebuild-bcd (3s)", lines[1])
}

func TestPrintHistoryAndSummaries(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printHistory(&out, map[schemas.OperationKind]int{
		"rebuild-bcd":   1,
		"enable-driver": 3,
		"chkdsk":        1,
	}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "enable-driver"))
	assert.True(t, strings.HasPrefix(lines[2], "chkdsk"))
	assert.True(t, strings.HasPrefix(lines[3], "rebuild-bcd"))

	out.Reset()
	require.NoError(t, printSummaries(&out, []store.Summary{{
		SessionID: "s1", TargetID: "win-d", Stage: "kernel-boot", Confidence: 80,
		Outcome: schemas.OutcomeRepaired, GeneratedAt: time.Now(),
	}}))
	assert.Contains(t, out.String(), "80%")
	assert.Contains(t, out.String(), "repaired")
}
