package schemas_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/bootmend/api/schemas"
)

// TestConstants pins the string values that appear in catalogs, reports and
// the archive.
func TestConstants(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		constant interface{}
		expected string
	}{
		// Stages
		{"StageFirmware", schemas.StageFirmware, "Firmware"},
		{"StageDriverInit", schemas.StageDriverInit, "DriverInit"},
		{"StageSetupEngine", schemas.StageSetupEngine, "SetupEngine"},
		{"StageUnknown", schemas.StageUnknown, "Unknown"},

		// Outcomes
		{"OutcomeRepaired", schemas.OutcomeRepaired, "repaired"},
		{"OutcomePartiallyRepaired", schemas.OutcomePartiallyRepaired, "partially-repaired"},
		{"OutcomeDiagnosedOnly", schemas.OutcomeDiagnosedOnly, "diagnosed-only"},

		// Error kinds
		{"KindVerificationFailed", schemas.KindVerificationFailed, "VerificationFailed"},
		{"KindRollbackFailed", schemas.KindRollbackFailed, "RollbackFailed"},
		{"KindCancelled", schemas.KindCancelled, "Cancelled"},

		// Operations
		{"OpRegistrySetStart", schemas.OpRegistrySetStart, "registry-set-start"},
		{"OpBCDBoot", schemas.OpBCDBoot, "bcdboot"},
		{"OpSFCOffline", schemas.OpSFCOffline, "sfc-offline"},

		// Conditions
		{"CondDriverEnabled", schemas.CondDriverEnabled, "driver-enabled"},
		{"CondBCDEntryValid", schemas.CondBCDEntryValid, "bcd-entry-valid"},

		// Signatures
		{"SigInaccessibleBootDevice", schemas.SigInaccessibleBootDevice, "inaccessible-boot-device"},
		{"SigVolumeLocked", schemas.SigVolumeLocked, "volume-locked"},

		// Step states
		{"StatusPostconditionVerified", schemas.StatusPostconditionVerified, "PostconditionVerified"},
		{"CheckpointRestored", schemas.CheckpointRestored, "restored"},

		// Destructiveness renders its catalog name.
		{"RegistryEdit", schemas.RegistryEdit, "registry"},
		{"PartitionFormat", schemas.PartitionFormat, "partition"},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, fmt.Sprintf("%v", tt.constant))
		})
	}
}
