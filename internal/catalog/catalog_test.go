package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/bootmend/api/schemas"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 30, c.MinConfidence)
	for _, code := range schemas.SignatureCodes() {
		sig, ok := c.Signature(code)
		if assert.True(t, ok, "signature %s missing from catalog", code) {
			assert.True(t, sig.Stage.Valid())
			assert.NotEmpty(t, sig.Explanation)
		}
	}

	tpl, ok := c.Template("enable-boot-driver")
	require.True(t, ok)
	assert.True(t, tpl.HasStage(schemas.StageDriverInit))
	require.Len(t, tpl.Steps, 1)
	step := tpl.Steps[0]
	assert.Equal(t, BindDisabledRequirements, step.Bind)
	assert.Equal(t, schemas.RegistryEdit, step.Destructiveness)
	require.NotNil(t, step.Fallback)
	assert.Equal(t, "inject-driver/stage-driver-package", step.Fallback.Ref())
	assert.True(t, step.RetryPrimary)

	bp, ok := c.Blueprint("repair-boot-config/rebuild-bcd")
	require.True(t, ok)
	assert.Equal(t, schemas.OpBCDBoot, bp.Operation)
	assert.Contains(t, bp.Pre, schemas.Condition{Code: schemas.CondFileExists, Arg: "{windows}/Boot/EFI/bootmgfw.efi"})
	assert.Equal(t, "restore-component-store/restore-health", bp.Fallback.Ref())
}

func TestCatalogOrdering(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Less(t, c.TemplateOrder("enable-boot-driver"), c.TemplateOrder("inject-driver"))
	assert.Equal(t, len(c.Templates), c.TemplateOrder("nope"))
	assert.Less(t, c.SignatureOrder(schemas.SigFirmwareNoBootEntry), c.SignatureOrder(schemas.SigVolumeLocked))
}

func TestDestructiveStepsDeclareCheckpoints(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	for _, tpl := range c.Templates {
		for _, bp := range tpl.Steps {
			if bp.Destructiveness > schemas.ReadOnly {
				assert.NotEmpty(t, bp.Checkpoint, bp.Ref())
			}
			assert.NotEmpty(t, bp.Post, bp.Ref())
		}
	}
}

const minimalTemplate = `
templates:
  - id: t
    stages: [Loader]
    steps:
      - id: s
        operation: sfc-offline
        destructiveness: file
        timeout: long
        post: [system-files-intact]
        checkpoint:
          - kind: file
            path: "{windows}/System32"
`

func TestParseRejectsInvalidDocuments(t *testing.T) {
	header := "min_confidence: 30\n"
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "unknown signature code",
			doc:     header + "signatures:\n  - {code: made-up, stage: Loader, base_weight: 10}\n",
			wantErr: "unknown signature code",
		},
		{
			name:    "unknown stage",
			doc:     header + "signatures:\n  - {code: volume-locked, stage: Reboot, base_weight: 10}\n",
			wantErr: "invalid stage",
		},
		{
			name:    "unknown corroboration category",
			doc:     header + "signatures:\n  - {code: volume-locked, stage: Loader, base_weight: 10, corroboration: {tea-leaves: 5}}\n",
			wantErr: "unknown corroboration category",
		},
		{
			name:    "unknown field",
			doc:     header + "surprise: true\n",
			wantErr: "field surprise not found",
		},
		{
			name:    "missing confidence floor",
			doc:     "version: 1\n",
			wantErr: "min_confidence",
		},
		{
			name:    "unknown condition",
			doc:     header + strings.Replace(minimalTemplate, "system-files-intact", "feels-better", 1),
			wantErr: "unknown condition code",
		},
		{
			name:    "unknown placeholder",
			doc:     header + strings.Replace(minimalTemplate, "{windows}", "{homedir}", 1),
			wantErr: "unknown placeholder",
		},
		{
			name:    "destructive without checkpoint",
			doc:     header + minimalTemplate[:strings.Index(minimalTemplate, "        checkpoint:")],
			wantErr: "declares no checkpoint",
		},
		{
			name:    "unknown operation",
			doc:     header + strings.Replace(minimalTemplate, "sfc-offline", "reinstall-everything", 1),
			wantErr: "unknown operation",
		},
		{
			name:    "dangling fallback",
			doc:     header + strings.Replace(minimalTemplate, "timeout: long", "timeout: long\n        fallback: x/y", 1),
			wantErr: "does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseRejectsFallbackCycle(t *testing.T) {
	doc := `
min_confidence: 30
templates:
  - id: a
    stages: [Loader]
    steps:
      - id: one
        operation: sfc-offline
        destructiveness: read-only
        timeout: long
        post: [system-files-intact]
        fallback: b/two
  - id: b
    stages: [Loader]
    steps:
      - id: two
        operation: dism-restore-health
        destructiveness: read-only
        timeout: long
        post: [component-store-healthy]
        fallback: a/one
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loops")
}

func TestLoadFromFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, c.Templates)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_confidence: 40\n"+minimalTemplate), 0o600))
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 40, c.MinConfidence)
	_, ok := c.Blueprint("t/s")
	assert.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"control_set", "service"}, Placeholders(`{control_set}\Services\{service}`))
	assert.Empty(t, Placeholders("no placeholders"))
}
