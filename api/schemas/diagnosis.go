package schemas

// SignatureCode is the closed enumeration of known failure signatures. Every
// code has exactly one trigger in the classifier; the catalog loader rejects
// codes outside this list.
type SignatureCode string

const (
	SigFirmwareNoBootEntry    SignatureCode = "firmware-no-boot-entry"
	SigBootManagerMissing     SignatureCode = "bootmgr-missing"
	SigBCDLoaderInvalid       SignatureCode = "bcd-loader-invalid"
	SigLoaderFilesMissing     SignatureCode = "loader-files-missing"
	SigKernelCriticalMissing  SignatureCode = "kernel-critical-missing"
	SigFilesystemDirty        SignatureCode = "filesystem-dirty"
	SigInaccessibleBootDevice SignatureCode = "inaccessible-boot-device"
	SigBootDriverDisabled     SignatureCode = "boot-driver-disabled"
	SigBootDriverMissing      SignatureCode = "boot-driver-missing"
	SigDriverLoadStall        SignatureCode = "driver-load-stall"
	SigDriverInstallFailed    SignatureCode = "driver-install-failed"
	SigSessionInitFailure     SignatureCode = "session-init-failure"
	SigSetupRollback          SignatureCode = "setup-rollback"
	SigVolumeLocked           SignatureCode = "volume-locked"
)

var signatureCodes = []SignatureCode{
	SigFirmwareNoBootEntry,
	SigBootManagerMissing,
	SigBCDLoaderInvalid,
	SigLoaderFilesMissing,
	SigKernelCriticalMissing,
	SigFilesystemDirty,
	SigInaccessibleBootDevice,
	SigBootDriverDisabled,
	SigBootDriverMissing,
	SigDriverLoadStall,
	SigDriverInstallFailed,
	SigSessionInitFailure,
	SigSetupRollback,
	SigVolumeLocked,
}

// SignatureCodes returns every known signature code.
func SignatureCodes() []SignatureCode {
	out := make([]SignatureCode, len(signatureCodes))
	copy(out, signatureCodes)
	return out
}

// Valid reports whether the code is part of the closed enumeration.
func (c SignatureCode) Valid() bool {
	for _, known := range signatureCodes {
		if known == c {
			return true
		}
	}
	return false
}

// FailureSignature is a static catalog entry mapping an evidence pattern to a
// likely stage.
type FailureSignature struct {
	Code          SignatureCode    `json:"code" yaml:"code"`
	Stage         Stage            `json:"stage" yaml:"stage"`
	Explanation   string           `json:"explanation" yaml:"explanation"`
	Causes        []string         `json:"causes" yaml:"causes"`
	Actions       []string         `json:"actions" yaml:"actions"`
	BaseWeight    int              `json:"base_weight" yaml:"base_weight"`
	Corroboration map[Category]int `json:"corroboration,omitempty" yaml:"corroboration,omitempty"`
}

// Contribution is one evidence item that moved a signature's score.
type Contribution struct {
	Category Category `json:"category" yaml:"category"`
	Item     string   `json:"item" yaml:"item"`
	Detail   string   `json:"detail,omitempty" yaml:"detail,omitempty"`
	Weight   int      `json:"weight" yaml:"weight"`
}

// SignatureScore is the accumulated confidence of one matched signature.
type SignatureScore struct {
	Code          SignatureCode  `json:"code" yaml:"code"`
	Stage         Stage          `json:"stage" yaml:"stage"`
	Score         int            `json:"score" yaml:"score"`
	Contributions []Contribution `json:"contributions" yaml:"contributions"`
}

// StageAssessment is the classifier's verdict for one evidence set.
type StageAssessment struct {
	Stage         Stage            `json:"stage" yaml:"stage"`
	Confidence    int              `json:"confidence" yaml:"confidence"`
	Signature     SignatureCode    `json:"signature,omitempty" yaml:"signature,omitempty"`
	Explanation   string           `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	Causes        []string         `json:"causes,omitempty" yaml:"causes,omitempty"`
	Actions       []string         `json:"actions,omitempty" yaml:"actions,omitempty"`
	Contributions []Contribution   `json:"contributions" yaml:"contributions"`
	Candidates    []SignatureScore `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Inconclusive  bool             `json:"inconclusive" yaml:"inconclusive"`
	EvidenceRef   string           `json:"evidence_digest,omitempty" yaml:"evidence_digest,omitempty"`
}

// PatternCode is the closed enumeration of evidence-pattern predicates that can
// select a repair template independently of the assessed stage.
type PatternCode string

const (
	PatternDisabledBootDriver      PatternCode = "disabled-boot-driver"
	PatternMissingBootDriver       PatternCode = "missing-boot-driver"
	PatternBCDInvalid              PatternCode = "bcd-invalid"
	PatternSystemPartitionUnusable PatternCode = "system-partition-unusable"
	PatternSystemFilesMissing      PatternCode = "system-files-missing"
	PatternVolumeDirty             PatternCode = "volume-dirty"
	PatternHiveCorrupt             PatternCode = "hive-corrupt"
	PatternSetupPending            PatternCode = "setup-pending"
)

var patternCodes = []PatternCode{
	PatternDisabledBootDriver,
	PatternMissingBootDriver,
	PatternBCDInvalid,
	PatternSystemPartitionUnusable,
	PatternSystemFilesMissing,
	PatternVolumeDirty,
	PatternHiveCorrupt,
	PatternSetupPending,
}

// PatternCodes returns every known pattern code.
func PatternCodes() []PatternCode {
	out := make([]PatternCode, len(patternCodes))
	copy(out, patternCodes)
	return out
}

// Valid reports whether the code is part of the closed enumeration.
func (p PatternCode) Valid() bool {
	for _, known := range patternCodes {
		if known == p {
			return true
		}
	}
	return false
}
