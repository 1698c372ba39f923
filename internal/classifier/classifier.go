// File: internal/classifier/classifier.go
package classifier

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/catalog"
	"github.com/xkilldash9x/bootmend/internal/evidence"
)

// Bugcheck codes recognized in crash events.
const (
	bugcheckInaccessibleBootDevice uint32 = 0x7B
	bugcheckNTFSFileSystem         uint32 = 0x24
	bugcheckBadSystemConfig        uint32 = 0x74
	bugcheckUnmountableBootVolume  uint32 = 0xED
	bugcheckCriticalProcessDied    uint32 = 0xEF
	bugcheckSessionManagerFailed   uint32 = 0xC000021A
)

// match is the raw evidence a trigger found for one signature.
type match struct {
	primary      schemas.Contribution
	corroborated []schemas.Contribution
}

// Classify scores every catalog signature against the evidence set and returns
// the most likely failing stage. It is a pure function of the frozen set and
// the catalog; the set is frozen first if it is still collecting.
func Classify(set *evidence.Set, cat *catalog.Catalog) schemas.StageAssessment {
	set.Freeze()

	matches := make(map[schemas.SignatureCode]*match)
	for _, sig := range cat.Signatures {
		if m := trigger(sig.Code, set); m != nil {
			matches[sig.Code] = m
		}
	}

	scores := make([]schemas.SignatureScore, 0, len(matches))
	for _, sig := range cat.Signatures {
		m, ok := matches[sig.Code]
		if !ok {
			continue
		}
		scores = append(scores, score(sig, m, matches, cat))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Stage.Ordinal() != b.Stage.Ordinal() {
			return a.Stage.Ordinal() < b.Stage.Ordinal()
		}
		return cat.SignatureOrder(a.Code) < cat.SignatureOrder(b.Code)
	})

	out := schemas.StageAssessment{
		Stage:       schemas.StageUnknown,
		Candidates:  scores,
		EvidenceRef: set.Digest(),
	}
	if len(scores) == 0 || scores[0].Score < cat.MinConfidence {
		out.Inconclusive = true
		out.Contributions = []schemas.Contribution{}
		for _, s := range scores {
			out.Contributions = append(out.Contributions, s.Contributions...)
		}
		if len(scores) > 0 {
			out.Confidence = scores[0].Score
		}
		out.Explanation = inconclusiveExplanation(set, scores, cat.MinConfidence)
		return out
	}

	top := scores[0]
	sig, _ := cat.Signature(top.Code)
	out.Stage = top.Stage
	out.Confidence = top.Score
	out.Signature = top.Code
	out.Explanation = sig.Explanation
	out.Causes = sig.Causes
	out.Actions = sig.Actions
	out.Contributions = top.Contributions
	return out
}

func score(sig schemas.FailureSignature, m *match, all map[schemas.SignatureCode]*match, cat *catalog.Catalog) schemas.SignatureScore {
	primary := m.primary
	primary.Weight = sig.BaseWeight
	contribs := []schemas.Contribution{primary}
	total := sig.BaseWeight

	seen := map[schemas.Category]bool{primary.Category: true}
	for _, c := range m.corroborated {
		if seen[c.Category] {
			continue
		}
		seen[c.Category] = true
		bonus, ok := sig.Corroboration[c.Category]
		if !ok {
			bonus = cat.DefaultCorroborationBonus
		}
		c.Weight = bonus
		contribs = append(contribs, c)
		total += bonus
	}

	for _, other := range cat.Signatures {
		if other.Code == sig.Code || other.Stage != sig.Stage {
			continue
		}
		om, ok := all[other.Code]
		if !ok || om.primary.Category == primary.Category {
			continue
		}
		contribs = append(contribs, schemas.Contribution{
			Category: om.primary.Category,
			Item:     "stage agreement: " + string(other.Code),
			Detail:   om.primary.Item,
			Weight:   cat.StageAgreementBonus,
		})
		total += cat.StageAgreementBonus
	}

	if total > 100 {
		total = 100
	}
	return schemas.SignatureScore{Code: sig.Code, Stage: sig.Stage, Score: total, Contributions: contribs}
}

func inconclusiveExplanation(set *evidence.Set, scores []schemas.SignatureScore, floor int) string {
	var unavailable []string
	for _, c := range schemas.Categories() {
		if set.Status(c) != evidence.StatusCollected {
			unavailable = append(unavailable, string(c))
		}
	}
	msg := fmt.Sprintf("no signature reached the confidence floor of %d", floor)
	if len(scores) > 0 {
		msg += fmt.Sprintf("; best candidate %s scored %d", scores[0].Code, scores[0].Score)
	}
	if len(unavailable) > 0 {
		msg += "; evidence not collected: " + strings.Join(unavailable, ", ")
	}
	return msg
}

// trigger evaluates the evidence pattern of one signature. Every code has
// exactly one case; a code without a case is a programming error.
func trigger(code schemas.SignatureCode, set *evidence.Set) *match {
	switch code {
	case schemas.SigFirmwareNoBootEntry:
		return firmwareNoBootEntry(set)
	case schemas.SigBootManagerMissing:
		return bootManagerMissing(set)
	case schemas.SigBCDLoaderInvalid:
		return bcdLoaderInvalid(set)
	case schemas.SigLoaderFilesMissing:
		return loaderFilesMissing(set)
	case schemas.SigKernelCriticalMissing:
		return kernelCriticalMissing(set)
	case schemas.SigFilesystemDirty:
		return filesystemDirty(set)
	case schemas.SigInaccessibleBootDevice:
		return inaccessibleBootDevice(set)
	case schemas.SigBootDriverDisabled:
		return bootDriverDisabled(set)
	case schemas.SigBootDriverMissing:
		return bootDriverMissing(set)
	case schemas.SigDriverLoadStall:
		return driverLoadStall(set)
	case schemas.SigDriverInstallFailed:
		return driverInstallFailed(set)
	case schemas.SigSessionInitFailure:
		return sessionInitFailure(set)
	case schemas.SigSetupRollback:
		return setupRollback(set)
	case schemas.SigVolumeLocked:
		return volumeLocked(set)
	default:
		panic(fmt.Sprintf("classifier: no trigger for signature %q", code))
	}
}

func contribution(cat schemas.Category, item, detail string) schemas.Contribution {
	return schemas.Contribution{Category: cat, Item: item, Detail: detail}
}

func hasBugCheck(set *evidence.Set, codes ...uint32) (uint32, bool) {
	ev := set.EventLog()
	if ev == nil {
		return 0, false
	}
	for _, bc := range ev.BugChecks() {
		for _, want := range codes {
			if bc == want {
				return bc, true
			}
		}
	}
	return 0, false
}

func missingFiles(set *evidence.Set, roles ...string) []evidence.FileFact {
	sf := set.SystemFiles()
	if sf == nil {
		return nil
	}
	var out []evidence.FileFact
	for _, role := range roles {
		if sf.Missing(role) {
			f, _ := sf.File(role)
			out = append(out, f)
		}
	}
	return out
}

func firmwareNoBootEntry(set *evidence.Set) *match {
	bc := set.BootConfig()
	if bc == nil || !bc.FirmwareKnown || bc.HasFirmwareEntry {
		return nil
	}
	m := &match{primary: contribution(schemas.CategoryBootConfig, "no firmware entry for the boot manager",
		fmt.Sprintf("firmware order: %s", strings.Join(bc.FirmwareOrder, ", ")))}
	if missing := missingFiles(set, evidence.RoleBootManager); len(missing) > 0 {
		m.corroborated = append(m.corroborated, contribution(schemas.CategorySystemFiles, "boot manager absent", missing[0].Path))
	}
	return m
}

func bootManagerMissing(set *evidence.Set) *match {
	missing := missingFiles(set, evidence.RoleBootManager)
	if len(missing) == 0 {
		return nil
	}
	m := &match{primary: contribution(schemas.CategorySystemFiles, "boot manager absent", missing[0].Path)}
	if bc := set.BootConfig(); bc != nil && !bc.SystemPartitionPresent {
		m.corroborated = append(m.corroborated, contribution(schemas.CategoryBootConfig, "system partition not found", bc.SystemPartition))
	} else if set.Status(schemas.CategoryBootConfig) == evidence.StatusUnavailable {
		m.corroborated = append(m.corroborated, contribution(schemas.CategoryBootConfig, "boot store unreadable",
			set.Availability(schemas.CategoryBootConfig).Reason))
	}
	return m
}

func bcdLoaderInvalid(set *evidence.Set) *match {
	bc := set.BootConfig()
	if bc == nil || bc.DefaultLoaderValid() {
		return nil
	}
	item := "default entry missing"
	detail := bc.DefaultLoader
	if e, ok := bc.Entry(bc.DefaultLoader); ok {
		switch {
		case !e.DeviceExists:
			item = "default entry device does not exist"
			detail = e.Device
		default:
			item = "default entry loader path does not exist"
			detail = e.Path
		}
	}
	m := &match{primary: contribution(schemas.CategoryBootConfig, item, detail)}
	if sf := set.SystemFiles(); sf != nil {
		if f, ok := sf.File(evidence.RoleLoader); ok && f.Present {
			m.corroborated = append(m.corroborated, contribution(schemas.CategorySystemFiles, "loader present on OS volume", f.Path))
		}
	}
	if ev := set.EventLog(); ev != nil {
		for _, e := range ev.Events {
			if e.ID == 41 {
				m.corroborated = append(m.corroborated, contribution(schemas.CategoryEventLog, "unexpected restart recorded", e.Time.String()))
				break
			}
		}
	}
	return m
}

func loaderFilesMissing(set *evidence.Set) *match {
	missing := missingFiles(set, evidence.RoleLoader)
	if len(missing) == 0 {
		return nil
	}
	m := &match{primary: contribution(schemas.CategorySystemFiles, "OS loader absent", missing[0].Path)}
	if bc := set.BootConfig(); bc != nil {
		if e, ok := bc.Entry(bc.DefaultLoader); ok && e.DeviceExists && !e.PathExists {
			m.corroborated = append(m.corroborated, contribution(schemas.CategoryBootConfig, "default entry loader path does not exist", e.Path))
		}
	}
	return m
}

func kernelCriticalMissing(set *evidence.Set) *match {
	sf := set.SystemFiles()
	if sf == nil {
		return nil
	}
	var m *match
	if missing := missingFiles(set, evidence.RoleKernel, evidence.RoleHAL, evidence.RoleSystemHive); len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, f := range missing {
			names = append(names, f.Path)
		}
		m = &match{primary: contribution(schemas.CategorySystemFiles, "kernel-critical files absent", strings.Join(names, ", "))}
	} else if sf.HiveChecked && !sf.HiveLoadable {
		m = &match{primary: contribution(schemas.CategorySystemFiles, "SYSTEM hive cannot be loaded", "")}
	} else {
		return nil
	}
	if bc, ok := hasBugCheck(set, bugcheckBadSystemConfig, bugcheckUnmountableBootVolume); ok {
		m.corroborated = append(m.corroborated, contribution(schemas.CategoryEventLog, fmt.Sprintf("bugcheck 0x%X", bc), ""))
	}
	if v := set.Volume(); v != nil && v.DirtyKnown && v.Dirty {
		m.corroborated = append(m.corroborated, contribution(schemas.CategoryVolumeState, "volume marked dirty", v.Volume))
	}
	return m
}

func filesystemDirty(set *evidence.Set) *match {
	v := set.Volume()
	if v == nil || !v.DirtyKnown || !v.Dirty {
		return nil
	}
	m := &match{primary: contribution(schemas.CategoryVolumeState, "volume marked dirty", v.Volume)}
	if bc, ok := hasBugCheck(set, bugcheckNTFSFileSystem, bugcheckUnmountableBootVolume); ok {
		m.corroborated = append(m.corroborated, contribution(schemas.CategoryEventLog, fmt.Sprintf("bugcheck 0x%X", bc), ""))
	}
	if sf := set.SystemFiles(); sf != nil && sf.HiveChecked && !sf.HiveLoadable {
		m.corroborated = append(m.corroborated, contribution(schemas.CategorySystemFiles, "SYSTEM hive cannot be loaded", ""))
	}
	return m
}

func requirementsWith(set *evidence.Set, state schemas.DriverState) []schemas.HardwareRequirement {
	var out []schemas.HardwareRequirement
	for _, r := range set.Requirements() {
		if r.DriverState == state {
			out = append(out, r)
		}
	}
	return out
}

func inaccessibleBootDevice(set *evidence.Set) *match {
	bc, ok := hasBugCheck(set, bugcheckInaccessibleBootDevice)
	if !ok {
		return nil
	}
	m := &match{primary: contribution(schemas.CategoryEventLog, fmt.Sprintf("bugcheck 0x%X", bc), "INACCESSIBLE_BOOT_DEVICE")}
	if ds := set.DriverState(); ds != nil {
		for _, r := range set.Requirements() {
			if r.Service == "" {
				continue
			}
			if svc, found := ds.Service(r.Service); found && !svc.Enabled() {
				m.corroborated = append(m.corroborated, contribution(schemas.CategoryDriverState,
					"boot-critical service not enabled", fmt.Sprintf("%s start=%d", svc.Name, svc.Start)))
				break
			}
		}
	}
	for _, r := range set.Requirements() {
		if !r.Enabled() {
			m.corroborated = append(m.corroborated, contribution(schemas.CategoryHardwareIDs,
				"boot-critical device without enabled driver", r.PrimaryID()))
			break
		}
	}
	return m
}

func bootDriverDisabled(set *evidence.Set) *match {
	disabled := requirementsWith(set, schemas.DriverDisabled)
	if len(disabled) == 0 {
		return nil
	}
	req := disabled[0]
	hwItem := contribution(schemas.CategoryHardwareIDs, "device requires disabled driver",
		fmt.Sprintf("%s requires %s", req.PrimaryID(), req.Service))

	var m *match
	if ds := set.DriverState(); ds != nil {
		if svc, ok := ds.Service(req.Service); ok && !svc.Enabled() {
			detail := fmt.Sprintf("%s start=%d", svc.Name, svc.Start)
			if svc.StartOverride {
				detail += " with StartOverride"
			}
			m = &match{primary: contribution(schemas.CategoryDriverState, "boot-critical service disabled", detail)}
			m.corroborated = append(m.corroborated, hwItem)
		}
	}
	if m == nil {
		m = &match{primary: hwItem}
	}
	if bl := set.BootLog(); bl != nil && notLoaded(bl, req.Service) {
		m.corroborated = append(m.corroborated, contribution(schemas.CategoryBootLog, "driver did not load", req.Service))
	}
	if bc, ok := hasBugCheck(set, bugcheckInaccessibleBootDevice); ok {
		m.corroborated = append(m.corroborated, contribution(schemas.CategoryEventLog, fmt.Sprintf("bugcheck 0x%X", bc), "INACCESSIBLE_BOOT_DEVICE"))
	}
	return m
}

func bootDriverMissing(set *evidence.Set) *match {
	missing := requirementsWith(set, schemas.DriverMissing)
	if len(missing) == 0 {
		return nil
	}
	req := missing[0]
	hwItem := contribution(schemas.CategoryHardwareIDs, "device has no installed driver", req.PrimaryID())

	var m *match
	if set.DriverState() != nil {
		m = &match{primary: contribution(schemas.CategoryDriverState, "no service installed for boot-critical device", req.PrimaryID())}
		m.corroborated = append(m.corroborated, hwItem)
	} else {
		m = &match{primary: hwItem}
	}
	if bl := set.BootLog(); bl != nil && len(bl.NotLoaded) > 0 {
		m.corroborated = append(m.corroborated, contribution(schemas.CategoryBootLog, "drivers did not load", strings.Join(bl.NotLoaded, ", ")))
	}
	if di := set.DeviceInstall(); di != nil {
		for _, f := range di.Failures {
			if deviceMatches(req, f.DeviceID) {
				m.corroborated = append(m.corroborated, contribution(schemas.CategoryDeviceInstallLog, "device install failed", f.DeviceID+": "+f.Status))
				break
			}
		}
	}
	return m
}

func driverLoadStall(set *evidence.Set) *match {
	bl := set.BootLog()
	ds := set.DriverState()
	if bl == nil || ds == nil {
		return nil
	}
	for _, entry := range bl.NotLoaded {
		svc, ok := ds.Service(driverName(entry))
		if !ok {
			continue
		}
		m := &match{primary: contribution(schemas.CategoryBootLog, "boot-critical driver did not load", entry)}
		if !svc.ImagePresent || !svc.Enabled() {
			m.corroborated = append(m.corroborated, contribution(schemas.CategoryDriverState, "service image or start type unusable",
				fmt.Sprintf("%s start=%d image_present=%t", svc.Name, svc.Start, svc.ImagePresent)))
		}
		return m
	}
	return nil
}

func driverInstallFailed(set *evidence.Set) *match {
	di := set.DeviceInstall()
	if di == nil || len(di.Failures) == 0 {
		return nil
	}
	f := di.Failures[0]
	m := &match{primary: contribution(schemas.CategoryDeviceInstallLog, "device install failed", f.DeviceID+": "+f.Status)}
	for _, fail := range di.Failures {
		for _, r := range set.Requirements() {
			if deviceMatches(r, fail.DeviceID) {
				m.corroborated = append(m.corroborated, contribution(schemas.CategoryHardwareIDs, "failed device is boot-critical", r.PrimaryID()))
				return m
			}
		}
	}
	return m
}

func sessionInitFailure(set *evidence.Set) *match {
	bc, ok := hasBugCheck(set, bugcheckSessionManagerFailed, bugcheckCriticalProcessDied)
	if !ok {
		return nil
	}
	m := &match{primary: contribution(schemas.CategoryEventLog, fmt.Sprintf("bugcheck 0x%X", bc), "critical process terminated")}
	if missing := missingFiles(set, evidence.RoleKernel, evidence.RoleHAL, evidence.RoleLoader); len(missing) > 0 {
		m.corroborated = append(m.corroborated, contribution(schemas.CategorySystemFiles, "system files absent", missing[0].Path))
	}
	return m
}

func setupRollback(set *evidence.Set) *match {
	sl := set.SetupLog()
	if sl == nil || (!sl.RollbackDetected && !sl.PendingActions) {
		return nil
	}
	item := "setup engine rolled back"
	if !sl.RollbackDetected {
		item = "pending servicing actions"
	}
	detail := ""
	if len(sl.Errors) > 0 {
		detail = sl.Errors[0]
	}
	m := &match{primary: contribution(schemas.CategorySetupLog, item, detail)}
	if sf := set.SystemFiles(); sf != nil {
		if f, ok := sf.File(evidence.RolePendingXML); ok && f.Present {
			m.corroborated = append(m.corroborated, contribution(schemas.CategorySystemFiles, "pending.xml present", f.Path))
		}
	}
	if ev := set.EventLog(); ev != nil {
		for _, e := range ev.Events {
			if e.ID == 41 || e.ID == 6008 {
				m.corroborated = append(m.corroborated, contribution(schemas.CategoryEventLog, "unexpected restart recorded", e.Time.String()))
				break
			}
		}
	}
	return m
}

func volumeLocked(set *evidence.Set) *match {
	v := set.Volume()
	if v == nil || !v.Locked {
		return nil
	}
	return &match{primary: contribution(schemas.CategoryVolumeState, "volume locked", v.Volume+" "+v.Protection)}
}

func notLoaded(bl *evidence.BootLogSection, service string) bool {
	if service == "" {
		return false
	}
	for _, entry := range bl.NotLoaded {
		if strings.EqualFold(driverName(entry), service) {
			return true
		}
	}
	return false
}

// driverName reduces a boot log path such as \SystemRoot\System32\drivers\iaStorVD.sys
// to its service-style name.
func driverName(entry string) string {
	base := filepath.Base(strings.ReplaceAll(entry, `\`, "/"))
	return strings.TrimSuffix(strings.TrimSuffix(base, ".sys"), ".SYS")
}

func deviceMatches(r schemas.HardwareRequirement, deviceID string) bool {
	id := strings.ToUpper(deviceID)
	if strings.HasPrefix(id, strings.ToUpper(r.DeviceID)) && r.DeviceID != "" {
		return true
	}
	for _, h := range r.HardwareIDs {
		if h != "" && strings.HasPrefix(id, strings.ToUpper(h)) {
			return true
		}
	}
	return false
}
