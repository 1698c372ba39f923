// File: internal/drivers/match.go
package drivers

import (
	"regexp"
	"sort"
	"strings"

	"github.com/xkilldash9x/bootmend/api/schemas"
)

// Scores assigned to each match type. Compatible matches earn a small bonus
// per identifier token so that more specific compatible IDs rank higher.
const (
	ScoreExact          = 100
	ScorePartial        = 80
	ScoreCompatibleBase = 60
	compatibleTokenStep = 5
	compatibleTokenCap  = 4
)

var venDev = regexp.MustCompile(`(?i)VEN_([0-9A-F]{4})&DEV_([0-9A-F]{4})`)

// SignatureVerifier decides whether a manifest's package is signed.
type SignatureVerifier interface {
	Verify(m *Manifest) bool
}

// CatalogVerifier treats a package as signed when its declared security
// catalog ships alongside the manifest.
type CatalogVerifier struct{}

// Verify implements SignatureVerifier.
func (CatalogVerifier) Verify(m *Manifest) bool { return m.CatalogPresent() }

// Rank scores every manifest against one requirement and returns the
// candidates that matched at all, best first. Ordering is score, then signed
// before unsigned, then match precision, then manifest path.
func Rank(req schemas.HardwareRequirement, manifests []*Manifest, verifier SignatureVerifier) []schemas.DriverCandidate {
	var out []schemas.DriverCandidate
	for _, m := range manifests {
		cand, ok := bestMatch(req, m)
		if !ok {
			continue
		}
		cand.SignatureValid = verifier != nil && verifier.Verify(m)
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SignatureValid != b.SignatureValid {
			return a.SignatureValid
		}
		if a.MatchType.Rank() != b.MatchType.Rank() {
			return a.MatchType.Rank() < b.MatchType.Rank()
		}
		return strings.ToLower(a.ManifestPath) < strings.ToLower(b.ManifestPath)
	})
	return out
}

func bestMatch(req schemas.HardwareRequirement, m *Manifest) (schemas.DriverCandidate, bool) {
	var (
		best      schemas.DriverCandidate
		bestModel Model
		found     bool
	)
	consider := func(model Model, id string, mt schemas.MatchType, score int) {
		if found && score <= best.Score {
			return
		}
		found = true
		bestModel = model
		best = schemas.DriverCandidate{MatchedID: id, MatchType: mt, Score: score}
	}

	for _, model := range m.Models {
		ids := append([]string{model.HardwareID}, model.CompatibleIDs...)
		for _, id := range ids {
			if containsFold(req.HardwareIDs, id) || strings.EqualFold(req.DeviceID, id) {
				consider(model, id, schemas.MatchExact, ScoreExact)
				continue
			}
			if sameVenDev(req, id) {
				consider(model, id, schemas.MatchPartial, ScorePartial)
				continue
			}
			if containsFold(req.CompatibleIDs, id) {
				consider(model, id, schemas.MatchCompatible, compatibleScore(id))
			}
		}
	}
	if !found {
		return schemas.DriverCandidate{}, false
	}

	var hwids, compat []string
	for _, model := range m.Models {
		hwids = appendUnique(hwids, model.HardwareID)
		for _, c := range model.CompatibleIDs {
			compat = appendUnique(compat, c)
		}
	}
	best.ManifestPath = m.Path
	best.Provider = m.Provider
	best.Class = m.Class
	best.Version = m.Version
	best.Service = m.Service(bestModel.Install)
	best.HardwareIDs = hwids
	best.CompatibleIDs = compat
	return best, true
}

func sameVenDev(req schemas.HardwareRequirement, id string) bool {
	got := venDev.FindStringSubmatch(id)
	if got == nil {
		return false
	}
	for _, h := range append([]string{req.DeviceID}, req.HardwareIDs...) {
		want := venDev.FindStringSubmatch(h)
		if want != nil && strings.EqualFold(want[1], got[1]) && strings.EqualFold(want[2], got[2]) {
			return true
		}
	}
	return false
}

// compatibleScore rewards compatible IDs with more '&'-separated qualifiers,
// e.g. PCI\VEN_8086&CC_0104 over PCI\CC_0104.
func compatibleScore(id string) int {
	_, rest, ok := strings.Cut(id, `\`)
	if !ok {
		rest = id
	}
	tokens := len(strings.Split(rest, "&"))
	extra := tokens - 1
	if extra > compatibleTokenCap {
		extra = compatibleTokenCap
	}
	return ScoreCompatibleBase + extra*compatibleTokenStep
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if s == "" || containsFold(list, s) {
		return list
	}
	return append(list, s)
}
