// File: internal/planner/planner.go
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/catalog"
	"github.com/xkilldash9x/bootmend/internal/drivers"
	"github.com/xkilldash9x/bootmend/internal/evidence"
)

// BlockedStepID is the ID of the only step in a plan for a locked volume.
const BlockedStepID = "blocked-unlock-required"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Planner turns an assessment and its evidence into an ordered repair plan.
// It performs no I/O and holds no state between calls, so the same inputs
// always produce the same plan.
type Planner struct {
	cat           *catalog.Catalog
	allowUnsigned bool
}

// New creates a planner over a loaded catalog.
func New(cat *catalog.Catalog, allowUnsigned bool) *Planner {
	return &Planner{cat: cat, allowUnsigned: allowUnsigned}
}

// Plan selects, binds, merges and orders repair steps.
func (p *Planner) Plan(assessment schemas.StageAssessment, set *evidence.Set, matches Matches) schemas.RepairPlan {
	target := set.Target()
	plan := schemas.RepairPlan{
		TargetID:  target.ID,
		Stage:     assessment.Stage,
		Steps:     []schemas.RepairStep{},
		Templates: []string{},
	}

	if volumeLocked(set) {
		plan.Blocked = true
		plan.Steps = append(plan.Steps, schemas.RepairStep{
			ID:          BlockedStepID,
			Description: fmt.Sprintf("Volume %s is locked; unlock it before any repair", target.Volume),
			Operation:   schemas.OpBlocked,
			Params:      map[string]string{"volume": target.Volume},
			Post:        []schemas.Condition{{Code: schemas.CondVolumeUnlocked}},
			Tier:        1,
			Timeout:     schemas.TimeoutShort,
			Blocked:     true,
		})
		plan.Digest = digest(plan.Steps)
		return plan
	}

	base := targetParams(set)
	var steps []schemas.RepairStep
	for _, tpl := range p.cat.Templates {
		if !p.selected(tpl, assessment, set) {
			continue
		}
		plan.Templates = append(plan.Templates, tpl.ID)
		for _, bp := range tpl.Steps {
			insts := p.instances(bp, set, matches)
			if len(insts) == 0 {
				plan.Notes = append(plan.Notes, fmt.Sprintf("%s has nothing to bind: %s", bp.Ref(), p.unboundReason(bp, set)))
			}
			for _, inst := range insts {
				params := mergeParams(base, inst)
				step, err := bind(bp, params, 1)
				if err != nil {
					plan.Notes = append(plan.Notes, fmt.Sprintf("%s skipped: %v", bp.Ref(), err))
					continue
				}
				steps = append(steps, step)
			}
		}
	}

	steps, merged := dedupe(steps)
	plan.Notes = append(plan.Notes, merged...)
	plan.Steps = p.order(steps, set)
	plan.Digest = digest(plan.Steps)
	return plan
}

func (p *Planner) selected(tpl *catalog.Template, a schemas.StageAssessment, set *evidence.Set) bool {
	if a.Stage != schemas.StageUnknown && tpl.HasStage(a.Stage) {
		return true
	}
	for _, pat := range tpl.Patterns {
		if patternHolds(pat, set) {
			return true
		}
	}
	return false
}

func volumeLocked(set *evidence.Set) bool {
	if set.Target().Locked {
		return true
	}
	v := set.Volume()
	return v != nil && v.Locked
}

// targetParams are the placeholders every blueprint can use.
func targetParams(set *evidence.Set) map[string]string {
	t := set.Target()
	params := map[string]string{
		"os_root": t.Root,
		"windows": t.WindowsDir,
		"volume":  t.Volume,
	}
	if t.WindowsDir != "" {
		params["system_hive"] = filepath.Join(t.WindowsDir, "System32", "config", "SYSTEM")
	}
	if inst := set.Installation(); inst != nil && inst.ControlSet > 0 {
		params["control_set"] = fmt.Sprintf("ControlSet%03d", inst.ControlSet)
	}
	if bc := set.BootConfig(); bc != nil && bc.SystemPartition != "" {
		params["system_partition"] = bc.SystemPartition
	}
	return params
}

// instances yields the per-instance parameters of a blueprint.
func (p *Planner) instances(bp *catalog.Blueprint, set *evidence.Set, matches Matches) []map[string]string {
	switch bp.Bind {
	case catalog.BindNone:
		return []map[string]string{{}}
	case catalog.BindDisabledRequirements:
		var out []map[string]string
		seen := map[string]bool{}
		for _, r := range set.Requirements() {
			if r.DriverState != schemas.DriverDisabled || r.Service == "" || seen[strings.ToLower(r.Service)] {
				continue
			}
			seen[strings.ToLower(r.Service)] = true
			inst := map[string]string{"service": r.Service, "hardware_id": r.PrimaryID()}
			// A package for the same device lets the fallback reinstall it.
			if c, ok := drivers.Best(matches[r.DeviceID], p.allowUnsigned); ok {
				inst["inf"] = c.ManifestPath
				inst["hardware_id"] = c.MatchedID
			}
			out = append(out, inst)
		}
		return out
	case catalog.BindMissingRequirements:
		var out []map[string]string
		for _, r := range set.Requirements() {
			if r.DriverState != schemas.DriverMissing {
				continue
			}
			c, ok := drivers.Best(matches[r.DeviceID], p.allowUnsigned)
			if !ok || c.Service == "" {
				continue
			}
			out = append(out, map[string]string{"service": c.Service, "hardware_id": c.MatchedID, "inf": c.ManifestPath})
		}
		return out
	default:
		panic(fmt.Sprintf("planner: unhandled bind mode %q", bp.Bind))
	}
}

func (p *Planner) unboundReason(bp *catalog.Blueprint, set *evidence.Set) string {
	if bp.Bind == catalog.BindMissingRequirements {
		for _, r := range set.Requirements() {
			if r.DriverState == schemas.DriverMissing {
				return "no usable driver package found for " + r.PrimaryID()
			}
		}
		return "no device is missing a driver"
	}
	return "no disabled boot-critical driver"
}

func mergeParams(base, inst map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(inst))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range inst {
		out[k] = v
	}
	return out
}

// bind instantiates a blueprint and, recursively, its fallback chain. A
// fallback that cannot be bound is dropped; the primary still stands.
func bind(bp *catalog.Blueprint, params map[string]string, tier int) (schemas.RepairStep, error) {
	step := schemas.RepairStep{
		TemplateID:      bp.TemplateID,
		BlueprintID:     bp.ID,
		Operation:       bp.Operation,
		Destructiveness: bp.Destructiveness,
		Tier:            tier,
		Timeout:         bp.Timeout,
		RetryPrimary:    bp.RetryPrimary,
		Params:          map[string]string{},
	}
	var err error
	if step.Description, err = expand(bp.Description, params); err != nil {
		return step, err
	}
	for _, key := range bp.Operation.ParamKeys() {
		if tplArg, ok := bp.Args[key]; ok {
			if step.Params[key], err = expand(tplArg, params); err != nil {
				return step, err
			}
			continue
		}
		v, ok := params[key]
		if !ok || v == "" {
			return step, fmt.Errorf("parameter %q is not known for this target", key)
		}
		step.Params[key] = v
	}
	if hw := params["hardware_id"]; hw != "" {
		step.Params["hardware_id"] = hw
	}
	if step.Pre, err = expandConditions(bp.Pre, params); err != nil {
		return step, err
	}
	if step.Post, err = expandConditions(bp.Post, params); err != nil {
		return step, err
	}
	for _, cp := range bp.Checkpoint {
		path, err := expand(cp.Path, params)
		if err != nil {
			return step, err
		}
		step.Checkpoint = append(step.Checkpoint, schemas.CheckpointTarget{Kind: cp.Kind, Path: path})
	}
	step.ID = stepID(bp, params)

	if bp.Fallback != nil {
		fb, err := bind(bp.Fallback, params, tier+1)
		if err == nil {
			step.Fallback = &fb
		}
	}
	return step, nil
}

// stepID is stable across runs: the blueprint reference plus the instance
// subject when the blueprint binds per requirement.
func stepID(bp *catalog.Blueprint, params map[string]string) string {
	if bp.Bind == catalog.BindNone {
		return bp.Ref()
	}
	subject := params["service"]
	if subject == "" {
		subject = params["hardware_id"]
	}
	return bp.Ref() + "[" + subject + "]"
}

func expand(s string, params map[string]string) (string, error) {
	var missing []string
	out := s
	for _, name := range catalog.Placeholders(s) {
		v, ok := params[name]
		if !ok || v == "" {
			missing = append(missing, name)
			continue
		}
		out = strings.ReplaceAll(out, "{"+name+"}", v)
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("unbound placeholder(s) %s in %q", strings.Join(missing, ", "), s)
	}
	return out, nil
}

func expandConditions(in []schemas.Condition, params map[string]string) ([]schemas.Condition, error) {
	out := make([]schemas.Condition, 0, len(in))
	for _, c := range in {
		arg, err := expand(c.Arg, params)
		if err != nil {
			return nil, err
		}
		out = append(out, schemas.Condition{Code: c.Code, Arg: arg})
	}
	return out, nil
}

// dedupe merges steps with the same effect. The first occurrence, in template
// order, survives with the union of both condition sets and the lower tier.
func dedupe(steps []schemas.RepairStep) ([]schemas.RepairStep, []string) {
	var out []schemas.RepairStep
	var notes []string
	index := map[string]int{}
	for _, s := range steps {
		key := s.EffectKey()
		i, dup := index[key]
		if !dup {
			index[key] = len(out)
			out = append(out, s)
			continue
		}
		kept := &out[i]
		kept.Pre = unionConditions(kept.Pre, s.Pre)
		kept.Post = unionConditions(kept.Post, s.Post)
		if s.Tier < kept.Tier {
			kept.Tier = s.Tier
		}
		if kept.Fallback == nil && s.Fallback != nil {
			kept.Fallback = s.Fallback
			kept.RetryPrimary = s.RetryPrimary
		}
		notes = append(notes, fmt.Sprintf("%s merged into %s (same effect)", s.ID, kept.ID))
	}
	return out, notes
}

func unionConditions(a, b []schemas.Condition) []schemas.Condition {
	seen := map[string]bool{}
	out := make([]schemas.Condition, 0, len(a)+len(b))
	for _, c := range append(append([]schemas.Condition{}, a...), b...) {
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		out = append(out, c)
	}
	return out
}

// less is the ready-set priority: least destructive first, then tier, then
// catalog order of the template, then step ID.
func (p *Planner) less(a, b schemas.RepairStep) bool {
	if a.Destructiveness != b.Destructiveness {
		return a.Destructiveness < b.Destructiveness
	}
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	ta, tb := p.cat.TemplateOrder(a.TemplateID), p.cat.TemplateOrder(b.TemplateID)
	if ta != tb {
		return ta < tb
	}
	return a.ID < b.ID
}

// order is Kahn's algorithm over "a's postcondition is b's unmet
// precondition" edges. When only cyclic nodes remain, the highest-priority
// one is released regardless of in-degree.
func (p *Planner) order(steps []schemas.RepairStep, set *evidence.Set) []schemas.RepairStep {
	n := len(steps)
	indegree := make([]int, n)
	edges := make([][]int, n)
	for b := range steps {
		for _, pre := range steps[b].Pre {
			if holdsInEvidence(pre, set) {
				continue
			}
			for a := range steps {
				if a != b && producesCondition(steps[a], pre) {
					edges[a] = append(edges[a], b)
					indegree[b]++
				}
			}
		}
	}

	done := make([]bool, n)
	out := make([]schemas.RepairStep, 0, n)
	for len(out) < n {
		pick := -1
		for i := range steps {
			if done[i] || indegree[i] > 0 {
				continue
			}
			if pick < 0 || p.less(steps[i], steps[pick]) {
				pick = i
			}
		}
		if pick < 0 {
			for i := range steps {
				if !done[i] && (pick < 0 || p.less(steps[i], steps[pick])) {
					pick = i
				}
			}
		}
		done[pick] = true
		out = append(out, steps[pick])
		for _, b := range edges[pick] {
			indegree[b]--
		}
	}
	return out
}

func producesCondition(s schemas.RepairStep, c schemas.Condition) bool {
	for _, post := range s.Post {
		if post.Key() == c.Key() {
			return true
		}
	}
	return false
}

func digest(steps []schemas.RepairStep) string {
	b, err := json.Marshal(steps)
	if err != nil {
		// RepairStep holds only strings, ints and slices of them.
		panic(fmt.Sprintf("planner: digest: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StepByID finds a primary step or fallback anywhere in the plan.
func StepByID(plan schemas.RepairPlan, id string) (schemas.RepairStep, bool) {
	for _, s := range plan.Steps {
		for cur := &s; cur != nil; cur = cur.Fallback {
			if cur.ID == id {
				return *cur, true
			}
		}
	}
	return schemas.RepairStep{}, false
}

// Eligible lists, in catalog order, every template keyed by the assessed
// stage, by the stage of any other scored candidate, or by a holding pattern.
// The report draws suggested alternatives from it.
func (p *Planner) Eligible(assessment schemas.StageAssessment, set *evidence.Set) []string {
	stages := map[schemas.Stage]bool{assessment.Stage: true}
	for _, c := range assessment.Candidates {
		stages[c.Stage] = true
	}
	var out []string
	for _, tpl := range p.cat.Templates {
		keyed := p.selected(tpl, assessment, set)
		for _, st := range tpl.Stages {
			keyed = keyed || stages[st]
		}
		if keyed {
			out = append(out, tpl.ID)
		}
	}
	return out
}
