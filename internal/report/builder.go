// File: internal/report/builder.go
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/catalog"
	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/executor"
)

// Input is everything a session produced. Run is nil when nothing was
// executed.
type Input struct {
	SessionID  string
	Set        *evidence.Set
	Assessment schemas.StageAssessment
	Plan       schemas.RepairPlan
	Run        *executor.Run
	Catalog    *catalog.Catalog
	// Eligible lists templates the catalog would accept for this
	// diagnosis, in catalog order.
	Eligible []string
	Matches  map[string][]schemas.DriverCandidate
	Now      time.Time
}

// Build aggregates a session into its report. It performs no I/O.
func Build(in Input) schemas.RepairReport {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	r := schemas.RepairReport{
		SessionID:      in.SessionID,
		Target:         in.Set.Target(),
		GeneratedAt:    now.UTC(),
		EvidenceDigest: in.Set.Digest(),
		Unavailable:    unavailable(in.Set),
		Assessment:     in.Assessment,
		Drivers:        driverMatches(in.Set, in.Matches),
		Plan:           in.Plan,
		Results:        []schemas.StepResult{},
		StillWrong:     []schemas.StillWrong{},
		Alternatives:   []schemas.Alternative{},
	}
	if r.Plan.SessionID == "" {
		r.Plan.SessionID = in.SessionID
	}
	if in.Run != nil {
		r.Results = append(r.Results, in.Run.Results...)
		r.Abort = in.Run.Abort
	}
	r.Outcome = outcome(in.Plan, in.Run)
	r.StillWrong = stillWrong(in.Set, in.Plan, r.Results)
	r.Alternatives = alternatives(in, r.Results)
	return r
}

func unavailable(set *evidence.Set) []schemas.UnavailableEvidence {
	var out []schemas.UnavailableEvidence
	for _, cat := range schemas.Categories() {
		a := set.Availability(cat)
		if a.Status == evidence.StatusUnavailable {
			out = append(out, schemas.UnavailableEvidence{Category: cat, Reason: a.Reason})
		}
	}
	return out
}

func driverMatches(set *evidence.Set, matches map[string][]schemas.DriverCandidate) []schemas.DriverMatch {
	var out []schemas.DriverMatch
	for _, req := range set.Requirements() {
		if req.Enabled() && len(matches[req.DeviceID]) == 0 {
			continue
		}
		out = append(out, schemas.DriverMatch{
			DeviceID:    req.DeviceID,
			DriverState: req.DriverState,
			Candidates:  append([]schemas.DriverCandidate{}, matches[req.DeviceID]...),
		})
	}
	return out
}

// chainIDs lists the step and its fallback tiers.
func chainIDs(s schemas.RepairStep) map[string]bool {
	ids := map[string]bool{}
	for cur := &s; cur != nil; cur = cur.Fallback {
		ids[cur.ID] = true
	}
	return ids
}

// achieved reports whether the last attempt in a step's chain left its goal
// verified, and returns that attempt.
func achieved(s schemas.RepairStep, results []schemas.StepResult) (bool, *schemas.StepResult) {
	ids := chainIDs(s)
	var last *schemas.StepResult
	for i := range results {
		if ids[results[i].StepID] {
			last = &results[i]
		}
	}
	return last != nil && last.Succeeded(), last
}

func outcome(plan schemas.RepairPlan, run *executor.Run) schemas.Outcome {
	if run == nil || len(plan.Steps) == 0 {
		return schemas.OutcomeDiagnosedOnly
	}
	if run.Abort != nil {
		switch run.Abort.Kind {
		case schemas.KindCancelled:
			return schemas.OutcomeCancelled
		case schemas.KindBlocked:
			return schemas.OutcomeBlocked
		}
	}
	done := 0
	for _, s := range plan.Steps {
		if ok, _ := achieved(s, run.Results); ok {
			done++
		}
	}
	switch {
	case done == len(plan.Steps) && run.Abort == nil:
		return schemas.OutcomeRepaired
	case done > 0:
		return schemas.OutcomePartiallyRepaired
	default:
		return schemas.OutcomeNotRepaired
	}
}

func stillWrong(set *evidence.Set, plan schemas.RepairPlan, results []schemas.StepResult) []schemas.StillWrong {
	verified := map[string]bool{}
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, c := range r.Verified {
			verified[c.Key()] = true
		}
	}

	out := []schemas.StillWrong{}
	seen := map[string]bool{}
	add := func(item, detail string) {
		if seen[strings.ToLower(item)] {
			return
		}
		seen[strings.ToLower(item)] = true
		out = append(out, schemas.StillWrong{Item: item, Detail: detail})
	}

	for _, req := range set.Requirements() {
		if req.Enabled() {
			continue
		}
		enabled := schemas.Condition{Code: schemas.CondDriverEnabled, Arg: req.Service}
		if req.Service != "" && verified[enabled.Key()] {
			continue
		}
		name := req.Service
		if name == "" {
			name = "no driver"
		}
		add(fmt.Sprintf("device %s", req.DeviceID), fmt.Sprintf("%s is %s", name, req.DriverState))
	}

	for _, s := range plan.Steps {
		ok, last := achieved(s, results)
		if ok {
			continue
		}
		detail := "step " + s.ID + " was not attempted"
		if last != nil {
			detail = fmt.Sprintf("step %s failed (%s): %s", last.StepID, last.Failure, last.Reason)
		}
		for _, c := range s.Post {
			if verified[c.Key()] {
				continue
			}
			add(c.String(), detail)
		}
		if len(s.Post) == 0 && s.Blocked {
			add(s.ID, s.Description)
		}
	}
	return out
}

// alternatives suggests eligible templates that were not executed. A template
// built on an operation that already failed in this session is not offered,
// and a blocked plan is offered nothing that would modify the target.
func alternatives(in Input, results []schemas.StepResult) []schemas.Alternative {
	out := []schemas.Alternative{}
	if in.Catalog == nil {
		return out
	}
	inPlan := map[string]bool{}
	for _, id := range in.Plan.Templates {
		inPlan[id] = true
	}
	for _, s := range in.Plan.Steps {
		for cur := &s; cur != nil; cur = cur.Fallback {
			inPlan[cur.TemplateID] = true
		}
	}
	failedOps := map[schemas.OperationKind]bool{}
	for _, r := range results {
		switch r.Failure {
		case schemas.KindOperationFailed, schemas.KindVerificationFailed, schemas.KindRollbackFailed:
			failedOps[r.Operation] = true
		}
	}

	for _, id := range in.Eligible {
		if inPlan[id] {
			continue
		}
		tpl, ok := in.Catalog.Template(id)
		if !ok {
			continue
		}
		if usesAny(tpl, failedOps) {
			continue
		}
		if in.Plan.Blocked && modifies(tpl) {
			continue
		}
		reason := fmt.Sprintf("applies to stage %s", in.Assessment.Stage)
		if !tpl.HasStage(in.Assessment.Stage) {
			reason = "applies to a lower-ranked diagnosis or observed evidence pattern"
		}
		out = append(out, schemas.Alternative{TemplateID: tpl.ID, Title: tpl.Title, Reason: reason})
	}
	return out
}

func usesAny(tpl *catalog.Template, ops map[schemas.OperationKind]bool) bool {
	for _, bp := range tpl.Steps {
		for cur := bp; cur != nil; cur = cur.Fallback {
			if ops[cur.Operation] {
				return true
			}
		}
	}
	return false
}

func modifies(tpl *catalog.Template) bool {
	for _, bp := range tpl.Steps {
		for cur := bp; cur != nil; cur = cur.Fallback {
			if cur.Destructiveness > schemas.ReadOnly {
				return true
			}
		}
	}
	return false
}
