package workflow

import (
	"sort"
	"strings"
	"time"
)

// Skip reasons recorded in step_skipped.
const (
	SkipBranchNotTaken    = "branch_not_taken"
	SkipFallbackNotNeeded = "fallback_not_needed"
)

// Orchestrator decides which pending steps may run. It reads a snapshot and
// never mutates it; the Machine turns its Plan into events.
type Orchestrator struct{}

// StepSkip is a pending step the plan discards.
type StepSkip struct {
	StepID string
	Reason string
}

// Plan is one orchestrator pass. Skips are emitted before starts.
type Plan struct {
	Start []string
	Skip  []StepSkip
}

// Empty reports whether the pass found nothing to do.
func (p Plan) Empty() bool {
	return len(p.Start) == 0 && len(p.Skip) == 0
}

// Events renders the plan against the snapshot it was computed from.
func (p Plan) Events(snap *Snapshot, now time.Time) []Event {
	out := make([]Event, 0, len(p.Start)+len(p.Skip))
	for _, s := range p.Skip {
		out = append(out, mustEvent(snap.WorkflowID, EventStepSkipped, &StepSkippedData{StepID: s.StepID, Reason: s.Reason}, now))
	}
	for _, id := range p.Start {
		data := &StepStartedData{StepID: id, Attempt: 1}
		if sp := snap.Steps[id]; sp != nil {
			data.Attempt = sp.Attempts + 1
			data.Iteration = sp.Iteration
		}
		out = append(out, mustEvent(snap.WorkflowID, EventStepStarted, data, now))
	}
	return out
}

// Plan computes the steps that move out of pending on this pass.
func (o Orchestrator) Plan(snap *Snapshot, now time.Time) Plan {
	var plan Plan
	if snap == nil || snap.Definition == nil || snap.State != StateActive {
		return plan
	}
	decidedGroups := map[string]bool{}

	for i := range snap.Definition.Steps {
		step := &snap.Definition.Steps[i]
		if snap.StepStates[step.ID] != StepPending {
			continue
		}

		if owner, ok := snap.Definition.fallbackOwner(step.ID); ok {
			switch snap.StepStates[owner.ID] {
			case StepCompleted, StepSkipped:
				plan.Skip = append(plan.Skip, StepSkip{StepID: step.ID, Reason: SkipFallbackNotNeeded})
				continue
			case StepFailed:
			default:
				continue
			}
		}

		if !depsSatisfied(snap, step) {
			continue
		}

		if step.Type == StepTypeConditional {
			key := groupKey(step)
			if decidedGroups[key] {
				continue
			}
			decidedGroups[key] = true
			chosen, skipped := chooseBranch(snap, key)
			plan.Skip = append(plan.Skip, skipped...)
			if chosen != nil && startable(snap, chosen, now) {
				plan.Start = append(plan.Start, chosen.ID)
			}
			continue
		}

		if startable(snap, step, now) {
			plan.Start = append(plan.Start, step.ID)
		}
	}
	return plan
}

// depsSatisfied is the fan-in rule shared by every step type: each
// dependency must have finished successfully. A fallback may also list its
// owner, whose failure is what lets it run.
func depsSatisfied(snap *Snapshot, step *StepDefinition) bool {
	owner, isFallback := snap.Definition.fallbackOwner(step.ID)
	for _, dep := range step.Dependencies {
		if isFallback && dep == owner.ID && snap.StepStates[dep] == StepFailed {
			continue
		}
		if !satisfied(snap, dep) {
			return false
		}
	}
	return true
}

// satisfied reports whether stepID counts as a successful predecessor.
func satisfied(snap *Snapshot, stepID string) bool {
	switch snap.StepStates[stepID] {
	case StepCompleted, StepSkipped:
		return true
	case StepFailed:
		step, ok := snap.Definition.Step(stepID)
		return ok && step.Fallback != "" && snap.StepStates[step.Fallback] == StepCompleted
	}
	return false
}

func startable(snap *Snapshot, step *StepDefinition, now time.Time) bool {
	sp := snap.Steps[step.ID]
	return sp == nil || sp.NotBefore == nil || !now.Before(*sp.NotBefore)
}

// groupKey identifies sibling conditional branches by their dependency set.
func groupKey(step *StepDefinition) string {
	deps := append([]string(nil), step.Dependencies...)
	sort.Strings(deps)
	return strings.Join(deps, "\x00")
}

// chooseBranch picks the single conditional branch of a group that proceeds.
// A branch that already ran keeps the group (it is being retried); otherwise
// the first true condition in definition order wins, and an empty condition
// is the default branch. Every other pending member is skipped.
func chooseBranch(snap *Snapshot, key string) (*StepDefinition, []StepSkip) {
	var members []*StepDefinition
	for i := range snap.Definition.Steps {
		s := &snap.Definition.Steps[i]
		if s.Type == StepTypeConditional && groupKey(s) == key {
			members = append(members, s)
		}
	}

	var chosen *StepDefinition
	for _, s := range members {
		st := snap.StepStates[s.ID]
		sp := snap.Steps[s.ID]
		if st == StepRunning || st == StepCompleted || st == StepFailed || (sp != nil && sp.Attempts > 0) {
			chosen = s
			break
		}
	}
	if chosen == nil {
		var fallback *StepDefinition
		for _, s := range members {
			if snap.StepStates[s.ID] != StepPending {
				continue
			}
			if s.Condition == "" {
				if fallback == nil {
					fallback = s
				}
				continue
			}
			if ok, err := EvalPredicate(s.Condition, predicateScope(snap, s.ID, nil)); err == nil && ok {
				chosen = s
				break
			}
		}
		if chosen == nil {
			chosen = fallback
		}
	}

	var skipped []StepSkip
	for _, s := range members {
		if s != chosen && snap.StepStates[s.ID] == StepPending {
			skipped = append(skipped, StepSkip{StepID: s.ID, Reason: SkipBranchNotTaken})
		}
	}
	if chosen != nil && snap.StepStates[chosen.ID] != StepPending {
		chosen = nil
	}
	return chosen, skipped
}
