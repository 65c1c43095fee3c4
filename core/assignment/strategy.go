package assignment

import (
	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/workflow"
)

// Strategy picks one agent from a non-empty candidate list.
type Strategy interface {
	Pick(step workflow.StepReady, candidates []workflow.AgentDescriptor) (workflow.AgentDescriptor, bool)
}

// LeastLoaded picks the candidate with the lowest current load. Ties go to
// the lowest agent ID so repeated picks are stable.
type LeastLoaded struct{}

func (LeastLoaded) Pick(step workflow.StepReady, candidates []workflow.AgentDescriptor) (workflow.AgentDescriptor, bool) {
	var (
		selected workflow.AgentDescriptor
		found    bool
	)
	for _, c := range candidates {
		if c.AgentID == "" {
			continue
		}
		if !found || c.CurrentLoad < selected.CurrentLoad ||
			(c.CurrentLoad == selected.CurrentLoad && c.AgentID < selected.AgentID) {
			selected = c
			found = true
		}
	}
	if !found {
		return workflow.AgentDescriptor{}, false
	}
	logging.Info("assignment", "strategy pick",
		"workflow_id", step.WorkflowID,
		"step_id", step.StepID,
		"capability", step.Capability,
		"selected_agent", selected.AgentID,
		"current_load", selected.CurrentLoad,
		"candidates", len(candidates),
	)
	return selected, true
}
