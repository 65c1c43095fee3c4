package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cordum/flowlog/core/infra/schema"
)

// Validate checks a definition before any event is appended for it.
// Cycles yield ErrDependencyCycle; everything else ErrInvalidDefinition.
func Validate(wf *Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: definition required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(wf.ID) == "" {
		return fmt.Errorf("%w: workflow_id required", ErrInvalidDefinition)
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("%w: at least one step required", ErrInvalidDefinition)
	}

	ids := make(map[string]*StepDefinition, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("%w: step %d has no step_id", ErrInvalidDefinition, i)
		}
		if _, dup := ids[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step_id %q", ErrInvalidDefinition, step.ID)
		}
		if !step.Type.valid() {
			return fmt.Errorf("%w: step %q has unknown step_type %q", ErrInvalidDefinition, step.ID, step.Type)
		}
		ids[step.ID] = step
	}

	fallbackOwners := map[string]string{}
	for i := range wf.Steps {
		step := &wf.Steps[i]
		for _, dep := range step.Dependencies {
			if dep == step.ID {
				return fmt.Errorf("%w: step %q depends on itself", ErrDependencyCycle, step.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidDefinition, step.ID, dep)
			}
		}
		switch step.Type {
		case StepTypeLoop:
			if step.Loop == nil || step.Loop.MaxIterations <= 0 {
				return fmt.Errorf("%w: loop step %q needs loop.max_iterations > 0", ErrInvalidDefinition, step.ID)
			}
		case StepTypeSynchronization:
			if len(step.Dependencies) == 0 {
				return fmt.Errorf("%w: synchronization step %q has nothing to join", ErrInvalidDefinition, step.ID)
			}
		}
		if step.Type != StepTypeLoop && step.Loop != nil {
			return fmt.Errorf("%w: step %q is not a loop but sets loop", ErrInvalidDefinition, step.ID)
		}
		if step.Type != StepTypeConditional && step.Condition != "" {
			return fmt.Errorf("%w: step %q is not conditional but sets condition", ErrInvalidDefinition, step.ID)
		}
		if step.Condition != "" {
			if _, err := Eval(step.Condition, map[string]any{}); err != nil {
				return fmt.Errorf("%w: step %q condition: %v", ErrInvalidDefinition, step.ID, err)
			}
		}
		if step.Retry != nil && step.Retry.MaxRetries < 0 {
			return fmt.Errorf("%w: step %q retry.max_retries must be >= 0", ErrInvalidDefinition, step.ID)
		}
		if step.Fallback != "" {
			if step.Fallback == step.ID {
				return fmt.Errorf("%w: step %q is its own fallback", ErrInvalidDefinition, step.ID)
			}
			fb, ok := ids[step.Fallback]
			if !ok {
				return fmt.Errorf("%w: step %q has unknown fallback %q", ErrInvalidDefinition, step.ID, step.Fallback)
			}
			if fb.Type == StepTypeConditional {
				return fmt.Errorf("%w: fallback %q of step %q cannot be conditional", ErrInvalidDefinition, fb.ID, step.ID)
			}
			if owner, taken := fallbackOwners[step.Fallback]; taken {
				return fmt.Errorf("%w: step %q is already the fallback of %q", ErrInvalidDefinition, step.Fallback, owner)
			}
			fallbackOwners[step.Fallback] = step.ID
		}
	}

	if cycle := findCycle(wf.Steps, fallbackOwners); len(cycle) > 0 {
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
	}

	if len(wf.ParametersSchema) > 0 {
		params := wf.GlobalParameters
		if params == nil {
			params = map[string]any{}
		}
		if err := schema.ValidateMap(wf.ParametersSchema, params); err != nil {
			return fmt.Errorf("%w: global_parameters: %v", ErrInvalidDefinition, err)
		}
	}
	return nil
}

// findCycle runs Kahn's algorithm over dependency edges plus the implicit
// owner -> fallback edges and returns the steps left on a cycle, sorted.
func findCycle(steps []StepDefinition, fallbackOwners map[string]string) []string {
	indegree := make(map[string]int, len(steps))
	children := make(map[string][]string, len(steps))
	for _, step := range steps {
		indegree[step.ID] += 0
		deps := step.Dependencies
		if owner, ok := fallbackOwners[step.ID]; ok {
			deps = append(append([]string{}, deps...), owner)
		}
		for _, dep := range deps {
			indegree[step.ID]++
			children[dep] = append(children[dep], step.ID)
		}
	}
	queue := make([]string, 0, len(steps))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited == len(steps) {
		return nil
	}
	var left []string
	for id, n := range indegree {
		if n > 0 {
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}
