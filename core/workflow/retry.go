package workflow

import (
	"math"
	"time"
)

// RetryPrecedence decides whether step or workflow retry settings win.
type RetryPrecedence string

const (
	RetryStepFirst     RetryPrecedence = "step_first"
	RetryWorkflowFirst RetryPrecedence = "workflow_first"
)

// globalMaxRetriesKey is the global_parameters key holding the workflow default.
const globalMaxRetriesKey = "max_retries"

// RetryDefaults are engine-wide fallbacks used when neither the step nor the
// workflow configures retries.
type RetryDefaults struct {
	MaxRetries int
	Precedence RetryPrecedence
}

// Resolve returns how many retries a step gets.
func (d RetryDefaults) Resolve(wf *Workflow, step *StepDefinition) int {
	stepVal, stepSet := -1, false
	if step != nil && step.Retry != nil {
		stepVal, stepSet = step.Retry.MaxRetries, true
	}
	wfVal, wfSet := workflowMaxRetries(wf)

	switch {
	case d.Precedence == RetryWorkflowFirst && wfSet:
		return wfVal
	case stepSet:
		return stepVal
	case wfSet:
		return wfVal
	}
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return 0
}

func workflowMaxRetries(wf *Workflow) (int, bool) {
	if wf == nil || wf.GlobalParameters == nil {
		return 0, false
	}
	v, ok := number(wf.GlobalParameters[globalMaxRetriesKey])
	if !ok || v < 0 {
		return 0, false
	}
	return int(v), true
}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(cfg *RetryConfig, attempt int) time.Duration {
	if cfg == nil || cfg.BackoffMs <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult <= 1 {
		mult = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.BackoffMs) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoffMs > 0 && delay > float64(cfg.MaxBackoffMs) {
		delay = float64(cfg.MaxBackoffMs)
	}
	return time.Duration(delay) * time.Millisecond
}
