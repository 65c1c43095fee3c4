package assignment

import (
	"time"

	"github.com/cordum/flowlog/core/workflow"
)

// Summary is a point-in-time view of directory capacity for operators.
type Summary struct {
	CapturedAt   string                       `json:"captured_at"`
	Capabilities map[string]CapabilitySummary `json:"capabilities,omitempty"`
	Agents       []workflow.AgentDescriptor   `json:"agents,omitempty"`
}

// CapabilitySummary aggregates agents offering one capability.
type CapabilitySummary struct {
	Agents    int            `json:"agents"`
	TotalLoad int            `json:"total_load"`
	MinLoad   int            `json:"min_load"`
	Kinds     map[string]int `json:"kinds,omitempty"`
}

// Summarize aggregates agents by capability and kind.
func Summarize(agents []workflow.AgentDescriptor, now time.Time) Summary {
	caps := map[string]CapabilitySummary{}
	for _, a := range agents {
		c, seen := caps[a.Capability]
		c.Agents++
		c.TotalLoad += a.CurrentLoad
		if !seen || a.CurrentLoad < c.MinLoad {
			c.MinLoad = a.CurrentLoad
		}
		if a.Kind != "" {
			if c.Kinds == nil {
				c.Kinds = map[string]int{}
			}
			c.Kinds[a.Kind]++
		}
		caps[a.Capability] = c
	}
	return Summary{
		CapturedAt:   now.UTC().Format(time.RFC3339),
		Capabilities: caps,
		Agents:       agents,
	}
}
