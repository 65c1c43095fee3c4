package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cordum/flowlog/core/workflow"
	sdk "github.com/cordum/flowlog/sdk/client"
)

const defaultGateway = "http://localhost:8080"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// globals are the persistent flags every subcommand reads.
type globals struct {
	gateway string
	apiKey  string
}

func (g *globals) client() *sdk.Client {
	return newClient(g.gateway, g.apiKey)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "flowlogctl",
		Short:         "flowlog workflow engine CLI",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.gateway, "gateway", envOr("FLOWLOG_GATEWAY", defaultGateway), "gateway base url")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", envOr("FLOWLOG_API_KEY", ""), "api key")
	root.AddCommand(newWorkflowCmd(g), newStepCmd(g), newAgentCmd(g))
	return root
}

func newWorkflowCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Submit, inspect and drive workflows"}

	var file string
	var start bool
	submit := &cobra.Command{
		Use:   "submit --file workflow.yaml",
		Short: "Create a workflow from a JSON or YAML definition",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("workflow file required")
			}
			// #nosec G304 -- CLI explicitly reads local files provided by the operator.
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			snap, err := g.client().SubmitDocument(c.Context(), data, isYAMLFile(file), start)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), snap)
		},
	}
	submit.Flags().StringVar(&file, "file", "", "workflow definition (.json, .yaml or .yml)")
	submit.Flags().BoolVar(&start, "start", false, "start the workflow after creating it")

	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List workflow ids, newest first",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ids, err := g.client().ListWorkflows(c.Context(), listLimit)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(c.OutOrStdout(), id)
			}
			return nil
		},
	}
	list.Flags().IntVar(&listLimit, "limit", 100, "maximum workflows to list")

	get := &cobra.Command{
		Use:   "get <workflow_id>",
		Short: "Print the current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := requireArg(args, 0, "workflow id")
			if err != nil {
				return err
			}
			snap, err := g.client().GetSnapshot(c.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), snap)
		},
	}

	var eventsFrom uint64
	var eventsLimit int
	events := &cobra.Command{
		Use:   "events <workflow_id>",
		Short: "Print one page of the event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := requireArg(args, 0, "workflow id")
			if err != nil {
				return err
			}
			page, err := g.client().GetEvents(c.Context(), id, eventsFrom, eventsLimit)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), page)
		},
	}
	events.Flags().Uint64Var(&eventsFrom, "from", 1, "first sequence number")
	events.Flags().IntVar(&eventsLimit, "limit", 0, "page size (server default when 0)")

	var watchFrom uint64
	watch := &cobra.Command{
		Use:   "watch <workflow_id>",
		Short: "Stream events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := requireArg(args, 0, "workflow id")
			if err != nil {
				return err
			}
			ctx := c.Context()
			err = g.client().Watch(ctx, id, watchFrom, func(ev workflow.Event) error {
				return printEvent(c.OutOrStdout(), ev)
			})
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	watch.Flags().Uint64Var(&watchFrom, "from", 1, "first sequence number")

	cmd.AddCommand(submit, list, get, events, watch)
	for _, action := range []string{"start", "pause", "resume", "cancel", "reconcile"} {
		cmd.AddCommand(newLifecycleCmd(g, action))
	}
	return cmd
}

func newLifecycleCmd(g *globals, action string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action + " <workflow_id>",
		Short: "Send the " + action + " command",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := requireArg(args, 0, "workflow id")
			if err != nil {
				return err
			}
			client := g.client()
			ctx := c.Context()
			var snap *workflow.Snapshot
			switch action {
			case "start":
				snap, err = client.Start(ctx, id)
			case "pause":
				snap, err = client.Pause(ctx, id, reason)
			case "resume":
				snap, err = client.Resume(ctx, id)
			case "cancel":
				snap, err = client.Cancel(ctx, id, reason)
			case "reconcile":
				snap, err = client.Reconcile(ctx, id)
			}
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), snap)
		},
	}
	if action == "pause" || action == "cancel" {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the event")
	}
	return cmd
}

func newStepCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "step", Short: "Report step outcomes and assignments"}

	var resultFile string
	complete := &cobra.Command{
		Use:   "complete <workflow_id> <step_id>",
		Short: "Mark a running step completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ids, err := requireArgs(args, "workflow id", "step id")
			if err != nil {
				return err
			}
			var result map[string]any
			if resultFile != "" {
				if err := loadJSON(resultFile, &result); err != nil {
					return err
				}
			}
			snap, err := g.client().CompleteStep(c.Context(), ids[0], ids[1], result)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), snap)
		},
	}
	complete.Flags().StringVar(&resultFile, "result", "", "json file holding the step result")

	var reason string
	fail := &cobra.Command{
		Use:   "fail <workflow_id> <step_id>",
		Short: "Mark a running step failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ids, err := requireArgs(args, "workflow id", "step id")
			if err != nil {
				return err
			}
			snap, err := g.client().FailStep(c.Context(), ids[0], ids[1], reason)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), snap)
		},
	}
	fail.Flags().StringVar(&reason, "reason", "", "failure reason")

	assign := &cobra.Command{
		Use:   "assign <workflow_id> <step_id> <agent_id>",
		Short: "Assign an agent to a step",
		Args:  cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			ids, err := requireArgs(args, "workflow id", "step id", "agent id")
			if err != nil {
				return err
			}
			snap, err := g.client().AssignAgent(c.Context(), ids[0], ids[1], ids[2])
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), snap)
		},
	}

	cmd.AddCommand(complete, fail, assign)
	return cmd
}

func newAgentCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Inspect and register agents"}

	var listCapability string
	list := &cobra.Command{
		Use:   "list",
		Short: "Summarize registered agents",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			summary, err := g.client().ListAgents(c.Context(), listCapability)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), summary)
		},
	}
	list.Flags().StringVar(&listCapability, "capability", "", "only agents offering this capability")

	var reg sdk.AgentRegistration
	heartbeat := &cobra.Command{
		Use:   "heartbeat --capability name <agent_id>",
		Short: "Register or refresh an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := requireArg(args, 0, "agent id")
			if err != nil {
				return err
			}
			if reg.Capability == "" {
				return fmt.Errorf("capability required")
			}
			return g.client().Heartbeat(c.Context(), id, reg)
		},
	}
	heartbeat.Flags().StringVar(&reg.Capability, "capability", "", "capability the agent offers")
	heartbeat.Flags().StringVar(&reg.Kind, "kind", "", "agent kind (human, robot, ai)")
	heartbeat.Flags().IntVar(&reg.CurrentLoad, "load", 0, "current load")

	remove := &cobra.Command{
		Use:   "remove <agent_id>",
		Short: "Deregister an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := requireArg(args, 0, "agent id")
			if err != nil {
				return err
			}
			return g.client().RemoveAgent(c.Context(), id)
		},
	}

	cmd.AddCommand(list, heartbeat, remove)
	return cmd
}

func requireArg(args []string, i int, name string) (string, error) {
	if len(args) <= i || strings.TrimSpace(args[i]) == "" {
		return "", fmt.Errorf("%s required", name)
	}
	return args[i], nil
}

func requireArgs(args []string, names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, name := range names {
		v, err := requireArg(args, i, name)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newClient(gateway, apiKey string) *sdk.Client {
	return sdk.New(strings.TrimRight(gateway, "/"), apiKey)
}

func isYAMLFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func loadJSON(path string, out any) error {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printEvent writes one event per line so watch output can be piped.
func printEvent(w io.Writer, ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
