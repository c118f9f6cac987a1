package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"huntd/pkg/auth"
	"huntd/pkg/client"
	"huntd/pkg/model"
)

var (
	caseID       string
	paramPairs   []string
	paramsJSON   string
	watchAfter   bool
	includeSteps bool
	auditLimit   int
	secret       string
	tokenTTL     time.Duration
)

func init() {
	huntsCmd := &cobra.Command{
		Use:   "hunts",
		Short: "List hunt definitions",
		RunE:  runHunts,
	}
	rootCmd.AddCommand(huntsCmd)

	executeCmd := &cobra.Command{
		Use:   "execute HUNT",
		Short: "Start a hunt against a case",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecute,
	}
	executeCmd.Flags().StringVar(&caseID, "case", "", "case id (required)")
	executeCmd.Flags().StringArrayVarP(&paramPairs, "param", "p", nil, "initial parameter key=value (repeatable)")
	executeCmd.Flags().StringVar(&paramsJSON, "params", "", "initial parameters as a JSON object")
	executeCmd.Flags().BoolVarP(&watchAfter, "watch", "w", false, "follow the execution until it finishes")
	_ = executeCmd.MarkFlagRequired("case")
	rootCmd.AddCommand(executeCmd)

	getCmd := &cobra.Command{
		Use:   "get EXECUTION",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	getCmd.Flags().BoolVar(&includeSteps, "steps", true, "include step details")
	rootCmd.AddCommand(getCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions for a case",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&caseID, "case", "", "case id (required)")
	_ = listCmd.MarkFlagRequired("case")
	rootCmd.AddCommand(listCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "cancel EXECUTION",
		Short: "Request cancellation of a running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "delete EXECUTION",
		Short: "Delete an execution and its results",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "watch EXECUTION",
		Short: "Follow the live progress of an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	})

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit entries",
		RunE:  runAudit,
	}
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "number of entries")
	rootCmd.AddCommand(auditCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "hash-key KEY",
		Short: "Print the bcrypt hash of an API key for api_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	})

	sessionCmd := &cobra.Command{
		Use:   "session-token USER",
		Short: "Sign a session token with the server's JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.NewSigner(secret).IssueSession(args[0], tokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	sessionCmd.Flags().StringVar(&secret, "secret", "", "JWT secret (defaults to JWT_SECRET)")
	sessionCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	rootCmd.AddCommand(sessionCmd)
}

func runHunts(cmd *cobra.Command, _ []string) error {
	hunts, err := newClient().Hunts(cmd.Context())
	if err != nil {
		return err
	}
	if output != "table" {
		return printStructured(cmd, hunts)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tSTEPS")
	for _, h := range hunts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.ID, h.Name, h.Category, strings.Join(h.Steps, ","))
	}
	return w.Flush()
}

func runExecute(cmd *cobra.Command, args []string) error {
	params, err := parseParams(paramsJSON, paramPairs)
	if err != nil {
		return err
	}
	c := newClient()
	id, err := c.Execute(cmd.Context(), args[0], caseID, params)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	if !watchAfter {
		return nil
	}
	return watch(cmd, c, id)
}

func runGet(cmd *cobra.Command, args []string) error {
	exec, err := newClient().Execution(cmd.Context(), args[0], includeSteps)
	if err != nil {
		return err
	}
	if output != "table" {
		return printStructured(cmd, exec)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Execution: %s\nHunt:      %s\nCase:      %s\nStatus:    %s\n", exec.ID, exec.HuntID, exec.CaseID, exec.Status)
	if len(exec.Steps) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nSTEP\tPLUGIN\tSTATUS\tRESULTS\tERROR")
	for _, s := range exec.Steps {
		msg := ""
		if s.Error != nil {
			msg = string(s.Error.Kind) + ": " + s.Error.Message
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.StepID, s.PluginName, s.Status, len(s.Results), msg)
	}
	return w.Flush()
}

func runList(cmd *cobra.Command, _ []string) error {
	list, err := newClient().ListByCase(cmd.Context(), caseID)
	if err != nil {
		return err
	}
	if output != "table" {
		return printStructured(cmd, list)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHUNT\tSTATUS\tSTARTED")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.HuntID, e.Status, e.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	ok, err := newClient().Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "execution already finished")
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := newClient().Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "deleted")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	return watch(cmd, newClient(), args[0])
}

func runAudit(cmd *cobra.Command, _ []string) error {
	entries, err := newClient().Audit(cmd.Context(), auditLimit)
	if err != nil {
		return err
	}
	if output != "table" {
		return printStructured(cmd, entries)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTOR\tACTION\tEXECUTION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.ExecutionID, e.Detail)
	}
	return w.Flush()
}

func watch(cmd *cobra.Command, c *client.Client, id string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	out := cmd.OutOrStdout()
	return c.Watch(ctx, id, client.WatchOptions{}, func(f model.Frame) {
		if f.Kind == model.FramePing {
			return
		}
		if output == "json" {
			b, _ := json.Marshal(f)
			fmt.Fprintln(out, string(b))
			return
		}
		fmt.Fprintln(out, describeFrame(f))
	})
}

func describeFrame(f model.Frame) string {
	ts := f.At.Format("15:04:05")
	switch f.Kind {
	case model.FrameEvent:
		return fmt.Sprintf("%s  [%s] #%d %s %s", ts, f.StepID, f.Event.Sequence, f.Event.Type, f.Event.Payload)
	case model.FrameStep:
		if f.Error != nil {
			return fmt.Sprintf("%s  [%s] %s (%s: %s)", ts, f.StepID, f.Status, f.Error.Kind, f.Error.Message)
		}
		return fmt.Sprintf("%s  [%s] %s", ts, f.StepID, f.Status)
	case model.FrameExecution:
		return fmt.Sprintf("%s  execution %s", ts, f.Status)
	default:
		return fmt.Sprintf("%s  %s", ts, f.Kind)
	}
}

// parseParams merges a JSON object with key=value pairs; pairs win.
// Values in pairs are decoded as JSON when possible, otherwise kept as strings.
func parseParams(raw string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("--params: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--param %q: want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			params[k] = decoded
		} else {
			params[k] = v
		}
	}
	return params, nil
}

func printStructured(cmd *cobra.Command, v any) error {
	out := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// round-trip through JSON so yaml keys follow the json tags
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		return yaml.NewEncoder(out).Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
