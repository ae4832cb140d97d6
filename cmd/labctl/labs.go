package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/usecase"
)

func labCommands(flags *GlobalFlags) []*cobra.Command {
	return []*cobra.Command{
		contextCmd(flags),
		listCmd(flags),
		getCmd(flags),
		requestCmd(flags),
		reviewCmd(flags, "approve"),
		reviewCmd(flags, "deny"),
		cancelCmd(flags),
		endCmd(flags),
		extendCmd(flags),
		activityCmd(flags),
		shareCmd(flags),
	}
}

func contextCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "context",
		Short: "Show quick picks, guardrail limits and the active lab",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lc, err := flags.client().labContext(cmd.Context())
			if err != nil {
				return err
			}
			if flags.OutputFormat == string(FormatJSON) {
				return printJSON(cmd.OutOrStdout(), lc)
			}

			out := cmd.OutOrStdout()
			g := lc.Guardrails
			fmt.Fprintf(out, "User:        %s (%s)\n", lc.Principal.UserID, lc.Principal.Tier)
			fmt.Fprintf(out, "Can request: %t\n", g.CanRequest)
			fmt.Fprintf(out, "TTL:         %dm default, %dm max\n\n", g.DefaultTTLMinutes, g.MaxTTLMinutes)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REF\tCVE\tSEVERITY\tPRODUCT")
			for _, bp := range lc.QuickPicks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\n", bp.Ref, bp.CVE, bp.Severity, bp.Product, bp.Version)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if lc.ActiveLab != nil {
				fmt.Fprintln(out)
				printSession(out, lc.ActiveLab)
			}
			return nil
		},
	}
}

func listCmd(flags *GlobalFlags) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your lab sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := flags.client().list(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if flags.OutputFormat == string(FormatJSON) {
				return printJSON(cmd.OutOrStdout(), sessions)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tBLUEPRINT\tSTATE\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Blueprint.Ref, s.State, s.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Sessions to skip")
	return cmd
}

func getCmd(flags *GlobalFlags) *cobra.Command {
	var watch bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a lab session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			if watch {
				s, err := waitSettled(cmd.Context(), c, args[0], interval, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), flags, s)
			}
			s, err := c.get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags, s)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the session is Active, awaiting approval, or finished")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval for --watch")
	return cmd
}

func requestCmd(flags *GlobalFlags) *cobra.Command {
	var token string
	var wait bool
	cmd := &cobra.Command{
		Use:   "request <blueprint-ref|cve>",
		Short: "Request a lab from the blueprint catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := flags.client()
			s, err := c.submit(cmd.Context(), usecase.SubmitLabInput{BlueprintRef: args[0], ApprovalToken: token})
			if err != nil {
				return err
			}
			if wait {
				if s, err = waitSettled(cmd.Context(), c, s.ID, 2*time.Second, cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			return render(cmd.OutOrStdout(), flags, s)
		},
	}
	cmd.Flags().StringVar(&token, "approval-token", "", "Pre-approved change token for high severity blueprints")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for provisioning to settle")
	return cmd
}

func reviewCmd(flags *GlobalFlags, verb string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <session-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a lab awaiting approval (admins only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body interface{}
			if verb == "deny" {
				body = map[string]string{"reason": reason}
			}
			s, err := flags.client().action(cmd.Context(), args[0], verb, body)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags, s)
		},
	}
	if verb == "deny" {
		cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the denial")
	}
	return cmd
}

func cancelCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a lab that is still provisioning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.client().action(cmd.Context(), args[0], "cancel", nil)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags, s)
		},
	}
}

func endCmd(flags *GlobalFlags) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "End an active lab and package its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.client().action(cmd.Context(), args[0], "end", map[string]string{"notes": notes})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags, s)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Analyst notes stored in the evidence manifest")
	return cmd
}

func extendCmd(flags *GlobalFlags) *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "extend <session-id>",
		Short: "Extend the TTL of an active lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.client().action(cmd.Context(), args[0], "extend", map[string]int{"minutes": minutes})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags, s)
		},
	}
	cmd.Flags().IntVarP(&minutes, "minutes", "m", 30, "Minutes to add")
	return cmd
}

func activityCmd(flags *GlobalFlags) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "activity <session-id> <message>",
		Short: "Record an activity entry on an active lab",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := flags.client().recordActivity(cmd.Context(), args[0], usecase.RecordActivityInput{Kind: kind, Message: args[1]})
			if err != nil {
				return err
			}
			if flags.OutputFormat == string(FormatJSON) {
				return printJSON(cmd.OutOrStdout(), entry)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "#%d %s %s\n", entry.Sequence, entry.Kind, entry.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "note", "Entry kind (command, note, ...)")
	return cmd
}

func shareCmd(flags *GlobalFlags) *cobra.Command {
	var kind, target string
	cmd := &cobra.Command{
		Use:   "share <session-id>",
		Short: "Deliver the evidence package of a finished lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.client().share(cmd.Context(), args[0], entity.Destination{Kind: entity.DestinationKind(kind), Target: target})
			if err != nil {
				return err
			}
			if flags.OutputFormat == string(FormatJSON) {
				return printJSON(cmd.OutOrStdout(), d)
			}
			out := cmd.OutOrStdout()
			if d.Error != "" {
				fmt.Fprintf(out, "Delivery via %s failed: %s\n", d.Destination.Kind, d.Error)
				return nil
			}
			fmt.Fprintf(out, "Delivered via %s\n", d.Destination.Kind)
			if d.URL != "" {
				fmt.Fprintf(out, "URL:     %s\n", d.URL)
			}
			if d.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires: %s\n", d.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(entity.DestinationLink), "Destination kind (link|email)")
	cmd.Flags().StringVar(&target, "target", "", "Destination address for email delivery")
	return cmd
}

// waitSettled polls a session until it needs a human or has finished
func waitSettled(ctx context.Context, c *apiClient, id string, interval time.Duration, progress io.Writer) (*sessionView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := entity.LabState("")
	for {
		s, err := c.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.State != last {
			fmt.Fprintf(progress, "%s %s\n", time.Now().Format("15:04:05"), s.State)
			last = s.State
		}
		switch s.State {
		case entity.LabStateActive, entity.LabStatePendingApproval:
			return s, nil
		}
		if s.State.IsTerminal() {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func render(out io.Writer, flags *GlobalFlags, s *sessionView) error {
	if flags.OutputFormat == string(FormatJSON) {
		return printJSON(out, s)
	}
	printSession(out, s)
	return nil
}

func printSession(out io.Writer, s *sessionView) {
	fmt.Fprintf(out, "Session:   %s\n", s.ID)
	fmt.Fprintf(out, "Blueprint: %s (%s, %s)\n", s.Blueprint.Ref, s.Blueprint.CVE, s.Blueprint.Severity)
	fmt.Fprintf(out, "State:     %s\n", s.State)
	if s.State == entity.LabStateActive {
		fmt.Fprintf(out, "Remaining: %s\n", (time.Duration(s.RemainingSeconds) * time.Second).String())
	}
	if s.FailureDetail != "" {
		fmt.Fprintf(out, "Failure:   %s: %s\n", s.FailureStep, s.FailureDetail)
	}

	if len(s.Steps) > 0 {
		fmt.Fprintln(out, "Steps:")
		for _, st := range s.Steps {
			line := fmt.Sprintf("  %d. %-28s %s", st.ID, st.Name, st.Status)
			if st.Progress != nil {
				line += fmt.Sprintf(" %d%%", *st.Progress)
			}
			fmt.Fprintln(out, line)
		}
	}
	if pkg := s.EvidencePackage; pkg != nil {
		fmt.Fprintf(out, "Evidence:  %d artifacts, manifest %s", len(pkg.Artifacts), pkg.ManifestHash)
		if pkg.Partial {
			fmt.Fprint(out, " (partial)")
		}
		fmt.Fprintln(out)
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
