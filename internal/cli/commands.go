package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/EngagePipe/internal/engagement"
	"github.com/BTreeMap/EngagePipe/internal/models"
)

func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduler sweep and print the report",
		Long: `Run the goodbye-timeout, reminder and inactivity passes once.

Useful from an external cron when the built-in scheduler is disabled.
Do not run it against a state directory whose serve process has the
scheduler enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(opts.Config)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, opts.Format, report, func() string {
				var b strings.Builder
				writePass(&b, models.TriggerGoodbyeTimeout, report.Goodbyes)
				writePass(&b, models.TriggerReminderDue, report.Reminders)
				writePass(&b, models.TriggerInactivity14d, report.Inactivity)
				return b.String()
			})
		},
	}
}

func writePass(b *strings.Builder, trigger models.Trigger, p models.PassReport) {
	fmt.Fprintf(b, "%-16s due=%d applied=%d conflicts=%d rejected=%d failed=%d\n",
		trigger, p.Due, p.Applied, p.Conflicts, p.Rejected, p.Failed)
}

// TransitionOptions holds flags for the transition command.
type TransitionOptions struct {
	*RootOptions
	Extra map[string]string
}

func NewTransitionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransitionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transition <user-id> <trigger>",
		Short: "Apply a trigger to a user",
		Long: `Apply a trigger to a user's engagement record.

Triggers: ` + triggerList() + `

Examples:
  engagepipe transition 15551234567 user_message
  engagepipe transition 15551234567 goodbye_response_2 --extra source=manual`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, err := models.ParseTrigger(args[1])
			if err != nil {
				return err
			}
			rt, err := openRuntime(opts.Config)
			if err != nil {
				return err
			}
			defer rt.Close()

			var extra map[string]any
			if len(opts.Extra) > 0 {
				extra = make(map[string]any, len(opts.Extra))
				for k, v := range opts.Extra {
					extra[k] = v
				}
			}
			result, err := rt.engine.TransitionState(cmd.Context(), args[0], trigger, extra)
			if err != nil {
				return err
			}
			return render(cmd, opts.Format, result, func() string {
				s := fmt.Sprintf("%s: %s -> %s", args[0], result.PreviousState, result.NewState)
				if len(result.SideEffects) > 0 {
					names := make([]string, len(result.SideEffects))
					for i, se := range result.SideEffects {
						names[i] = string(se)
					}
					s += " effects=" + strings.Join(names, ",")
				}
				return s + "\n"
			})
		},
	}

	cmd.Flags().StringToStringVar(&opts.Extra, "extra", nil, "extra metadata recorded with the transition (key=value)")
	return cmd
}

func triggerList() string {
	triggers := models.AllTriggers()
	names := make([]string, len(triggers))
	for i, t := range triggers {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func NewStateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <user-id>",
		Short: "Show a user's engagement record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(opts.Config)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.store.GetEngagementState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("%w: %s", engagement.ErrRecordNotFound, args[0])
			}
			return render(cmd, opts.Format, st, func() string {
				var b strings.Builder
				fmt.Fprintf(&b, "user:          %s\n", st.UserID)
				fmt.Fprintf(&b, "state:         %s\n", st.State)
				fmt.Fprintf(&b, "version:       %d\n", st.Version)
				fmt.Fprintf(&b, "last activity: %s\n", st.LastActivityAt.Format(time.RFC3339))
				writeOptionalTime(&b, "goodbye sent:  ", st.GoodbyeSentAt)
				writeOptionalTime(&b, "goodbye until: ", st.GoodbyeExpiresAt)
				writeOptionalTime(&b, "remind at:     ", st.RemindAt)
				return b.String()
			})
		},
	}
}

func writeOptionalTime(b *strings.Builder, label string, t *time.Time) {
	if t != nil {
		fmt.Fprintf(b, "%s%s\n", label, t.Format(time.RFC3339))
	}
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's transitions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			rt, err := openRuntime(opts.Config)
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.store.GetUserTransitionHistory(cmd.Context(), args[0], opts.Limit)
			if err != nil {
				return err
			}
			if records == nil {
				records = []models.TransitionRecord{}
			}
			return render(cmd, opts.Format, records, func() string {
				if len(records) == 0 {
					return fmt.Sprintf("No transitions for %s\n", args[0])
				}
				var b strings.Builder
				for _, rec := range records {
					fmt.Fprintf(&b, "%s  %-12s -> %-12s  %s\n",
						rec.Timestamp.Format(time.RFC3339), rec.FromState, rec.ToState, rec.Trigger)
				}
				return b.String()
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum number of transitions")
	return cmd
}

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Start string
	End   string
}

func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize transitions in a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now().UTC()
			if opts.End != "" {
				t, err := time.Parse(time.RFC3339, opts.End)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				end = t
			}
			start := end.Add(-30 * 24 * time.Hour)
			if opts.Start != "" {
				t, err := time.Parse(time.RFC3339, opts.Start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				start = t
			}

			rt, err := openRuntime(opts.Config)
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := engagement.GetTransitionStats(cmd.Context(), rt.store, start, end)
			if err != nil {
				return err
			}
			return render(cmd, opts.Format, stats, func() string {
				var b strings.Builder
				fmt.Fprintf(&b, "window:                %s .. %s\n", start.Format(time.RFC3339), end.Format(time.RFC3339))
				fmt.Fprintf(&b, "total transitions:     %d\n", stats.TotalTransitions)
				fmt.Fprintf(&b, "average days inactive: %.1f\n", stats.AverageDaysInactive)
				writeCounts(&b, "by type", stats.TransitionsByType)
				writeCounts(&b, "goodbye responses", stats.ResponseTypeDistribution)
				return b.String()
			})
		},
	}

	cmd.Flags().StringVar(&opts.Start, "start", "", "window start, RFC3339 (default: 30 days before end)")
	cmd.Flags().StringVar(&opts.End, "end", "", "window end, RFC3339 (default: now)")
	return cmd
}

func writeCounts(b *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "  %-32s %d\n", k, counts[k])
	}
}

func NewTableCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "table",
		Short: "Print the transition table for the configured policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := opts.Config.Policy()
			if err := policy.Validate(); err != nil {
				return err
			}
			return render(cmd, opts.Format, policy.Edges(), policy.RenderTable)
		},
	}
}
