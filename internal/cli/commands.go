package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/millpulse/backend/internal/analytics"
	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/db/repository"
	"github.com/millpulse/backend/internal/eventlog"
	"github.com/millpulse/backend/internal/services"
	"github.com/millpulse/backend/internal/utils"
	"github.com/millpulse/backend/internal/xlsx"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"
)

// windowOptions are the event selection flags shared by every report
type windowOptions struct {
	File      string
	Mill      string
	Factory   string
	Start     string
	End       string
	MaxEvents int
	Xlsx      string
}

func (o *windowOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.File, "file", "f", "", "Event log (.json or .xlsx)")
	cmd.Flags().StringVar(&o.Mill, "mill", "", "Only this mill")
	cmd.Flags().StringVar(&o.Factory, "factory", "", "Only this factory")
	cmd.Flags().StringVar(&o.Start, "start", "", "Start date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&o.End, "end", "", "End date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().IntVar(&o.MaxEvents, "max-events", 0, "Event ceiling (default 50000)")
	cmd.Flags().StringVar(&o.Xlsx, "xlsx", "", "Write the workbook export to this path instead of JSON")
	_ = cmd.MarkFlagRequired("file")
}

// service loads the event log into an in-memory store behind the analytics service
func (o *windowOptions) service() (*services.AnalyticsService, services.QueryWindow, error) {
	window, err := services.ParseWindow(o.Mill, o.Factory, o.Start, o.End)
	if err != nil {
		return nil, window, err
	}

	events, err := eventlog.Load(o.File)
	if err != nil {
		return nil, window, err
	}

	cfg := config.AnalyticsConfig{
		DefaultThresholdMinutes: analytics.DefaultThresholdMinutes,
		DefaultTopN:             analytics.DefaultTopN,
		MaxEvents:               o.MaxEvents,
	}
	svc := services.NewAnalyticsService(repository.NewMemoryEventRepository(events...), nil, nil, cfg, utils.NewNopLogger())
	return svc, window, nil
}

// RecurrenceOptions holds command-line options for the recurrence command.
type RecurrenceOptions struct {
	windowOptions
	Threshold       float64
	PrecedingReason string
}

// NewRecurrenceCommand creates the recurrence command.
func NewRecurrenceCommand() *cobra.Command {
	opts := &RecurrenceOptions{}

	cmd := &cobra.Command{
		Use:   "recurrence",
		Short: "Find restarts that failed again within the threshold",
		Long: `Find RUNNING restarts after a downtime that were followed by a new downtime in
less than --threshold minutes.

Example:
  millctl recurrence --file events.json --threshold 20
  millctl recurrence -f events.xlsx --mill M3 --start 2024-01-01 --xlsx report.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecurrence(cmd, opts)
		},
	}

	opts.bind(cmd)
	cmd.Flags().Float64VarP(&opts.Threshold, "threshold", "t", analytics.DefaultThresholdMinutes, "Maximum run length in minutes")
	cmd.Flags().StringVar(&opts.PrecedingReason, "preceding-reason", string(analytics.PrecedingReasonEpisodeStart), "Preceding reason policy (episode_start|adjacent)")

	return cmd
}

func runRecurrence(cmd *cobra.Command, opts *RecurrenceOptions) error {
	policy, err := analytics.ParsePrecedingReasonPolicy(opts.PrecedingReason)
	if err != nil {
		return err
	}

	svc, window, err := opts.service()
	if err != nil {
		return err
	}

	result, err := svc.RapidRecurrence(commandContext(cmd), window, analytics.RecurrenceOptions{
		ThresholdMinutes: opts.Threshold,
		PrecedingReason:  policy,
	})
	if err != nil {
		return err
	}

	if opts.Xlsx != "" {
		f, err := xlsx.RecurrenceWorkbook(result)
		return writeWorkbook(cmd, f, err, opts.Xlsx)
	}
	return writeJSON(cmd, result)
}

// TransitionsOptions holds command-line options for the transitions command.
type TransitionsOptions struct {
	windowOptions
	Grouping string
	Top      int
	From     string
	To       string
	PerMill  bool
}

// NewTransitionsCommand creates the transitions command.
func NewTransitionsCommand() *cobra.Command {
	opts := &TransitionsOptions{}

	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Count which downtime follows which",
		Long: `Count DOWNTIME -> RUNNING -> DOWNTIME transitions grouped by reason, category or
equipment, with a top-N transition matrix.

By default all mills are pooled into one time-ordered stream; --per-mill keeps
each mill's events separate so no transition links two mills.

Example:
  millctl transitions --file events.json --grouping reason --top 12
  millctl transitions -f events.json --grouping equipment --per-mill --xlsx matrix.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransitions(cmd, opts)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVarP(&opts.Grouping, "grouping", "g", string(analytics.GroupByReason), "Grouping attribute (reason|category|equipment)")
	cmd.Flags().IntVarP(&opts.Top, "top", "n", analytics.DefaultTopN, "Matrix rows and columns")
	cmd.Flags().StringVar(&opts.From, "from", "", "Only transitions from this value")
	cmd.Flags().StringVar(&opts.To, "to", "", "Only transitions to this value")
	cmd.Flags().BoolVar(&opts.PerMill, "per-mill", false, "Do not link events across mills")

	return cmd
}

func runTransitions(cmd *cobra.Command, opts *TransitionsOptions) error {
	if opts.Top < 1 {
		return fmt.Errorf("--top must be at least 1, got %d", opts.Top)
	}

	svc, window, err := opts.service()
	if err != nil {
		return err
	}

	scope := analytics.ScopePooled
	if opts.PerMill {
		scope = analytics.ScopePerMill
	}

	result, err := svc.DowntimeTransitions(commandContext(cmd), window, analytics.TransitionOptions{
		Grouping:  analytics.Grouping(opts.Grouping),
		TopN:      opts.Top,
		FromValue: opts.From,
		ToValue:   opts.To,
		Scope:     scope,
	})
	if err != nil {
		return err
	}

	if opts.Xlsx != "" {
		f, err := xlsx.TransitionWorkbook(result)
		return writeWorkbook(cmd, f, err, opts.Xlsx)
	}
	return writeJSON(cmd, result)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeWorkbook(cmd *cobra.Command, f *excelize.File, buildErr error, path string) error {
	if buildErr != nil {
		return buildErr
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := xlsx.Write(f, out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
