// Siftctl inspects and triages the sift queue directly against its store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/sift/internal/jobqueue"
	"github.com/linnemanlabs/sift/internal/storage"
	"github.com/linnemanlabs/sift/internal/triage"
)

const appName = "sift"
const component = "siftctl"

// options are the persistent flags shared by every command.
type options struct {
	databaseURL string
	sqlitePath  string
	jsonOutput  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "siftctl",
		Short:         "Inspect and triage customer feedback",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("SIFT_DATABASE_URL"), "PostgreSQL connection URL")
	root.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite-path", os.Getenv("SIFT_SQLITE_PATH"), "SQLite database file")
	root.PersistentFlags().BoolVarP(&opts.jsonOutput, "json", "j", false, "Output as JSON")

	root.AddCommand(
		newVersionCmd(opts),
		newQueueCmd(opts),
		newItemCmd(opts),
		newStatusCmd(opts),
		newOverrideCmd(opts),
		newScoreCmd(opts),
		newRecoverCmd(opts),
	)
	return root
}

// openService opens the configured store and wraps it in a service that
// serves reads and manual triage. It never runs analysis jobs.
func openService(ctx context.Context, opts *options) (*triage.Service, *storage.Store, error) {
	if opts.databaseURL == "" && opts.sqlitePath == "" {
		return nil, nil, errors.New("one of --database-url or --sqlite-path is required")
	}
	store, err := storage.Open(ctx, storage.Config{DatabaseURL: opts.databaseURL, SQLitePath: opts.sqlitePath})
	if err != nil {
		return nil, nil, err
	}
	return triage.NewService(store, nil, nil, log.Nop(), triage.ServiceHooks{}), store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v.AppName = appName
			v.Component = component
			vi := v.Get()
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version": vi.Version,
					"commit":  vi.Commit,
					"date":    vi.BuildDate,
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s)\n", component, vi.Version, vi.Commit, vi.BuildDate)
			return err
		},
	}
}

func newQueueCmd(opts *options) *cobra.Command {
	var (
		f        triage.QueueFilter
		statuses []string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List the triage queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, store, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if cmd.Flags().Changed("priority") {
				f.Priority = &priority
			}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, triage.Status(s))
			}

			items, err := svc.ListQueue(cmd.Context(), f)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), items)
			}
			return writeQueue(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "filter by priority (1..5)")
	cmd.Flags().StringVar(&f.Source, "source", "", "filter by source")
	cmd.Flags().StringVar(&f.Search, "search", "", "substring search over content and metadata")
	cmd.Flags().StringVar(&f.Sort, "sort", "", "sort spec, e.g. priority,time (status, priority, score, time, time_asc)")
	cmd.Flags().IntVar(&f.Limit, "limit", triage.DefaultQueueLimit, "page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	return cmd
}

func writeQueue(w io.Writer, items []triage.QueueItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ANALYSIS\tFEEDBACK\tSTATUS\tPRIORITY\tSCORE\tSOURCE\tQUEUED\tCONTENT")
	for _, it := range items {
		score := "-"
		if it.Score != nil {
			score = strconv.Itoa(*it.Score)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			it.ID, it.FeedbackID, it.Status, it.Priority, score, it.Source,
			it.QueuedAt.Format(time.RFC3339), preview(it.Content, 60))
	}
	return tw.Flush()
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newItemCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "item <feedback-id>",
		Short: "Show a feedback item with its analyses and overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			item, err := svc.GetItem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), item)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "feedback %s (%s, %s)\n%s\n", item.Feedback.ID, item.Feedback.Source,
				item.Feedback.CreatedAt.Format(time.RFC3339), item.Feedback.Content)
			for _, a := range item.Analyses {
				fmt.Fprintf(w, "\nanalysis %s status=%s priority=%d", a.ID, a.Status, a.Priority)
				if a.Score != nil {
					fmt.Fprintf(w, " score=%d", *a.Score)
				}
				if a.ErrorText != "" {
					fmt.Fprintf(w, " error=%q", a.ErrorText)
				}
				fmt.Fprintln(w)
				if a.Signals != nil {
					fmt.Fprintf(w, "  sentiment=%s severity=%.2f business_risk=%.2f confidence=%.2f keywords=%s\n",
						a.Signals.Sentiment, a.Signals.SeveritySignal, a.Signals.BusinessRiskSignal,
						a.Signals.Confidence, strings.Join(a.Signals.Keywords, ","))
					if a.Signals.Explanation != "" {
						fmt.Fprintf(w, "  %s\n", a.Signals.Explanation)
					}
				}
			}
			for _, o := range item.Overrides {
				fmt.Fprintf(w, "\noverride %s on %s by %s at %s: %s\n", o.ID, o.AnalysisID, o.Actor,
					o.CreatedAt.Format(time.RFC3339), o.Payload)
			}
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <analysis-id> <status>",
		Short: "Set the status of an analysis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := svc.SetStatus(cmd.Context(), args[0], triage.Status(args[1])); err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "analysis_id": args[0], "status": args[1]})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "analysis %s is now %s\n", args[0], args[1])
			return err
		},
	}
}

func newOverrideCmd(opts *options) *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "override <analysis-id> <priority>",
		Short: "Override the priority of an analysis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("priority %q: %w", args[1], err)
			}

			svc, store, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			o, err := svc.OverridePriority(cmd.Context(), triage.OverrideRequest{
				AnalysisID: args[0],
				Priority:   priority,
				Reason:     reason,
				Actor:      actor,
			})
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), o)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "override %s: analysis %s is now P%d\n", o.ID, o.AnalysisID, priority)
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the priority changed")
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "who made the change")
	return cmd
}

func newScoreCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "score [file]",
		Short: "Validate a signals object and score it (reads stdin without a file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			raw, err := io.ReadAll(r)
			if err != nil {
				return err
			}

			signals, err := triage.ParseSignals(string(raw))
			if err != nil {
				return err
			}
			scoring := triage.Score(signals)
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"signals": signals, "scoring": scoring})
			}
			b := scoring.Breakdown
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"score %d priority P%d (severity %.1f, business risk %.1f, sentiment %.1f, confidence x%.2f)\n",
				scoring.Score, scoring.Priority, b.SeverityWeight, b.BusinessRiskWeight, b.SentimentWeight, b.ConfidenceMultiplier)
			return err
		},
	}
}

func newRecoverCmd(opts *options) *cobra.Command {
	var (
		redisAddr  string
		queue      string
		staleAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-queue analyses stuck in running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if redisAddr == "" {
				return errors.New("--redis-addr is required")
			}
			_, store, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			d := jobqueue.NewDispatcher(asynq.RedisClientOpt{Addr: redisAddr}, jobqueue.DispatcherConfig{Queue: queue}, log.Nop())
			defer func() { _ = d.Close() }()

			n, err := triage.NewRecoverer(store, d, staleAfter, log.Nop()).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int{"dispatched": n})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d stale analyses\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis-addr", os.Getenv("SIFT_REDIS_ADDR"), "Redis address of the job queue")
	cmd.Flags().StringVar(&queue, "queue", jobqueue.DefaultQueue, "job queue name")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", triage.DefaultStaleAfter, "re-queue analyses running longer than this")
	return cmd
}
