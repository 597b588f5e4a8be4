package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"onelane/internal/app"
	"onelane/internal/config"
	"onelane/internal/journal"
	"onelane/internal/trigger"
	logx "onelane/pkg/logx"
)

var flagConfig string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "onelane",
		Short:        "Run scheduled jobs one at a time on a single worker",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./config.json", "path to config (json or yaml)")

	root.AddCommand(newRunCmd(), newCheckCmd(), newHistoryCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(flagConfig)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), a.StopTimeout()+5*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(flagConfig).Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			lane := cfg.LaneConfig()
			queue := "unbounded"
			if lane.QueueSize > 0 {
				queue = fmt.Sprint(lane.QueueSize)
			}
			name := lane.Name
			if name == "" {
				name = "single"
			}
			fmt.Fprintf(out, "config ok: %s\n", flagConfig)
			fmt.Fprintf(out, "lane: %s (queue %s, stop timeout %s)\n", name, queue, cfg.StopTimeout())
			fmt.Fprintf(out, "log level: %s\n", orDefault(cfg.Logging.Level, "info"))
			fmt.Fprintf(out, "journal: %s\n", cfg.JournalSettings().Driver)
			fmt.Fprintf(out, "metrics: %s\n", orDefault(cfg.MetricsAddr(), "off"))

			jobs := cfg.EnabledJobs()
			fmt.Fprintf(out, "jobs: %d enabled, %d disabled\n", len(jobs), len(cfg.Jobs)-len(jobs))
			if len(jobs) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSCHEDULE\tCOMMAND")
			for _, j := range jobs {
				spec, _ := trigger.ParseSchedule(j.Schedule)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", j.Name, spec.String(), strings.Join(j.Command, " "))
			}
			return tw.Flush()
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent task runs from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(flagConfig).Load()
			if err != nil {
				return err
			}
			store, err := journal.Open(cfg.JournalSettings(), logx.Nop())
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("journal is disabled in this config")
			}
			defer store.Close()

			recs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUED\tNAME\tSTATUS\tDELAY\tTOOK\tERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Queued.Local().Format("2006-01-02 15:04:05"),
					orDefault(r.Name, "-"),
					r.Status,
					r.QueueDelay,
					r.Duration,
					truncate(r.Error, 60),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
