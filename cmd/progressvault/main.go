package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/progressvault/internal/config"
	"github.com/agentworkforce/progressvault/internal/progression"
)

const watchSettleDelay = 250 * time.Millisecond

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatalf("progressvault: %v", err)
	}
}

type rootOptions struct {
	jsonOutput bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "progressvault",
		Short:         "Inspect and repair locally persisted progression records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print machine-readable JSON")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log reconciliation details to stderr")

	root.AddCommand(
		newInspectCmd(opts),
		newBackupsCmd(opts),
		newReconcileCmd(opts),
		newRestoreCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func (o *rootOptions) logger(cmd *cobra.Command) progression.Logger {
	if !o.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
}

// openAdapters loads configuration and opens every configured backend. The
// returned cleanup closes them.
func (o *rootOptions) openAdapters(cmd *cobra.Command) (config.Config, []progression.Adapter, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	adapters, err := cfg.BuildAdapters(o.logger(cmd))
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	cleanup := func() {
		for _, adapter := range adapters {
			if closer, ok := adapter.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		}
	}
	return cfg, adapters, cleanup, nil
}

type inspectReport struct {
	Key        string                        `json:"key"`
	Winner     *candidateView                `json:"winner,omitempty"`
	Candidates []candidateView               `json:"candidates"`
	State      *progression.ProgressionState `json:"state,omitempty"`
}

type candidateView struct {
	Source    progression.BackendID `json:"source"`
	Slot      string                `json:"slot"`
	Level     int                   `json:"level"`
	StatSum   int64                 `json:"statSum"`
	TotalXP   float64               `json:"totalXP"`
	Quality   float64               `json:"quality"`
	Timestamp int64                 `json:"timestamp"`
}

func viewOf(candidate progression.Candidate) candidateView {
	view := candidateView{
		Source:    candidate.Source,
		Slot:      candidate.Slot,
		Quality:   candidate.Quality,
		Timestamp: candidate.Timestamp,
	}
	if candidate.Data != nil {
		view.Level = candidate.Data.Level
		view.StatSum = candidate.Data.StatSum()
		view.TotalXP = candidate.Data.TotalXP
	}
	return view
}

// reconcileReadOnly runs a reconciliation pass without writing anything.
func reconcileReadOnly(ctx context.Context, cfg config.Config, adapters []progression.Adapter, logger progression.Logger) inspectReport {
	weights := cfg.Weights()
	reconciler := progression.NewReconciler(adapters, progression.NewScorer(weights, nil), weights, cfg.BackupDepth, logger)
	if cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.LoadTimeout)
		defer cancel()
	}
	candidates := reconciler.Gather(ctx, cfg.Key)
	report := inspectReport{Key: cfg.Key, Candidates: make([]candidateView, 0, len(candidates))}
	if best, ok := reconciler.SelectBest(candidates); ok {
		view := viewOf(best)
		report.Winner = &view
		report.State = best.Data
	}
	progression.SortCandidates(candidates)
	for _, candidate := range candidates {
		report.Candidates = append(report.Candidates, viewOf(candidate))
	}
	return report
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show every stored candidate and which one would win",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, adapters, cleanup, err := opts.openAdapters(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			report := reconcileReadOnly(cmd.Context(), cfg, adapters, opts.logger(cmd))
			return opts.printReport(cmd.OutOrStdout(), report)
		},
	}
}

func (o *rootOptions) printReport(out io.Writer, report inspectReport) error {
	if o.jsonOutput {
		return writeJSON(out, report)
	}
	if report.Winner == nil {
		fmt.Fprintf(out, "no stored progression for key %s\n", report.Key)
		return nil
	}
	w := report.Winner
	fmt.Fprintf(out, "winner: %s/%s key=%s level=%d quality=%.2f\n", w.Source, w.Slot, report.Key, w.Level, w.Quality)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSLOT\tLEVEL\tSTATS\tTOTAL XP\tQUALITY\tSAVED")
	for _, c := range report.Candidates {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f\t%.2f\t%s\n", c.Source, c.Slot, c.Level, c.StatSum, c.TotalXP, c.Quality, formatMillis(c.Timestamp))
	}
	return tw.Flush()
}

func newBackupsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backup slots per backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, adapters, cleanup, err := opts.openAdapters(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			type backupView struct {
				Backend   progression.BackendID `json:"backend"`
				ID        string                `json:"id"`
				Timestamp time.Time             `json:"timestamp"`
				Level     int                   `json:"level"`
				StatSum   int64                 `json:"statSum"`
			}
			var views []backupView
			for _, adapter := range adapters {
				backups, err := adapter.ListBackups(cmd.Context(), cfg.Key, cfg.BackupDepth)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", adapter.ID(), err)
					continue
				}
				for _, backup := range backups {
					views = append(views, backupView{
						Backend:   adapter.ID(),
						ID:        backup.ID,
						Timestamp: backup.Timestamp,
						Level:     backup.Data.Level,
						StatSum:   backup.Data.StatSum(),
					})
				}
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, views)
			}
			if len(views) == 0 {
				fmt.Fprintln(out, "no backups")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tID\tLEVEL\tSTATS\tSAVED")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", v.Backend, v.ID, v.Level, v.StatSum, v.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

// withEngine runs fn against a locked, loaded engine and tears it down after.
func (o *rootOptions) withEngine(cmd *cobra.Command, fn func(*progression.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := o.logger(cmd)
	adapters, err := cfg.BuildAdapters(logger)
	if err != nil {
		return err
	}
	engine, err := progression.New(cfg.EngineOptions(adapters, logger))
	if err != nil {
		for _, adapter := range adapters {
			if closer, ok := adapter.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		}
		return err
	}
	ctx := cmd.Context()
	if _, err := engine.Init(ctx); err != nil {
		_ = engine.Teardown(ctx)
		return err
	}
	runErr := fn(engine)
	return errors.Join(runErr, engine.Teardown(ctx))
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Load the best record and write it back to every backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(engine *progression.Engine) error {
				state := engine.Snapshot()
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, state)
				}
				backends := make([]string, 0, len(engine.Adapters()))
				for _, adapter := range engine.Adapters() {
					backends = append(backends, string(adapter.ID()))
				}
				fmt.Fprintf(out, "reconciled level=%d rank=%s tier=%d totalXP=%.0f stats=%d\n", state.Level, state.Rank, state.Rank.Tier(), state.TotalXP, state.StatSum())
				fmt.Fprintf(out, "session=%s backends=%s\n", engine.SessionID(), strings.Join(backends, ","))
				return nil
			})
		},
	}
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backend> <backup-id>",
		Short: "Replace the record with a backup slot and write it everywhere",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := progression.BackendID(strings.TrimSpace(args[0]))
			id := strings.TrimSpace(args[1])
			return opts.withEngine(cmd, func(engine *progression.Engine) error {
				restored, err := engine.RestoreBackup(cmd.Context(), backend, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, restored)
				}
				fmt.Fprintf(out, "restored %s/%s level=%d stats=%d\n", backend, id, restored.Level, restored.StatSum())
				return nil
			})
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-run inspect whenever files in the data directory change",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, adapters, cleanup, err := opts.openAdapters(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()
			if err := watcher.Add(cfg.DataDir); err != nil {
				return fmt.Errorf("watch %s: %w", cfg.DataDir, err)
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			logger := opts.logger(cmd)
			show := func() error {
				return opts.printReport(out, reconcileReadOnly(ctx, cfg, adapters, logger))
			}
			if err := show(); err != nil {
				return err
			}

			var settle <-chan time.Time
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if relevantEvent(event) {
						settle = time.After(watchSettleDelay)
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
				case <-settle:
					settle = nil
					fmt.Fprintf(out, "--- %s\n", time.Now().Format(time.RFC3339))
					if err := show(); err != nil {
						return err
					}
				}
			}
		},
	}
}

// relevantEvent ignores chmods, temp files and lock churn.
func relevantEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return strings.Contains(name, ".json") || strings.Contains(name, ".sqlite") || strings.HasSuffix(name, ".bolt")
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
