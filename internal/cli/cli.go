// Package cli implements the command-line interface for worldup.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eunmann/worldup/internal/metrics"
	"github.com/eunmann/worldup/pkg/humanfmt"
	"github.com/eunmann/worldup/pkg/logging"
	"github.com/eunmann/worldup/pkg/worldupgrade"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

// progressInterval is how often a running upgrade logs its progress.
var progressInterval = 10 * time.Second

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

type app struct {
	configPath string
	worldDir   string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "worldup",
		Short:         "Upgrade the region files of a world to the latest data version",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadConfig(a.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			a.v = v
			logging.Init(v.GetBool(cfgKeyLogDebug), v.GetBool(cfgKeyLogHuman))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().Bool("human", false, "human-readable console logs")

	root.AddCommand(a.upgradeCmd(), a.scanCmd(), versionCmd())
	return root
}

func (a *app) upgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade every chunk of a world",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runUpgrade(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&a.worldDir, "world", "", "world directory")
	f.Bool("erase-cache", false, "strip cached lighting and heightmaps")
	f.Bool("recreate", false, "rewrite every chunk into fresh region files")
	f.Duration("write-timeout", 0, "limit on each wait for region I/O (0 = none)")
	f.Int("latest-version", 0, "target data version (default: the migrator's latest)")
	f.String("report", "", "write a JSON run summary to this path")
	f.String("metrics-file", "", "write Prometheus metrics to this path when done")
	_ = cmd.MarkFlagRequired("world")
	return cmd
}

func (a *app) runUpgrade(ctx context.Context) error {
	opts, err := upgradeOptions(a.v, a.worldDir)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	opts.Recorder = metrics.New(reg)

	o, err := worldupgrade.New(opts)
	if err != nil {
		return err
	}
	task, err := o.Start(ctx)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	log := logging.WithPhase("upgrade")
loop:
	for {
		select {
		case <-task.Done():
			break loop
		case s := <-sig:
			log.Warn().Str("signal", s.String()).Msg("canceling, waiting for pending writes")
			task.Cancel()
		case <-ticker.C:
			logProgress(task)
		}
	}

	_, runErr := task.Wait(context.Background())
	if path := a.v.GetString(cfgKeyMetricsFile); path != "" {
		if err := metrics.WriteTextfile(path, reg); err != nil {
			log.Error().Err(err).Str("path", path).Msg("writing metrics")
		}
	}
	return runErr
}

func logProgress(task *worldupgrade.Task) {
	s := task.Snapshot()
	log := logging.WithPhase("upgrade")
	ev := log.Info().
		Str("status", s.Status.String()).
		Int64("converted", s.Converted).
		Int64("skipped", s.Skipped).
		Int64("total_chunks", s.TotalChunks).
		Float64("progress", s.TotalProgress)
	if logging.IsPrettyMode() {
		now := time.Now()
		ev = ev.Str("progress_h", humanfmt.Percent(s.TotalProgress)).
			Str("eta_h", humanfmt.Duration(s.ETA(now)))
	}
	ev.Msg("upgrade progress")
}

func (a *app) scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Count region files and chunks without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := upgradeOptions(a.v, a.worldDir)
			if err != nil {
				return err
			}
			o, err := worldupgrade.New(opts)
			if err != nil {
				return err
			}
			entries, err := o.Scan(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	cmd.Flags().StringVar(&a.worldDir, "world", "", "world directory")
	_ = cmd.MarkFlagRequired("world")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worldup version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "worldup", Version)
		},
	}
}
