package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drew-sinha/rpc-scope/internal/experiment"
	"github.com/drew-sinha/rpc-scope/internal/model"
	"github.com/drew-sinha/rpc-scope/internal/override"
	"github.com/drew-sinha/rpc-scope/internal/setup"
	"github.com/drew-sinha/rpc-scope/internal/status"
	"github.com/drew-sinha/rpc-scope/internal/timepoint"
	"github.com/drew-sinha/rpc-scope/internal/watchdog"
)

func InitCmd() *cobra.Command {
	var (
		name      string
		zMax      float64
		positions []string
		channels  []string
	)
	cmd := &cobra.Command{
		Use:   "init <experiment-dir>",
		Short: "Create a new experiment directory",
		Long: `Create the experiment skeleton: config.yaml from the built-in template,
experiment_metadata.yaml, an empty z_updates.yaml and the logs/, state/,
locks/ and "Focus Masks" directories.

Examples:
  scope init /data/lifespan-7 --z-max 26 --position 00=12.1,3.4,24.5 --position 01=14.0,3.4,24.4
  scope init ./trial --channel bf --channel gfp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := setup.Options{Name: name, ZMax: zMax, Channels: channels}
			if len(positions) > 0 {
				opts.Positions = make(map[string]model.Coords, len(positions))
			}
			for _, p := range positions {
				n, c, err := parsePosition(p)
				if err != nil {
					return err
				}
				if _, dup := opts.Positions[n]; dup {
					return fmt.Errorf("position %q given twice", n)
				}
				opts.Positions[n] = c
			}
			if err := setup.Run(args[0], opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized experiment in %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Experiment name (default: directory name)")
	cmd.Flags().Float64Var(&zMax, "z-max", 0, "Highest safe stage z in mm")
	cmd.Flags().StringArrayVar(&positions, "position", nil, "Position as name=x,y,z (repeat flag)")
	cmd.Flags().StringArrayVar(&channels, "channel", nil, "Acquisition channel (repeat flag)")
	return cmd
}

func RunCmd() *cobra.Command {
	var (
		dir   string
		delay string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire one timepoint",
		Long: `Acquire one timepoint of the experiment: visit every position, revisit
them as configured, and record when the next timepoint is due.

--delay postpones the start and accepts h, h:m or h:m:s.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := model.ParseDelay(delay)
			if err != nil {
				return err
			}
			exp, err := experiment.Find(dir)
			if err != nil {
				return err
			}
			rep, err := timepoint.New(exp, timepoint.WithSignals(), timepoint.WithDelay(d)).Run(cmd.Context())
			if rep.Timepoint != "" {
				printReport(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}
	dirFlag(cmd, &dir)
	cmd.Flags().StringVar(&delay, "delay", "", "Wait this long before starting (h, h:m or h:m:s)")
	return cmd
}

func printReport(w io.Writer, rep timepoint.Report) {
	fmt.Fprintf(w, "timepoint %s: %d visits (%d revisits), %d images, %s\n",
		rep.Timepoint, len(rep.Summary.Visits), rep.Summary.Revisits, rep.Images,
		rep.FinishedAt.Sub(rep.StartedAt).Round(time.Second))
	if len(rep.Summary.Skipped) > 0 {
		fmt.Fprintf(w, "skipped: %v\n", rep.Summary.Skipped)
	}
	if rep.HasNextRun {
		fmt.Fprintf(w, "next run: %s\n", rep.NextRun.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "next run: none")
	}
}

func StatusCmd() *cobra.Command {
	var (
		dir        string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show experiment, watchdog and focus status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exp, err := experiment.Find(dir)
			if err != nil {
				return err
			}
			return status.Run(cmd.Context(), exp, cmd.OutOrStdout(), jsonOutput)
		},
	}
	dirFlag(cmd, &dir)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func OverrideCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "override <position> <z>",
		Short: "Set the focus z of a position by hand",
		Long: `Record a manual focus override. The next visit to the position uses z
instead of autofocusing, including visits of a timepoint already running.

Examples:
  scope override 07 24.512
  scope override 07 24.512 --dir /data/lifespan-7`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position := args[0]
			z, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("z %q: %w", args[1], err)
			}
			exp, err := experiment.Find(dir)
			if err != nil {
				return err
			}
			md, err := exp.LoadExperiment()
			if err != nil {
				return err
			}
			if _, ok := md.Positions[position]; !ok {
				return fmt.Errorf("unknown position %q", position)
			}
			if md.ZMax > 0 && z > md.ZMax {
				return fmt.Errorf("z %g exceeds z_max %g", z, md.ZMax)
			}
			if err := override.Append(cmd.Context(), exp.ZUpdatesPath(), exp.ZUpdatesLockPath(), time.Now(), position, z); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "position %s: focus override z=%g\n", position, z)
			return nil
		},
	}
	dirFlag(cmd, &dir)
	return cmd
}

func WatchdogCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Watch acquisition heartbeats and raise an alarm when they stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exp, err := experiment.Find(dir)
			if err != nil {
				return err
			}
			cfg, err := exp.LoadConfig()
			if err != nil {
				return err
			}
			w, err := watchdog.New(exp, cfg)
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
	dirFlag(cmd, &dir)
	return cmd
}

func NextRunCmd() *cobra.Command {
	var (
		dir  string
		unix bool
	)
	cmd := &cobra.Command{
		Use:   "next-run",
		Short: "Print when the next timepoint is due",
		Long: `Print the next run time recorded by the last timepoint. With --unix the
time is printed as seconds since the epoch, for use by a job scheduler.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exp, err := experiment.Find(dir)
			if err != nil {
				return err
			}
			md, err := exp.LoadExperiment()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if md.NextRunTime == nil {
				fmt.Fprintln(out, color.New(color.FgYellow).Sprint("not scheduled"))
				return nil
			}
			if unix {
				fmt.Fprintln(out, strconv.FormatFloat(*md.NextRunTime, 'f', 3, 64))
				return nil
			}
			fmt.Fprintln(out, model.FromUnixSeconds(*md.NextRunTime).Local().Format(time.RFC3339))
			return nil
		},
	}
	dirFlag(cmd, &dir)
	cmd.Flags().BoolVar(&unix, "unix", false, "Print seconds since the epoch")
	return cmd
}
