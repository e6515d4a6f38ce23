package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pdxseg/internal/api"
	"pdxseg/internal/daemonctl"
	"pdxseg/internal/daemonrun"
	"pdxseg/internal/preflight"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var serveLogLevel string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pdxseg daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: serveLogLevel})
		},
	}
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Override logging.level")

	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the pdxseg daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), ctx.client(), exe, daemonctl.LaunchOptions{
				ConfigPath: ctx.configPath,
				LogLevel:   startLogLevel,
			}, 15*time.Second)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
			default:
				fmt.Fprintf(out, "Daemon started (pid %d) on %s\n", result.PID, ctx.apiAddr())
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override logging.level for the daemon")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background pdxseg daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cmd.Context(), ctx.client(), daemonrun.PIDPath(ctx.configValue()), 10*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon (pid %d) did not exit in time and was killed\n", result.PID)
				return nil
			}
			fmt.Fprintf(out, "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and preflight checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := ctx.client().Status(cmd.Context())
			if api.IsUnavailable(err) {
				checks := preflight.RunAll(cmd.Context(), ctx.configValue())
				status = &api.DaemonStatus{Checks: checks}
				err = nil
			}
			if err != nil {
				return err
			}
			return emit(cmd, ctx.outputFormat(), status, func(out io.Writer) error {
				renderDaemonStatus(out, ctx.apiAddr(), status, shouldColorize(out))
				return nil
			})
		},
	}

	return []*cobra.Command{serveCmd, startCmd, stopCmd, statusCmd}
}

func renderDaemonStatus(out io.Writer, addr string, status *api.DaemonStatus, colorize bool) {
	lines := renderSectionHeader("Daemon", colorize)
	if status.Running {
		lines = append(lines, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d) on %s", status.PID, addr), colorize))
		lines = append(lines, renderStatusLine("Backend", statusInfo, status.Backend, colorize))
		lines = append(lines, renderStatusLine("Storage", statusInfo, status.StorageDir, colorize))
		lines = append(lines, renderStatusLine("Jobs", statusInfo, formatJobCounts(status.Jobs), colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "not running", colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Checks", colorize)...)
	for _, check := range status.Checks {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
	fmt.Fprintln(out, strings.Join(lines, "\n"))
}

func formatJobCounts(counts map[string]int) string {
	order := []string{"pending", "running", "done", "error"}
	parts := make([]string, 0, len(order))
	for _, status := range order {
		parts = append(parts, fmt.Sprintf("%s %d", status, counts[status]))
	}
	return strings.Join(parts, ", ")
}
