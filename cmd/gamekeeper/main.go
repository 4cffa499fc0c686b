package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/gamekeeper/internal/errdefs"
)

const defaultConfigPath = "gamekeeper.toml"

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

// buildRoot creates the command tree writing results to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{flags: globalFlags, out: out}

	root := &cobra.Command{
		Use:   "gamekeeper",
		Short: "Supervise a local game server",
		Long: `gamekeeper starts, watches, stops and backs up one local game server.

Run "gamekeeper serve" to start the daemon, then control it from any shell:
  gamekeeper start
  gamekeeper status
  gamekeeper send say Restarting in 5 minutes
  gamekeeper backup
  gamekeeper stop --grace=60s

Exit codes: 0 ok, 1 failure, 2 invalid transition, 3 timeout, 4 I/O, 5 crash.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", defaultConfigPath, "path to TOML config file")
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "", "daemon URL (default: from the config file, else http://127.0.0.1:8425/api)")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 3*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "print results as JSON")

	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createRestartCommand(cmd),
		createStatusCommand(cmd),
		createSendCommand(cmd),
		createLogsCommand(cmd),
		createBackupCommand(cmd),
		createBackupsCommand(cmd),
		createRestoreCommand(cmd),
		createProbeCommand(cmd),
		createHistoryCommand(cmd),
		createInitCommand(cmd),
	)
	return root
}

func createStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server and wait for it to become ready",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Start(cmd.Context()) },
	}
}

func createStopCommand(c command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the server gracefully, escalating to signals after the grace period",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Stop(cmd.Context(), *f) },
	}
	cmd.Flags().DurationVar(&f.Grace, "grace", 0, "time to wait for a clean shutdown (default: lifecycle.stop_grace)")
	return cmd
}

func createRestartCommand(c command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the server",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Restart(cmd.Context(), *f) },
	}
	cmd.Flags().DurationVar(&f.Grace, "grace", 0, "stop grace (default: lifecycle.stop_grace)")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server state",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Status(cmd.Context()) },
	}
}

func createSendCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "send <console command...>",
		Short: "Write a command line to the server console",
		Long: `Write a command line to the server console.

Examples:
  gamekeeper send save-all
  gamekeeper send say Backup in 1 minute`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return c.Send(cmd.Context(), args) },
	}
}

func createLogsCommand(c command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the most recent console lines",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Logs(cmd.Context(), *f) },
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 100, "number of lines")
	return cmd
}

func createBackupCommand(c command) *cobra.Command {
	f := &LocalFlags{}
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the server data directory now",
		Long: `Archive the server data directory now.

Through the daemon, a running server is asked to flush first according to
backup.consistency. With --local the archive is written directly from the
config file, without console coordination.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error { return c.Backup(cmd.Context(), *f) },
	}
	cmd.Flags().BoolVar(&f.Local, "local", false, "run without the daemon")
	return cmd
}

func createBackupsCommand(c command) *cobra.Command {
	f := &LocalFlags{}
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List backup archives, newest first",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Backups(cmd.Context(), *f) },
	}
	cmd.Flags().BoolVar(&f.Local, "local", false, "read the backup directory directly")
	return cmd
}

func createRestoreCommand(c command) *cobra.Command {
	f := &RestoreFlags{}
	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Replace the server data with a backup archive",
		Long: `Replace the server data with a backup archive. The server must be stopped.
The current data is kept next to it as <dir>.pre-restore-<timestamp>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return c.Restore(cmd.Context(), args[0], *f) },
	}
	cmd.Flags().BoolVar(&f.Local, "local", false, "run without the daemon")
	cmd.Flags().StringVar(&f.Target, "target", "", "directory to restore into (default: backup.source)")
	return cmd
}

func createProbeCommand(c command) *cobra.Command {
	f := &LocalFlags{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether the game port accepts connections",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Probe(cmd.Context(), *f) },
	}
	cmd.Flags().BoolVar(&f.Local, "local", false, "connect from this shell instead of the daemon")
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle and backup events",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.History(cmd.Context(), *f) },
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	return cmd
}

func createInitCommand(c command) *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Init(*f) },
	}
	cmd.Flags().StringVar(&f.Path, "path", "", "file to create (default: --config)")
	cmd.Flags().BoolVar(&f.Print, "print", false, "print to stdout instead of writing a file")
	return cmd
}
