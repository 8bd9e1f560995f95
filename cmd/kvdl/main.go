package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/kvdl"
)

const (
	exitFatal   = 1
	exitPartial = 2
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	c := newCommand()
	root := buildRoot(c)
	err := root.ExecuteContext(context.Background())
	printErr(err)
	c.close()
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case kvdl.IsPartialFailure(err):
		return exitPartial
	default:
		return exitFatal
	}
}

func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	downloadFlags := &DownloadFlags{}
	progressFlags := &ProgressFlags{}
	statusFlags := &StatusFlags{}

	root := createRootCommand(c, globalFlags)
	root.AddCommand(
		createAuthCommand(c),
		createLogoutCommand(c),
		createDownloadCommand(c, downloadFlags),
		createProgressCommand(c, progressFlags),
		createStatusCommand(c, statusFlags),
	)
	return root
}

func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "kvdl",
		Short: "Download every isolated track of a purchased custom backing track",
		Long: `kvdl signs in to the backing-track store, soloes each track of a song
in a browser and downloads it, remembering finished tracks so an
interrupted run can be resumed.

Examples:
  kvdl auth
  kvdl download https://www.karaoke-version.com/custombackingtrack/artist/song.html
  kvdl download --transpose=-2 --count-in <url>
  kvdl progress show`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(*flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.EnvFile, "env-file", ".env", "dotenv file loaded before reading credentials")
	root.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	return root
}

func createAuthCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Store site credentials in the OS keychain",
		Long: `Prompt for the site username and password and store them in the
operating system's keychain. They are only handed to the browser during
sign-in.

Examples:
  kvdl auth`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Auth()
		},
	}
}

func createLogoutCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials from the OS keychain",
		Long: `Remove stored credentials from the OS keychain.

Examples:
  kvdl logout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logout()
		},
	}
}

func createDownloadCommand(c *command, flags *DownloadFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <song-url>",
		Short: "Download all tracks of a song",
		Long: `Download every track of the song at <song-url>. Tracks finished by an
earlier run of the same song are skipped unless --force-restart is given.

Exit status is 1 on fatal errors and 2 when some tracks failed after all
retries; run the command again to resume.

Examples:
  kvdl download <url>
  kvdl download -H -d ~/Music/stems <url>
  kvdl download --transpose=1 --count-in <url>
  kvdl download --status-listen=:8089 <url>   # then: kvdl status --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.URL = args[0]
			return c.Download(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVarP(&flags.Headless, "headless", "H", false, "launch the browser headless")
	cmd.Flags().StringVarP(&flags.DownloadPath, "download-path", "d", "", "directory downloads are saved to (default ~/Downloads)")
	cmd.Flags().IntVarP(&flags.Transpose, "transpose", "t", 0, "transpose the key of all tracks (-4..4)")
	cmd.Flags().BoolVarP(&flags.CountIn, "count-in", "c", false, "count in an intro for all tracks")
	cmd.Flags().BoolVar(&flags.ForceRestart, "force-restart", false, "ignore any previous download progress")
	cmd.Flags().StringVar(&flags.StatusListen, "status-listen", "", "serve the status API on this address while downloading")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve prometheus metrics on this address while downloading")
	return cmd
}

func createProgressCommand(c *command, flags *ProgressFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect or reset saved download progress",
	}
	cmd.PersistentFlags().StringVar(&flags.Dir, "dir", "", "directory holding the progress file (default from config or working directory)")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the saved progress record",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ProgressShow(*flags)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete the saved progress record",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ProgressClear(*flags)
			},
		},
	)
	return cmd
}

func createStatusCommand(c *command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running download",
		Long: `Query the status API of a download started with --status-listen.

Examples:
  kvdl status
  kvdl status --watch --api-url=http://localhost:8089/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "status API URL (default from [server] config)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "poll until the run finishes")
	cmd.Flags().DurationVar(&flags.Interval, "interval", time.Second, "watch interval")
	return cmd
}

func printErr(err error) {
	if err == nil {
		return
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	if errors.Is(err, kvdl.ErrPartialFailure) {
		_, _ = fmt.Fprintln(os.Stderr, "Progress has been saved. Run the command again to retry the failed tracks.")
	}
}
