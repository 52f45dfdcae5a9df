package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sidecar/pkg/client"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command
type RunFlags struct {
	Mode string
}

// PortFlags holds flags for the port command
type PortFlags struct {
	Start    uint16
	Attempts uint16
}

// InitFlags holds flags for the init command
type InitFlags struct {
	Mode   string
	Format string
	Output string
	Force  bool
}

// APIFlags holds the status API connection flags
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createPortCommand(c),
		createStatusCommand(c),
		createEventsCommand(c),
		createInitCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidecar",
		Short: "Launch and supervise a local backend server",
		Long: `Sidecar picks a free local port, launches the backend server on it,
waits for it to become ready, restarts it when it stops answering and
reports every transition as a backend-status event.

Examples:
  sidecar run --config sidecar.toml
  sidecar run --mode development
  sidecar status
  sidecar events --api-url=http://127.0.0.1:8079/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file (optional)")
	return root
}

func createRunCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and supervise the backend until interrupted",
		Long: `Allocate a port, start the status API, launch the backend and keep it
healthy until SIGINT or SIGTERM, then shut it down.

Exits non-zero when no port is free or the first launch fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Mode, "mode", "", "launch mode: development|production (default from config)")
	return cmd
}

func createPortCommand(c command) *cobra.Command {
	flags := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print the first free local port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Port(*flags)
		},
	}
	cmd.Flags().Uint16Var(&flags.Start, "start", 8080, "first port to try")
	cmd.Flags().Uint16Var(&flags.Attempts, "attempts", 10, "number of consecutive ports to try")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend port and current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createEventsCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream backend-status events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Events(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createInitCommand(c command) *cobra.Command {
	flags := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Generate a configuration file with the built-in defaults for the
chosen mode.

Examples:
  sidecar init --mode production > sidecar.toml
  sidecar init --mode development --format yaml --output sidecar.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Mode, "mode", "production", "development|production")
	cmd.Flags().StringVar(&flags.Format, "format", "toml", "toml|yaml")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing output file")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "status API base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}
