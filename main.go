// Package main provides the meetpipe CLI entry point.
// meetpipe turns meeting recordings and transcripts into decisions and
// action items, and pushes them to Linear, Gmail and Google Calendar.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/meetpipe/cmd"
	"github.com/otherjamesbrown/meetpipe/config"
	"github.com/otherjamesbrown/meetpipe/credentials"
	"github.com/otherjamesbrown/meetpipe/pkg/buildinfo"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

// Global flags.
var (
	cfgFile      string
	envFile      string
	outputFormat string
	debug        bool
)

// deps is filled in PersistentPreRunE and shared by every command.
var deps = &cmd.Deps{}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "meetpipe",
	Short: "Meeting intelligence pipeline",
	Long: `meetpipe turns meeting recordings and transcripts into summaries, decisions
and action items, and syncs them to Linear, Gmail and Google Calendar.

Every stage (ingest, transcribe, extract, sync) is recorded as a processing
run, so a failed meeting can be retried from where it stopped.

COMMON WORKFLOWS:
  Process a file now:  meetpipe process ./2024-03-05-Acme-kickoff.mp3
  Queue for workers:   meetpipe artifact register ./call.vtt --enqueue
  Run workers:         meetpipe worker
  Inspect:             meetpipe runs latest <meeting-id>  |  meetpipe meeting show <id>
  Retry a sync:        meetpipe sync <meeting-id> -d linear

DISCOVERY:
  meetpipe <command> --help   Subcommands, flags, and examples for any command
  meetpipe config show        Effective configuration, secrets masked
  meetpipe providers          Transcription providers and their status`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		// Skip initialization for commands that don't need it.
		switch c.Name() {
		case "version", "help", "completion":
			return nil
		}

		store := openSecretStore()
		cfg, err := config.Load(config.LoadOptions{Path: cfgFile, EnvFile: envFile, Secrets: store})
		if err != nil {
			if c.CommandPath() != "meetpipe config init" {
				return fmt.Errorf("loading configuration: %w", err)
			}
			cfg = config.DefaultConfig()
		}

		// Override with command-line flags.
		if outputFormat != "" {
			cfg.OutputFormat = config.OutputFormat(outputFormat)
		}
		if debug {
			cfg.Debug = true
		}

		logger := logging.NewLogger(cfg.LoggerConfig())
		logging.SetGlobal(logger)

		deps.Config = cfg
		deps.ConfigFile = cfgFile
		deps.Logger = logger
		deps.Out = c.OutOrStdout()
		if store != nil {
			deps.Secrets = store
		}
		return nil
	},
}

// openSecretStore returns nil when no encryption key source is available;
// commands that need the store report that themselves.
func openSecretStore() *credentials.Store {
	store, err := credentials.NewStore()
	if err != nil {
		if debug {
			fmt.Fprintf(os.Stderr, "secret store unavailable: %v\n", err)
		}
		return nil
	}
	return store
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of meetpipe.

Examples:
  meetpipe version
  meetpipe version --output json`,
	RunE: func(c *cobra.Command, args []string) error {
		return printVersion(c.OutOrStdout(), outputFormat)
	},
}

func printVersion(w io.Writer, format string) error {
	info := buildinfo.Get("meetpipe")
	switch config.OutputFormat(format) {
	case config.OutputFormatJSON, config.OutputFormatYAML:
		return cmd.Render(w, config.OutputFormat(format), info)
	}
	fmt.Fprintf(w, "meetpipe version %s\n", info.Version)
	fmt.Fprintf(w, "  commit:     %s\n", info.Commit)
	fmt.Fprintf(w, "  built:      %s\n", info.BuildTime)
	fmt.Fprintf(w, "  go:         %s\n", info.GoVersion)
	if info.Modified {
		fmt.Fprintln(w, "  (built from a modified tree)")
	}
	return nil
}

// completionCmd generates shell completion scripts.
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for meetpipe.

Bash:
  $ source <(meetpipe completion bash)

Zsh:
  $ meetpipe completion zsh > "${fpath[1]}/_meetpipe"

Fish:
  $ meetpipe completion fish | source

PowerShell:
  PS> meetpipe completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(c *cobra.Command, args []string) error {
		out := c.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	// Global flags.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.meetpipe/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default is ./.env)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "", "output format: text, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	// Add command groups for organized help output.
	rootCmd.AddGroup(
		&cobra.Group{ID: "pipeline", Title: "Pipeline:"},
		&cobra.Group{ID: "meetings", Title: "Meetings:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			rootCmd.AddCommand(c)
		}
	}

	add("pipeline",
		cmd.NewProcessCommand(deps),
		cmd.NewArtifactCommand(deps),
		cmd.NewEnqueueCommand(deps),
		cmd.NewRunsCommand(deps),
	)
	add("meetings",
		cmd.NewMeetingCommand(deps),
		cmd.NewExportCommand(deps),
	)
	add("sync",
		cmd.NewSyncCommand(deps),
		cmd.NewLinearCommand(deps),
		cmd.NewIntegrationsCommand(deps),
	)
	add("ops",
		cmd.NewWorkerCommand(deps),
		cmd.NewDLQCommand(deps),
		cmd.NewDbCommand(deps),
		cmd.NewProvidersCommand(deps),
	)
	add("setup",
		cmd.NewConfigCommand(deps),
		cmd.NewCredentialsCommand(deps),
		completionCmd,
		versionCmd,
	)
}

func main() {
	// Cancel running work on SIGINT/SIGTERM; workers drain before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if action := cmd.SuggestedAction(err); action != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", action)
		}
		stop()
		os.Exit(1)
	}
}
