package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/meetpipe/config"
	"github.com/otherjamesbrown/meetpipe/credentials"
)

// NewConfigCommand creates the 'config' command group.
func NewConfigCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `View and create the meetpipe configuration file.

Settings are read in this order, later sources winning:
  1. built-in defaults
  2. ~/.meetpipe/config.yaml (or --config)
  3. ./.env
  4. MEETPIPE_* environment variables
  5. the encrypted secret store, for credentials still unset

Secrets are never written to the config file. Store them with
'meetpipe credentials set' or pass them through the environment.`,
	}
	cmd.AddCommand(newConfigShowCommand(deps))
	cmd.AddCommand(newConfigInitCommand(deps))
	return cmd
}

func (d *Deps) configPath() (string, error) {
	if d.ConfigFile != "" {
		return d.ConfigFile, nil
	}
	return config.ConfigPath()
}

func newConfigShowCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			if deps.Config == nil {
				return errors.New("no configuration loaded")
			}
			path, _ := deps.configPath()
			shown := deps.Config.Redacted(credentials.MaskCredential)
			return render(deps.out(), format, shown, func(w io.Writer) error {
				fmt.Fprintf(w, "# config file: %s\n", valueOrDefault(path, "(none)"))
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(shown); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newConfigInitCommand(deps *Deps) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := deps.configPath()
			if err != nil {
				return fmt.Errorf("getting config path: %w", err)
			}
			w := deps.out()
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(w, "Configuration file already exists: %s\n", path)
				fmt.Fprintln(w, "Use 'meetpipe config show' to view current settings or --force to overwrite.")
				return nil
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return fmt.Errorf("saving configuration: %w", err)
			}
			fmt.Fprintf(w, "Created configuration file: %s\n", path)
			fmt.Fprintln(w, "Next: set org_id and linear.team_id, then store API keys with 'meetpipe credentials set'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
