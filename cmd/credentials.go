package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/meetpipe/config"
	"github.com/otherjamesbrown/meetpipe/credentials"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

type secretEntry struct {
	Name   string `json:"name" yaml:"name"`
	Stored bool   `json:"stored" yaml:"stored"`
	Masked string `json:"masked,omitempty" yaml:"masked,omitempty"`
	Known  bool   `json:"known" yaml:"known"`
}

type secretsReport struct {
	Path      string        `json:"path" yaml:"path"`
	KeySource string        `json:"key_source" yaml:"key_source"`
	Secrets   []secretEntry `json:"secrets" yaml:"secrets"`
}

// NewCredentialsCommand creates the 'credentials' command group.
func NewCredentialsCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage API keys in the encrypted secret store",
		Long: `Manage API keys and tokens in the local encrypted secret store.

Secrets are encrypted with AES-256-GCM. The key comes from MEETPIPE_ENCRYPTION_KEY,
the system keyring, or MEETPIPE_PASSPHRASE, in that order. Stored
secrets fill config fields that are still empty after the config file and the
environment are read, so an environment variable always wins.

Known secrets:
  ` + strings.Join(config.Secrets(), "\n  ") + `

Examples:
  # Prompt for the value without echoing it
  meetpipe credentials set linear_api_key

  # Read the value from stdin
  echo -n "$KEY" | meetpipe credentials set openai_api_key

  # Show what is stored, masked
  meetpipe credentials list`,
		Aliases: []string{"secrets", "creds"},
	}
	cmd.AddCommand(newCredentialsSetCommand(deps))
	cmd.AddCommand(newCredentialsDeleteCommand(deps))
	cmd.AddCommand(newCredentialsListCommand(deps))
	return cmd
}

func secretStore(deps *Deps) (SecretStore, error) {
	if deps.Secrets == nil {
		return nil, mperrors.Configuration(
			"no secret store key available: set MEETPIPE_ENCRYPTION_KEY or MEETPIPE_PASSPHRASE, or enable the system keyring")
	}
	return deps.Secrets, nil
}

func validateSecretName(name string, allowUnknown bool) error {
	if err := credentials.ValidateName(name); err != nil {
		return err
	}
	if !allowUnknown && !slices.Contains(config.Secrets(), name) {
		return fmt.Errorf("%w: unknown secret %q (pass --allow-unknown to store it anyway)", mperrors.ErrValidation, name)
	}
	return nil
}

func newCredentialsSetCommand(deps *Deps) *cobra.Command {
	var allowUnknown bool
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := validateSecretName(name, allowUnknown); err != nil {
				return err
			}
			store, err := secretStore(deps)
			if err != nil {
				return err
			}
			value, err := readSecret(cmd, name)
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("%w: empty value", mperrors.ErrValidation)
			}
			if err := store.Set(name, value); err != nil {
				return fmt.Errorf("storing %s: %w", name, err)
			}
			fmt.Fprintf(deps.out(), "Stored %s (%s) in %s\n", name, credentials.MaskCredential(value), store.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowUnknown, "allow-unknown", false, "Allow names the config does not read")
	return cmd
}

// readSecret prompts without echo on a terminal and otherwise reads one line.
func readSecret(cmd *cobra.Command, name string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", name)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", name, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return strings.TrimSpace(line), nil
}

func newCredentialsDeleteCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Short:   "Remove a stored secret",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credentials.ValidateName(args[0]); err != nil {
				return err
			}
			store, err := secretStore(deps)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return fmt.Errorf("deleting %s: %w", args[0], err)
			}
			fmt.Fprintf(deps.out(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newCredentialsListCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List known and stored secrets with masked values",
		Aliases: []string{"ls", "status"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			store, err := secretStore(deps)
			if err != nil {
				return err
			}
			report, err := buildSecretsReport(store)
			if err != nil {
				return err
			}
			return render(deps.out(), format, report, func(w io.Writer) error {
				fmt.Fprintf(w, "Store: %s\n", report.Path)
				fmt.Fprintf(w, "Key:   %s\n\n", report.KeySource)
				tw := newTable(w)
				fmt.Fprintln(tw, "NAME\tSTORED\tVALUE")
				for _, s := range report.Secrets {
					name := s.Name
					if !s.Known {
						name += " (unused)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", name, boolToYesNo(s.Stored), valueOrDefault(s.Masked, "-"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func buildSecretsReport(store SecretStore) (*secretsReport, error) {
	stored, err := store.Names()
	if err != nil {
		return nil, fmt.Errorf("reading secret store: %w", err)
	}
	report := &secretsReport{Path: store.Path(), KeySource: store.KeySource()}
	known := config.Secrets()
	for _, name := range known {
		e := secretEntry{Name: name, Known: true}
		if slices.Contains(stored, name) {
			v, err := store.Get(name)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			e.Stored, e.Masked = true, credentials.MaskCredential(v)
		}
		report.Secrets = append(report.Secrets, e)
	}
	for _, name := range stored {
		if slices.Contains(known, name) {
			continue
		}
		v, err := store.Get(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		report.Secrets = append(report.Secrets, secretEntry{Name: name, Stored: true, Masked: credentials.MaskCredential(v)})
	}
	return report, nil
}
