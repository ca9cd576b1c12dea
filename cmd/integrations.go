package cmd

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
)

var integrationProviders = []string{mpsync.ProviderLinear, mpsync.ProviderGoogle}

// NewIntegrationsCommand creates the 'integrations' command group.
func NewIntegrationsCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrations",
		Short: "Switch sync providers on or off per organisation",
		Long: `Enable or disable a sync provider for one organisation.

An org without an integration row follows the global configuration. A
disabled provider's sync stages are recorded as skipped.

Providers: linear, google (covers google_email and google_calendar)

Examples:
  meetpipe integrations list
  meetpipe integrations disable google --org acme
  meetpipe integrations enable google --org acme`,
		Aliases: []string{"integration"},
	}
	cmd.AddCommand(newIntegrationsListCommand(deps))
	cmd.AddCommand(newIntegrationToggleCommand(deps, true))
	cmd.AddCommand(newIntegrationToggleCommand(deps, false))
	return cmd
}

func newIntegrationsListCommand(deps *Deps) *cobra.Command {
	var org, output string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "Show provider switches for an org",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := deps.orgID(org)
			if err != nil {
				return err
			}
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			list, err := app.Stores.Integrations.List(ctx, orgID)
			if err != nil {
				return err
			}
			return render(deps.out(), format, list, func(w io.Writer) error {
				tw := newTable(w)
				fmt.Fprintln(tw, "PROVIDER\tSTATE\tUPDATED")
				for _, p := range integrationProviders {
					state, updated := "default (enabled)", "-"
					for _, in := range list {
						if in.Provider == p {
							state, updated = boolToEnabled(in.Enabled), formatTime(&in.UpdatedAt)
						}
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p, state, updated)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newIntegrationToggleCommand(deps *Deps, enable bool) *cobra.Command {
	var org string
	use, short := "disable <provider>", "Disable a provider for an org"
	if enable {
		use, short = "enable <provider>", "Enable a provider for an org"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			if !slices.Contains(integrationProviders, provider) {
				return fmt.Errorf("%w: unknown provider %q (available: linear, google)", mperrors.ErrValidation, provider)
			}
			orgID, err := deps.orgID(org)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Stores.Integrations.Upsert(ctx, &mpsync.Integration{
				OrgID:    orgID,
				Provider: provider,
				Enabled:  enable,
			}); err != nil {
				return err
			}
			fmt.Fprintf(deps.out(), "%s %s for %s\n", provider, boolToEnabled(enable), orgID)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	return cmd
}
