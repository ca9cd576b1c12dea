package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
	"github.com/otherjamesbrown/meetpipe/pkg/sync/linear"
)

// NewLinearCommand creates the 'linear' command group.
func NewLinearCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "linear",
		Short: "Manage the Linear user directory used to assign issues",
		Long: `Manage how action item owners map to Linear users.

Owners are matched against the org's copy of the Linear workspace: first by
alias, then by email, then by full name, then by a unique first name. Sync the
workspace after people join, and add an alias when a transcript spells a name
differently from Linear.

Examples:
  meetpipe linear users sync
  meetpipe linear users list
  meetpipe linear alias add "Bob" 1f2e...
  meetpipe linear alias remove "Bob"`,
	}

	users := &cobra.Command{Use: "users", Short: "Workspace users"}
	users.AddCommand(newLinearUsersSyncCommand(deps))
	users.AddCommand(newLinearUsersListCommand(deps))

	alias := &cobra.Command{Use: "alias", Short: "Manual name corrections", Aliases: []string{"aliases"}}
	alias.AddCommand(newLinearAliasAddCommand(deps))
	alias.AddCommand(newLinearAliasRemoveCommand(deps))
	alias.AddCommand(newLinearAliasListCommand(deps))

	cmd.AddCommand(users, alias)
	return cmd
}

func newLinearUsersSyncCommand(deps *Deps) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy the Linear workspace users into the directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if app.Linear == nil {
				return mperrors.Configuration("linear is not configured: set linear.api_key or store %q", "linear_api_key")
			}
			n, err := linear.SyncUsers(ctx, app.Linear, app.Stores.Directory, orgID)
			if err != nil {
				return fmt.Errorf("syncing linear users: %w", err)
			}
			fmt.Fprintf(deps.out(), "Synced %d active Linear user(s) for %s\n", n, orgID)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	return cmd
}

func newLinearUsersListCommand(deps *Deps) *cobra.Command {
	var org, output string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List directory users",
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

			users, err := app.Stores.Directory.Users(ctx, orgID, mpsync.ProviderLinear)
			if err != nil {
				return err
			}
			return render(deps.out(), format, users, func(w io.Writer) error {
				if len(users) == 0 {
					fmt.Fprintln(w, "No users. Run 'meetpipe linear users sync'.")
					return nil
				}
				tw := newTable(w)
				fmt.Fprintln(tw, "ID\tNAME\tEMAIL")
				for _, u := range users {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", u.ExternalID, u.Name, valueOrDefault(u.Email, "-"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newLinearAliasAddCommand(deps *Deps) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "add <alias> <linear-user-id>",
		Short: "Map a spoken name to a Linear user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if err := app.Stores.Directory.SetAlias(ctx, orgID, mpsync.ProviderLinear, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(deps.out(), "Alias %q -> %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	return cmd
}

func newLinearAliasRemoveCommand(deps *Deps) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:     "remove <alias>",
		Short:   "Remove an alias",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if err := app.Stores.Directory.DeleteAlias(ctx, orgID, mpsync.ProviderLinear, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(deps.out(), "Removed alias %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	return cmd
}

func newLinearAliasListCommand(deps *Deps) *cobra.Command {
	var org, output string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List aliases",
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

			aliases, err := app.Stores.Directory.Aliases(ctx, orgID, mpsync.ProviderLinear)
			if err != nil {
				return err
			}
			return render(deps.out(), format, aliases, func(w io.Writer) error {
				keys := make([]string, 0, len(aliases))
				for k := range aliases {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				tw := newTable(w)
				fmt.Fprintln(tw, "ALIAS\tLINEAR USER")
				for _, k := range keys {
					fmt.Fprintf(tw, "%s\t%s\n", k, aliases[k])
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}
