package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
)

// NewSyncCommand creates the 'sync' command.
func NewSyncCommand(deps *Deps) *cobra.Command {
	var (
		org          string
		destinations []string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "sync <meeting-id>",
		Short: "Push a meeting's action items and follow-ups to external systems",
		Long: `Sync an extracted meeting to Linear, Gmail and Google Calendar.

Objects already created for the meeting are updated in place when their
content changed and skipped otherwise; running sync twice never creates
duplicates. Destinations without credentials, or disabled for the org,
are recorded as skipped.

Examples:
  # Sync to every configured destination
  meetpipe sync 5e6f...

  # Linear only
  meetpipe sync 5e6f... -d linear -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := deps.orgID(org)
			if err != nil {
				return err
			}
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			if len(destinations) == 0 {
				destinations = deps.Config.Pipeline.Destinations
			}

			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			var (
				summaries []*mpsync.Summary
				errs      []error
			)
			for _, dest := range destinations {
				s, err := app.Driver.SyncMeeting(ctx, orgID, args[0], dest)
				if s != nil {
					summaries = append(summaries, s)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", dest, err))
					if s == nil {
						// Nothing ran; later destinations would fail the same way.
						break
					}
				}
			}
			if err := render(deps.out(), format, summaries, func(w io.Writer) error {
				return printSyncSummaries(w, summaries)
			}); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().StringSliceVarP(&destinations, "destination", "d", nil, "Destination: linear, google_email, google_calendar (default: configured destinations)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func printSyncSummaries(w io.Writer, summaries []*mpsync.Summary) error {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "Nothing synced.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "DESTINATION\tOUTCOME\tTITLE\tEXTERNAL\tERROR")
	for _, s := range summaries {
		if len(s.Results) == 0 {
			fmt.Fprintf(tw, "%s\t-\t(no items)\t\t\n", s.Destination)
		}
		for _, r := range s.Results {
			ext := r.ExternalURL
			if ext == "" {
				ext = r.ExternalID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				s.Destination, r.Outcome, truncate(r.Title, 50), valueOrDefault(ext, "-"), truncate(r.Error, 40))
		}
	}
	return tw.Flush()
}
