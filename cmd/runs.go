package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/meetpipe/pkg/runs"
)

// NewRunsCommand creates the 'runs' command group.
func NewRunsCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect processing runs",
		Long: `Inspect processing runs. Every attempt of every stage is recorded as a run
with its status, error and metadata.

Examples:
  # Recent failures
  meetpipe runs list --status failed

  # Latest run per stage for a meeting
  meetpipe runs latest 5e6f...

  # Latest run per stage for an artifact
  meetpipe runs latest 8d0f... --artifact`,
		Aliases: []string{"run"},
	}
	cmd.AddCommand(newRunsListCommand(deps))
	cmd.AddCommand(newRunsLatestCommand(deps))
	cmd.AddCommand(newRunsShowCommand(deps))
	return cmd
}

func newRunsListCommand(deps *Deps) *cobra.Command {
	var (
		org, meetingID, artifactID, stage, status, output string
		limit                                             int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List runs, newest first",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			filter := runs.Filter{
				OrgID:      org,
				MeetingID:  meetingID,
				ArtifactID: artifactID,
				Status:     runs.Status(status),
				Limit:      limit,
			}
			if filter.OrgID == "" && deps.Config != nil {
				filter.OrgID = deps.Config.OrgID
			}
			if stage != "" {
				if filter.Stage, err = runs.ParseStage(stage); err != nil {
					return err
				}
			}
			switch filter.Status {
			case "", runs.StatusQueued, runs.StatusRunning, runs.StatusSucceeded, runs.StatusFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}

			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			list, err := app.Tracker.List(ctx, filter)
			if err != nil {
				return err
			}
			return render(deps.out(), format, list, func(w io.Writer) error {
				return printRuns(w, list)
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().StringVar(&meetingID, "meeting", "", "Filter by meeting ID")
	cmd.Flags().StringVar(&artifactID, "artifact", "", "Filter by artifact ID")
	cmd.Flags().StringVar(&stage, "stage", "", "Filter by stage")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: queued, running, succeeded, failed")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of results")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newRunsLatestCommand(deps *Deps) *cobra.Command {
	var (
		isArtifact bool
		output     string
	)
	cmd := &cobra.Command{
		Use:   "latest <meeting-id>",
		Short: "Show the latest run of every stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			subject := runs.Subject{MeetingID: args[0]}
			if isArtifact {
				subject = runs.Subject{ArtifactID: args[0]}
			}

			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			latest, err := app.Tracker.Latest(ctx, subject)
			if err != nil {
				return err
			}
			ordered := make([]*runs.Run, 0, len(latest))
			for _, st := range runs.Stages {
				if r, ok := latest[st]; ok {
					ordered = append(ordered, r)
				}
			}
			return render(deps.out(), format, latest, func(w io.Writer) error {
				if len(ordered) == 0 {
					fmt.Fprintln(w, "No runs recorded.")
					return nil
				}
				return printRuns(w, ordered)
			})
		},
	}
	cmd.Flags().BoolVar(&isArtifact, "artifact", false, "Treat the argument as an artifact ID")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newRunsShowCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			run, err := app.Tracker.Store().Get(ctx, args[0])
			if err != nil {
				return err
			}
			return render(deps.out(), format, run, func(w io.Writer) error {
				return printRun(w, run)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func printRuns(w io.Writer, list []*runs.Run) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTAGE\tATTEMPT\tSTATUS\tSTARTED\tDURATION\tDETAIL")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.Stage, r.Attempt, r.Status, formatTime(r.StartedAt), formatDuration(r.Duration()), runDetail(r))
	}
	return tw.Flush()
}

func printRun(w io.Writer, r *runs.Run) error {
	fmt.Fprintf(w, "Run:       %s\n", r.ID)
	fmt.Fprintf(w, "Org:       %s\n", r.OrgID)
	fmt.Fprintf(w, "Meeting:   %s\n", valueOrDefault(r.MeetingID, "-"))
	fmt.Fprintf(w, "Artifact:  %s\n", valueOrDefault(r.ArtifactID, "-"))
	fmt.Fprintf(w, "Stage:     %s (attempt %d)\n", r.Stage, r.Attempt)
	fmt.Fprintf(w, "Status:    %s\n", r.StatusLine())
	fmt.Fprintf(w, "Created:   %s\n", formatTime(&r.CreatedAt))
	fmt.Fprintf(w, "Started:   %s\n", formatTime(r.StartedAt))
	fmt.Fprintf(w, "Finished:  %s\n", formatTime(r.FinishedAt))
	fmt.Fprintf(w, "Duration:  %s\n", formatDuration(r.Duration()))
	if len(r.Metadata) > 0 {
		fmt.Fprintln(w, "Metadata:")
		keys := make([]string, 0, len(r.Metadata))
		for k := range r.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, r.Metadata[k])
		}
	}
	return nil
}
