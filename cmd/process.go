package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	"github.com/otherjamesbrown/meetpipe/pkg/pipeline"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
)

// processReport is the output of the process command.
type processReport struct {
	ArtifactID  string                    `json:"artifact_id" yaml:"artifact_id"`
	MeetingID   string                    `json:"meeting_id,omitempty" yaml:"meeting_id,omitempty"`
	Runs        []*runs.Run               `json:"runs" yaml:"runs"`
	Resumed     []runs.Stage              `json:"resumed,omitempty" yaml:"resumed,omitempty"`
	Partial     bool                      `json:"partial" yaml:"partial"`
	SyncBlocked bool                      `json:"sync_blocked" yaml:"sync_blocked"`
	Syncs       map[string]map[string]int `json:"syncs,omitempty" yaml:"syncs,omitempty"`
	Error       string                    `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorCode   string                    `json:"error_code,omitempty" yaml:"error_code,omitempty"`
}

func newProcessReport(res *pipeline.Result, err error) *processReport {
	r := &processReport{Syncs: map[string]map[string]int{}}
	if res != nil {
		r.ArtifactID = res.ArtifactID
		r.MeetingID = res.MeetingID
		r.Runs = res.Runs
		r.Resumed = res.Resumed
		r.Partial = res.Partial
		r.SyncBlocked = res.SyncBlocked
		for dest, s := range res.Syncs {
			counts := map[string]int{}
			for outcome, n := range s.Counts() {
				counts[string(outcome)] = n
			}
			r.Syncs[dest] = counts
		}
	}
	if err != nil {
		r.Error = err.Error()
		r.ErrorCode = string(mperrors.CodeOf(err))
	}
	return r
}

// NewProcessCommand creates the 'process' command.
func NewProcessCommand(deps *Deps) *cobra.Command {
	var (
		org    string
		force  bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "process <artifact-id | file>",
		Short: "Run the pipeline for one artifact in this process",
		Long: `Run ingest, transcription, extraction and the configured syncs for one
artifact without going through the queue.

The argument is an artifact ID or a path to a local file. A file is
registered first; uploading the same content twice reuses the artifact.

Stages whose latest run succeeded are skipped. Use --force to run them again.

Examples:
  # Process a recording
  meetpipe process ./2024-03-05-Acme-kickoff.mp3 --org acme

  # Re-run every stage for an artifact
  meetpipe process 8d0f... --force

  # Machine-readable result
  meetpipe process ./notes.vtt -o json`,
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
			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			artifactID, err := resolveArtifact(cmd, app, orgID, args[0])
			if err != nil {
				return err
			}

			driver := app.Driver
			if force {
				driver = app.ForcedDriver()
			}
			res, perr := driver.ProcessArtifact(ctx, orgID, artifactID)
			report := newProcessReport(res, perr)
			if err := render(deps.out(), format, report, func(w io.Writer) error {
				return printProcessReport(w, report)
			}); err != nil {
				return err
			}
			return perr
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "Re-run stages that already succeeded")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

// resolveArtifact registers arg when it names a local file, otherwise
// treats it as an artifact ID.
func resolveArtifact(cmd *cobra.Command, app *App, orgID, arg string) (string, error) {
	info, err := os.Stat(arg)
	if err != nil || info.IsDir() {
		return arg, nil
	}
	a, err := app.Meetings.RegisterFile(cmd.Context(), orgID, arg)
	if errors.Is(err, mperrors.ErrAlreadyExists) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Artifact already registered: %s\n", a.ID)
		return a.ID, nil
	}
	if err != nil {
		return "", err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Registered artifact %s (%s)\n", a.ID, a.Kind)
	return a.ID, nil
}

func printProcessReport(w io.Writer, r *processReport) error {
	fmt.Fprintf(w, "Artifact: %s\n", r.ArtifactID)
	fmt.Fprintf(w, "Meeting:  %s\n\n", valueOrDefault(r.MeetingID, "-"))

	if len(r.Resumed) > 0 {
		names := make([]string, len(r.Resumed))
		for i, s := range r.Resumed {
			names[i] = string(s)
		}
		fmt.Fprintf(w, "Resumed (already succeeded): %s\n\n", strings.Join(names, ", "))
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "STAGE\tATTEMPT\tSTATUS\tDURATION\tDETAIL")
	for _, run := range r.Runs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			run.Stage, run.Attempt, run.Status, formatDuration(run.Duration()), runDetail(run))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if r.Partial {
		fmt.Fprintln(w, "\nExtraction was partial: some chunks failed.")
	}
	if r.SyncBlocked {
		fmt.Fprintln(w, "Syncs were blocked because extraction was partial.")
	}
	if r.Error != "" {
		fmt.Fprintf(w, "\nStopped: %s (%s)\n", r.Error, r.ErrorCode)
		if action := mperrors.GetSuggestedAction(mperrors.ErrorCode(r.ErrorCode)); action != "" {
			fmt.Fprintf(w, "Suggested action: %s\n", action)
		}
	}
	return nil
}

// runDetail picks the most useful metadata for a one-line summary.
func runDetail(run *runs.Run) string {
	if run.Status == runs.StatusFailed {
		return truncate(run.Error, 60)
	}
	m := run.Metadata
	switch {
	case m["reason"] != nil:
		return fmt.Sprintf("skipped: %v", m["reason"])
	case m["segments"] != nil:
		return fmt.Sprintf("%v segments via %v", m["segments"], m["provider"])
	case m["decisions"] != nil:
		return fmt.Sprintf("%v chunks, %v decisions, %v action items", m["chunks"], m["decisions"], m["action_items"])
	case run.Stage != runs.StageExtract && m["entities"] != nil:
		return fmt.Sprintf("%v created, %v updated, %v skipped, %v failed",
			intOr0(m["created"]), intOr0(m["updated"]), intOr0(m["skipped"]), intOr0(m["failed"]))
	case m["meeting_id"] != nil:
		return fmt.Sprintf("%v", m["title"])
	}
	return ""
}

func intOr0(v any) any {
	if v == nil {
		return 0
	}
	return v
}

// artifactRef shortens IDs for text output.
func artifactRef(a *meetings.Artifact) string {
	return fmt.Sprintf("%s (%s, %s)", a.ID, a.Filename, a.Kind)
}
