package cmd

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/cobra"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
)

type registerReport struct {
	Artifact  *meetings.Artifact `json:"artifact" yaml:"artifact"`
	Duplicate bool               `json:"duplicate" yaml:"duplicate"`
	MessageID string             `json:"message_id,omitempty" yaml:"message_id,omitempty"`
}

// NewArtifactCommand creates the 'artifact' command group.
func NewArtifactCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Register and inspect uploaded recordings and transcripts",
		Long: `Register and inspect artifacts: the recordings, transcripts and documents
meetings are built from.

The artifact kind comes from the file extension:
  audio       .mp3 .wav .m4a .ogg .flac .aac .opus
  video       .mp4 .mov .mkv .webm .avi
  transcript  .vtt .txt .md
  document    .pdf .doc .docx

Examples:
  meetpipe artifact register ./2024-03-05-Acme-kickoff.mp3 --enqueue
  meetpipe artifact register https://files.example.com/a.mp3 --checksum 9f86...
  meetpipe artifact show 8d0f...`,
		Aliases: []string{"artifacts"},
	}
	cmd.AddCommand(newArtifactRegisterCommand(deps))
	cmd.AddCommand(newArtifactShowCommand(deps))
	return cmd
}

func newArtifactRegisterCommand(deps *Deps) *cobra.Command {
	var (
		org, checksum, contentType, output string
		size                               int64
		enqueueIt                          bool
	)
	cmd := &cobra.Command{
		Use:   "register <file | url>",
		Short: "Register an artifact",
		Long: `Register a local file or a remote URL as an artifact.

Local files are hashed. URLs are not downloaded, so --checksum is required.
Registering content already registered in the org returns the existing
artifact.`,
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
			remote := strings.HasPrefix(args[0], "http://") || strings.HasPrefix(args[0], "https://")
			if remote && checksum == "" {
				return fmt.Errorf("%w: --checksum is required for URLs", mperrors.ErrValidation)
			}

			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			var a *meetings.Artifact
			if remote {
				a, err = app.Meetings.RegisterArtifact(ctx, meetings.ArtifactInput{
					OrgID:       orgID,
					Filename:    path.Base(strings.SplitN(args[0], "?", 2)[0]),
					Location:    args[0],
					Checksum:    checksum,
					ContentType: contentType,
					SizeBytes:   size,
				})
			} else {
				a, err = app.Meetings.RegisterFile(ctx, orgID, args[0])
			}
			report := registerReport{Artifact: a}
			switch {
			case errors.Is(err, mperrors.ErrAlreadyExists):
				report.Duplicate = true
			case err != nil:
				return err
			}

			if enqueueIt {
				ids, err := enqueueArtifact(cmd, app, orgID, a.ID)
				if err != nil {
					return err
				}
				report.MessageID = ids[0]
			}

			return render(deps.out(), format, report, func(w io.Writer) error {
				if report.Duplicate {
					fmt.Fprintf(w, "Already registered: %s\n", artifactRef(a))
				} else {
					fmt.Fprintf(w, "Registered: %s\n", artifactRef(a))
				}
				if report.MessageID != "" {
					fmt.Fprintf(w, "Queued for processing: %s\n", report.MessageID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().StringVar(&checksum, "checksum", "", "SHA-256 of the content (required for URLs)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type (default from extension)")
	cmd.Flags().Int64Var(&size, "size", 0, "Size in bytes (URLs only)")
	cmd.Flags().BoolVar(&enqueueIt, "enqueue", false, "Queue the artifact for processing")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func enqueueArtifact(cmd *cobra.Command, app *App, orgID, artifactID string) ([]string, error) {
	q, err := app.Queue(QueueProcess)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(cmd.Context(), newProcessJob(orgID, artifactID))
}

func newArtifactShowCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show <artifact-id>",
		Short: "Show an artifact",
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

			a, err := app.Meetings.Artifact(ctx, args[0])
			if err != nil {
				return err
			}
			return render(deps.out(), format, a, func(w io.Writer) error {
				fmt.Fprintf(w, "Artifact:     %s\n", a.ID)
				fmt.Fprintf(w, "Org:          %s\n", a.OrgID)
				fmt.Fprintf(w, "Filename:     %s\n", a.Filename)
				fmt.Fprintf(w, "Kind:         %s\n", a.Kind)
				fmt.Fprintf(w, "Content type: %s\n", valueOrDefault(a.ContentType, "-"))
				fmt.Fprintf(w, "Size:         %d bytes\n", a.SizeBytes)
				fmt.Fprintf(w, "Checksum:     %s\n", a.Checksum)
				fmt.Fprintf(w, "Location:     %s\n", a.Location)
				fmt.Fprintf(w, "Meeting:      %s\n", valueOrDefault(a.MeetingID, "(not ingested)"))
				fmt.Fprintf(w, "Registered:   %s\n", formatTime(&a.CreatedAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}
