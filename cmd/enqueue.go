package cmd

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/meetpipe/pkg/pipeline"
	"github.com/otherjamesbrown/meetpipe/pkg/queue"
)

type enqueueReport struct {
	Queue      string   `json:"queue" yaml:"queue"`
	BatchID    string   `json:"batch_id" yaml:"batch_id"`
	MessageIDs []string `json:"message_ids" yaml:"message_ids"`
}

// NewEnqueueCommand creates the 'enqueue' command group.
func NewEnqueueCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue pipeline work for the workers",
		Long: `Queue artifacts for processing or meetings for a sync. Jobs are picked up
by 'meetpipe worker'.

Examples:
  # Queue two artifacts at high priority
  meetpipe enqueue process 8d0f... 1b2c... --priority high

  # Re-sync a meeting to Linear
  meetpipe enqueue sync 5e6f... --destination linear`,
	}
	cmd.AddCommand(newEnqueueProcessCommand(deps))
	cmd.AddCommand(newEnqueueSyncCommand(deps))
	return cmd
}

func newEnqueueProcessCommand(deps *Deps) *cobra.Command {
	var org, priority, output string
	cmd := &cobra.Command{
		Use:   "process <artifact-id>...",
		Short: "Queue artifacts for processing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := deps.orgID(org)
			if err != nil {
				return err
			}
			batch := uuid.NewString()
			jobs := make([]queue.Job, len(args))
			for i, id := range args {
				jobs[i] = queue.Job{
					Type:       queue.JobProcessArtifact,
					OrgID:      orgID,
					ArtifactID: id,
					Priority:   queue.ParsePriority(priority),
					BatchID:    batch,
				}
			}
			return enqueue(cmd, deps, QueueProcess, batch, jobs, output)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Priority: low, normal, high")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newEnqueueSyncCommand(deps *Deps) *cobra.Command {
	var org, priority, output string
	var destinations []string
	cmd := &cobra.Command{
		Use:   "sync <meeting-id>...",
		Short: "Queue meetings for a sync",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := deps.orgID(org)
			if err != nil {
				return err
			}
			if len(destinations) == 0 {
				destinations = deps.Config.Pipeline.Destinations
			}
			for _, dest := range destinations {
				if _, err := pipeline.SyncStage(dest); err != nil {
					return err
				}
			}
			batch := uuid.NewString()
			var jobs []queue.Job
			for _, id := range args {
				for _, dest := range destinations {
					jobs = append(jobs, queue.Job{
						Type:        queue.JobSyncMeeting,
						OrgID:       orgID,
						MeetingID:   id,
						Destination: dest,
						Priority:    queue.ParsePriority(priority),
						BatchID:     batch,
					})
				}
			}
			return enqueue(cmd, deps, QueueSync, batch, jobs, output)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organisation ID (default from config)")
	cmd.Flags().StringSliceVarP(&destinations, "destination", "d", nil, "Sync destination: linear, google_email, google_calendar (default: configured destinations)")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Priority: low, normal, high")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newProcessJob(orgID, artifactID string) queue.Job {
	return queue.Job{Type: queue.JobProcessArtifact, OrgID: orgID, ArtifactID: artifactID, Priority: queue.PriorityNormal}
}

func enqueue(cmd *cobra.Command, deps *Deps, queueName, batch string, jobs []queue.Job, output string) error {
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

	q, err := app.Queue(queueName)
	if err != nil {
		return err
	}
	ids, err := q.Enqueue(ctx, jobs...)
	if err != nil {
		return fmt.Errorf("enqueueing: %w", err)
	}
	report := enqueueReport{Queue: q.Name(), BatchID: batch, MessageIDs: ids}
	return render(deps.out(), format, report, func(w io.Writer) error {
		fmt.Fprintf(w, "Queued %d job(s) on %s (batch %s)\n", len(ids), q.Name(), batch)
		return nil
	})
}
