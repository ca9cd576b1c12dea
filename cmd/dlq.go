package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/meetpipe/pkg/queue"
)

type dlqEntry struct {
	Queue     string `json:"queue" yaml:"queue"`
	MessageID string `json:"message_id" yaml:"message_id"`
	Job       string `json:"job" yaml:"job"`
	Subject   string `json:"subject" yaml:"subject"`
	Retries   int    `json:"retries" yaml:"retries"`
	Reason    string `json:"reason" yaml:"reason"`
	MovedAt   string `json:"moved_at" yaml:"moved_at"`
}

// NewDLQCommand creates the 'dlq' command.
func NewDLQCommand(deps *Deps) *cobra.Command {
	var (
		output string
		limit  int64
	)
	cmd := &cobra.Command{
		Use:   "dlq [queue]",
		Short: "List dead-lettered jobs",
		Long: `List jobs that were dead-lettered after exhausting their retries or failing
with a non-retryable error, newest first.

Examples:
  meetpipe dlq
  meetpipe dlq process --limit 10 -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			names := []string{QueueProcess, QueueSync}
			if len(args) == 1 {
				names = args
			}

			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			var entries []dlqEntry
			for _, name := range names {
				q, err := app.Queue(name)
				if err != nil {
					return err
				}
				dls, err := q.DeadLetters(ctx, limit)
				if err != nil {
					return fmt.Errorf("reading %s dead letters: %w", name, err)
				}
				for _, dl := range dls {
					entries = append(entries, newDLQEntry(name, dl))
				}
			}
			return render(deps.out(), format, entries, func(w io.Writer) error {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No dead-lettered jobs.")
					return nil
				}
				tw := newTable(w)
				fmt.Fprintln(tw, "QUEUE\tMESSAGE\tJOB\tSUBJECT\tRETRIES\tMOVED\tREASON")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						e.Queue, e.MessageID, e.Job, e.Subject, e.Retries, e.MovedAt, truncate(e.Reason, 60))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Int64VarP(&limit, "limit", "l", 50, "Maximum entries per queue")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newDLQEntry(name string, dl queue.DeadLetter) dlqEntry {
	e := dlqEntry{
		Queue:     name,
		MessageID: dl.Message.ID,
		Retries:   dl.Message.RetryCount,
		Reason:    dl.Reason,
		MovedAt:   formatTime(&dl.MovedAt),
	}
	if job, err := dl.Message.ParseJob(); err == nil {
		e.Job, e.Subject = string(job.Type), job.Subject()
	} else {
		e.Job = "invalid"
	}
	return e
}
