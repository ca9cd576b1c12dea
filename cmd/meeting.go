package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/meetpipe/pkg/export"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
)

// NewMeetingCommand creates the 'meeting' command group.
func NewMeetingCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Show meetings and their extracted intelligence",
		Long: `Show a meeting with its summary, decisions, action items, tags and entities.

Examples:
  meetpipe meeting show 5e6f...
  meetpipe meeting show 5e6f... -o yaml
  meetpipe meeting transcript 5e6f...`,
		Aliases: []string{"meetings"},
	}
	cmd.AddCommand(newMeetingShowCommand(deps))
	cmd.AddCommand(newMeetingTranscriptCommand(deps))
	return cmd
}

func newMeetingShowCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Show a meeting",
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

			d, err := app.Meetings.Details(ctx, args[0])
			if err != nil {
				return err
			}
			return render(deps.out(), format, d, func(w io.Writer) error {
				return printDetails(w, d)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func newMeetingTranscriptCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "transcript <meeting-id>",
		Short: "Print the stored transcript",
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

			segs, err := app.Meetings.Segments(ctx, args[0])
			if err != nil {
				return err
			}
			return render(deps.out(), format, segs, func(w io.Writer) error {
				for _, s := range segs {
					speaker := valueOrDefault(s.Speaker, "?")
					fmt.Fprintf(w, "[%s] %s: %s\n", clock(s.Start), speaker, s.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func clock(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}

func printDetails(w io.Writer, d *meetings.Details) error {
	m := d.Meeting
	fmt.Fprintf(w, "%s\n", m.Title)
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", len([]rune(m.Title))))
	fmt.Fprintf(w, "ID:       %s\n", m.ID)
	fmt.Fprintf(w, "Date:     %s\n", valueOrDefault(m.DateString(), "-"))
	fmt.Fprintf(w, "Status:   %s\n", m.Status)
	if m.Company != "" {
		fmt.Fprintf(w, "Company:  %s\n", m.Company)
	}
	if len(m.Participants) > 0 {
		fmt.Fprintf(w, "People:   %s\n", strings.Join(m.Participants, ", "))
	}
	if len(d.Tags) > 0 {
		fmt.Fprintf(w, "Tags:     %s\n", strings.Join(d.Tags, ", "))
	}
	if m.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", m.Summary)
	}

	fmt.Fprintf(w, "\nDecisions (%d)\n", len(d.Decisions))
	for i, dec := range d.Decisions {
		fmt.Fprintf(w, "  %d. %s [%s]\n", i+1, dec.Text, meetings.ConfidenceLabel(dec.Confidence))
		if dec.Rationale != "" {
			fmt.Fprintf(w, "     because %s\n", dec.Rationale)
		}
	}

	fmt.Fprintf(w, "\nAction items (%d)\n", len(d.ActionItems))
	tw := newTable(w)
	for i, ai := range d.ActionItems {
		fmt.Fprintf(tw, "  %d.\t%s\t%s\t%s\t%s\t%s\n", i+1, ai.Title,
			valueOrDefault(ai.OwnerName, "unassigned"), valueOrDefault(ai.DueDate, "-"),
			valueOrDefault(ai.Priority, "-"), ai.Status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(d.Entities) > 0 {
		fmt.Fprintf(w, "\nEntities (%d)\n", len(d.Entities))
		for _, e := range d.Entities {
			fmt.Fprintf(w, "  %s (%s)\n", e.Name, e.Kind)
		}
	}
	return nil
}

// NewExportCommand creates the 'export' command.
func NewExportCommand(deps *Deps) *cobra.Command {
	var xlsxPath string
	cmd := &cobra.Command{
		Use:   "export <meeting-id>",
		Short: "Export a meeting's decisions, action items and runs to a spreadsheet",
		Long: `Write a workbook with Summary, Decisions, Action Items and Runs sheets.

Examples:
  meetpipe export 5e6f... --xlsx acme-kickoff.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if xlsxPath == "" {
				xlsxPath = args[0] + ".xlsx"
			}
			ctx := cmd.Context()
			app, err := deps.open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			d, err := app.Meetings.Details(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := app.Tracker.List(ctx, runs.Filter{MeetingID: args[0]})
			if err != nil {
				return err
			}

			f, err := os.Create(xlsxPath)
			if err != nil {
				return fmt.Errorf("creating %s: %w", xlsxPath, err)
			}
			if err := export.WriteXLSX(f, d, history); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(deps.out(), "Wrote %s (%d decisions, %d action items, %d runs)\n",
				xlsxPath, len(d.Decisions), len(d.ActionItems), len(history))
			return nil
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Output file (default <meeting-id>.xlsx)")
	return cmd
}
