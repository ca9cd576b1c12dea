package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/meetpipe/config"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// format resolves the output format: a command flag wins over the config.
func (d *Deps) format(flag string) (config.OutputFormat, error) {
	f := config.OutputFormatText
	if d.Config != nil && d.Config.OutputFormat != "" {
		f = d.Config.OutputFormat
	}
	if flag != "" {
		f = config.OutputFormat(flag)
	}
	if !f.IsValid() {
		return "", fmt.Errorf("invalid output format %q (want text, json or yaml)", f)
	}
	return f, nil
}

// render writes v as json or yaml, or calls text for the text format.
func render(w io.Writer, format config.OutputFormat, v any, text func(w io.Writer) error) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return text(w)
	}
}

// Render writes v as json or yaml. Text falls back to yaml.
func Render(w io.Writer, format config.OutputFormat, v any) error {
	if format != config.OutputFormatJSON {
		format = config.OutputFormatYAML
	}
	return render(w, format, v, nil)
}

// SuggestedAction returns a hint for pipeline errors and "" for anything
// else, such as usage errors.
func SuggestedAction(err error) string {
	var pe *mperrors.PipelineError
	if !errors.As(err, &pe) {
		return ""
	}
	return mperrors.GetSuggestedAction(pe.Code)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(100 * time.Millisecond).String()
}

func valueOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func boolToEnabled(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
