package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

type providerInfo struct {
	Name        string `json:"name" yaml:"name"`
	Default     bool   `json:"default" yaml:"default"`
	Configured  bool   `json:"configured" yaml:"configured"`
	Diarization bool   `json:"diarization" yaml:"diarization"`
	Reason      string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// NewProvidersCommand creates the 'providers' command.
func NewProvidersCommand(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List transcription providers",
		Long: `List the built-in transcription providers, which one is the default and
whether its credentials are configured.

Examples:
  meetpipe providers
  meetpipe providers -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := deps.format(output)
			if err != nil {
				return err
			}
			list := listProviders(deps, transcription.DefaultRegistry())
			return render(deps.out(), format, list, func(w io.Writer) error {
				tw := newTable(w)
				fmt.Fprintln(tw, "PROVIDER\tDEFAULT\tCONFIGURED\tDIARIZATION\tNOTE")
				for _, p := range list {
					def := ""
					if p.Default {
						def = "*"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, def,
						boolToYesNo(p.Configured), boolToYesNo(p.Diarization), p.Reason)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func listProviders(deps *Deps, reg *transcription.Registry) []providerInfo {
	def := ""
	if deps.Config != nil {
		def = deps.Config.Transcription.DefaultProvider
	}
	var list []providerInfo
	for _, name := range reg.Names() {
		info := providerInfo{Name: name, Default: name == def}
		var pc transcription.ProviderConfig
		if deps.Config != nil {
			pc = deps.Config.ProviderConfig(name, deps.logger())
		}
		p, err := reg.New(name, pc)
		if err != nil {
			info.Reason = err.Error()
		} else {
			info.Configured = true
			info.Diarization = p.SupportsSpeakerDiarization()
		}
		list = append(list, info)
	}
	return list
}

func boolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
