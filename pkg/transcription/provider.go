// Package transcription turns meeting media into time-ordered transcript segments.
//
// A Provider wraps one transcription back-end. Providers are looked up by name
// in a Registry; New fails fast with a configuration error when the named
// provider is unknown or missing credentials, before any network I/O.
package transcription

import (
	"context"
	"sort"
)

// DefaultLanguage is used when neither the provider nor the caller supplies one.
const DefaultLanguage = "en"

// Segment is a contiguous span of speech in seconds from the start of the media.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Result is a provider's transcript.
type Result struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Duration *float64  `json:"duration,omitempty"`
	Model    string    `json:"model,omitempty"`
}

// Text joins the segment texts with single spaces.
func (r *Result) Text() string {
	n := 0
	for _, s := range r.Segments {
		n += len(s.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, s := range r.Segments {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, s.Text...)
	}
	return string(buf)
}

// Provider transcribes a media file referenced by fileLocation.
// fileLocation is an http(s) URL or a local path; languageHint may be empty.
type Provider interface {
	Name() string
	SupportsSpeakerDiarization() bool
	Transcribe(ctx context.Context, fileLocation, languageHint string) (*Result, error)
}

// normalize enforces the Result contract: segments stably ordered by start,
// End >= Start, confidence in [0,1], and a non-empty language.
func normalize(r *Result, languageHint string) *Result {
	if r.Segments == nil {
		r.Segments = []Segment{}
	}
	for i := range r.Segments {
		s := &r.Segments[i]
		if s.End < s.Start {
			s.End = s.Start
		}
		if s.Confidence != nil {
			c := clamp01(*s.Confidence)
			s.Confidence = &c
		}
	}
	sort.SliceStable(r.Segments, func(i, j int) bool {
		return r.Segments[i].Start < r.Segments[j].Start
	})

	if r.Language == "" {
		r.Language = languageHint
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	return r
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
