// Package chunker packs transcript segments into size-bounded chunks for extraction.
package chunker

import (
	"iter"
	"strings"

	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

// DefaultMaxChars is used when a non-positive limit is requested.
const DefaultMaxChars = 6000

// Chunk is a run of consecutive segments. SegmentEnd is exclusive.
type Chunk struct {
	Index        int      `json:"index"`
	Text         string   `json:"text"`
	SegmentStart int      `json:"segment_start"`
	SegmentEnd   int      `json:"segment_end"`
	Speakers     []string `json:"speakers"`
	Start        float64  `json:"start"`
	End          float64  `json:"end"`
}

// Chunker packs segments without ever splitting one.
type Chunker struct {
	defaultMax int
}

// New returns a Chunker whose fallback limit is defaultMax (DefaultMaxChars if <= 0).
func New(defaultMax int) *Chunker {
	if defaultMax <= 0 {
		defaultMax = DefaultMaxChars
	}
	return &Chunker{defaultMax: defaultMax}
}

// RenderSegment formats a segment the way it appears in chunk text.
func RenderSegment(s transcription.Segment) string {
	if s.Speaker != "" {
		return s.Speaker + ": " + s.Text
	}
	return s.Text
}

// Render joins every rendered segment with "\n". Joining the texts of the
// chunks produced for the same segments with "\n" yields the same string.
func Render(segments []transcription.Segment) string {
	lines := make([]string, len(segments))
	for i, s := range segments {
		lines[i] = RenderSegment(s)
	}
	return strings.Join(lines, "\n")
}

// Chunk lazily yields chunks over segments. Consecutive segments accumulate
// until adding the next would push the text past maxChars; a segment longer
// than maxChars on its own becomes a single chunk. The sequence can be ranged
// over any number of times with identical output.
func (c *Chunker) Chunk(segments []transcription.Segment, maxChars int) iter.Seq[Chunk] {
	if maxChars <= 0 {
		maxChars = c.defaultMax
	}
	return func(yield func(Chunk) bool) {
		index := 0
		start := 0
		var b strings.Builder

		emit := func(end int) bool {
			ch := build(segments, start, end, b.String())
			ch.Index = index
			index++
			b.Reset()
			return yield(ch)
		}

		for i, seg := range segments {
			line := RenderSegment(seg)
			if i > start {
				// +1 for the joining newline.
				if b.Len()+1+len(line) > maxChars {
					if !emit(i) {
						return
					}
					start = i
				} else {
					b.WriteByte('\n')
				}
			}
			b.WriteString(line)
		}
		if len(segments) > start {
			emit(len(segments))
		}
	}
}

// Collect materializes every chunk.
func (c *Chunker) Collect(segments []transcription.Segment, maxChars int) []Chunk {
	out := []Chunk{}
	for ch := range c.Chunk(segments, maxChars) {
		out = append(out, ch)
	}
	return out
}

func build(segments []transcription.Segment, start, end int, text string) Chunk {
	ch := Chunk{
		Text:         text,
		SegmentStart: start,
		SegmentEnd:   end,
		Speakers:     []string{},
		Start:        segments[start].Start,
		End:          segments[start].End,
	}
	seen := make(map[string]bool)
	for _, s := range segments[start:end] {
		if s.Speaker != "" && !seen[s.Speaker] {
			seen[s.Speaker] = true
			ch.Speakers = append(ch.Speakers, s.Speaker)
		}
		if s.End > ch.End {
			ch.End = s.End
		}
	}
	return ch
}
