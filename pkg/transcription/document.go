package transcription

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// DocumentModel is the Result.Model for transcripts parsed from uploaded documents.
const DocumentModel = "document"

var (
	// Zoom-style cue header: 1 "Speaker Name" (speaker_id)
	vttCueHeaderRegex = regexp.MustCompile(`^\d+\s+"([^"]*)"(?:\s+\((\d+)\))?$`)

	// 00:00:05.579 --> 00:00:06.858 (hours optional, trailing cue settings ignored)
	vttTimestampRegex = regexp.MustCompile(`^((?:\d+:)?\d{2}:\d{2}[.,]\d{3})\s+-->\s+((?:\d+:)?\d{2}:\d{2}[.,]\d{3})`)

	// <v Speaker Name>text</v>
	vttVoiceRegex = regexp.MustCompile(`^<v(?:\.[^ >]+)*\s+([^>]+)>(.*?)(?:</v>)?$`)

	// Speaker: text, when the prefix looks like a name
	speakerPrefixRegex = regexp.MustCompile(`^([A-Z][\w.'-]*(?:\s+[A-Z][\w.'-]*){0,3})\s*:\s+(.+)$`)

	// 0:11 : Speaker Name : Text content
	txtTranscriptLineRegex = regexp.MustCompile(`^(\d+):(\d{2})\s*:\s*([^:]+?)\s*:\s*(.+)$`)

	vttTagRegex = regexp.MustCompile(`</?[^>]+>`)
)

// documentExts lists the extensions ParseDocument accepts.
var documentExts = map[string]bool{".vtt": true, ".txt": true, ".md": true}

// officeExts are binary documents with no text extractor.
var officeExts = map[string]bool{".doc": true, ".docx": true, ".pdf": true, ".pptx": true, ".rtf": true, ".odt": true}

// IsDocument reports whether filename is a transcript document ParseDocument accepts.
func IsDocument(filename string) bool {
	return documentExts[strings.ToLower(filepath.Ext(filename))]
}

// ParseDocument turns an uploaded transcript into a Result without calling a provider.
// WebVTT cues and "m:ss : Speaker : text" lines keep their timing and speaker;
// any other text becomes a single segment.
func ParseDocument(filename string, r io.Reader, languageHint string) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if officeExts[ext] {
		return nil, mperrors.UnsupportedFormat("document", fmt.Sprintf("%s files have no text extractor", ext))
	}
	if !documentExts[ext] {
		return nil, mperrors.UnsupportedFormat("document", fmt.Sprintf("unrecognized transcript extension %q", ext))
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, mperrors.TranscriptionFailed("document", err)
	}
	text := strings.TrimPrefix(string(raw), "\ufeff")

	var segments []Segment
	switch {
	case ext == ".vtt" || strings.HasPrefix(strings.TrimSpace(text), "WEBVTT"):
		segments, err = parseVTT(strings.NewReader(text))
	default:
		segments, err = parseTimedText(strings.NewReader(text))
	}
	if err != nil {
		return nil, mperrors.TranscriptionFailed("document", err)
	}

	if len(segments) == 0 {
		if body := strings.TrimSpace(text); body != "" {
			segments = []Segment{{Start: 0, End: 0, Text: body}}
		}
	}

	res := &Result{Segments: segments, Model: DocumentModel}
	if n := len(segments); n > 0 {
		d := segments[n-1].End
		for _, s := range segments {
			if s.End > d {
				d = s.End
			}
		}
		res.Duration = &d
	}
	return normalize(res, languageHint), nil
}

func parseVTT(r io.Reader) ([]Segment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		segments   []Segment
		current    *Segment
		cueSpeaker string
		inNote     bool
	)

	flush := func() {
		if current != nil && current.Text != "" {
			segments = append(segments, *current)
		}
		current = nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			flush()
			inNote = false
			continue
		}
		if inNote || strings.HasPrefix(line, "WEBVTT") {
			continue
		}
		if strings.HasPrefix(line, "NOTE") || line == "STYLE" || line == "REGION" {
			inNote = true
			continue
		}

		if m := vttCueHeaderRegex.FindStringSubmatch(line); m != nil {
			flush()
			cueSpeaker = m[1]
			continue
		}

		if m := vttTimestampRegex.FindStringSubmatch(line); m != nil {
			flush()
			current = &Segment{
				Start:   parseTimestamp(m[1]),
				End:     parseTimestamp(m[2]),
				Speaker: cueSpeaker,
			}
			cueSpeaker = ""
			continue
		}

		if current == nil {
			// Numeric or named cue identifier before the timing line.
			continue
		}

		text := line
		if m := vttVoiceRegex.FindStringSubmatch(line); m != nil {
			current.Speaker = strings.TrimSpace(m[1])
			text = m[2]
		} else if current.Speaker == "" && current.Text == "" {
			if m := speakerPrefixRegex.FindStringSubmatch(line); m != nil {
				current.Speaker = m[1]
				text = m[2]
			}
		}
		text = strings.TrimSpace(vttTagRegex.ReplaceAllString(text, ""))
		if text == "" {
			continue
		}
		if current.Text != "" {
			current.Text += " "
		}
		current.Text += text
	}
	flush()

	return segments, scanner.Err()
}

// parseTimedText reads "m:ss : Speaker : text" lines. An unmatched line
// continues the previous segment.
func parseTimedText(r io.Reader) ([]Segment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var segments []Segment
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		m := txtTranscriptLineRegex.FindStringSubmatch(line)
		if m == nil {
			if n := len(segments); n > 0 {
				segments[n-1].Text += " " + line
			}
			continue
		}

		minutes, _ := strconv.Atoi(m[1])
		seconds, _ := strconv.Atoi(m[2])
		at := float64(minutes*60 + seconds)

		// Plain lines carry no end time; close the previous segment at this start.
		if n := len(segments); n > 0 && segments[n-1].End < at {
			segments[n-1].End = at
		}
		segments = append(segments, Segment{
			Start:   at,
			End:     at,
			Speaker: strings.TrimSpace(m[3]),
			Text:    strings.TrimSpace(m[4]),
		})
	}
	return segments, scanner.Err()
}

// parseTimestamp converts [HH:]MM:SS.mmm to seconds.
func parseTimestamp(ts string) float64 {
	ts = strings.Replace(ts, ",", ".", 1)
	parts := strings.Split(ts, ":")
	var hours, minutes int
	var secs float64
	switch len(parts) {
	case 3:
		hours, _ = strconv.Atoi(parts[0])
		minutes, _ = strconv.Atoi(parts[1])
		secs, _ = strconv.ParseFloat(parts[2], 64)
	case 2:
		minutes, _ = strconv.Atoi(parts[0])
		secs, _ = strconv.ParseFloat(parts[1], 64)
	default:
		return 0
	}
	return float64(hours*3600+minutes*60) + secs
}
