package meetings

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	filenameDateRegex    = regexp.MustCompile(`(\d{4})-?(\d{2})-?(\d{2})`)
	filenameCompanyRegex = regexp.MustCompile(`[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*`)
)

// MeetingTypes are recognized in filenames, first match wins.
var MeetingTypes = []string{"kickoff", "standup", "review", "planning", "retrospective", "demo"}

// Capitalized words that never name a company.
var companyStopwords = map[string]bool{
	"Meeting": true, "Meetings": true, "Call": true, "Notes": true, "Transcript": true,
	"Recording": true, "With": true, "Sync": true, "Weekly": true, "Daily": true,
	"Kickoff": true, "Standup": true, "Review": true, "Planning": true, "Retrospective": true, "Demo": true,
}

// FilenameMetadata is what can be guessed from an upload's name.
type FilenameMetadata struct {
	Date    *time.Time
	Company string
	Type    string
}

// ParseFilename extracts a date (YYYY-MM-DD or YYYYMMDD), a capitalized
// company token and a meeting type from filename.
func ParseFilename(filename string) FilenameMetadata {
	var md FilenameMetadata
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	if m := filenameDateRegex.FindStringSubmatch(base); m != nil {
		if d, err := time.Parse(time.DateOnly, m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			md.Date = &d
		}
	}

	spaced := strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base)
	for _, cand := range filenameCompanyRegex.FindAllString(spaced, -1) {
		words := strings.Fields(cand)
		kept := words[:0]
		for _, w := range words {
			if !companyStopwords[w] {
				kept = append(kept, w)
			}
		}
		if len(kept) > 0 {
			md.Company = strings.Join(kept, " ")
			break
		}
	}

	lower := strings.ToLower(base)
	for _, t := range MeetingTypes {
		if strings.Contains(lower, t) {
			md.Type = t
			break
		}
	}
	return md
}

// Title names a meeting created from filename.
func (md FilenameMetadata) Title(filename string) string {
	var parts []string
	if md.Company != "" {
		parts = append(parts, md.Company)
	}
	if md.Type != "" {
		parts = append(parts, md.Type)
	}
	if len(parts) == 0 {
		return "Meeting from " + filepath.Base(filename)
	}
	title := strings.Join(parts, " ")
	if md.Date != nil {
		title += " (" + md.Date.Format(time.DateOnly) + ")"
	}
	return title
}
