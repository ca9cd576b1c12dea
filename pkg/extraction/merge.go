package extraction

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeText is the dedup key for free text: NFKC, case-folded, with
// runs of whitespace collapsed to one space.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Deduper decides which key identifies a decision or action item during merge.
// Items with equal keys collapse into one.
type Deduper interface {
	DecisionKey(d Decision) string
	ActionItemKey(a ActionItem) string
}

// ExactDeduper collapses items whose normalized text is identical.
type ExactDeduper struct{}

func (ExactDeduper) DecisionKey(d Decision) string     { return NormalizeText(d.Text) }
func (ExactDeduper) ActionItemKey(a ActionItem) string { return NormalizeText(a.Title) }

// Merge folds per-chunk results into one MeetingIntelligence. parts must be in
// chunk index order; nil entries (failed chunks) are skipped. The output
// depends only on the contents and order of parts.
func Merge(parts []*MeetingIntelligence, dedup Deduper) *MeetingIntelligence {
	if dedup == nil {
		dedup = ExactDeduper{}
	}
	out := NewMeetingIntelligence()

	var summaries []string
	decisionAt := map[string]int{}
	actionAt := map[string]int{}
	tagSeen := map[string]bool{}
	entitySeen := map[string]bool{}

	for _, p := range parts {
		if p == nil {
			continue
		}
		if s := strings.TrimSpace(p.Summary); s != "" {
			summaries = append(summaries, s)
		}

		for _, d := range p.Decisions {
			key := dedup.DecisionKey(d)
			if i, ok := decisionAt[key]; ok {
				existing := &out.Decisions[i]
				existing.Confidence = MaxConfidence(existing.Confidence, d.Confidence)
				existing.SourceChunks = unionSorted(existing.SourceChunks, d.SourceChunks)
				if existing.Rationale == "" {
					existing.Rationale = d.Rationale
				}
				continue
			}
			d.SourceChunks = unionSorted(nil, d.SourceChunks)
			decisionAt[key] = len(out.Decisions)
			out.Decisions = append(out.Decisions, d)
		}

		for _, a := range p.ActionItems {
			key := dedup.ActionItemKey(a)
			if i, ok := actionAt[key]; ok {
				existing := &out.ActionItems[i]
				existing.Confidence = MaxConfidence(existing.Confidence, a.Confidence)
				existing.SourceChunks = unionSorted(existing.SourceChunks, a.SourceChunks)
				fillEmpty(&existing.Description, a.Description)
				fillEmpty(&existing.OwnerName, a.OwnerName)
				fillEmpty(&existing.OwnerEmail, a.OwnerEmail)
				fillEmpty(&existing.DueDate, a.DueDate)
				fillEmpty(&existing.Priority, a.Priority)
				continue
			}
			a.SourceChunks = unionSorted(nil, a.SourceChunks)
			actionAt[key] = len(out.ActionItems)
			out.ActionItems = append(out.ActionItems, a)
		}

		for _, t := range p.Tags {
			key := NormalizeText(t)
			if key == "" || tagSeen[key] {
				continue
			}
			tagSeen[key] = true
			out.Tags = append(out.Tags, strings.TrimSpace(t))
		}

		for _, e := range p.Entities {
			key := e.Kind + "\x00" + NormalizeText(e.Name)
			if entitySeen[key] {
				continue
			}
			entitySeen[key] = true
			out.Entities = append(out.Entities, e)
		}
	}

	out.Summary = strings.Join(summaries, "\n\n")
	return out
}

func fillEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func unionSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
