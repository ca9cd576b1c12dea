package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"slices"
	"strings"
	"time"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// ChunkExtraction is the model's response for a single chunk.
type ChunkExtraction struct {
	Summary     string            `json:"summary_md"`
	Decisions   []ChunkDecision   `json:"decisions"`
	ActionItems []ChunkActionItem `json:"action_items"`
	Tags        []string          `json:"tags"`
	Entities    []Entity          `json:"entities"`
}

// ChunkDecision is a decision as the model reports it.
type ChunkDecision struct {
	Decision   string `json:"decision"`
	Rationale  string `json:"rationale"`
	Confidence string `json:"confidence"`
}

// ChunkActionItem is an action item as the model reports it.
type ChunkActionItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	OwnerName   string `json:"owner_name"`
	OwnerEmail  string `json:"owner_email"`
	DueDate     string `json:"due_date"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Confidence  string `json:"confidence"`
}

// ParseChunkExtraction decodes raw model output strictly and validates it.
// Unknown fields, trailing data, and schema violations are all SchemaValidation errors.
func ParseChunkExtraction(raw []byte) (*ChunkExtraction, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var out ChunkExtraction
	if err := dec.Decode(&out); err != nil {
		return nil, mperrors.SchemaValidation(fmt.Sprintf("decode response: %v", err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, mperrors.SchemaValidation("decode response: trailing data after JSON object")
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks required fields and enums, normalizes casing and whitespace,
// and fills defaults: confidence medium, status open, entity kind other.
func (c *ChunkExtraction) Validate() error {
	var errs []string
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	c.Summary = strings.TrimSpace(c.Summary)

	for i := range c.Decisions {
		d := &c.Decisions[i]
		d.Decision = strings.TrimSpace(d.Decision)
		d.Rationale = strings.TrimSpace(d.Rationale)
		if d.Decision == "" {
			fail("decisions[%d].decision is required", i)
		}
		if conf, err := defaultConfidence(d.Confidence); err != nil {
			fail("decisions[%d]: %v", i, err)
		} else {
			d.Confidence = string(conf)
		}
	}

	for i := range c.ActionItems {
		a := &c.ActionItems[i]
		a.Title = strings.TrimSpace(a.Title)
		a.Description = strings.TrimSpace(a.Description)
		a.OwnerName = strings.TrimSpace(a.OwnerName)
		a.OwnerEmail = strings.TrimSpace(a.OwnerEmail)
		a.DueDate = strings.TrimSpace(a.DueDate)
		a.Status = strings.ToLower(strings.TrimSpace(a.Status))
		a.Priority = strings.ToLower(strings.TrimSpace(a.Priority))

		if a.Title == "" {
			fail("action_items[%d].title is required", i)
		}
		if a.Status == "" {
			a.Status = StatusOpen
		}
		if !validStatuses[a.Status] {
			fail("action_items[%d]: invalid status %q", i, a.Status)
		}
		if !validPriorities[a.Priority] {
			fail("action_items[%d]: invalid priority %q", i, a.Priority)
		}
		if a.DueDate != "" {
			if _, err := time.Parse("2006-01-02", a.DueDate); err != nil {
				fail("action_items[%d]: due_date %q is not YYYY-MM-DD", i, a.DueDate)
			}
		}
		if a.OwnerEmail != "" {
			if addr, err := mail.ParseAddress(a.OwnerEmail); err != nil || addr.Address != a.OwnerEmail {
				fail("action_items[%d]: invalid owner_email %q", i, a.OwnerEmail)
			}
		}
		if conf, err := defaultConfidence(a.Confidence); err != nil {
			fail("action_items[%d]: %v", i, err)
		} else {
			a.Confidence = string(conf)
		}
	}

	tags := c.Tags[:0]
	for _, t := range c.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	c.Tags = tags

	for i := range c.Entities {
		e := &c.Entities[i]
		e.Name = strings.TrimSpace(e.Name)
		e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
		if e.Name == "" {
			fail("entities[%d].name is required", i)
		}
		if e.Kind == "" {
			e.Kind = EntityOther
		}
		if !validKinds[e.Kind] {
			fail("entities[%d]: invalid kind %q", i, e.Kind)
		}
	}

	if len(errs) > 0 {
		return mperrors.SchemaValidation(strings.Join(errs, "; "))
	}
	return nil
}

func defaultConfidence(s string) (Confidence, error) {
	if strings.TrimSpace(s) == "" {
		return ConfidenceMedium, nil
	}
	return ParseConfidence(s)
}

// Intelligence converts a validated extraction into intelligence attributed to chunkIndex.
func (c *ChunkExtraction) Intelligence(chunkIndex int) *MeetingIntelligence {
	mi := NewMeetingIntelligence()
	mi.Summary = c.Summary
	for _, d := range c.Decisions {
		mi.Decisions = append(mi.Decisions, Decision{
			Text:         d.Decision,
			Rationale:    d.Rationale,
			Confidence:   Confidence(d.Confidence),
			SourceChunks: []int{chunkIndex},
		})
	}
	for _, a := range c.ActionItems {
		mi.ActionItems = append(mi.ActionItems, ActionItem{
			Title:        a.Title,
			Description:  a.Description,
			OwnerName:    a.OwnerName,
			OwnerEmail:   a.OwnerEmail,
			DueDate:      a.DueDate,
			Priority:     a.Priority,
			Status:       a.Status,
			Confidence:   Confidence(a.Confidence),
			SourceChunks: []int{chunkIndex},
		})
	}
	mi.Tags = append(mi.Tags, c.Tags...)
	mi.Entities = append(mi.Entities, c.Entities...)
	return mi
}

// ResponseSchema is the strict JSON schema sent with structured-output requests.
// Optional values are nullable strings so every property can be required.
func ResponseSchema() map[string]interface{} {
	str := map[string]interface{}{"type": "string"}
	nullable := map[string]interface{}{"type": []string{"string", "null"}}
	enum := func(values ...string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "enum": values}
	}
	object := func(props map[string]interface{}) map[string]interface{} {
		required := make([]string, 0, len(props))
		for k := range props {
			required = append(required, k)
		}
		slices.Sort(required)
		return map[string]interface{}{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
	}
	array := func(items map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"type": "array", "items": items}
	}

	confidence := enum(string(ConfidenceLow), string(ConfidenceMedium), string(ConfidenceHigh))
	return object(map[string]interface{}{
		"summary_md": str,
		"decisions": array(object(map[string]interface{}{
			"decision":   str,
			"rationale":  nullable,
			"confidence": confidence,
		})),
		"action_items": array(object(map[string]interface{}{
			"title":       str,
			"description": nullable,
			"owner_name":  nullable,
			"owner_email": nullable,
			"due_date":    nullable,
			"status":      enum(StatusOpen, StatusInProgress, StatusBlocked, StatusDone),
			"priority":    map[string]interface{}{"type": []string{"string", "null"}, "enum": []interface{}{PriorityHigh, PriorityMedium, PriorityLow, nil}},
			"confidence":  confidence,
		})),
		"tags": array(str),
		"entities": array(object(map[string]interface{}{
			"kind": enum(EntityPerson, EntityCompany, EntityProduct, EntityLocation, EntityOther),
			"name": str,
		})),
	})
}
