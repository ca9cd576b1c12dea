package extraction

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

func TestParseChunkExtraction_AppliesDefaults(t *testing.T) {
	raw := `{
		"summary_md": "  Roadmap review.  ",
		"decisions": [{"decision": " Ship v2 on Friday ", "rationale": null, "confidence": "HIGH"}],
		"action_items": [{"title": "Write release notes", "description": null, "owner_name": "Bob",
			"owner_email": null, "due_date": "2024-03-01", "status": null, "priority": "Medium", "confidence": ""}],
		"tags": ["release", "  ", "roadmap"],
		"entities": [{"kind": "", "name": "Acme"}, {"kind": "Person", "name": "Bob"}]
	}`

	out, err := ParseChunkExtraction([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "Roadmap review.", out.Summary)
	require.Len(t, out.Decisions, 1)
	assert.Equal(t, "Ship v2 on Friday", out.Decisions[0].Decision)
	assert.Equal(t, "high", out.Decisions[0].Confidence)

	require.Len(t, out.ActionItems, 1)
	item := out.ActionItems[0]
	assert.Equal(t, StatusOpen, item.Status)
	assert.Equal(t, PriorityMedium, item.Priority)
	assert.Equal(t, string(ConfidenceMedium), item.Confidence)

	assert.Equal(t, []string{"release", "roadmap"}, out.Tags)
	assert.Equal(t, []Entity{{Kind: EntityOther, Name: "Acme"}, {Kind: EntityPerson, Name: "Bob"}}, out.Entities)
}

func TestParseChunkExtraction_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `Sure! Here is the JSON you asked for`},
		{"unknown field", `{"summary_md": "", "sentiment": "positive"}`},
		{"trailing data", `{"summary_md": ""} {"summary_md": ""}`},
		{"missing decision text", `{"decisions": [{"decision": "  ", "confidence": "high"}]}`},
		{"bad confidence", `{"decisions": [{"decision": "x", "confidence": "certain"}]}`},
		{"bad status", `{"action_items": [{"title": "x", "status": "someday"}]}`},
		{"bad priority", `{"action_items": [{"title": "x", "priority": "urgent"}]}`},
		{"bad due date", `{"action_items": [{"title": "x", "due_date": "next Friday"}]}`},
		{"bad email", `{"action_items": [{"title": "x", "owner_email": "bob at example"}]}`},
		{"missing title", `{"action_items": [{"title": ""}]}`},
		{"bad entity kind", `{"entities": [{"kind": "planet", "name": "Mars"}]}`},
		{"wrong type", `{"tags": "release"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChunkExtraction([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, mperrors.IsSchemaValidation(err), "got %v", err)
			assert.False(t, mperrors.IsErrorRetryable(err))
		})
	}
}

func TestChunkExtraction_Intelligence(t *testing.T) {
	c := &ChunkExtraction{
		Decisions:   []ChunkDecision{{Decision: "Use Postgres"}},
		ActionItems: []ChunkActionItem{{Title: "Provision DB"}},
	}
	require.NoError(t, c.Validate())

	mi := c.Intelligence(4)
	assert.Equal(t, []int{4}, mi.Decisions[0].SourceChunks)
	assert.Equal(t, []int{4}, mi.ActionItems[0].SourceChunks)
	assert.Equal(t, ConfidenceMedium, mi.Decisions[0].Confidence)
	assert.NotNil(t, mi.Tags)
	assert.NotNil(t, mi.Entities)
}

func TestResponseSchema_IsStrict(t *testing.T) {
	schema := ResponseSchema()
	data, err := json.Marshal(schema)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["additionalProperties"])
	assert.ElementsMatch(t,
		[]interface{}{"action_items", "decisions", "entities", "summary_md", "tags"},
		decoded["required"])

	items := decoded["properties"].(map[string]interface{})["action_items"].(map[string]interface{})["items"].(map[string]interface{})
	assert.Len(t, items["required"], 8)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, MaxConfidence(ConfidenceLow, ConfidenceHigh))
	assert.Equal(t, ConfidenceMedium, MaxConfidence(ConfidenceMedium, ConfidenceLow))
	assert.Equal(t, 0.9, ConfidenceHigh.Score())
	assert.Equal(t, 0.7, ConfidenceMedium.Score())
	assert.Equal(t, 0.5, ConfidenceLow.Score())

	c, err := ParseConfidence(" Low ")
	require.NoError(t, err)
	assert.Equal(t, ConfidenceLow, c)
	_, err = ParseConfidence("maybe")
	assert.Error(t, err)
}

func TestActionItem_Syncable(t *testing.T) {
	assert.True(t, ActionItem{Status: StatusOpen}.Syncable())
	assert.True(t, ActionItem{Status: StatusInProgress}.Syncable())
	assert.False(t, ActionItem{Status: StatusDone}.Syncable())
	assert.False(t, ActionItem{Status: StatusBlocked}.Syncable())
}
