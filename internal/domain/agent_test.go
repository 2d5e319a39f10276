package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *AgentState {
	name := "react-game-starter"
	temp := 0.2
	return &AgentState{
		SessionID:  "src-1",
		Query:      "Build a 2D puzzle game with scoring",
		Language:   "typescript",
		Frameworks: []string{"react", "vite"},
		Hostname:   "forge.example.com",
		AgentMode:  AgentModeSmart,
		TemplateDetails: &TemplateDetails{
			TemplateDescriptor: TemplateDescriptor{Name: name, Language: "typescript"},
			Files:              []TemplateFile{{Path: "src/App.tsx", Contents: "export {}"}},
		},
		Selection: &SelectionResult{SelectedTemplateName: &name, ProjectName: "puzzle"},
		InferenceContext: &InferenceContext{
			AgentID: "src-1",
			UserModelConfigs: map[AgentAction]ModelConfig{
				ActionBlueprint: {Model: "gpt-4o", Temperature: &temp},
			},
		},
		SandboxSessionID:     "sbx-1",
		PendingUserInputs:    []string{"make it blue"},
		ShouldBeGenerating:   true,
		CurrentGeneration:    &GenerationHandle{ID: "gen-1", Phase: "blueprint", StartedAt: time.Unix(10, 0)},
		ClientReportedErrors: []ClientError{{Message: "TypeError"}},
		PreviewURL:           "https://sbx-1.preview",
		Initialized:          true,
	}
}

func TestAgentStateCloneIsDeep(t *testing.T) {
	src := sampleState()
	cp := src.Clone()

	cp.Frameworks[0] = "vue"
	cp.PendingUserInputs[0] = "changed"
	cp.TemplateDetails.Files[0].Path = "x"
	*cp.Selection.SelectedTemplateName = "other"
	cp.InferenceContext.UserModelConfigs[ActionTemplateSelection] = ModelConfig{Model: "m"}

	assert.Equal(t, "react", src.Frameworks[0])
	assert.Equal(t, "make it blue", src.PendingUserInputs[0])
	assert.Equal(t, "src/App.tsx", src.TemplateDetails.Files[0].Path)
	assert.Equal(t, "react-game-starter", src.Selection.Name())
	assert.Len(t, src.InferenceContext.UserModelConfigs, 1)
}

func TestAgentStateForkAsClearsRuntimeState(t *testing.T) {
	src := sampleState()
	fork := src.ForkAs("new-1")

	assert.Equal(t, "new-1", fork.SessionID)
	assert.Empty(t, fork.SandboxSessionID)
	assert.Empty(t, fork.PendingUserInputs)
	assert.False(t, fork.ShouldBeGenerating)
	assert.Nil(t, fork.CurrentGeneration)
	assert.Empty(t, fork.ClientReportedErrors)
	assert.Empty(t, fork.PreviewURL)

	// Unrelated fields are carried over unchanged.
	assert.Equal(t, src.Language, fork.Language)
	assert.Equal(t, src.Frameworks, fork.Frameworks)
	assert.Equal(t, src.Query, fork.Query)
	assert.Equal(t, src.TemplateDetails, fork.TemplateDetails)
	assert.True(t, fork.Initialized)

	// The source is untouched.
	assert.Equal(t, "src-1", src.SessionID)
	assert.Len(t, src.PendingUserInputs, 1)
}

func TestAgentStateJSONRoundTrip(t *testing.T) {
	src := sampleState()
	data, err := json.Marshal(src)
	require.NoError(t, err)

	var got AgentState
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, src.Frameworks, got.Frameworks)
	assert.Equal(t, src.Selection.Name(), got.Selection.Name())
	assert.Equal(t, src.CurrentGeneration.ID, got.CurrentGeneration.ID)
}

func TestParseAgentMode(t *testing.T) {
	assert.Equal(t, AgentModeSmart, ParseAgentMode("smart"))
	assert.Equal(t, AgentModeDeterministic, ParseAgentMode(""))
	assert.Equal(t, AgentModeDeterministic, ParseAgentMode("bogus"))
}

func TestJurisdictionString(t *testing.T) {
	assert.Equal(t, "default", JurisdictionDefault.String())
	assert.Equal(t, "eu", JurisdictionEU.String())
	assert.Equal(t, []Jurisdiction{JurisdictionDefault, JurisdictionEU}, SearchOrder)
}
