package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sameersah/talknshop/internal/domain"
)

func TestGraphIsValid(t *testing.T) {
	require.NoError(t, Validate())
	for _, s := range AllSteps {
		_, ok := edges[s]
		assert.True(t, ok, "step %s has no edge", s)
	}
}

func TestNextRoutes(t *testing.T) {
	tests := []struct {
		name  string
		from  Step
		state domain.State
		want  Step
	}{
		{"text only skips media", StepDecideMediaOps, domain.State{}, StepBuildRequirement},
		{"audio goes to transcription", StepDecideMediaOps, domain.State{NeedSpeechToText: true}, StepTranscribeAudio},
		{"image only passes through transcription", StepDecideMediaOps, domain.State{NeedVision: true}, StepTranscribeAudio},
		{"vision after transcription", StepTranscribeAudio, domain.State{NeedVision: true}, StepExtractImageAttrs},
		{"no vision", StepTranscribeAudio, domain.State{NeedSpeechToText: true}, StepBuildRequirement},
		{"clarify", StepDecideClarify, domain.State{NeedsClarification: true}, StepAskClarifyingQuestion},
		{"search", StepDecideClarify, domain.State{}, StepSearchMarketplaces},
		{"pause after question", StepAskClarifyingQuestion, domain.State{
			ClarifyingQuestion: ptr("Which colour?"),
			Stage:              domain.StageClarification,
		}, Pause},
		{"forced search", StepAskClarifyingQuestion, domain.State{Stage: domain.StageSearching}, StepSearchMarketplaces},
		{"done ends", StepDone, domain.State{}, End},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.from, &tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Next(Pause, &domain.State{})
	assert.ErrorIs(t, err, errInvalidGraph)
}

func TestValidPath(t *testing.T) {
	tests := []struct {
		name    string
		trace   []string
		wantErr bool
	}{
		{"empty", nil, false},
		{"direct search", []string{
			"parse_input", "decide_media_ops", "build_requirement", "decide_clarify",
			"search_marketplaces", "rank_and_compose", "done",
		}, false},
		{"media", []string{
			"parse_input", "decide_media_ops", "transcribe_audio", "extract_image_attrs", "build_requirement",
		}, false},
		{"clarify then resume", []string{
			"parse_input", "decide_media_ops", "build_requirement", "decide_clarify", "ask_clarifying_question",
			"build_requirement", "decide_clarify", "search_marketplaces", "rank_and_compose", "done",
		}, false},
		{"second turn", []string{
			"parse_input", "decide_media_ops", "build_requirement", "decide_clarify",
			"search_marketplaces", "rank_and_compose", "done",
			"parse_input", "decide_media_ops",
		}, false},
		{"skipped step", []string{"parse_input", "build_requirement"}, true},
		{"unknown step", []string{"parse_input", "teleport"}, true},
		{"starts mid graph", []string{"decide_clarify"}, true},
		{"resume without question", []string{
			"parse_input", "decide_media_ops", "build_requirement", "build_requirement",
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidPath(tt.trace)
			if tt.wantErr {
				assert.ErrorIs(t, err, errInvalidTrace)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func ptr[T any](v T) *T { return &v }
