// Package domain defines the conversation state shared by the workflow engine,
// the session store and the live channel.
package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Stage is the position of a session in the workflow state machine.
type Stage string

const (
	StageInitial             Stage = "initial"
	StageMediaProcessing     Stage = "media_processing"
	StageRequirementBuilding Stage = "requirement_building"
	StageClarification       Stage = "clarification"
	StageSearching           Stage = "searching"
	StageRanking             Stage = "ranking"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
	StageCancelled           Stage = "cancelled"
)

// IsTerminal reports whether no further step runs in the current turn.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// MediaType is the kind of an uploaded media reference.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// MediaRef points at an uploaded media object.
type MediaRef struct {
	MediaType   MediaType `json:"media_type"`
	S3Key       string    `json:"s3_key"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at,omitzero"`
}

// Transcription is the speech-to-text result for one audio reference.
type Transcription struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// ImageAttributes is the vision result for one image reference.
type ImageAttributes struct {
	Labels  []string `json:"labels,omitempty"`
	Text    []string `json:"text,omitempty"`
	Objects []string `json:"objects,omitempty"`
}

// Product is a single catalog result.
type Product struct {
	ID           string      `json:"id"`
	Marketplace  Marketplace `json:"marketplace"`
	Title        string      `json:"title"`
	Price        *float64    `json:"price,omitempty"`
	Currency     string      `json:"currency,omitempty"`
	Rating       *float64    `json:"rating,omitempty"`
	ReviewCount  int         `json:"review_count,omitempty"`
	Availability string      `json:"availability,omitempty"`
	URL          string      `json:"url"`
	ImageURL     string      `json:"image_url,omitempty"`
	Brand        string      `json:"brand,omitempty"`
	Score        float64     `json:"score,omitempty"`
}

// LLMCall records one language-model call made during a step.
type LLMCall struct {
	Step       string    `json:"step"`
	Prompt     string    `json:"prompt"`
	DurationMS int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Input limits for a single turn.
const (
	MaxMessageLength = 5000
	MaxAnswerLength  = 2000
)

// TurnInput is one inbound user turn.
type TurnInput struct {
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	Message   string     `json:"message"`
	Media     []MediaRef `json:"media,omitempty"`
}

// Validate trims the message and checks the input shape. maxLen bounds the
// message length in characters.
func (in *TurnInput) Validate(maxLen int) error {
	in.Message = strings.TrimSpace(in.Message)
	if in.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	if in.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if in.Message == "" && len(in.Media) == 0 {
		return fmt.Errorf("%w: message cannot be empty", ErrValidation)
	}
	if maxLen > 0 && utf8.RuneCountInString(in.Message) > maxLen {
		return fmt.Errorf("%w: message exceeds %d characters", ErrValidation, maxLen)
	}
	for i, m := range in.Media {
		switch m.MediaType {
		case MediaAudio, MediaImage, MediaVideo:
		default:
			return fmt.Errorf("%w: media[%d] has unknown type %q", ErrValidation, i, m.MediaType)
		}
		if m.S3Key == "" {
			return fmt.Errorf("%w: media[%d] is missing s3_key", ErrValidation, i)
		}
	}
	return nil
}

// State is the checkpointed record of one conversation.
//
// Transcript, ImageAttributes, Requirement, ClarifyingQuestion, Error and
// CompletedAt are nil until a step sets them. RequirementHistory, NodeTrace
// and LLMCalls are append-only.
type State struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Stage     Stage  `json:"stage"`

	UserMessage string     `json:"user_message"`
	MediaRefs   []MediaRef `json:"media_refs,omitempty"`

	NeedSpeechToText bool             `json:"need_speech_to_text"`
	NeedVision       bool             `json:"need_vision"`
	Transcript       *string          `json:"transcript"`
	ImageAttributes  *ImageAttributes `json:"image_attributes"`

	Requirement        *Requirement  `json:"requirement"`
	RequirementHistory []Requirement `json:"requirement_history,omitempty"`

	NeedsClarification       bool     `json:"needs_clarification"`
	ClarificationReason      string   `json:"clarification_reason,omitempty"`
	ClarifyingQuestion       *string  `json:"clarifying_question"`
	ClarificationSuggestions []string `json:"clarification_suggestions,omitempty"`
	ClarificationCount       int      `json:"clarification_count"`

	RawResults    []Product `json:"raw_results,omitempty"`
	RankedResults []Product `json:"ranked_results,omitempty"`
	FinalResponse string    `json:"final_response,omitempty"`

	Error     *string   `json:"error"`
	NodeTrace []string  `json:"node_trace"`
	LLMCalls  []LLMCall `json:"llm_calls,omitempty"`

	// Resume marks a turn that answers a clarifying question.
	Resume bool `json:"resume"`
	// Version is bumped on every checkpoint.
	Version int64 `json:"version"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// NewState creates the record for a new session.
func NewState(sessionID, userID string, now time.Time) *State {
	return &State{
		SessionID: sessionID,
		UserID:    userID,
		Stage:     StageInitial,
		NodeTrace: []string{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// BeginTurn replaces the per-turn input and clears outputs of the previous
// turn. Accumulated fields (requirement, histories, counters, trace) are kept.
func (s *State) BeginTurn(in TurnInput, resume bool, now time.Time) {
	s.UserMessage = in.Message
	s.MediaRefs = slices.Clone(in.Media)
	s.NeedSpeechToText = false
	s.NeedVision = false
	s.Transcript = nil
	s.ImageAttributes = nil
	s.NeedsClarification = false
	s.ClarificationReason = ""
	s.ClarifyingQuestion = nil
	s.ClarificationSuggestions = nil
	s.RawResults = nil
	s.RankedResults = nil
	s.FinalResponse = ""
	s.Error = nil
	s.CompletedAt = nil
	s.Resume = resume
	s.Stage = StageInitial
	s.UpdatedAt = now
}

// Fail marks the session failed with msg.
func (s *State) Fail(msg string) {
	s.Stage = StageFailed
	s.Error = &msg
}

// SetError records a non-fatal error message.
func (s *State) SetError(msg string) {
	s.Error = &msg
}

// HasMedia reports whether a reference of type t is attached to the turn.
func (s *State) HasMedia(t MediaType) bool {
	return slices.ContainsFunc(s.MediaRefs, func(m MediaRef) bool { return m.MediaType == t })
}

// FirstMedia returns the first reference of type t.
func (s *State) FirstMedia(t MediaType) (MediaRef, bool) {
	for _, m := range s.MediaRefs {
		if m.MediaType == t {
			return m, true
		}
	}
	return MediaRef{}, false
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.MediaRefs = slices.Clone(s.MediaRefs)
	out.Transcript = clonePtr(s.Transcript)
	if s.ImageAttributes != nil {
		ia := ImageAttributes{
			Labels:  slices.Clone(s.ImageAttributes.Labels),
			Text:    slices.Clone(s.ImageAttributes.Text),
			Objects: slices.Clone(s.ImageAttributes.Objects),
		}
		out.ImageAttributes = &ia
	}
	out.Requirement = s.Requirement.Clone()
	if s.RequirementHistory != nil {
		out.RequirementHistory = make([]Requirement, len(s.RequirementHistory))
		for i := range s.RequirementHistory {
			out.RequirementHistory[i] = *s.RequirementHistory[i].Clone()
		}
	}
	out.ClarifyingQuestion = clonePtr(s.ClarifyingQuestion)
	out.ClarificationSuggestions = slices.Clone(s.ClarificationSuggestions)
	out.RawResults = cloneProducts(s.RawResults)
	out.RankedResults = cloneProducts(s.RankedResults)
	out.Error = clonePtr(s.Error)
	out.NodeTrace = slices.Clone(s.NodeTrace)
	out.LLMCalls = slices.Clone(s.LLMCalls)
	out.CompletedAt = clonePtr(s.CompletedAt)
	return &out
}

func cloneProducts(in []Product) []Product {
	if in == nil {
		return nil
	}
	out := make([]Product, len(in))
	for i, p := range in {
		p.Price = clonePtr(p.Price)
		p.Rating = clonePtr(p.Rating)
		out[i] = p
	}
	return out
}

// StatePatch is a partial update applied by Repository.Update. Nil fields
// are left untouched.
type StatePatch struct {
	Stage         *Stage
	UserMessage   *string
	Requirement   *Requirement
	RawResults    []Product
	RankedResults []Product
	FinalResponse *string
	Error         *string
}

// Apply writes the non-nil fields of p into s.
func (p StatePatch) Apply(s *State, now time.Time) {
	if p.Stage != nil {
		s.Stage = *p.Stage
	}
	if p.UserMessage != nil {
		s.UserMessage = *p.UserMessage
	}
	if p.Requirement != nil {
		s.Requirement = p.Requirement.Clone()
	}
	if p.RawResults != nil {
		s.RawResults = cloneProducts(p.RawResults)
	}
	if p.RankedResults != nil {
		s.RankedResults = cloneProducts(p.RankedResults)
	}
	if p.FinalResponse != nil {
		s.FinalResponse = *p.FinalResponse
	}
	if p.Error != nil {
		s.Error = clonePtr(p.Error)
	}
	s.UpdatedAt = now
}
