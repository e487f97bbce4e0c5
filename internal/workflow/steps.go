package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Sameersah/talknshop/internal/catalog"
	"github.com/Sameersah/talknshop/internal/domain"
	"github.com/Sameersah/talknshop/internal/llm"
	"github.com/Sameersah/talknshop/internal/media"
	"github.com/Sameersah/talknshop/internal/store"
)

var (
	errEmptyInput         = errors.New("turn has neither text nor media")
	errNoRequirement      = errors.New("could not extract a requirement from the turn")
	errMissingRequirement = errors.New("cannot search without requirements")
)

// StepConfig tunes the step executors.
type StepConfig struct {
	MaxClarifications   int
	CollaboratorTimeout time.Duration
	SearchTimeout       time.Duration
}

// DefaultStepConfig returns the production defaults.
func DefaultStepConfig() StepConfig {
	return StepConfig{
		MaxClarifications:   2,
		CollaboratorTimeout: 30 * time.Second,
		SearchTimeout:       60 * time.Second,
	}
}

// Executor runs one step against the session state. A returned error is
// unrecoverable and fails the session; collaborator failures are absorbed
// by the executors that can fail open.
type Executor func(ctx context.Context, s *domain.State) error

// Steps binds the executors to their collaborators. Model, Media and
// Catalog may be nil.
type Steps struct {
	store   store.Repository
	model   llm.Model
	media   media.Client
	catalog catalog.Client
	cfg     StepConfig
	now     func() time.Time
	logger  *slog.Logger
}

func (st *Steps) executor(step Step) Executor {
	switch step {
	case StepParseInput:
		return st.parseInput
	case StepDecideMediaOps:
		return st.decideMediaOps
	case StepTranscribeAudio:
		return st.transcribeAudio
	case StepExtractImageAttrs:
		return st.extractImageAttrs
	case StepBuildRequirement:
		return st.buildRequirement
	case StepDecideClarify:
		return st.decideClarify
	case StepAskClarifyingQuestion:
		return st.askClarifyingQuestion
	case StepSearchMarketplaces:
		return st.searchMarketplaces
	case StepRankAndCompose:
		return st.rankAndCompose
	case StepDone:
		return st.done
	}
	return nil
}

func (st *Steps) parseInput(_ context.Context, s *domain.State) error {
	s.UserMessage = strings.Join(strings.Fields(s.UserMessage), " ")
	refs := s.MediaRefs[:0]
	for _, m := range s.MediaRefs {
		if strings.TrimSpace(m.S3Key) != "" {
			refs = append(refs, m)
		}
	}
	s.MediaRefs = refs
	if s.UserMessage == "" && len(s.MediaRefs) == 0 {
		return errEmptyInput
	}
	s.Stage = domain.StageInitial

	st.logger.Info("Parsed input", "session_id", s.SessionID, "media_count", len(s.MediaRefs))
	return nil
}

func (st *Steps) decideMediaOps(ctx context.Context, s *domain.State) error {
	hasAudio := s.HasMedia(domain.MediaAudio)
	hasImage := s.HasMedia(domain.MediaImage)
	s.NeedSpeechToText, s.NeedVision = false, false

	if !hasAudio && !hasImage {
		s.Stage = domain.StageRequirementBuilding
		return nil
	}
	s.Stage = domain.StageMediaProcessing

	if st.model == nil {
		s.NeedSpeechToText, s.NeedVision = hasAudio, hasImage
		return nil
	}

	out, err := st.infer(ctx, s, StepDecideMediaOps, llm.NeedMediaOpsPrompt(s.UserMessage, s.MediaRefs))
	var decision llm.MediaDecision
	if err == nil {
		err = llm.ParseJSON(out, &decision)
	}
	if err != nil {
		st.logger.Warn("Media decision failed, skipping media processing", "session_id", s.SessionID, "error", err)
		s.Stage = domain.StageRequirementBuilding
		return nil
	}
	s.NeedSpeechToText = decision.NeedSTT && hasAudio
	s.NeedVision = decision.NeedVision && hasImage
	st.logger.Info("Decided media operations",
		"session_id", s.SessionID,
		"need_stt", s.NeedSpeechToText,
		"need_vision", s.NeedVision,
	)
	return nil
}

func (st *Steps) transcribeAudio(ctx context.Context, s *domain.State) error {
	s.Transcript = nil
	if !s.NeedSpeechToText {
		return nil
	}
	ref, ok := s.FirstMedia(domain.MediaAudio)
	if !ok || st.media == nil {
		st.logger.Warn("Transcription skipped", "session_id", s.SessionID, "has_audio", ok)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, st.cfg.CollaboratorTimeout)
	defer cancel()
	res, err := st.media.Transcribe(ctx, ref)
	if err != nil {
		st.logger.Warn("Transcription failed, continuing without transcript", "session_id", s.SessionID, "error", err)
		return nil
	}
	s.Transcript = &res.Transcript
	return nil
}

func (st *Steps) extractImageAttrs(ctx context.Context, s *domain.State) error {
	s.ImageAttributes = nil
	ref, ok := s.FirstMedia(domain.MediaImage)
	if !ok || st.media == nil {
		st.logger.Warn("Image analysis skipped", "session_id", s.SessionID, "has_image", ok)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, st.cfg.CollaboratorTimeout)
	defer cancel()
	attrs, err := st.media.AnalyzeImage(ctx, ref)
	if err != nil {
		st.logger.Warn("Image analysis failed, continuing without attributes", "session_id", s.SessionID, "error", err)
		return nil
	}
	s.ImageAttributes = attrs
	return nil
}

func (st *Steps) buildRequirement(ctx context.Context, s *domain.State) error {
	s.Stage = domain.StageRequirementBuilding

	var update *domain.Requirement
	if st.model != nil {
		prompt := llm.BuildRequirementPrompt(s.UserMessage, s.Transcript, s.ImageAttributes, s.Requirement)
		out, err := st.infer(ctx, s, StepBuildRequirement, prompt)
		if err == nil {
			var parsed domain.Requirement
			if err = llm.ParseJSON(out, &parsed); err == nil {
				update = &parsed
			}
		}
		if err != nil {
			st.logger.Warn("Requirement extraction failed, using rule-based builder", "session_id", s.SessionID, "error", err)
		}
	}
	if update == nil {
		update = ExtractRequirement(turnText(s))
		if update.ProductType == "" && s.ImageAttributes != nil {
			update.ProductType = productType(s.ImageAttributes.Labels)
		}
	}

	merged := s.Requirement.Merge(update)
	if merged.ProductType == "" && strings.TrimSpace(turnText(s)) == "" {
		return errNoRequirement
	}
	s.Requirement = merged
	s.RequirementHistory = append(s.RequirementHistory, *merged.Clone())

	if err := st.store.Update(ctx, s.SessionID, domain.StatePatch{Requirement: merged}); err != nil {
		return fmt.Errorf("save requirement: %w", err)
	}
	st.logger.Info("Built requirement",
		"session_id", s.SessionID,
		"product_type", merged.ProductType,
		"has_constraint", merged.HasConstraint(),
	)
	return nil
}

// turnText is the typed message plus any transcript.
func turnText(s *domain.State) string {
	if s.Transcript == nil || *s.Transcript == "" {
		return s.UserMessage
	}
	return strings.TrimSpace(s.UserMessage + " " + *s.Transcript)
}

func (st *Steps) decideClarify(ctx context.Context, s *domain.State) error {
	ok, reason := s.Requirement.Searchable()
	s.NeedsClarification = !ok
	s.ClarificationReason = reason

	if ok && st.model != nil && s.ClarificationCount < st.cfg.MaxClarifications {
		out, err := st.infer(ctx, s, StepDecideClarify, llm.NeedClarifyPrompt(s.Requirement, s.ClarificationCount, st.cfg.MaxClarifications))
		var decision llm.ClarifyDecision
		if err == nil {
			err = llm.ParseJSON(out, &decision)
		}
		if err != nil {
			st.logger.Warn("Clarification decision failed, proceeding to search", "session_id", s.SessionID, "error", err)
		} else {
			s.NeedsClarification = decision.NeedsClarification
			s.ClarificationReason = decision.Reason
		}
	}

	if s.NeedsClarification && s.ClarificationCount >= st.cfg.MaxClarifications {
		st.logger.Info("Clarification limit reached, proceeding to search",
			"session_id", s.SessionID,
			"clarification_count", s.ClarificationCount,
			"reason", s.ClarificationReason,
		)
		s.NeedsClarification = false
	}

	if s.NeedsClarification {
		s.Stage = domain.StageClarification
	} else {
		s.Stage = domain.StageSearching
	}
	return nil
}

func (st *Steps) askClarifyingQuestion(ctx context.Context, s *domain.State) error {
	s.ClarifyingQuestion = nil
	s.ClarificationSuggestions = nil

	if s.ClarificationCount >= st.cfg.MaxClarifications {
		st.forceSearch(s, domain.ErrClarificationLimitExceeded)
		return nil
	}

	q := st.clarifyingQuestion(ctx, s)

	n, err := st.store.IncrementClarificationCount(ctx, s.SessionID, s.Version)
	if err != nil {
		st.forceSearch(s, err)
		return nil
	}
	if n > st.cfg.MaxClarifications {
		st.forceSearch(s, fmt.Errorf("%w: count %d", domain.ErrClarificationLimitExceeded, n))
		return nil
	}

	s.ClarificationCount = n
	s.ClarifyingQuestion = &q.Question
	s.ClarificationSuggestions = q.Suggestions
	if q.Context != "" {
		s.ClarificationReason = q.Context
	}
	s.Stage = domain.StageClarification

	st.logger.Info("Asked clarifying question", "session_id", s.SessionID, "clarification_count", n)
	return nil
}

// forceSearch skips clarification when a question cannot be asked.
func (st *Steps) forceSearch(s *domain.State, cause error) {
	st.logger.Warn("Skipping clarification", "session_id", s.SessionID, "error", cause)
	s.NeedsClarification = false
	s.ClarifyingQuestion = nil
	s.Stage = domain.StageSearching
}

func (st *Steps) clarifyingQuestion(ctx context.Context, s *domain.State) llm.ClarifyingQuestion {
	if st.model != nil {
		prompt := llm.AskClarifyingQuestionPrompt(s.UserMessage, s.Requirement, s.ClarificationReason, s.ClarificationCount, st.cfg.MaxClarifications)
		out, err := st.infer(ctx, s, StepAskClarifyingQuestion, prompt)
		if err == nil {
			var q llm.ClarifyingQuestion
			if llm.ParseJSON(out, &q) == nil && strings.TrimSpace(q.Question) != "" {
				q.Question = strings.TrimSpace(q.Question)
				return q
			}
			if raw := strings.TrimSpace(out); raw != "" {
				return llm.ClarifyingQuestion{Question: raw}
			}
		}
		st.logger.Warn("Question generation failed, using template", "session_id", s.SessionID, "error", err)
	}
	return templateQuestion(s.Requirement, s.ClarificationReason)
}

func templateQuestion(req *domain.Requirement, reason string) llm.ClarifyingQuestion {
	switch reason {
	case domain.ReasonMissingBoth, domain.ReasonMissingType:
		return llm.ClarifyingQuestion{
			Question:    "What kind of product are you looking for?",
			Suggestions: []string{"Laptop", "Headphones", "Running shoes"},
			Context:     reason,
		}
	case domain.ReasonMissingConstraint:
		return llm.ClarifyingQuestion{
			Question:    fmt.Sprintf("Do you have a budget or a preferred brand for the %s?", req.ProductType),
			Suggestions: []string{"Under $100", "$100 to $500", "Any brand is fine"},
			Context:     reason,
		}
	}
	what := "product"
	if req != nil && req.ProductType != "" {
		what = req.ProductType
	}
	return llm.ClarifyingQuestion{
		Question: fmt.Sprintf("Could you tell me a bit more about the %s you want?", what),
		Context:  reason,
	}
}

func (st *Steps) searchMarketplaces(ctx context.Context, s *domain.State) error {
	if s.Requirement == nil {
		return errMissingRequirement
	}
	s.Stage = domain.StageSearching
	s.RawResults = []domain.Product{}

	if st.catalog == nil {
		msg := "catalog unavailable"
		s.SetError(msg)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, st.cfg.SearchTimeout)
	defer cancel()
	res, err := st.catalog.Search(ctx, s.Requirement)
	if err != nil {
		st.logger.Warn("Search failed, continuing with no results", "session_id", s.SessionID, "error", err)
		s.SetError(err.Error())
		return nil
	}
	if res.Products != nil {
		s.RawResults = res.Products
	}
	st.logger.Info("Searched marketplaces", "session_id", s.SessionID, "results", len(s.RawResults))
	return nil
}

func (st *Steps) rankAndCompose(_ context.Context, s *domain.State) error {
	s.RankedResults = Rank(s.RawResults)
	s.FinalResponse = Summary(s.RankedResults, s.Requirement)
	s.Stage = domain.StageRanking

	st.logger.Info("Ranked results", "session_id", s.SessionID, "ranked", len(s.RankedResults))
	return nil
}

// done is a no-op on an already completed session.
func (st *Steps) done(_ context.Context, s *domain.State) error {
	if s.Stage == domain.StageCompleted && s.CompletedAt != nil {
		return nil
	}
	now := st.now()
	s.Stage = domain.StageCompleted
	s.CompletedAt = &now

	st.logger.Info("Completed turn", "session_id", s.SessionID, "results", len(s.RankedResults))
	return nil
}

// infer calls the model with a per-call timeout and records the call. When
// the model can stream and the turn has an emitter, tokens are forwarded.
func (st *Steps) infer(ctx context.Context, s *domain.State, step Step, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, st.cfg.CollaboratorTimeout)
	defer cancel()

	start := st.now()
	var out string
	var err error
	emit := emitterFrom(ctx)
	if streamer, ok := st.model.(llm.Streamer); ok && emit != nil {
		out, err = streamer.InferStream(ctx, prompt, func(tok string) {
			emit(Event{Kind: EventToken, Step: step, Content: tok})
		})
		emit(Event{Kind: EventToken, Step: step, Complete: true})
	} else {
		out, err = st.model.Infer(ctx, prompt)
	}

	call := domain.LLMCall{
		Step:       string(step),
		Prompt:     truncate(prompt, 200),
		DurationMS: st.now().Sub(start).Milliseconds(),
		OK:         err == nil,
		At:         start,
	}
	if err != nil {
		call.Error = err.Error()
		err = domain.CollaboratorError("llm", err)
	}
	s.LLMCalls = append(s.LLMCalls, call)
	return out, err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
