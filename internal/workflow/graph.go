// Package workflow runs the product-search conversation as a fixed graph of
// steps, checkpointing the session after every step.
package workflow

import (
	"errors"
	"fmt"

	"github.com/Sameersah/talknshop/internal/domain"
)

// Step names a node of the workflow graph. The value is recorded in the
// session's node trace.
type Step string

const (
	StepParseInput            Step = "parse_input"
	StepDecideMediaOps        Step = "decide_media_ops"
	StepTranscribeAudio       Step = "transcribe_audio"
	StepExtractImageAttrs     Step = "extract_image_attrs"
	StepBuildRequirement      Step = "build_requirement"
	StepDecideClarify         Step = "decide_clarify"
	StepAskClarifyingQuestion Step = "ask_clarifying_question"
	StepSearchMarketplaces    Step = "search_marketplaces"
	StepRankAndCompose        Step = "rank_and_compose"
	StepDone                  Step = "done"
)

// Terminal markers. They are edge targets, never executed.
const (
	// Pause suspends the workflow until the shopper answers.
	Pause Step = "__pause__"
	// End finishes the turn.
	End Step = "__end__"
)

// AllSteps lists the executable steps in topological order.
var AllSteps = []Step{
	StepParseInput,
	StepDecideMediaOps,
	StepTranscribeAudio,
	StepExtractImageAttrs,
	StepBuildRequirement,
	StepDecideClarify,
	StepAskClarifyingQuestion,
	StepSearchMarketplaces,
	StepRankAndCompose,
	StepDone,
}

// Route is a typed edge predicate.
type Route func(s *domain.State) bool

type edge struct {
	next    Step
	route   Route
	ifTrue  Step
	ifFalse Step
}

func (e edge) target(s *domain.State) Step {
	if e.route == nil {
		return e.next
	}
	if e.route(s) {
		return e.ifTrue
	}
	return e.ifFalse
}

func (e edge) targets() []Step {
	if e.route == nil {
		return []Step{e.next}
	}
	return []Step{e.ifTrue, e.ifFalse}
}

// needsMediaWork also routes image-only turns through transcribe_audio,
// which passes through when no transcription is needed. Otherwise the
// image would never reach extract_image_attrs.
func needsMediaWork(s *domain.State) bool {
	return s.NeedSpeechToText || s.NeedVision
}

func needsVision(s *domain.State) bool {
	return s.NeedVision
}

func needsClarification(s *domain.State) bool {
	return s.NeedsClarification
}

// questionAsked is false when asking failed or the clarification cap forced
// a search instead.
func questionAsked(s *domain.State) bool {
	return s.ClarifyingQuestion != nil && s.Stage == domain.StageClarification
}

var edges = map[Step]edge{
	StepParseInput:            {next: StepDecideMediaOps},
	StepDecideMediaOps:        {route: needsMediaWork, ifTrue: StepTranscribeAudio, ifFalse: StepBuildRequirement},
	StepTranscribeAudio:       {route: needsVision, ifTrue: StepExtractImageAttrs, ifFalse: StepBuildRequirement},
	StepExtractImageAttrs:     {next: StepBuildRequirement},
	StepBuildRequirement:      {next: StepDecideClarify},
	StepDecideClarify:         {route: needsClarification, ifTrue: StepAskClarifyingQuestion, ifFalse: StepSearchMarketplaces},
	StepAskClarifyingQuestion: {route: questionAsked, ifTrue: Pause, ifFalse: StepSearchMarketplaces},
	StepSearchMarketplaces:    {next: StepRankAndCompose},
	StepRankAndCompose:        {next: StepDone},
	StepDone:                  {next: End},
}

// Next returns the step that follows from in state s.
func Next(from Step, s *domain.State) (Step, error) {
	e, ok := edges[from]
	if !ok {
		return "", fmt.Errorf("%w: no edge from %q", errInvalidGraph, from)
	}
	return e.target(s), nil
}

var (
	errInvalidGraph = errors.New("invalid workflow graph")
	errInvalidTrace = errors.New("invalid node trace")
)

// Validate checks that every step has an edge, every edge points at a step
// or a terminal marker and the graph has no cycle.
func Validate() error {
	known := make(map[Step]bool, len(AllSteps))
	for _, s := range AllSteps {
		known[s] = true
		if _, ok := edges[s]; !ok {
			return fmt.Errorf("%w: step %q has no edge", errInvalidGraph, s)
		}
	}
	for from, e := range edges {
		if !known[from] {
			return fmt.Errorf("%w: edge from unknown step %q", errInvalidGraph, from)
		}
		for _, to := range e.targets() {
			if !known[to] && to != Pause && to != End {
				return fmt.Errorf("%w: edge %q -> unknown %q", errInvalidGraph, from, to)
			}
		}
	}

	const (
		visiting = iota + 1
		visited
	)
	marks := make(map[Step]int, len(AllSteps))
	var visit func(Step) error
	visit = func(s Step) error {
		switch marks[s] {
		case visiting:
			return fmt.Errorf("%w: cycle through %q", errInvalidGraph, s)
		case visited:
			return nil
		}
		marks[s] = visiting
		for _, to := range edges[s].targets() {
			if to == Pause || to == End {
				continue
			}
			if err := visit(to); err != nil {
				return err
			}
		}
		marks[s] = visited
		return nil
	}
	for _, s := range AllSteps {
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}

// ValidPath checks a node trace spanning one or more turns. A turn starts
// at parse_input, or at build_requirement when it answers a clarifying
// question. Within a turn every step must be a successor of the previous
// one.
func ValidPath(trace []string) error {
	var prev Step
	for i, name := range trace {
		step := Step(name)
		if _, ok := edges[step]; !ok {
			return fmt.Errorf("%w: unknown step %q at %d", errInvalidTrace, name, i)
		}
		switch {
		case step == StepParseInput:
		case step == StepBuildRequirement && prev == StepAskClarifyingQuestion:
		case prev != "" && isSuccessor(prev, step):
		default:
			return fmt.Errorf("%w: %q cannot follow %q at %d", errInvalidTrace, name, prev, i)
		}
		prev = step
	}
	return nil
}

func isSuccessor(from, to Step) bool {
	for _, t := range edges[from].targets() {
		if t == to {
			return true
		}
	}
	return false
}
