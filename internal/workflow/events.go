package workflow

import (
	"context"

	"github.com/Sameersah/talknshop/internal/domain"
)

// EventKind categorizes engine events.
type EventKind string

const (
	// EventStepStarted is emitted before a step executes.
	EventStepStarted EventKind = "step_started"
	// EventToken carries streamed language-model output.
	EventToken EventKind = "token"
	// EventSearchComplete reports the number of raw results.
	EventSearchComplete EventKind = "search_complete"
	// EventClarification carries the clarifying question; the turn pauses.
	EventClarification EventKind = "clarification"
	// EventResults carries the ranked products.
	EventResults EventKind = "results"
	// EventDone ends a turn that did not pause.
	EventDone EventKind = "done"
)

// Event is emitted by Engine.Stream in step execution order. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	Step Step

	// EventToken
	Content  string
	Complete bool

	// EventSearchComplete
	Count int

	// EventClarification
	Question    string
	Context     string
	Suggestions []string

	// EventResults
	Products      []domain.Product
	Requirement   *domain.Requirement
	FinalResponse string

	// EventDone
	Message string
}

type emitterKey struct{}

func withEmitter(ctx context.Context, emit func(Event)) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// emitterFrom returns the emitter of the running turn, or nil.
func emitterFrom(ctx context.Context) func(Event) {
	emit, _ := ctx.Value(emitterKey{}).(func(Event))
	return emit
}
