package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sameersah/talknshop/internal/catalog"
	"github.com/Sameersah/talknshop/internal/domain"
	"github.com/Sameersah/talknshop/internal/llm"
	"github.com/Sameersah/talknshop/internal/media"
	"github.com/Sameersah/talknshop/internal/store"
)

// ErrNothingToResume is returned by Resume when the checkpoint has no
// interrupted turn.
var ErrNothingToResume = errors.New("no interrupted turn to resume")

const cancelledMessage = "Request cancelled"

// Deps are the collaborators injected into the engine. Store is required.
type Deps struct {
	Store   store.Repository
	Model   llm.Model
	Media   media.Client
	Catalog catalog.Client
	Logger  *slog.Logger
}

// Options tune the engine.
type Options struct {
	// MaxConcurrentRuns bounds the number of turns executing at once.
	MaxConcurrentRuns int
	Steps             StepConfig
	Clock             func() time.Time
}

// Engine drives sessions through the workflow graph. Turns for the same
// session are serialized; different sessions run concurrently up to
// MaxConcurrentRuns.
type Engine struct {
	store  store.Repository
	steps  *Steps
	opts   Options
	logger *slog.Logger

	locks *keyedMutex
	sem   chan struct{}

	mu   sync.Mutex
	runs map[string]*run

	inFlight atomic.Int64
}

type run struct {
	cancelled atomic.Bool
	// deleted stops the turn without a final checkpoint.
	deleted atomic.Bool
}

// New builds an engine.
func New(deps Deps, optFns ...func(*Options)) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("workflow engine requires a session store")
	}
	if err := Validate(); err != nil {
		return nil, err
	}

	opts := Options{
		MaxConcurrentRuns: 100,
		Steps:             DefaultStepConfig(),
		Clock:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 100
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	def := DefaultStepConfig()
	if opts.Steps.MaxClarifications <= 0 {
		opts.Steps.MaxClarifications = def.MaxClarifications
	}
	if opts.Steps.CollaboratorTimeout <= 0 {
		opts.Steps.CollaboratorTimeout = def.CollaboratorTimeout
	}
	if opts.Steps.SearchTimeout <= 0 {
		opts.Steps.SearchTimeout = def.SearchTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store: deps.Store,
		steps: &Steps{
			store:   deps.Store,
			model:   deps.Model,
			media:   deps.Media,
			catalog: deps.Catalog,
			cfg:     opts.Steps,
			now:     opts.Clock,
			logger:  logger,
		},
		opts:   opts,
		logger: logger,
		locks:  newKeyedMutex(),
		sem:    make(chan struct{}, opts.MaxConcurrentRuns),
		runs:   make(map[string]*run),
	}, nil
}

// Run executes one turn until the workflow pauses for clarification or
// completes.
func (e *Engine) Run(ctx context.Context, in domain.TurnInput, resume bool) (*domain.State, error) {
	return e.Stream(ctx, in, resume, nil)
}

// Stream is Run with events delivered to emit in execution order. emit is
// called from the calling goroutine and may be nil.
//
// A resumed turn answers a clarifying question: it re-enters the graph at
// build_requirement so the answer is merged into the requirement before
// the clarification decision is taken again.
func (e *Engine) Stream(ctx context.Context, in domain.TurnInput, resume bool, emit func(Event)) (*domain.State, error) {
	maxLen := domain.MaxMessageLength
	if resume {
		maxLen = domain.MaxAnswerLength
	}
	if err := in.Validate(maxLen); err != nil {
		return nil, err
	}
	if emit == nil {
		emit = func(Event) {}
	}

	release, err := e.acquire(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()
	r := e.register(in.SessionID)
	defer e.unregister(in.SessionID, r)

	now := e.opts.Clock()
	state, err := e.store.Get(ctx, in.SessionID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		if resume {
			return nil, err
		}
		state = domain.NewState(in.SessionID, in.UserID, now)
	case err != nil:
		return nil, fmt.Errorf("load session %s: %w", in.SessionID, err)
	case state.UserID != in.UserID:
		return nil, fmt.Errorf("%w: session %s belongs to another user", domain.ErrValidation, in.SessionID)
	}

	start := StepParseInput
	if resume {
		if state.Stage != domain.StageClarification {
			e.logger.Info("Answer received without a pending question, starting a new turn",
				"session_id", in.SessionID, "stage", state.Stage)
			resume = false
		} else {
			// Answers are text only.
			in.Media = nil
			start = StepBuildRequirement
		}
	}
	state.BeginTurn(in, resume, now)

	e.logger.Info("Starting turn",
		"session_id", in.SessionID,
		"resume", resume,
		"entry", start,
		"clarification_count", state.ClarificationCount,
	)
	return e.execute(ctx, state, start, r, emit)
}

// Resume continues a turn interrupted by a crash or shutdown from the step
// after the last checkpointed one. Paused and finished sessions return
// ErrNothingToResume.
func (e *Engine) Resume(ctx context.Context, sessionID string, emit func(Event)) (*domain.State, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	release, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()
	r := e.register(sessionID)
	defer e.unregister(sessionID, r)

	state, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !Interrupted(state) {
		return state, ErrNothingToResume
	}

	next := StepParseInput
	if n := len(state.NodeTrace); n > 0 {
		next, err = Next(Step(state.NodeTrace[n-1]), state)
		if err != nil {
			return state, err
		}
	}
	if next == Pause || next == End {
		return state, ErrNothingToResume
	}

	e.logger.Info("Resuming interrupted turn", "session_id", sessionID, "entry", next, "stage", state.Stage)
	return e.execute(ctx, state, next, r, emit)
}

// Interrupted reports whether a checkpoint stopped in the middle of a turn.
func Interrupted(s *domain.State) bool {
	if s == nil || s.Stage.IsTerminal() || s.Stage == domain.StageClarification {
		return false
	}
	return len(s.NodeTrace) > 0
}

func (e *Engine) execute(ctx context.Context, state *domain.State, step Step, r *run, emit func(Event)) (*domain.State, error) {
	ctx = withEmitter(ctx, emit)
	sessionID := state.SessionID

	for {
		if r.deleted.Load() {
			e.logger.Info("Turn stopped, session deleted", "session_id", sessionID, "next_step", step)
			emit(Event{Kind: EventDone, Message: cancelledMessage})
			return state, nil
		}
		if r.cancelled.Load() {
			state.Stage = domain.StageCancelled
			if err := e.checkpoint(context.WithoutCancel(ctx), state); err != nil {
				return state, err
			}
			e.logger.Info("Turn cancelled", "session_id", sessionID, "next_step", step)
			emit(Event{Kind: EventDone, Message: cancelledMessage})
			return state, nil
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		exec := e.steps.executor(step)
		if exec == nil {
			return state, fmt.Errorf("%w: unknown step %q", domain.ErrWorkflowExecution, step)
		}

		emit(Event{Kind: EventStepStarted, Step: step})
		state.NodeTrace = append(state.NodeTrace, string(step))
		started := time.Now()

		if err := exec(ctx, state); err != nil {
			state.Fail(err.Error())
			e.logger.Error("Step failed", "session_id", sessionID, "step", step, "error", err)
			if cerr := e.checkpoint(context.WithoutCancel(ctx), state); cerr != nil {
				e.logger.Error("Failed to checkpoint failed session", "session_id", sessionID, "error", cerr)
			}
			return state, fmt.Errorf("%w: %s: %w", domain.ErrWorkflowExecution, step, err)
		}
		if err := e.checkpoint(ctx, state); err != nil {
			return state, fmt.Errorf("%w: %w", domain.ErrWorkflowExecution, err)
		}
		e.logger.Debug("Step completed",
			"session_id", sessionID,
			"step", step,
			"stage", state.Stage,
			"duration_ms", time.Since(started).Milliseconds(),
		)

		switch step {
		case StepSearchMarketplaces:
			emit(Event{Kind: EventSearchComplete, Step: step, Count: len(state.RawResults)})
		case StepAskClarifyingQuestion:
			if state.ClarifyingQuestion != nil {
				emit(Event{
					Kind:        EventClarification,
					Step:        step,
					Question:    *state.ClarifyingQuestion,
					Context:     state.ClarificationReason,
					Suggestions: state.ClarificationSuggestions,
				})
			}
		case StepRankAndCompose:
			emit(Event{
				Kind:          EventResults,
				Step:          step,
				Products:      state.RankedResults,
				Requirement:   state.Requirement,
				FinalResponse: state.FinalResponse,
			})
		}

		next, err := Next(step, state)
		if err != nil {
			return state, fmt.Errorf("%w: %w", domain.ErrWorkflowExecution, err)
		}
		switch next {
		case Pause:
			e.logger.Info("Turn paused for clarification",
				"session_id", sessionID,
				"clarification_count", state.ClarificationCount,
			)
			return state, nil
		case End:
			msg := state.FinalResponse
			if msg == "" {
				msg = "Search completed"
			}
			emit(Event{Kind: EventDone, Message: msg})
			return state, nil
		}
		step = next
	}
}

// checkpoint bumps the version and writes the full state.
func (e *Engine) checkpoint(ctx context.Context, s *domain.State) error {
	s.Version++
	s.UpdatedAt = e.opts.Clock()
	if err := e.store.Put(ctx, s); err != nil {
		return fmt.Errorf("checkpoint session %s: %w", s.SessionID, err)
	}
	return nil
}

func (e *Engine) acquire(ctx context.Context, sessionID string) (func(), error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	unlock, err := e.locks.Lock(ctx, sessionID)
	if err != nil {
		<-e.sem
		return nil, err
	}
	e.inFlight.Add(1)
	return func() {
		e.inFlight.Add(-1)
		unlock()
		<-e.sem
	}, nil
}

func (e *Engine) register(sessionID string) *run {
	r := &run{}
	e.mu.Lock()
	e.runs[sessionID] = r
	e.mu.Unlock()
	return r
}

func (e *Engine) unregister(sessionID string, r *run) {
	e.mu.Lock()
	if e.runs[sessionID] == r {
		delete(e.runs, sessionID)
	}
	e.mu.Unlock()
}

// Cancel asks the running turn of a session to stop at the next step
// boundary. It reports whether a turn was running.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	r, ok := e.runs[sessionID]
	e.mu.Unlock()
	if ok {
		r.cancelled.Store(true)
		e.logger.Info("Cancellation requested", "session_id", sessionID)
	}
	return ok
}

// Delete removes a session's checkpoint. A running turn is stopped at the
// next step boundary without writing further checkpoints, and the record is
// deleted once the session lock is free, so no in-flight write can recreate
// it. It reports whether a turn was running.
func (e *Engine) Delete(ctx context.Context, sessionID string) (bool, error) {
	e.mu.Lock()
	r, running := e.runs[sessionID]
	e.mu.Unlock()
	if running {
		r.deleted.Store(true)
		r.cancelled.Store(true)
	}

	unlock, err := e.locks.Lock(ctx, sessionID)
	if err != nil {
		return running, err
	}
	defer unlock()

	if err := e.store.Delete(ctx, sessionID); err != nil {
		return running, err
	}
	e.logger.Info("Session deleted", "session_id", sessionID, "stopped_run", running)
	return running, nil
}

// Running reports whether a turn is executing for the session.
func (e *Engine) Running(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[sessionID]
	return ok
}

// InFlight returns the number of turns currently executing.
func (e *Engine) InFlight() int {
	return int(e.inFlight.Load())
}

// LockedSessions returns the number of sessions holding or waiting for the
// per-session lock.
func (e *Engine) LockedSessions() int {
	return e.locks.Len()
}

// Store returns the session store.
func (e *Engine) Store() store.Repository {
	return e.store
}
