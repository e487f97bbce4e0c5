package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sameersah/talknshop/internal/catalog"
	"github.com/Sameersah/talknshop/internal/domain"
	"github.com/Sameersah/talknshop/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products []domain.Product
	err      error
	calls    int
	last     *domain.Requirement

	entered chan struct{}
	release chan struct{}
}

func (f *fakeCatalog) Search(ctx context.Context, req *domain.Requirement) (*catalog.SearchResult, error) {
	f.mu.Lock()
	f.calls++
	f.last = req.Clone()
	f.mu.Unlock()

	if f.entered != nil {
		close(f.entered)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.SearchResult{Products: f.products, TotalCount: len(f.products)}, nil
}

func (f *fakeCatalog) Health(context.Context) error { return nil }

func (f *fakeCatalog) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMedia struct {
	transcript string
	attrs      *domain.ImageAttributes
	err        error
}

func (f *fakeMedia) Transcribe(context.Context, domain.MediaRef) (*domain.Transcription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Transcription{Transcript: f.transcript, Confidence: 0.9}, nil
}

func (f *fakeMedia) AnalyzeImage(context.Context, domain.MediaRef) (*domain.ImageAttributes, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.attrs, nil
}

func (f *fakeMedia) Health(context.Context) error { return nil }

// stageRecorder records the stage of every checkpoint.
type stageRecorder struct {
	store.Repository
	mu     sync.Mutex
	stages []domain.Stage
}

func (r *stageRecorder) Put(ctx context.Context, s *domain.State) error {
	r.mu.Lock()
	r.stages = append(r.stages, s.Stage)
	r.mu.Unlock()
	return r.Repository.Put(ctx, s)
}

func sampleProducts() []domain.Product {
	return []domain.Product{
		{ID: "cheap-ok", Marketplace: domain.MarketplaceAmazon, Title: "A", Price: domain.Float(400), Rating: domain.Float(4.0)},
		{ID: "pricey-great", Marketplace: domain.MarketplaceWalmart, Title: "B", Price: domain.Float(950), Rating: domain.Float(4.9)},
	}
}

func newEngine(t *testing.T, deps Deps, optFns ...func(*Options)) *Engine {
	t.Helper()
	if deps.Store == nil {
		deps.Store = store.NewMemory(time.Hour)
	}
	e, err := New(deps, optFns...)
	require.NoError(t, err)
	return e
}

func turn(session, msg string) domain.TurnInput {
	return domain.TurnInput{SessionID: session, UserID: "user-1", Message: msg}
}

func TestScenarioDirectSearch(t *testing.T) {
	cat := &fakeCatalog{products: sampleProducts()}
	e := newEngine(t, Deps{Catalog: cat})

	var events []Event
	state, err := e.Stream(context.Background(), turn("sess_a", "laptop under $1000"), false, func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StageCompleted, state.Stage)
	assert.False(t, state.NeedsClarification)
	assert.Equal(t, 0, state.ClarificationCount)
	require.NotNil(t, state.Requirement)
	assert.Equal(t, "laptop", state.Requirement.ProductType)
	require.NotNil(t, state.Requirement.Price)
	assert.Equal(t, 1000.0, *state.Requirement.Price.Max)
	assert.Equal(t, []string{
		"parse_input", "decide_media_ops", "build_requirement", "decide_clarify",
		"search_marketplaces", "rank_and_compose", "done",
	}, state.NodeTrace)
	require.NoError(t, ValidPath(state.NodeTrace))
	assert.NotNil(t, state.CompletedAt)
	assert.Len(t, state.RankedResults, 2)
	assert.Equal(t, "I found 2 products matching your search for 'laptop'. Here are the top results:", state.FinalResponse)
	assert.Equal(t, 1, cat.Calls())

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		if ev.Kind != EventStepStarted {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []EventKind{EventSearchComplete, EventResults, EventDone}, kinds)
	assert.Equal(t, state.FinalResponse, events[len(events)-1].Message)

	stored, err := e.Store().Get(context.Background(), "sess_a")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, stored.Stage)
	assert.Equal(t, state.Version, stored.Version)
	assert.Len(t, stored.RequirementHistory, 1)
}

func TestScenarioClarifyThenResume(t *testing.T) {
	cat := &fakeCatalog{products: sampleProducts()}
	e := newEngine(t, Deps{Catalog: cat})
	ctx := context.Background()

	var clarification *Event
	state, err := e.Stream(ctx, turn("sess_b", "I want something"), false, func(ev Event) {
		if ev.Kind == EventClarification {
			clarification = &ev
		}
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StageClarification, state.Stage)
	assert.True(t, state.NeedsClarification)
	assert.Equal(t, 1, state.ClarificationCount)
	assert.Equal(t, domain.ReasonMissingBoth, state.ClarificationReason)
	require.NotNil(t, state.ClarifyingQuestion)
	require.NotNil(t, clarification)
	assert.Equal(t, *state.ClarifyingQuestion, clarification.Question)
	assert.NotEmpty(t, clarification.Suggestions)
	assert.Equal(t, "ask_clarifying_question", state.NodeTrace[len(state.NodeTrace)-1])
	assert.Zero(t, cat.Calls())

	stored, err := e.Store().Get(ctx, "sess_b")
	require.NoError(t, err)
	assert.Equal(t, domain.StageClarification, stored.Stage)
	assert.Equal(t, 1, stored.ClarificationCount)

	state, err = e.Run(ctx, turn("sess_b", "a blue backpack"), true)
	require.NoError(t, err)

	assert.Equal(t, domain.StageCompleted, state.Stage)
	assert.Equal(t, "backpack", state.Requirement.ProductType)
	assert.Equal(t, "blue", state.Requirement.Attributes["color"])
	assert.Equal(t, 1, state.ClarificationCount)
	assert.False(t, state.NeedsClarification)
	require.NoError(t, ValidPath(state.NodeTrace))
	assert.Contains(t, strings.Join(state.NodeTrace, ","), "ask_clarifying_question,build_requirement,decide_clarify,search_marketplaces")
	assert.Equal(t, 1, cat.Calls())
	assert.Len(t, state.RequirementHistory, 2)
}

func TestScenarioNoResults(t *testing.T) {
	rec := &stageRecorder{Repository: store.NewMemory(time.Hour)}
	e := newEngine(t, Deps{Store: rec, Catalog: &fakeCatalog{}})

	state, err := e.Run(context.Background(), turn("sess_d", "red running shoes under $80"), false)
	require.NoError(t, err)

	assert.Equal(t, domain.StageCompleted, state.Stage)
	assert.NotNil(t, state.RankedResults)
	assert.Empty(t, state.RankedResults)
	assert.Equal(t, NoMatchMessage, state.FinalResponse)
	assert.Nil(t, state.Error)

	rec.mu.Lock()
	stages := rec.stages
	rec.mu.Unlock()
	require.GreaterOrEqual(t, len(stages), 2)
	assert.Equal(t, domain.StageRanking, stages[len(stages)-2])
	assert.Equal(t, domain.StageCompleted, stages[len(stages)-1])
}

func TestScenarioClarificationCapForcesSearch(t *testing.T) {
	cat := &fakeCatalog{products: sampleProducts()}
	e := newEngine(t, Deps{Catalog: cat})
	ctx := context.Background()

	state, err := e.Run(ctx, turn("sess_e", "headphones"), false)
	require.NoError(t, err)
	assert.Equal(t, domain.StageClarification, state.Stage)
	assert.Equal(t, domain.ReasonMissingConstraint, state.ClarificationReason)
	assert.Equal(t, 1, state.ClarificationCount)

	state, err = e.Run(ctx, turn("sess_e", "anything is fine"), true)
	require.NoError(t, err)
	assert.Equal(t, domain.StageClarification, state.Stage)
	assert.Equal(t, 2, state.ClarificationCount)

	state, err = e.Run(ctx, turn("sess_e", "whatever you think"), true)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, state.Stage)
	assert.Equal(t, 2, state.ClarificationCount)
	assert.False(t, state.NeedsClarification)
	assert.Equal(t, 1, cat.Calls())
	require.NoError(t, ValidPath(state.NodeTrace))

	// At the cap the session never asks again.
	state, err = e.Run(ctx, turn("sess_e", "something else"), false)
	require.NoError(t, err)
	assert.False(t, state.NeedsClarification)
	assert.Equal(t, domain.StageCompleted, state.Stage)
	assert.LessOrEqual(t, state.ClarificationCount, 2)
}

func TestDoneIsIdempotent(t *testing.T) {
	e := newEngine(t, Deps{})
	s := domain.NewState("sess", "u", time.Now())

	require.NoError(t, e.steps.done(context.Background(), s))
	require.NotNil(t, s.CompletedAt)
	first := *s.CompletedAt

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, e.steps.done(context.Background(), s))
	assert.Equal(t, domain.StageCompleted, s.Stage)
	assert.True(t, first.Equal(*s.CompletedAt))
}

func TestCancelStopsAtStepBoundary(t *testing.T) {
	cat := &fakeCatalog{
		products: sampleProducts(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	e := newEngine(t, Deps{Catalog: cat})

	type result struct {
		state *domain.State
		err   error
		last  Event
	}
	done := make(chan result, 1)
	go func() {
		var last Event
		state, err := e.Stream(context.Background(), turn("sess_c", "laptop under $900"), false, func(ev Event) { last = ev })
		done <- result{state, err, last}
	}()

	<-cat.entered
	assert.True(t, e.Running("sess_c"))
	assert.True(t, e.Cancel("sess_c"))
	close(cat.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.StageCancelled, res.state.Stage)
	assert.Equal(t, "search_marketplaces", res.state.NodeTrace[len(res.state.NodeTrace)-1])
	assert.Equal(t, EventDone, res.last.Kind)
	assert.Equal(t, cancelledMessage, res.last.Message)

	stored, err := e.Store().Get(context.Background(), "sess_c")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, stored.Stage)

	assert.False(t, e.Cancel("sess_c"))
	assert.False(t, e.Running("sess_c"))
}

func TestDeleteDuringTurnIsNotUndone(t *testing.T) {
	cat := &fakeCatalog{
		products: sampleProducts(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	e := newEngine(t, Deps{Catalog: cat})
	ctx := context.Background()

	type result struct {
		state *domain.State
		err   error
		last  Event
	}
	done := make(chan result, 1)
	go func() {
		var last Event
		state, err := e.Stream(ctx, turn("sess_del", "laptop under $900"), false, func(ev Event) { last = ev })
		done <- result{state, err, last}
	}()
	<-cat.entered

	type deleteResult struct {
		running bool
		err     error
	}
	deleted := make(chan deleteResult, 1)
	go func() {
		running, err := e.Delete(ctx, "sess_del")
		deleted <- deleteResult{running, err}
	}()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		r, ok := e.runs["sess_del"]
		return ok && r.deleted.Load()
	}, time.Second, 5*time.Millisecond)
	close(cat.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, EventDone, res.last.Kind)
	assert.Equal(t, cancelledMessage, res.last.Message)

	del := <-deleted
	require.NoError(t, del.err)
	assert.True(t, del.running)

	_, err := e.Store().Get(ctx, "sess_del")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.False(t, e.Running("sess_del"))
}

func TestDeleteIdleSession(t *testing.T) {
	e := newEngine(t, Deps{Catalog: &fakeCatalog{products: sampleProducts()}})
	ctx := context.Background()

	_, err := e.Run(ctx, turn("sess_idle", "laptop under $900"), false)
	require.NoError(t, err)

	running, err := e.Delete(ctx, "sess_idle")
	require.NoError(t, err)
	assert.False(t, running)

	_, err = e.Store().Get(ctx, "sess_idle")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Zero(t, e.LockedSessions())
}

func TestClarifyingQuestionReplayCountsOnce(t *testing.T) {
	repo := store.NewMemory(time.Hour)
	ctx := context.Background()

	s := domain.NewState("sess_replay", "user-1", time.Now())
	s.UserMessage = "a laptop"
	s.NodeTrace = []string{"parse_input", "decide_media_ops", "build_requirement", "decide_clarify"}
	s.Stage = domain.StageClarification
	s.NeedsClarification = true
	s.ClarificationReason = "budget unknown"
	s.Requirement = ExtractRequirement(s.UserMessage).Normalize()
	s.Version = 4
	require.NoError(t, repo.Put(ctx, s))

	e := newEngine(t, Deps{Store: repo, Catalog: &fakeCatalog{}})

	// Both attempts start from the same checkpoint, as after a crash
	// between the count update and the step's checkpoint.
	for i := 0; i < 2; i++ {
		state, err := repo.Get(ctx, "sess_replay")
		require.NoError(t, err)
		require.NoError(t, e.steps.askClarifyingQuestion(ctx, state))
		assert.Equal(t, 1, state.ClarificationCount)
		require.NotNil(t, state.ClarifyingQuestion)
	}

	stored, err := repo.Get(ctx, "sess_replay")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ClarificationCount)
}

func TestConcurrentTurnsAreSerialized(t *testing.T) {
	e := newEngine(t, Deps{Catalog: &fakeCatalog{products: sampleProducts()}})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Run(context.Background(), turn("sess_x", "tablet under $300"), false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := e.Store().Get(context.Background(), "sess_x")
	require.NoError(t, err)
	require.NoError(t, ValidPath(stored.NodeTrace))
	assert.Len(t, stored.NodeTrace, 5*7)
	assert.Equal(t, int64(5*7), stored.Version)

	assert.Zero(t, e.InFlight())
	assert.Zero(t, e.LockedSessions())
}

func TestLockReleasedOnContextCancel(t *testing.T) {
	e := newEngine(t, Deps{Catalog: &fakeCatalog{}})
	unlock, err := e.locks.Lock(context.Background(), "sess_l")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Run(ctx, turn("sess_l", "laptop"), false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Zero(t, e.LockedSessions())
	assert.Zero(t, e.InFlight())
}

func TestSearchFailureContinues(t *testing.T) {
	cat := &fakeCatalog{err: domain.CollaboratorError("catalog", errors.New("connection refused"))}
	e := newEngine(t, Deps{Catalog: cat})

	state, err := e.Run(context.Background(), turn("sess_f", "camera under $500"), false)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, state.Stage)
	assert.Empty(t, state.RawResults)
	assert.Equal(t, NoMatchMessage, state.FinalResponse)
	require.NotNil(t, state.Error)
	assert.Contains(t, *state.Error, "connection refused")
}

func TestMediaTurns(t *testing.T) {
	t.Run("audio is transcribed", func(t *testing.T) {
		e := newEngine(t, Deps{
			Catalog: &fakeCatalog{products: sampleProducts()},
			Media:   &fakeMedia{transcript: "wireless earbuds under $60"},
		})
		in := turn("sess_m1", "")
		in.Media = []domain.MediaRef{{MediaType: domain.MediaAudio, S3Key: "audio/1.webm"}}

		state, err := e.Run(context.Background(), in, false)
		require.NoError(t, err)
		require.NotNil(t, state.Transcript)
		assert.Equal(t, "earbuds", state.Requirement.ProductType)
		assert.Equal(t, 60.0, *state.Requirement.Price.Max)
		assert.Equal(t, []string{
			"parse_input", "decide_media_ops", "transcribe_audio", "build_requirement",
			"decide_clarify", "search_marketplaces", "rank_and_compose", "done",
		}, state.NodeTrace)
	})

	t.Run("image only reaches vision", func(t *testing.T) {
		e := newEngine(t, Deps{
			Catalog: &fakeCatalog{products: sampleProducts()},
			Media:   &fakeMedia{attrs: &domain.ImageAttributes{Labels: []string{"backpack"}}},
		})
		in := turn("sess_m2", "something like this in black")
		in.Media = []domain.MediaRef{{MediaType: domain.MediaImage, S3Key: "img/1.jpg"}}

		state, err := e.Run(context.Background(), in, false)
		require.NoError(t, err)
		require.NotNil(t, state.ImageAttributes)
		assert.Nil(t, state.Transcript)
		assert.Contains(t, state.NodeTrace, "extract_image_attrs")
		require.NoError(t, ValidPath(state.NodeTrace))
	})

	t.Run("media failure with no text fails the turn", func(t *testing.T) {
		e := newEngine(t, Deps{
			Catalog: &fakeCatalog{},
			Media:   &fakeMedia{err: domain.CollaboratorError("media", errors.New("down"))},
		})
		in := turn("sess_m3", "")
		in.Media = []domain.MediaRef{{MediaType: domain.MediaAudio, S3Key: "audio/2.webm"}}

		state, err := e.Run(context.Background(), in, false)
		require.ErrorIs(t, err, domain.ErrWorkflowExecution)
		assert.False(t, domain.Recoverable(err))
		assert.Equal(t, domain.StageFailed, state.Stage)
		assert.Nil(t, state.Transcript)

		stored, err := e.Store().Get(context.Background(), "sess_m3")
		require.NoError(t, err)
		assert.Equal(t, domain.StageFailed, stored.Stage)
	})
}

func TestResumeInterruptedTurn(t *testing.T) {
	repo := store.NewMemory(time.Hour)
	ctx := context.Background()

	s := domain.NewState("sess_r", "user-1", time.Now())
	s.UserMessage = "monitor under $200"
	s.NodeTrace = []string{"parse_input", "decide_media_ops", "build_requirement"}
	s.Stage = domain.StageRequirementBuilding
	s.Requirement = ExtractRequirement(s.UserMessage).Normalize()
	s.Version = 3
	require.NoError(t, repo.Put(ctx, s))

	e := newEngine(t, Deps{Store: repo, Catalog: &fakeCatalog{products: sampleProducts()}})
	state, err := e.Resume(ctx, "sess_r", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, state.Stage)
	assert.Equal(t, []string{
		"parse_input", "decide_media_ops", "build_requirement", "decide_clarify",
		"search_marketplaces", "rank_and_compose", "done",
	}, state.NodeTrace)

	_, err = e.Resume(ctx, "sess_r", nil)
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestTurnValidation(t *testing.T) {
	e := newEngine(t, Deps{Catalog: &fakeCatalog{}})
	ctx := context.Background()

	_, err := e.Run(ctx, turn("sess_v", "   "), false)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Run(ctx, turn("sess_v", strings.Repeat("a", domain.MaxAnswerLength+1)), true)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Run(ctx, turn("sess_missing", "a blue backpack"), true)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = e.Run(ctx, turn("sess_v", "laptop under $500"), false)
	require.NoError(t, err)
	other := turn("sess_v", "laptop")
	other.UserID = "intruder"
	_, err = e.Run(ctx, other, false)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
