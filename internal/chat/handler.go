package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Sameersah/talknshop/internal/domain"
	"github.com/Sameersah/talknshop/internal/identity"
	"github.com/Sameersah/talknshop/internal/workflow"
)

const (
	thinkingMessage = "Processing your request..."
	resumingMessage = "Resuming your previous request..."
	// defaultReadLimit bounds one inbound frame.
	defaultReadLimit = 64 << 10
)

// HandlerConfig tunes the message handler.
type HandlerConfig struct {
	AllowedOrigin string
	IsDev         bool
	// RateLimit is the number of turns a user may start per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	ReadLimit  int64
}

// Handler serves the chat WebSocket endpoint and turns inbound messages into
// workflow turns.
type Handler struct {
	engine     *workflow.Engine
	mgr        *Manager
	limiter    *RateLimiter
	transcript Transcript
	cfg        HandlerConfig
	logger     *slog.Logger

	// Turns run on ctx rather than the request context so that a client
	// dropping mid-turn still gets a completed checkpoint.
	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup
}

// NewHandler creates the chat handler. transcript may be nil.
func NewHandler(engine *workflow.Engine, mgr *Manager, transcript Transcript, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if transcript == nil {
		transcript = noopTranscript{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		engine:     engine,
		mgr:        mgr,
		limiter:    NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		transcript: transcript,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	if err := h.mgr.Connect(ws, sessionID, userID); err != nil {
		if !errors.Is(err, ErrConnectionLimit) {
			h.logger.Warn("Failed to establish connection", "session_id", sessionID, "error", err)
		}
		return
	}
	defer h.mgr.release(sessionID, ws, "Client disconnected")

	h.resumeInterrupted(r.Context(), sessionID, userID)
	h.readLoop(r.Context(), ws, sessionID, userID)
	h.logger.Info("Chat session ended", "session_id", sessionID, "user_id", userID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" || origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}
		if !h.dispatch(sessionID, userID, data) {
			return
		}
	}
}

// dispatch handles one inbound frame and reports whether the connection
// stays open.
func (h *Handler) dispatch(sessionID, userID string, data []byte) bool {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.mgr.Touch(sessionID)
		h.sendError(sessionID, userID, "Invalid message format", err.Error(), true)
		return true
	}
	if msg.Type != MessagePong {
		h.mgr.Touch(sessionID)
	}

	switch msg.Type {
	case MessagePong:
		h.mgr.Pong(sessionID)
	case MessageTurn, MessageAnswer:
		h.startTurn(sessionID, userID, msg)
	case MessageDisconnect:
		h.logger.Info("Client requested disconnect", "session_id", sessionID)
		return false
	default:
		h.logger.Warn("Unknown message type", "session_id", sessionID, "type", msg.Type)
		h.sendError(sessionID, userID, "Unknown message type", msg.Type, true)
	}
	return true
}

func (h *Handler) startTurn(sessionID, userID string, msg ClientMessage) {
	resume := msg.Type == MessageAnswer

	if !h.limiter.Allow(userID) {
		h.logger.Warn("Rate limit exceeded", "user_id", userID, "session_id", sessionID)
		h.sendError(sessionID, userID, "Rate limit exceeded", "Too many messages, please wait before sending another", true)
		return
	}

	in := domain.TurnInput{
		SessionID: sessionID,
		UserID:    userID,
		Message:   msg.Message,
		Media:     msg.Media,
	}
	maxLen := domain.MaxMessageLength
	if resume {
		maxLen = domain.MaxAnswerLength
	}
	if err := in.Validate(maxLen); err != nil {
		h.sendError(sessionID, userID, "Invalid message", err.Error(), true)
		return
	}

	h.logger.Info("Processing user message",
		"session_id", sessionID,
		"resume", resume,
		"message_length", len(in.Message),
		"media_count", len(in.Media),
	)
	h.transcript.Log(TranscriptEvent{
		UserID:    userID,
		SessionID: sessionID,
		Direction: DirectionInbound,
		EventType: msg.Type,
		Content:   in.Message,
		Meta:      map[string]any{"media_count": len(in.Media)},
	})
	h.send(sessionID, userID, EventThinking, map[string]any{"message": thinkingMessage})

	h.turns.Add(1)
	go func() {
		defer h.turns.Done()
		state, err := h.engine.Stream(h.ctx, in, resume, h.emitter(sessionID, userID))
		h.finishTurn(sessionID, userID, state, err)
	}()
}

// resumeInterrupted continues a turn that was cut short by a crash or
// restart, if the session has one and nothing is running for it.
func (h *Handler) resumeInterrupted(ctx context.Context, sessionID, userID string) {
	if h.engine.Running(sessionID) {
		return
	}
	state, err := h.engine.Store().Get(ctx, sessionID)
	if err != nil || state.UserID != userID || !workflow.Interrupted(state) {
		return
	}

	h.logger.Info("Resuming interrupted turn on reconnect", "session_id", sessionID, "stage", state.Stage)
	h.send(sessionID, userID, EventThinking, map[string]any{"message": resumingMessage})

	h.turns.Add(1)
	go func() {
		defer h.turns.Done()
		state, err := h.engine.Resume(h.ctx, sessionID, h.emitter(sessionID, userID))
		if errors.Is(err, workflow.ErrNothingToResume) {
			return
		}
		h.finishTurn(sessionID, userID, state, err)
	}()
}

func (h *Handler) finishTurn(sessionID, userID string, state *domain.State, err error) {
	if err != nil {
		h.logger.Error("Failed to process message", "session_id", sessionID, "error", err)
		h.sendError(sessionID, userID, "Failed to process your message", err.Error(), domain.Recoverable(err))
		return
	}
	h.logger.Info("Message processing completed",
		"session_id", sessionID,
		"stage", state.Stage,
		"version", state.Version,
	)
}

// emitter maps engine events onto client events.
func (h *Handler) emitter(sessionID, userID string) func(workflow.Event) {
	return func(ev workflow.Event) {
		switch ev.Kind {
		case workflow.EventStepStarted:
			h.send(sessionID, userID, EventProgress, map[string]any{
				"step":    ev.Step,
				"message": fmt.Sprintf("Executing: %s", ev.Step),
			})
		case workflow.EventToken:
			h.send(sessionID, userID, EventToken, map[string]any{
				"content":     ev.Content,
				"is_complete": ev.Complete,
			})
		case workflow.EventSearchComplete:
			h.send(sessionID, userID, EventProgress, map[string]any{
				"step":    "search_complete",
				"message": fmt.Sprintf("Found %d products", ev.Count),
			})
		case workflow.EventClarification:
			suggestions := ev.Suggestions
			if suggestions == nil {
				suggestions = []string{}
			}
			h.send(sessionID, userID, EventClarification, map[string]any{
				"question":    ev.Question,
				"context":     ev.Context,
				"suggestions": suggestions,
			})
		case workflow.EventResults:
			products := ev.Products
			if products == nil {
				products = []domain.Product{}
			}
			h.send(sessionID, userID, EventResults, map[string]any{
				"products":         products,
				"requirement_spec": ev.Requirement,
				"final_response":   ev.FinalResponse,
			})
		case workflow.EventDone:
			h.send(sessionID, userID, EventDone, map[string]any{
				"message":    ev.Message,
				"session_id": sessionID,
			})
		}
	}
}

func (h *Handler) sendError(sessionID, userID, msg, details string, recoverable bool) {
	h.send(sessionID, userID, EventError, ErrorData{
		Error:       msg,
		Details:     details,
		Recoverable: recoverable,
	})
}

// send delivers an event and records conversation-level events in the
// transcript. Delivery failures are logged by the manager.
func (h *Handler) send(sessionID, userID string, typ EventType, data any) {
	err := h.mgr.Send(h.ctx, sessionID, typ, data)

	switch typ {
	case EventClarification, EventResults, EventDone, EventError:
		meta := map[string]any{"delivered": err == nil}
		content := ""
		if payload, mErr := json.Marshal(data); mErr == nil {
			content = string(payload)
		}
		h.transcript.Log(TranscriptEvent{
			UserID:    userID,
			SessionID: sessionID,
			Direction: DirectionOutbound,
			EventType: string(typ),
			Content:   content,
			Meta:      meta,
		})
	}
}

// Close waits for running turns until ctx ends, then cancels the rest.
func (h *Handler) Close(ctx context.Context) error {
	defer h.limiter.Close()

	done := make(chan struct{})
	go func() {
		h.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		<-done
		return ctx.Err()
	}
}
