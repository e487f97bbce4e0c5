package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// TranscriptEvent is one line of a conversation transcript.
type TranscriptEvent struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Direction string         `json:"direction"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Transcript directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Transcript records conversation events.
type Transcript interface {
	Log(TranscriptEvent)
	Close() error
}

// TranscriptConfig controls NDJSON transcript files.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

type noopTranscript struct{}

func (noopTranscript) Log(TranscriptEvent) {}
func (noopTranscript) Close() error        { return nil }

// NewTranscript returns a transcript writing one NDJSON file per session
// under Dir/<user_id>/<session_id>.ndjson. Writes happen on a background
// goroutine; when the queue is full the oldest pending event is dropped.
func NewTranscript(cfg TranscriptConfig, logger *slog.Logger) (Transcript, error) {
	if !cfg.Enabled {
		return noopTranscript{}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &fileTranscript{
		dir:    cfg.Dir,
		queue:  make(chan TranscriptEvent, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	t.wg.Add(1)
	go t.run()
	return t, nil
}

type fileTranscript struct {
	dir    string
	queue  chan TranscriptEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
}

func (t *fileTranscript) Log(ev TranscriptEvent) {
	if t.ctx.Err() != nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	select {
	case t.queue <- ev:
		return
	default:
	}

	// Full: drop the oldest pending event and retry once.
	select {
	case <-t.queue:
		t.logger.Warn("Transcript queue full, dropped oldest event", "session_id", ev.SessionID)
	default:
	}
	select {
	case t.queue <- ev:
	default:
		t.logger.Warn("Transcript queue full, dropped event", "session_id", ev.SessionID)
	}
}

func (t *fileTranscript) run() {
	defer t.wg.Done()
	for {
		select {
		case ev := <-t.queue:
			t.write(ev)
		case <-t.ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case ev := <-t.queue:
					t.write(ev)
				default:
					return
				}
			}
		}
	}
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

func (t *fileTranscript) write(ev TranscriptEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		t.logger.Warn("Failed to encode transcript event", "error", err)
		return
	}
	dir := filepath.Join(t.dir, safeName(ev.UserID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.logger.Warn("Failed to create transcript directory", "error", err)
		return
	}
	path := filepath.Join(dir, safeName(ev.SessionID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.logger.Warn("Failed to open transcript", "path", path, "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		t.logger.Warn("Failed to write transcript", "path", path, "error", err)
	}
	if err := f.Close(); err != nil {
		t.logger.Debug("Failed to close transcript", "path", path, "error", err)
	}
}

// Close flushes queued events and stops the writer.
func (t *fileTranscript) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
	return nil
}
