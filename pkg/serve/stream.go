package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/sarveshkapre/clone/pkg/timeutil"
)

const wsWriteTimeout = 10 * time.Second

// Envelope wraps a versioned stream frame.
type Envelope struct {
	Topic   string      `json:"topic"`
	Type    string      `json:"type"`
	TS      string      `json:"ts"`
	Cursor  string      `json:"cursor"`
	Payload interface{} `json:"payload"`
}

// StreamWriter writes server-sent event frames, flushing after each one.
type StreamWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	closed  bool
}

// NewStreamWriter creates a stream writer over w.
func NewStreamWriter(w io.Writer) *StreamWriter {
	f, _ := w.(http.Flusher)
	return &StreamWriter{writer: w, flusher: f}
}

// WriteEvent writes v as one "data:" frame.
func (sw *StreamWriter) WriteEvent(v interface{}) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return fmt.Errorf("stream writer is closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(sw.writer, "data: %s\n\n", data); err != nil {
		sw.closed = true
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Close marks the writer closed.
func (sw *StreamWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
}

func startEventStream(w http.ResponseWriter) *StreamWriter {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return NewStreamWriter(w)
}

// pollLoop calls emit immediately and then every interval until ctx ends
// or emit fails.
func pollLoop(ctx context.Context, interval time.Duration, emit func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := emit(ctx); err != nil {
			log.Debug("stream closed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleStream is the primary dashboard stream. Every frame runs the
// notification and autopilot side effects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	opts := DefaultSnapshotOptions(s.cfg.Thresholds).WithQuery(r.URL.Query())
	opts.CommitLimit, opts.EventLimit = 150, 220
	sw := startEventStream(w)
	defer sw.Close()

	pollLoop(r.Context(), s.pollInterval(r), func(ctx context.Context) error {
		return sw.WriteEvent(s.snap.Build(ctx, opts, true))
	})
}

func (s *Server) envelope(cursor int, payload interface{}) Envelope {
	return Envelope{
		Topic:   "system",
		Type:    "snapshot",
		TS:      timeutil.FormatISO(s.now()),
		Cursor:  strconv.Itoa(cursor),
		Payload: payload,
	}
}

// handleEnvelopeStream streams enveloped snapshots without side effects.
func (s *Server) handleEnvelopeStream(w http.ResponseWriter, r *http.Request) {
	opts := s.snapshotOptions(r)
	sw := startEventStream(w)
	defer sw.Close()

	cursor := 0
	pollLoop(r.Context(), s.pollInterval(r), func(ctx context.Context) error {
		cursor++
		return sw.WriteEvent(s.envelope(cursor, s.snap.Build(ctx, opts, false)))
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1 << 16,
}

// handleWebSocket pushes the same envelopes as the v1 stream over a
// WebSocket. Client messages are read and discarded so that close frames
// end the stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := s.snapshotOptions(r)
	interval := s.pollInterval(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	cursor := 0
	pollLoop(ctx, interval, func(ctx context.Context) error {
		cursor++
		env := s.envelope(cursor, s.snap.Build(ctx, opts, false))
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(env)
	})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
