// Package sse writes server-sent event streams: a Writer for single-source
// streams (chat completion passthrough) and a Mux that fans in the unordered
// cell events of concurrent row executors.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/embeddedllm/jamai/pkg/errs"
)

// heartbeatInterval paces comment frames that keep idle proxies from
// closing the connection during long generation layers.
const heartbeatInterval = 15 * time.Second

// Writer emits one SSE stream. Methods are safe for concurrent use; the
// terminal [DONE] frame is written at most once and later sends are
// silently dropped.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	done    bool
}

// NewWriter switches the response into event-stream mode and flushes the
// headers so clients see the stream open immediately.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errs.New(errs.KindUnexpected, "response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one data frame.
func (s *Writer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes a keepalive comment frame.
func (s *Writer) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the terminal frame and seals the stream.
func (s *Writer) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Mux fans events from concurrent row executors into one stream. Producers
// Emit until done, then exactly one owner calls Close; Serve drains in
// arrival order and appends [DONE] once the channel closes.
type Mux struct {
	events    chan any
	closeOnce sync.Once
}

func NewMux(buffer int) *Mux {
	if buffer <= 0 {
		buffer = 64
	}
	return &Mux{events: make(chan any, buffer)}
}

// Emit queues one event. It blocks while the consumer is behind and gives
// up when ctx is cancelled, so a disconnected client never wedges an
// executor.
func (m *Mux) Emit(ctx context.Context, v any) error {
	select {
	case m.events <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of the stream. Call after every producer finished.
func (m *Mux) Close() {
	m.closeOnce.Do(func() { close(m.events) })
}

// Serve writes queued events until Close, the client disconnects, or ctx
// is cancelled. The caller cancels row execution when Serve returns early.
func (m *Mux) Serve(ctx context.Context, w http.ResponseWriter) error {
	sw, err := NewWriter(w)
	if err != nil {
		return err
	}
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return sw.Done()
			}
			if err := sw.Send(ev); err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := sw.Comment("keepalive"); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
