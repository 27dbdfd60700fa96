package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one append-only audit record. Seq is assigned at the moment of
// emission, not at the moment of write, so global emission order survives
// asynchronous persistence.
type Event struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Component string         `json:"component"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink persists audit events. Implementations must preserve the order in
// which LogEvent is called.
type Sink interface {
	LogEvent(ev Event) error
	Close() error
}

// Recorder assigns sequence numbers and forwards to a sink. One recorder
// per request; the engine and orchestrator share it.
type Recorder struct {
	mu   sync.Mutex
	seq  uint64
	sink Sink
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Emit stamps the next sequence number under the lock, so concurrent
// callers cannot reorder emission.
func (r *Recorder) Emit(ts time.Time, typ, component string, payload map[string]any) {
	r.mu.Lock()
	r.seq++
	ev := Event{Seq: r.seq, Timestamp: ts, Type: typ, Component: component, Payload: payload}
	err := r.sink.LogEvent(ev)
	r.mu.Unlock()
	if err != nil {
		// audit failures must not break the core loop
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
	}
}

// Seq returns the last assigned sequence number.
func (r *Recorder) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func (r *Recorder) Close() error { return r.sink.Close() }

// FileSink writes JSONL to an append-only file through a single background
// writer, keeping the write order identical to the emission order.
type FileSink struct {
	ch chan Event
	wg sync.WaitGroup

	// stateMu is held shared across the closed-check and the channel send,
	// so Close cannot close the channel between them.
	stateMu sync.RWMutex
	closed  bool

	mu  sync.Mutex
	err error
}

func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	s := &FileSink{
		ch: make(chan Event, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer f.Close()
		for ev := range s.ch {
			b, err := json.Marshal(ev)
			if err != nil {
				s.setErr(err)
				continue
			}
			if _, err := fmt.Fprintf(f, "%s\n", b); err != nil {
				s.setErr(err)
			}
		}
	}()
	return s, nil
}

func (s *FileSink) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *FileSink) LogEvent(ev Event) error {
	s.stateMu.RLock()
	if s.closed {
		s.stateMu.RUnlock()
		return fmt.Errorf("audit sink closed")
	}
	s.ch <- ev
	s.stateMu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FileSink) Close() error {
	s.stateMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.stateMu.Unlock()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// MemorySink keeps events in memory for tests and summaries.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) LogEvent(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Events returns a copy of everything logged so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
