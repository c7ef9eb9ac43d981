package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/callwise/copilot/pkg/callstate"
)

type stubAnalyzer struct {
	mu       sync.Mutex
	requests [][]callstate.Entry
	payload  json.RawMessage
	err      error
	onCall   func()
}

func (s *stubAnalyzer) Analyze(ctx context.Context, subjectID string, entries []callstate.Entry) (json.RawMessage, error) {
	s.mu.Lock()
	s.requests = append(s.requests, entries)
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

func (s *stubAnalyzer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubBroadcaster struct {
	mu        sync.Mutex
	delivered []json.RawMessage
}

func (b *stubBroadcaster) Broadcast(raw json.RawMessage) {
	b.mu.Lock()
	b.delivered = append(b.delivered, raw)
	b.mu.Unlock()
}

func (b *stubBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delivered)
}

func TestTickNoActiveCallIsNoop(t *testing.T) {
	calls := callstate.New()
	analyzer := &stubAnalyzer{payload: json.RawMessage(`{"advice":"x"}`)}
	d := NewDispatcher(calls, analyzer, nil, DispatcherOptions{SubjectID: "lead-1"})

	d.Tick(context.Background())
	if analyzer.calls() != 0 {
		t.Fatalf("expected zero outbound requests")
	}
}

func TestTickEmptyBufferIsNoop(t *testing.T) {
	calls := callstate.New()
	calls.BeginCall("CA1")
	analyzer := &stubAnalyzer{payload: json.RawMessage(`{"advice":"x"}`)}
	d := NewDispatcher(calls, analyzer, nil, DispatcherOptions{SubjectID: "lead-1"})

	d.Tick(context.Background())
	if analyzer.calls() != 0 {
		t.Fatalf("expected zero outbound requests")
	}
}

func TestTickSuccessClearsBufferAndBroadcasts(t *testing.T) {
	calls := callstate.New()
	calls.BeginCall("CA1")
	calls.Append(callstate.Entry{Role: callstate.RoleCall, Message: "I need a refund"})

	payload := json.RawMessage(`{"advice":"Offer store credit"}`)
	analyzer := &stubAnalyzer{payload: payload}
	bc := &stubBroadcaster{}
	d := NewDispatcher(calls, analyzer, bc, DispatcherOptions{SubjectID: "lead-1"})

	d.Tick(context.Background())

	if calls.EntryCount() != 0 {
		t.Fatalf("expected buffer cleared, got %d entries", calls.EntryCount())
	}
	raw, ok := calls.LatestSuggestion()
	if !ok || string(raw) != string(payload) {
		t.Fatalf("expected suggestion cached, got %s", raw)
	}
	if bc.count() != 1 {
		t.Fatalf("expected immediate broadcast, got %d", bc.count())
	}
}

func TestTickFailurePreservesBuffer(t *testing.T) {
	calls := callstate.New()
	calls.BeginCall("CA1")
	calls.Append(callstate.Entry{Role: callstate.RoleCall, Message: "hello"})

	analyzer := &stubAnalyzer{err: errors.New("timeout")}
	bc := &stubBroadcaster{}
	d := NewDispatcher(calls, analyzer, bc, DispatcherOptions{SubjectID: "lead-1"})

	d.Tick(context.Background())

	if calls.EntryCount() != 1 {
		t.Fatalf("buffer must be preserved on failure")
	}
	if _, ok := calls.LatestSuggestion(); ok {
		t.Fatalf("no suggestion may be cached on failure")
	}
	if bc.count() != 0 {
		t.Fatalf("no broadcast on failure")
	}

	// Next tick retries with the same buffer.
	analyzer.err = nil
	analyzer.payload = json.RawMessage(`{"advice":"y"}`)
	d.Tick(context.Background())
	if calls.EntryCount() != 0 {
		t.Fatalf("retry tick should clear buffer")
	}
	if analyzer.calls() != 2 {
		t.Fatalf("expected two attempts, got %d", analyzer.calls())
	}
}

func TestTickPreservesEntriesAppendedInFlight(t *testing.T) {
	calls := callstate.New()
	calls.BeginCall("CA1")
	calls.Append(callstate.Entry{Role: callstate.RoleCall, Message: "before"})

	analyzer := &stubAnalyzer{payload: json.RawMessage(`{"advice":"x"}`)}
	analyzer.onCall = func() {
		calls.Append(callstate.Entry{Role: callstate.RoleCall, Message: "during"})
	}
	d := NewDispatcher(calls, analyzer, nil, DispatcherOptions{SubjectID: "lead-1"})

	d.Tick(context.Background())

	remaining := calls.Entries()
	if len(remaining) != 1 || remaining[0].Message != "during" {
		t.Fatalf("entry appended during request lost: %#v", remaining)
	}
}

func TestTickDiscardsStaleResultAfterCallEnd(t *testing.T) {
	calls := callstate.New()
	calls.BeginCall("CA1")
	calls.Append(callstate.Entry{Role: callstate.RoleCall, Message: "x"})

	analyzer := &stubAnalyzer{payload: json.RawMessage(`{"advice":"late"}`)}
	analyzer.onCall = func() {
		calls.EndCall("CA1")
	}
	bc := &stubBroadcaster{}
	d := NewDispatcher(calls, analyzer, bc, DispatcherOptions{SubjectID: "lead-1"})

	d.Tick(context.Background())

	if _, ok := calls.LatestSuggestion(); ok {
		t.Fatalf("stale suggestion must not be cached")
	}
	if bc.count() != 0 {
		t.Fatalf("stale suggestion must not be broadcast")
	}
}
