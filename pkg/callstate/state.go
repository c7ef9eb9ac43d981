// Package callstate holds the shared context of the single active
// call: its identity, the ordered buffer of finalized transcript
// entries, and the latest suggestion returned by the copilot service.
//
// One State value is constructed at process start and shared by the
// relay session (append, begin/end), the dispatch loop (snapshot,
// complete) and the fan-out/status servers (read-only views). All
// access goes through one mutex; the call generation counter guards
// dispatch completions that raced with a call ending. Multi-call
// support would key identity, buffer and suggestion by call id here.
package callstate

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry roles as sent on the analysis wire.
const (
	RoleCall  = "call"
	RoleOther = "other"
)

// Entry is one finalized transcript fragment. Entries are appended,
// never mutated; buffer order is chronological finalization order.
type Entry struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Suggestion is the latest copilot payload. Its fields are opaque to
// the core beyond being valid, non-empty JSON.
type Suggestion struct {
	Raw        json.RawMessage
	ReceivedAt time.Time
}

type State struct {
	mu         sync.Mutex
	callID     string
	gen        uint64
	entries    []Entry
	suggestion *Suggestion
}

func New() *State {
	return &State{}
}

// BeginCall records the new active call. A call already in progress
// is replaced; its buffered entries are discarded with it.
func (s *State) BeginCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = callID
	s.gen++
	s.entries = nil
}

// EndCall clears the call identity and discards any unsent entries.
// It is a no-op when callID no longer names the active call, so a
// stale session teardown cannot clobber a replacement call.
func (s *State) EndCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callID != callID {
		return
	}
	s.callID = ""
	s.gen++
	s.entries = nil
}

// Active returns the current call identity, if any.
func (s *State) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID, s.callID != ""
}

// Append adds a finalized transcript entry. Appends with no active
// call are dropped; there is no call context to label them.
func (s *State) Append(e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callID == "" {
		return false
	}
	s.entries = append(s.entries, e)
	return true
}

// EntryCount reports the number of buffered entries.
func (s *State) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a copy of the buffered entries in arrival order.
func (s *State) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// DispatchSnapshot captures the buffered entries for one dispatch
// attempt without clearing them. The mark and generation returned
// must be passed to CompleteDispatch. ok is false when there is no
// active call or nothing buffered.
func (s *State) DispatchSnapshot() (entries []Entry, mark int, gen uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callID == "" || len(s.entries) == 0 {
		return nil, 0, 0, false
	}
	entries = make([]Entry, len(s.entries))
	copy(entries, s.entries)
	return entries, len(s.entries), s.gen, true
}

// CompleteDispatch finishes a successful dispatch: it stores the
// suggestion and removes exactly the snapshotted prefix, preserving
// entries appended while the request was in flight. When the call
// generation has moved since the snapshot the result is stale and is
// discarded entirely.
func (s *State) CompleteDispatch(mark int, gen uint64, raw json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if mark > len(s.entries) {
		mark = len(s.entries)
	}
	s.entries = append([]Entry(nil), s.entries[mark:]...)
	s.suggestion = &Suggestion{Raw: raw, ReceivedAt: time.Now()}
	return true
}

// LatestSuggestion returns the cached suggestion payload, if any.
func (s *State) LatestSuggestion() (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suggestion == nil {
		return nil, false
	}
	return s.suggestion.Raw, true
}

// SuggestionInfo returns the cached suggestion with its arrival time.
func (s *State) SuggestionInfo() (Suggestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suggestion == nil {
		return Suggestion{}, false
	}
	return *s.suggestion, true
}
