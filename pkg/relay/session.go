package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/callwise/copilot/pkg/adapters/stt"
	"github.com/callwise/copilot/pkg/callstate"
	"github.com/callwise/copilot/pkg/frames"
	"github.com/callwise/copilot/pkg/logging"
)

// SessionState is the per-stream relay state machine.
type SessionState int32

const (
	StateAwaitingStart SessionState = iota
	StateStreaming
	StateStopped
	StateErrored
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "invalid"
	}
}

type sessionEvent int

const (
	eventStart sessionEvent = iota
	eventMedia
	eventStop
	eventError
)

// Session relays one inbound media stream to one STT session and
// appends finalized transcripts to the shared call state.
type Session struct {
	streamID string
	callID   string
	traceID  string

	adapter stt.StreamingSTT
	calls   *callstate.State
	logger  *slog.Logger

	state   atomic.Int32
	stopped sync.Once
	done    chan struct{}
}

func newSession(streamID, callID, traceID string, adapter stt.StreamingSTT, calls *callstate.State, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NewComponentLogger(slog.Default(), "relay_session")
	}
	s := &Session{
		streamID: streamID,
		callID:   callID,
		traceID:  traceID,
		adapter:  adapter,
		calls:    calls,
		logger:   logger,
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateAwaitingStart))
	return s
}

// State returns the session's current FSM state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// transition is the single transition function for the session FSM.
// Illegal event/state combinations leave the state unchanged and
// report false; the media path relies on this to drop audio that
// arrives outside the streaming state.
func (s *Session) transition(ev sessionEvent) (SessionState, bool) {
	for {
		cur := SessionState(s.state.Load())
		var next SessionState
		switch {
		case ev == eventError && cur != StateStopped:
			next = StateErrored
		case ev == eventStart && cur == StateAwaitingStart:
			next = StateStreaming
		case ev == eventMedia && cur == StateStreaming:
			return cur, true
		case ev == eventStop && (cur == StateStreaming || cur == StateAwaitingStart || cur == StateErrored):
			next = StateStopped
		default:
			return cur, false
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return next, true
		}
	}
}

func (s *Session) start(ctx context.Context) error {
	if _, ok := s.transition(eventStart); !ok {
		s.logger.Warn("session_start_ignored",
			slog.String("stream_id", s.streamID),
			slog.String("state", s.State().String()))
		return nil
	}
	s.calls.BeginCall(s.callID)
	s.logger.Info("relay_session_started",
		slog.String("stream_id", s.streamID),
		slog.String("call_sid", s.callID),
		slog.String("trace_id", s.traceID))

	if err := s.adapter.Start(ctx); err != nil {
		s.transition(eventError)
		return err
	}
	go s.consumeResults()
	return nil
}

func (s *Session) forwardAudio(f frames.AudioFrame) {
	if _, ok := s.transition(eventMedia); !ok {
		s.logger.Debug("audio_outside_streaming_state",
			slog.String("stream_id", s.streamID),
			slog.String("state", s.State().String()))
		return
	}
	if err := s.adapter.SendAudio(f); err != nil {
		// Adapter errors do not tear the session down on their own.
		s.logger.Error("stt_forward_error",
			slog.String("stream_id", s.streamID),
			slog.String("error", err.Error()))
	}
}

// stop closes the adapter (flushing the backend's final transcript),
// clears the call identity and discards any unsent buffer. Safe to
// call from both the stop event and transport-level teardown; it runs
// exactly once.
func (s *Session) stop(reason string) {
	s.stopped.Do(func() {
		s.transition(eventStop)
		if err := s.adapter.Close(); err != nil {
			s.logger.Warn("stt_close_error",
				slog.String("stream_id", s.streamID),
				slog.String("error", err.Error()))
		}
		s.calls.EndCall(s.callID)
		s.logger.Info("relay_session_stopped",
			slog.String("stream_id", s.streamID),
			slog.String("call_sid", s.callID),
			slog.String("reason", reason))
		close(s.done)
	})
}

// consumeResults drains the adapter until the session stops or the
// result channel closes. Only finalized, non-empty transcripts are
// persisted; interim results and speech lifecycle events are
// observable in logs.
func (s *Session) consumeResults() {
	for {
		var f frames.Frame
		select {
		case <-s.done:
			return
		case got, ok := <-s.adapter.Results():
			if !ok {
				return
			}
			f = got
		}
		switch f.Kind() {
		case frames.KindText:
			tf := f.(frames.TextFrame)
			text := strings.TrimSpace(tf.Text())
			if text == "" {
				continue
			}
			if !tf.IsFinal() {
				s.logger.Debug("interim_transcript",
					slog.String("stream_id", s.streamID),
					slog.String("transcript", text))
				continue
			}
			if s.calls.Append(callstate.Entry{Role: callstate.RoleCall, Message: text}) {
				s.logger.Info("transcript_stored",
					slog.String("stream_id", s.streamID),
					slog.String("transcript", text),
					slog.Int("buffered_entries", s.calls.EntryCount()))
			} else {
				s.logger.Debug("transcript_after_call_end_dropped",
					slog.String("stream_id", s.streamID))
			}
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlSTTError {
				s.logger.Warn("stt_session_error_event",
					slog.String("stream_id", s.streamID),
					slog.String("error_code", cf.Meta()[frames.MetaErrorCode]))
				continue
			}
			s.logger.Info("speech_lifecycle_event",
				slog.String("stream_id", s.streamID),
				slog.String("event", string(cf.Code())),
				slog.Int64("pts", cf.PTS()))
		}
	}
}
