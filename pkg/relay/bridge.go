package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/callwise/copilot/pkg/adapters/stt"
	"github.com/callwise/copilot/pkg/callstate"
	"github.com/callwise/copilot/pkg/frames"
	"github.com/callwise/copilot/pkg/logging"
	"github.com/callwise/copilot/pkg/transports"
)

// Bridge consumes transport frames and runs one relay session per
// media stream. Only one call is active at a time; a new call_start
// while a session is live stops the old session first.
type Bridge struct {
	transport transports.Transport
	calls     *callstate.State
	newSTT    stt.Factory
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewBridge(transport transports.Transport, calls *callstate.State, factory stt.Factory) *Bridge {
	return &Bridge{
		transport: transport,
		calls:     calls,
		newSTT:    factory,
		logger:    logging.NewComponentLogger(slog.Default(), "relay_bridge"),
		sessions:  make(map[string]*Session),
	}
}

// Run processes transport frames until the transport's channel closes
// or ctx is cancelled. It is the single mutator of the session set.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.stopAll("shutdown")
			return ctx.Err()
		case f, ok := <-b.transport.Recv():
			if !ok {
				b.stopAll("transport_stopped")
				return nil
			}
			b.handle(ctx, f)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, f frames.Frame) {
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		switch sf.Name() {
		case frames.SystemCallStart:
			b.startSession(ctx, sf)
		case frames.SystemCallEnd:
			b.endSession(sf)
		}
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		if sess := b.session(af.Meta()[frames.MetaStreamID]); sess != nil {
			sess.forwardAudio(af)
		}
	}
}

func (b *Bridge) startSession(ctx context.Context, sf frames.SystemFrame) {
	meta := sf.Meta()
	streamID := meta[frames.MetaStreamID]
	callID := meta[frames.MetaCallSID]
	if callID == "" {
		callID = streamID
	}
	traceID := meta[frames.MetaTraceID]

	adapter := b.newSTT(stt.Config{
		StreamID:   streamID,
		CallSID:    callID,
		TraceID:    traceID,
		SampleRate: 8000,
	})
	sess := newSession(streamID, callID, traceID, adapter, b.calls, b.logger)

	b.mu.Lock()
	old := b.sessions
	b.sessions = map[string]*Session{streamID: sess}
	b.mu.Unlock()
	for id, prev := range old {
		b.logger.Warn("replacing_active_session",
			slog.String("old_stream_id", id),
			slog.String("stream_id", streamID))
		prev.stop("replaced")
	}

	if err := sess.start(ctx); err != nil {
		b.logger.Error("session_start_failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		sess.stop("stt_start_failed")
		b.remove(streamID)
	}
}

func (b *Bridge) endSession(sf frames.SystemFrame) {
	streamID := sf.Meta()[frames.MetaStreamID]
	sess := b.session(streamID)
	if sess == nil {
		return
	}
	reason := sf.Meta()[frames.MetaCallEndReason]
	if reason == "" {
		reason = "completed"
	}
	sess.stop(reason)
	b.remove(streamID)
}

func (b *Bridge) session(streamID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[streamID]
}

func (b *Bridge) remove(streamID string) {
	b.mu.Lock()
	delete(b.sessions, streamID)
	b.mu.Unlock()
}

func (b *Bridge) stopAll(reason string) {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()
	for _, sess := range sessions {
		sess.stop(reason)
	}
}

// SessionCount reports the number of live relay sessions.
func (b *Bridge) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
