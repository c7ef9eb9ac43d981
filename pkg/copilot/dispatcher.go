package copilot

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/callwise/copilot/pkg/callstate"
	"github.com/callwise/copilot/pkg/logging"
)

// Analyzer is the outbound analysis boundary, satisfied by *Client.
type Analyzer interface {
	Analyze(ctx context.Context, subjectID string, entries []callstate.Entry) (json.RawMessage, error)
}

// Broadcaster pushes a fresh suggestion to all open subscribers.
type Broadcaster interface {
	Broadcast(suggestion json.RawMessage)
}

// Dispatcher runs the periodic analysis-forwarding loop: a free
// running ticker, independent of socket activity. Each tick is fault
// isolated; a failed dispatch leaves the buffer untouched and the
// same (now larger) buffer is retried next tick.
type Dispatcher struct {
	calls       *callstate.State
	analyzer    Analyzer
	broadcaster Broadcaster
	subjectID   string
	interval    time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

type DispatcherOptions struct {
	SubjectID string
	Interval  time.Duration
	Timeout   time.Duration
}

func NewDispatcher(calls *callstate.State, analyzer Analyzer, broadcaster Broadcaster, opts DispatcherOptions) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		calls:       calls,
		analyzer:    analyzer,
		broadcaster: broadcaster,
		subjectID:   opts.SubjectID,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		logger:      logging.NewComponentLogger(slog.Default(), "copilot_dispatcher"),
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.Info("dispatch_loop_started",
		slog.Duration("interval", d.interval),
		slog.String("subject_id", d.subjectID))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatch_loop_stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick performs one dispatch attempt. No-op when no call is active or
// nothing is buffered.
func (d *Dispatcher) Tick(ctx context.Context) {
	callID, active := d.calls.Active()
	if !active {
		d.logger.Debug("tick_skipped_no_active_call")
		return
	}
	entries, mark, gen, ok := d.calls.DispatchSnapshot()
	if !ok {
		d.logger.Debug("tick_skipped_empty_buffer",
			slog.String("call_sid", callID))
		return
	}

	d.logger.Info("dispatching_transcript",
		slog.String("call_sid", callID),
		slog.Int("entries", len(entries)))

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	raw, err := d.analyzer.Analyze(reqCtx, d.subjectID, entries)
	if err != nil {
		// Buffer stays untouched; the next tick retries.
		d.logger.Warn("dispatch_failed",
			slog.String("call_sid", callID),
			slog.Int("entries_preserved", d.calls.EntryCount()),
			slog.String("error", err.Error()))
		return
	}

	if !d.calls.CompleteDispatch(mark, gen, raw) {
		d.logger.Info("stale_dispatch_result_discarded",
			slog.String("call_sid", callID))
		return
	}

	d.logger.Info("suggestion_updated",
		slog.String("call_sid", callID),
		slog.Int("cleared_entries", mark),
		slog.Int("remaining_entries", d.calls.EntryCount()))

	if d.broadcaster != nil {
		d.broadcaster.Broadcast(raw)
	}
}
