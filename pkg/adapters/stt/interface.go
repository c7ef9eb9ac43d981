package stt

import (
	"context"

	"github.com/callwise/copilot/pkg/frames"
)

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the STT connection.
	Start(ctx context.Context) error
	// Close shuts down the STT connection, signalling end of stream
	// to the backend so it can flush a final transcript.
	Close() error
	// SendAudio sends raw audio to the STT service. Audio arriving
	// before the backend handshake completes is dropped, not queued.
	SendAudio(frame frames.AudioFrame) error
	// Results returns a channel of transcription/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic STT session configuration.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}

// Factory builds an STT session for one media stream.
type Factory func(cfg Config) StreamingSTT
