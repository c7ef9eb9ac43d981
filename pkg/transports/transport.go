package transports

import (
	"context"

	"github.com/callwise/copilot/pkg/frames"
)

// Transport is the inbound media boundary. Implementations own their
// network lifecycle and surface call/audio events as frames.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from string) (callSID string, err error)
}

// ReadyReporter exposes the endpoints a transport listens on, logged
// once at startup so operators know where to point their webhooks.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
