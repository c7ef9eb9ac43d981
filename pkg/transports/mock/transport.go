package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/callwise/copilot/pkg/frames"
	"github.com/callwise/copilot/pkg/transports"
)

// Transport is an in-memory transport for local testing. It implements
// the transports.Transport interface without any network dependency.
type Transport struct {
	recvCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// Inject delivers a frame as if it arrived from the network.
func (t *Transport) Inject(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

var _ transports.Transport = (*Transport)(nil)
