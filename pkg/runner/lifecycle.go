// Package runner owns process lifecycle: startup banner, the service
// state machine and the bounded drain on shutdown.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dimiro1/banner"
)

// State is the coarse process state reported by a Runner.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks are invoked at the running and stopped transitions.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer winds down in-flight work during shutdown. Drain may block;
// the runner bounds it with the configured timeout.
type Drainer interface {
	Drain() error
}

const ServiceVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"COPILOTD\" \"\" 0 }}\nVersion: " + ServiceVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

// LifecycleRunner drives the process state machine: new → starting →
// running → draining → stopped. Run blocks until the context is
// cancelled, then gives the drainer a bounded window to wind down.
type LifecycleRunner struct {
	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	hooks   Hooks
	drainer Drainer
	timeout time.Duration

	stopOnce sync.Once
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &LifecycleRunner{
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
	r.state.Store(int32(StateNew))
	return r
}

// Run starts the service and blocks until ctx is cancelled or Stop is
// called, then drains. A runner can only be run once.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return errors.New("invalid state transition")
	}
	PrintBanner()
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	<-r.ctx.Done()
	return r.drainAndStop()
}

// Stop cancels the run context and waits for the drain to finish.
func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.drainAndStop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) drainAndStop() error {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil {
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = r.drainer.Drain()
			}()
			timer := time.NewTimer(r.timeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				r.stopErr = errors.New("drain timeout")
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}
