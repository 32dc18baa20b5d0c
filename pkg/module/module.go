// Package module provides the base lifecycle every Remdis module runs
// under: a configuration snapshot, a set of input subscriptions, a set of
// output topics, and on_start/on_iu/on_shutdown hooks driven sequentially.
package module

import (
	"context"
	"time"

	"github.com/remdis-go/remdis/pkg/bus"
	"github.com/remdis-go/remdis/pkg/iu"
)

// Logger is the structured logging contract every module is handed at
// construction. A *slog.Logger satisfies it directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoOpLogger discards everything; useful in tests.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}

// Handler is implemented by concrete modules. OnIU is invoked sequentially
// per module: the runtime never dispatches two IUs into the same module
// concurrently, preserving per-topic order at input.
type Handler interface {
	OnStart(ctx context.Context) error
	OnIU(ctx context.Context, u iu.IU) error
	OnShutdown(ctx context.Context) error
}

// Base drives a Handler's lifecycle against a set of input subscriptions.
// Shutdown drains input for up to DrainTimeout, then cancels and releases
// resources.
type Base struct {
	Name         string
	Logger       Logger
	DrainTimeout time.Duration

	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultDrainTimeout bounds how long Shutdown waits for the input queue
// to empty before forcing a stop.
const DefaultDrainTimeout = 500 * time.Millisecond

// Run subscribes to topics on b and drives h sequentially until ctx is
// cancelled or Shutdown is called. It returns at once; the handler runs in
// its own goroutine, and Shutdown waits for it to stop.
//
// Every IU delivered here has already passed the Bus's CausalityIndex
// check (bus.Bus.Publish drops unknown-ancestor or closed-chain updates
// before fanout), so Handler implementations never see one.
func Run(ctx context.Context, b *bus.Bus, base *Base, h Handler, topics ...string) *Base {
	if base.Logger == nil {
		base.Logger = NoOpLogger{}
	}
	if base.DrainTimeout == 0 {
		base.DrainTimeout = DefaultDrainTimeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	base.cancel = cancel
	base.sub = b.Subscribe(topics...)
	base.done = make(chan struct{})

	go base.loop(runCtx, h)
	return base
}

func (m *Base) loop(ctx context.Context, h Handler) {
	defer close(m.done)
	if err := h.OnStart(ctx); err != nil {
		m.Logger.Error("module start failed", "module", m.Name, "error", err)
		return
	}

	for {
		u, ok := m.sub.Next(ctx)
		if !ok {
			break
		}
		if err := h.OnIU(ctx, u); err != nil {
			m.Logger.Error("module handler failed", "module", m.Name, "iu", u.ID, "error", err)
		}
	}

	m.drain(h)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), m.DrainTimeout)
	defer shutdownCancel()
	if err := h.OnShutdown(shutdownCtx); err != nil {
		m.Logger.Error("module shutdown failed", "module", m.Name, "error", err)
	}
}

// drain consumes any IUs still queued, up to DrainTimeout, before the
// handler is torn down.
func (m *Base) drain(h Handler) {
	deadline := time.NewTimer(m.DrainTimeout)
	defer deadline.Stop()
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()

	for {
		select {
		case <-deadline.C:
			return
		default:
		}
		done := make(chan struct{})
		var u iu.IU
		var ok bool
		go func() {
			u, ok = m.sub.Next(drainCtx)
			close(done)
		}()
		select {
		case <-done:
			if !ok {
				return
			}
			_ = h.OnIU(drainCtx, u)
		case <-deadline.C:
			drainCancel()
			<-done
			return
		}
	}
}

// Shutdown requests the module stop and waits for it to finish.
func (m *Base) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		m.sub.Close()
	}
	if m.done != nil {
		<-m.done
	}
}
