// Package process provides the root ProcessContext threaded through every
// component at startup, replacing the teacher's global services() accessor
// with an explicit value created once in main() and torn down at shutdown.
package process

import (
	"context"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// ProcessContext is held by the root of the process and handed to every
// component constructor. It owns the top-level cancellation context and
// tracks background components so shutdown can wait for them to drain.
type ProcessContext struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// NewProcessContext creates a root context ready for component wiring.
func NewProcessContext() *ProcessContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessContext{ctx: ctx, cancel: cancel}
}

// Context returns the root cancellation context. Every blocking call in the
// system (storage batch commit, federation RPC, sync long-poll) should
// select on ctx.Done() as a suspension point.
func (p *ProcessContext) Context() context.Context {
	return p.ctx
}

// ComponentStarted registers a long-lived background task (in this module,
// main's HTTP server goroutine) with the process so ShutdownDendrite can
// wait for it to notice cancellation and exit.
func (p *ProcessContext) ComponentStarted() {
	p.wg.Add(1)
}

// ComponentFinished marks a previously-registered background task as done.
func (p *ProcessContext) ComponentFinished() {
	p.wg.Done()
}

// ShutdownDendrite cancels the root context and blocks until every
// registered component has called ComponentFinished.
func (p *ProcessContext) ShutdownDendrite() {
	p.shutdown.Do(func() {
		logrus.Info("Shutting down")
		p.cancel()
	})
	p.wg.Wait()
}

// WaitForShutdown blocks the calling goroutine (typically main) until the
// process context is cancelled by a signal handler or an explicit call to
// ShutdownDendrite.
func (p *ProcessContext) WaitForShutdown() {
	<-p.ctx.Done()
}

// RecoverPanic reports a panic in a per-room or per-destination worker
// goroutine to Sentry (when configured) and logs it, instead of allowing it
// to crash the whole process.
func RecoverPanic(component string) {
	if r := recover(); r != nil {
		sentry.CurrentHub().Recover(r)
		sentry.Flush(0)
		logrus.WithField("component", component).WithField("panic", r).Error("recovered from panic")
	}
}
