// Package notifier composes the long-poll suspension point for /sync
// (§4.4 step 7, §5 "Suspension points"): block until any of a set of
// storage-layer watches fires, or the request's timeout elapses, without a
// message bus in between.
package notifier

import (
	"context"

	"github.com/dendrite-core/homeserver/internal/kv"
)

// Notifier waits on kv watches from one or more underlying databases (the
// room server's for timeline/extremity changes, the sync engine's own for
// account data/receipts/to-device/device-list changes).
type Notifier struct {
	dbs []kv.Database
}

// New composes a Notifier over every database whose prefixes a sync
// response might depend on, letting a monolith deployment wait across
// roomserver and syncapi storage without an intermediate bus.
func New(dbs ...kv.Database) *Notifier {
	return &Notifier{dbs: dbs}
}

// WaitAny blocks until any key under any of prefixes is written in any of
// the Notifier's databases, or ctx is cancelled (by the request's own
// deadline, capped at 30s per §4.4). Each prefix is registered on every
// database since the caller does not know in advance which database a
// given prefix lives in.
func (n *Notifier) WaitAny(ctx context.Context, prefixes [][]byte) error {
	fired := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)

	for _, db := range n.dbs {
		for _, prefix := range prefixes {
			ch := db.Watch(prefix)
			go func(ch <-chan struct{}) {
				select {
				case <-ch:
					select {
					case fired <- struct{}{}:
					default:
					}
				case <-done:
				}
			}(ch)
		}
	}

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
