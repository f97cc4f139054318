// Package kv implements the storage primitives component: an ordered
// key->value map with prefix scans, atomic batch writes, and one-shot
// change watches, the foundation every other storage-backed package in this
// module builds on (§3.2-3.6, §6.4, §9 "Storage primitives").
//
// The interface is intentionally small and table-oriented, the way
// conduwuit's database/map abstracts a single RocksDB column family: callers
// open one Table per logical column (eventid->shorteventid, per-room
// timeline, signing-key cache, ...) and never see the underlying engine.
package kv

import (
	"bytes"
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Table is one logical column: a namespaced, ordered byte-key to byte-value
// map. Keys sort lexicographically, which is what lets the shortid
// interner and timeline log use big-endian integer encodings as sort keys.
type Table interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Iterate calls fn for every key with the given prefix in ascending
	// order until fn returns false or the prefix is exhausted.
	Iterate(prefix []byte, fn func(key, value []byte) bool) error

	// IterateReverse walks a prefix in descending key order, used by the
	// timeline to read "last N events before count X".
	IterateReverse(prefix []byte, fn func(key, value []byte) bool) error
}

// Batch groups writes across one or more tables into a single atomic unit,
// matching §5's "storage writes are either committed before the suspension
// point that returns success or not at all".
type Batch interface {
	Table(name string) Table
	Commit() error
	Rollback() error
}

// Database is the root storage handle. It opens named tables and runs
// atomic batches, and exposes prefix-watches for the sync engine's
// long-poll composition (§5 "Watches").
type Database interface {
	Table(name string) Table
	NewBatch() (Batch, error)

	// Watch registers interest in a key prefix and returns a channel that
	// receives a single value (closed, no payload) the first time any key
	// under that prefix is written after registration. Watch completion
	// only signals "something changed"; callers must re-read.
	Watch(prefix []byte) <-chan struct{}

	// Notify wakes every watcher registered on a prefix that is a prefix of
	// (or equal to) the written key. Called by table writers after commit.
	Notify(key []byte)

	Close() error
}

// WaitContext blocks on a watch channel until it fires or ctx is cancelled,
// the composable primitive the sync engine's long-poll uses to wait on
// multiple change sources at once (§4.4 step 7, §5 "Suspension points").
func WaitContext(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasPrefix reports whether key starts with prefix, the condition every
// Iterate implementation must stop on.
func HasPrefix(key, prefix []byte) bool {
	return bytes.HasPrefix(key, prefix)
}
