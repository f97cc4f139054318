package kv

import (
	"sync"

	"go.etcd.io/bbolt"
)

// BoltDatabase implements Database on top of go.etcd.io/bbolt, the one
// embedded ordered key-value engine in the example corpus (pulled in
// transitively by the teacher's NATS JetStream dependency, promoted here to
// a direct import — see SPEC_FULL.md §C). Every Table is a bbolt bucket
// created lazily on first use so callers don't need a migration step to
// add a new logical column.
type BoltDatabase struct {
	db *bbolt.DB

	mu       sync.Mutex
	watchers map[string][]chan struct{}
}

// OpenBolt opens (creating if absent) a bbolt file at path.
func OpenBolt(path string) (*BoltDatabase, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &BoltDatabase{db: db, watchers: make(map[string][]chan struct{})}, nil
}

func (b *BoltDatabase) Close() error {
	return b.db.Close()
}

func (b *BoltDatabase) Table(name string) Table {
	return &boltTable{db: b.db, bucket: []byte(name), parent: b}
}

func (b *BoltDatabase) NewBatch() (Batch, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &boltBatch{tx: tx, parent: b}, nil
}

func (b *BoltDatabase) Watch(prefix []byte) <-chan struct{} {
	ch := make(chan struct{})
	key := string(prefix)
	b.mu.Lock()
	b.watchers[key] = append(b.watchers[key], ch)
	b.mu.Unlock()
	return ch
}

func (b *BoltDatabase) Notify(key []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for prefix, chans := range b.watchers {
		if !HasPrefix(key, []byte(prefix)) {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(b.watchers, prefix)
	}
}

type boltTable struct {
	db     *bbolt.DB
	bucket []byte
	parent *BoltDatabase
}

func (t *boltTable) Get(key []byte) ([]byte, error) {
	var out []byte
	err := t.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(t.bucket)
		if bkt == nil {
			return ErrNotFound
		}
		v := bkt.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (t *boltTable) Put(key, value []byte) error {
	err := t.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(t.bucket)
		if err != nil {
			return err
		}
		return bkt.Put(key, value)
	})
	if err == nil {
		t.parent.Notify(key)
	}
	return err
}

func (t *boltTable) Delete(key []byte) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(t.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.Delete(key)
	})
}

func (t *boltTable) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	return t.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(t.bucket)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && HasPrefix(k, prefix); k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (t *boltTable) IterateReverse(prefix []byte, fn func(key, value []byte) bool) error {
	return t.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(t.bucket)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		// Seek past the prefix's range, then walk backwards into it.
		upperBound := append(append([]byte(nil), prefix...), 0xFF)
		k, v := c.Seek(upperBound)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && HasPrefix(k, prefix); k, v = c.Prev() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

type boltBatch struct {
	tx     *bbolt.Tx
	parent *BoltDatabase
	keys   [][]byte
}

func (b *boltBatch) Table(name string) Table {
	return &boltBatchTable{tx: b.tx, bucket: []byte(name), batch: b}
}

func (b *boltBatch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return err
	}
	for _, k := range b.keys {
		b.parent.Notify(k)
	}
	return nil
}

func (b *boltBatch) Rollback() error {
	return b.tx.Rollback()
}

type boltBatchTable struct {
	tx     *bbolt.Tx
	bucket []byte
	batch  *boltBatch
}

func (t *boltBatchTable) Get(key []byte) ([]byte, error) {
	bkt := t.tx.Bucket(t.bucket)
	if bkt == nil {
		return nil, ErrNotFound
	}
	v := bkt.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *boltBatchTable) Put(key, value []byte) error {
	bkt, err := t.tx.CreateBucketIfNotExists(t.bucket)
	if err != nil {
		return err
	}
	t.batch.keys = append(t.batch.keys, key)
	return bkt.Put(key, value)
}

func (t *boltBatchTable) Delete(key []byte) error {
	bkt := t.tx.Bucket(t.bucket)
	if bkt == nil {
		return nil
	}
	return bkt.Delete(key)
}

func (t *boltBatchTable) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	bkt := t.tx.Bucket(t.bucket)
	if bkt == nil {
		return nil
	}
	c := bkt.Cursor()
	for k, v := c.Seek(prefix); k != nil && HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (t *boltBatchTable) IterateReverse(prefix []byte, fn func(key, value []byte) bool) error {
	bkt := t.tx.Bucket(t.bucket)
	if bkt == nil {
		return nil
	}
	c := bkt.Cursor()
	upperBound := append(append([]byte(nil), prefix...), 0xFF)
	k, v := c.Seek(upperBound)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && HasPrefix(k, prefix); k, v = c.Prev() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}
