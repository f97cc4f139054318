package kv

import (
	"sort"
	"sync"
)

// MemoryDatabase is a non-persistent Database used by unit tests across the
// module, standing in for a bbolt file the way the teacher's test suites
// prefer a lightweight fixture store over a live database connection.
type MemoryDatabase struct {
	mu       sync.RWMutex
	tables   map[string]map[string][]byte
	watchers map[string][]chan struct{}
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		tables:   make(map[string]map[string][]byte),
		watchers: make(map[string][]chan struct{}),
	}
}

func (m *MemoryDatabase) Table(name string) Table {
	m.mu.Lock()
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = make(map[string][]byte)
	}
	m.mu.Unlock()
	return &memoryTable{name: name, parent: m}
}

func (m *MemoryDatabase) NewBatch() (Batch, error) {
	return &memoryBatch{parent: m, writes: make(map[string]map[string][]byte), deletes: make(map[string]map[string]bool)}, nil
}

func (m *MemoryDatabase) Watch(prefix []byte) <-chan struct{} {
	ch := make(chan struct{})
	m.mu.Lock()
	key := string(prefix)
	m.watchers[key] = append(m.watchers[key], ch)
	m.mu.Unlock()
	return ch
}

func (m *MemoryDatabase) Notify(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for prefix, chans := range m.watchers {
		if !HasPrefix(key, []byte(prefix)) {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(m.watchers, prefix)
	}
}

func (m *MemoryDatabase) Close() error { return nil }

type memoryTable struct {
	name   string
	parent *MemoryDatabase
}

func (t *memoryTable) Get(key []byte) ([]byte, error) {
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	v, ok := t.parent.tables[t.name][string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memoryTable) Put(key, value []byte) error {
	t.parent.mu.Lock()
	t.parent.tables[t.name][string(key)] = append([]byte(nil), value...)
	t.parent.mu.Unlock()
	t.parent.Notify(key)
	return nil
}

func (t *memoryTable) Delete(key []byte) error {
	t.parent.mu.Lock()
	delete(t.parent.tables[t.name], string(key))
	t.parent.mu.Unlock()
	return nil
}

func (t *memoryTable) sortedKeys(prefix []byte) []string {
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	var keys []string
	for k := range t.parent.tables[t.name] {
		if HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (t *memoryTable) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	for _, k := range t.sortedKeys(prefix) {
		t.parent.mu.RLock()
		v := t.parent.tables[t.name][k]
		t.parent.mu.RUnlock()
		if !fn([]byte(k), v) {
			return nil
		}
	}
	return nil
}

func (t *memoryTable) IterateReverse(prefix []byte, fn func(key, value []byte) bool) error {
	keys := t.sortedKeys(prefix)
	for i := len(keys) - 1; i >= 0; i-- {
		t.parent.mu.RLock()
		v := t.parent.tables[t.name][keys[i]]
		t.parent.mu.RUnlock()
		if !fn([]byte(keys[i]), v) {
			return nil
		}
	}
	return nil
}

// memoryBatch buffers writes and applies them atomically on Commit.
type memoryBatch struct {
	parent  *MemoryDatabase
	writes  map[string]map[string][]byte
	deletes map[string]map[string]bool
}

func (b *memoryBatch) Table(name string) Table {
	if _, ok := b.writes[name]; !ok {
		b.writes[name] = make(map[string][]byte)
		b.deletes[name] = make(map[string]bool)
	}
	return &memoryBatchTable{name: name, batch: b}
}

func (b *memoryBatch) Commit() error {
	b.parent.mu.Lock()
	var notify [][]byte
	for name, kvs := range b.writes {
		if _, ok := b.parent.tables[name]; !ok {
			b.parent.tables[name] = make(map[string][]byte)
		}
		for k, v := range kvs {
			b.parent.tables[name][k] = v
			notify = append(notify, []byte(k))
		}
	}
	for name, keys := range b.deletes {
		for k := range keys {
			delete(b.parent.tables[name], k)
		}
	}
	b.parent.mu.Unlock()
	for _, k := range notify {
		b.parent.Notify(k)
	}
	return nil
}

func (b *memoryBatch) Rollback() error {
	b.writes = nil
	b.deletes = nil
	return nil
}

type memoryBatchTable struct {
	name  string
	batch *memoryBatch
}

func (t *memoryBatchTable) Get(key []byte) ([]byte, error) {
	if v, ok := t.batch.writes[t.name][string(key)]; ok {
		return v, nil
	}
	return t.batch.parent.Table(t.name).Get(key)
}

func (t *memoryBatchTable) Put(key, value []byte) error {
	t.batch.writes[t.name][string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memoryBatchTable) Delete(key []byte) error {
	t.batch.deletes[t.name][string(key)] = true
	return nil
}

func (t *memoryBatchTable) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	return t.batch.parent.Table(t.name).Iterate(prefix, fn)
}

func (t *memoryBatchTable) IterateReverse(prefix []byte, fn func(key, value []byte) bool) error {
	return t.batch.parent.Table(t.name).IterateReverse(prefix, fn)
}
