package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	calls [][]json.RawMessage
	fail  int
}

func (r *recordingSender) Send(ctx context.Context, dest Destination, pdus, edus []json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return plainError("simulated transient failure")
	}
	r.calls = append(r.calls, pdus)
	return nil
}

type plainError string

func (p plainError) Error() string { return string(p) }

func TestQueuePreservesPerDestinationOrder(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender, nil)
	dest := NormalDestination("example.org")

	for i := 0; i < 5; i++ {
		q.EnqueuePDU(dest, json.RawMessage(`{"event_id":"$`+string(rune('a'+i))+`"}`))
	}

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		total := 0
		for _, c := range sender.calls {
			total += len(c)
		}
		return total == 5
	}, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var flat []json.RawMessage
	for _, c := range sender.calls {
		flat = append(flat, c...)
	}
	require.Len(t, flat, 5)
	for i, raw := range flat {
		require.Contains(t, string(raw), string(rune('a'+i)))
	}
	q.Stop()
}

func TestQueueDepthMetric(t *testing.T) {
	sendQueueDepthValue.Store(0)
	sendQueueDepth.Set(0)

	sender := &recordingSender{fail: 100}
	q := NewQueue(sender, nil)
	dest := NormalDestination("backoff.example.org")
	q.EnqueuePDU(dest, json.RawMessage(`{"event_id":"$a"}`))

	require.Eventually(t, func() bool {
		return sendQueueDepthValue.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	q.Stop()
}
