// Package queue implements the outbound sender (§4.5): a per-destination
// FIFO worker that batches PDUs/EDUs into federation transactions, backs
// off exponentially on failure, and preserves per-destination delivery
// order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dendrite-core/homeserver/federationapi/storage"
	"github.com/dendrite-core/homeserver/federationapi/transport"
)

const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
	minBackoff            = 60 * time.Second
	maxBackoff            = time.Hour
)

// Destination identifies one of the three sink kinds the outbound queue
// fans out to (§4.5).
type Destination struct {
	Kind   string // "normal", "appservice", "push"
	Target string
}

func NormalDestination(server string) Destination   { return Destination{Kind: "normal", Target: server} }
func AppserviceDestination(id string) Destination    { return Destination{Kind: "appservice", Target: id} }
func PushDestination(user, pushkey string) Destination {
	return Destination{Kind: "push", Target: user + "|" + pushkey}
}

// Sender delivers one batch to a destination; its concrete implementation
// differs per destination kind (federation transaction POST, appservice
// push, push-gateway notification).
type Sender interface {
	Send(ctx context.Context, dest Destination, pdus, edus []json.RawMessage) error
}

// transportSender implements Sender for Normal (federation) destinations
// using the signed X-Matrix client (§6.2).
type transportSender struct {
	client *transport.Client
}

func NewTransportSender(client *transport.Client) Sender {
	return &transportSender{client: client}
}

func (s *transportSender) Send(ctx context.Context, dest Destination, pdus, edus []json.RawMessage) error {
	if dest.Kind != "normal" {
		return fmt.Errorf("queue: transportSender cannot handle destination kind %s", dest.Kind)
	}
	body := map[string]interface{}{
		"origin":           s.client.ServerName,
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus":             pdus,
		"edus":             edus,
	}
	txnID := fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int63())
	resp, err := s.client.Do(ctx, "PUT", dest.Target, "/_matrix/federation/v1/send/"+txnID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("queue: destination %s returned %d", dest.Target, resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http429 {
		return &permanentError{fmt.Errorf("queue: destination %s rejected transaction with %d", dest.Target, resp.StatusCode)}
	}
	if resp.StatusCode == http429 {
		return fmt.Errorf("queue: destination %s rate limited us", dest.Target)
	}
	return nil
}

const http429 = 429

// permanentError marks a 4xx (non-429) failure: §4.5 step 5 says drop the
// events and log, not retry.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }

// entry is one queued PDU or EDU awaiting delivery.
type entry struct {
	pdu json.RawMessage
	edu json.RawMessage
}

// worker drains one destination's queue in FIFO order, batching while a
// request is in flight and backing off exponentially on failure (§4.5).
type worker struct {
	dest         Destination
	sender       Sender
	db           *storage.Database
	mu           sync.Mutex
	queue        []entry
	backoff      time.Duration
	failureCount uint32
	wake         chan struct{}
	stop         chan struct{}
}

// Queue manages one worker per destination, created lazily on first send.
// DB, if set, persists each destination's backoff state so a restart
// doesn't immediately retry a server that was failing before shutdown.
type Queue struct {
	sender Sender
	DB     *storage.Database

	mu      sync.Mutex
	workers map[string]*worker
}

func NewQueue(sender Sender, db *storage.Database) *Queue {
	return &Queue{sender: sender, DB: db, workers: map[string]*worker{}}
}

func destKey(d Destination) string { return d.Kind + ":" + d.Target }

// EnqueuePDU appends a PDU for delivery to dest, starting its worker if not
// already running (§4.5 "Per-destination FIFO").
func (q *Queue) EnqueuePDU(dest Destination, pdu json.RawMessage) {
	q.workerFor(dest).enqueue(entry{pdu: pdu})
}

func (q *Queue) EnqueueEDU(dest Destination, edu json.RawMessage) {
	q.workerFor(dest).enqueue(entry{edu: edu})
}

func (q *Queue) workerFor(dest Destination) *worker {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := destKey(dest)
	w, ok := q.workers[key]
	if !ok {
		w = &worker{dest: dest, sender: q.sender, db: q.DB, wake: make(chan struct{}, 1), stop: make(chan struct{})}
		w.loadPersistedBackoff()
		q.workers[key] = w
		go w.run(context.Background())
	}
	return w
}

// loadPersistedBackoff restores a destination's failure count and backoff
// across restarts (§6.4) so a server that was failing before shutdown
// doesn't get an immediate, un-backed-off retry.
func (w *worker) loadPersistedBackoff() {
	if w.db == nil || w.dest.Kind != "normal" {
		return
	}
	state, ok, err := w.db.RetryStateFor(w.dest.Target)
	if err != nil || !ok {
		return
	}
	w.failureCount = state.FailureCount
	remaining := time.Until(time.UnixMilli(state.RetryUntilMS))
	if remaining > 0 {
		w.backoff = remaining
	}
}

func (w *worker) persistBackoff(retryUntil time.Time) {
	if w.db == nil || w.dest.Kind != "normal" {
		return
	}
	if err := w.db.UpsertRetryState(w.dest.Target, w.failureCount, retryUntil.UnixMilli()); err != nil {
		logrus.WithError(err).WithField("destination", w.dest.Target).Warn("queue: persisting retry state")
	}
}

func (w *worker) clearPersistedBackoff() {
	if w.db == nil || w.dest.Kind != "normal" {
		return
	}
	if err := w.db.DeleteRetryState(w.dest.Target); err != nil {
		logrus.WithError(err).WithField("destination", w.dest.Target).Warn("queue: clearing retry state")
	}
}

func (w *worker) enqueue(e entry) {
	w.mu.Lock()
	w.queue = append(w.queue, e)
	w.mu.Unlock()
	observeSendQueueDepth(1)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		}
		for {
			pdus, edus, drained := w.drain()
			if drained == 0 {
				break
			}
			err := w.sender.Send(ctx, w.dest, pdus, edus)
			if err == nil {
				w.backoff = 0
				w.failureCount = 0
				w.clearPersistedBackoff()
				continue
			}
			if _, permanent := err.(*permanentError); permanent {
				logrus.WithError(err).WithField("destination", w.dest.Target).Warn("queue: dropping events after permanent rejection")
				continue
			}
			logrus.WithError(err).WithField("destination", w.dest.Target).Warn("queue: delivery failed, backing off")
			w.requeue(pdus, edus)
			w.sleepBackoff(ctx)
			break
		}
	}
}

// drain pops up to the Matrix-spec-capped batch size from the front of the
// queue (§4.5 step 1-2).
func (w *worker) drain() (pdus, edus []json.RawMessage, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 && len(pdus) < maxPDUsPerTransaction && len(edus) < maxEDUsPerTransaction {
		e := w.queue[0]
		w.queue = w.queue[1:]
		if e.pdu != nil {
			pdus = append(pdus, e.pdu)
		}
		if e.edu != nil {
			edus = append(edus, e.edu)
		}
		n++
	}
	if n > 0 {
		observeSendQueueDepth(-n)
	}
	return pdus, edus, n
}

// requeue puts a failed batch back at the front of the queue, preserving
// order (§4.5 invariant: "order preserved per destination").
func (w *worker) requeue(pdus, edus []json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var restored []entry
	for _, p := range pdus {
		restored = append(restored, entry{pdu: p})
	}
	for _, e := range edus {
		restored = append(restored, entry{edu: e})
	}
	w.queue = append(restored, w.queue...)
	if len(restored) > 0 {
		observeSendQueueDepth(len(restored))
	}
}

func (w *worker) sleepBackoff(ctx context.Context) {
	if w.backoff == 0 {
		w.backoff = minBackoff
	} else {
		w.backoff *= 2
		if w.backoff > maxBackoff {
			w.backoff = maxBackoff
		}
	}
	w.failureCount++
	w.persistBackoff(time.Now().Add(w.backoff))
	t := time.NewTimer(w.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-w.stop:
	}
	// Wake ourselves once the backoff expires so the drain loop retries
	// even if no new event arrives in the meantime.
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.workers {
		close(w.stop)
	}
}
