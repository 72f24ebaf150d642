package client

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/traceport/traceport/bus"
)

// maxBatchBytes caps the estimated size of one outbound batch. A single
// message over the cap is still sent, alone.
const maxBatchBytes = 4 * 1024 * 1024

// pendingMessage is one outbound message awaiting confirmed delivery.
type pendingMessage struct {
	serial   uint64
	attempts int
	record   bus.MessageRecord
}

// deliveryQueue orders outbound messages by a session-scoped monotonic serial
// and hands them out in size-capped batches. Persistent sessions get
// at-least-once delivery: failed batches are reinserted for resend, and the
// remote side deduplicates by batch id.
type deliveryQueue struct {
	log        *zap.SugaredLogger
	persistent bool

	mu         sync.Mutex
	pending    []*pendingMessage
	nextSerial uint64
	inflight   int
}

func newDeliveryQueue(log *zap.SugaredLogger, persistent bool) *deliveryQueue {
	return &deliveryQueue{
		log:        log.Named("delivery"),
		persistent: persistent,
		nextSerial: 1,
	}
}

// append enqueues a record under a freshly allocated serial.
func (q *deliveryQueue) append(record bus.MessageRecord) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	serial := q.nextSerial
	q.nextSerial++
	q.pending = append(q.pending, &pendingMessage{serial: serial, record: record})
	return serial
}

// takeBatch removes a batch from the front of the queue and, for persistent
// queues, counts a delivery attempt against every message and marks the batch
// in flight. The batch id is 0 for non-persistent queues, otherwise the
// serial of the batch's last message.
func (q *deliveryQueue) takeBatch() (batch []*pendingMessage, batchID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := 0
	n := 0
	for n < len(q.pending) {
		if n > 0 && size > maxBatchBytes {
			break
		}
		size += q.pending[n].record.Size()
		n++
	}
	if n == 0 {
		return nil, 0
	}
	batch = q.pending[:n:n]
	q.pending = q.pending[n:]
	if q.persistent {
		for _, m := range batch {
			m.attempts++
		}
		batchID = batch[n-1].serial
		q.inflight++
	}
	return batch, batchID
}

// succeed records a confirmed persistent delivery. The serial generator is
// reset only once no deliveries are in flight and the queue has fully
// drained: at that point every sent message is acknowledged.
func (q *deliveryQueue) succeed() {
	if !q.persistent {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	if q.inflight == 0 && len(q.pending) == 0 {
		q.nextSerial = 1
	}
}

// fail reinserts a persistent batch for resend, restoring total serial order
// immediately so the queue stays contiguous and sorted.
func (q *deliveryQueue) fail(batch []*pendingMessage) {
	if !q.persistent {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	q.pending = append(q.pending, batch...)
	sort.Slice(q.pending, func(i, j int) bool {
		return q.pending[i].serial < q.pending[j].serial
	})
	q.log.Debugw("requeued batch for resend", "Count", len(batch), "Pending", len(q.pending))
}

// purgeAcked removes the prefix of messages the remote side reports as fully
// processed: serial at or below lastTxBatchID, with at least one delivery
// attempt. Messages never attempted are retained for resend even when their
// serial is covered.
func (q *deliveryQueue) purgeAcked(lastTxBatchID uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	purged := 0
	for len(q.pending) > 0 {
		m := q.pending[0]
		if m.serial > lastTxBatchID || m.attempts == 0 {
			break
		}
		q.pending = q.pending[1:]
		purged++
	}
	return purged
}

// drop discards all pending messages. Used on terminal session destruction.
func (q *deliveryQueue) drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

func (q *deliveryQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
