package peer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const debounceWindow = 10 * time.Millisecond

// candidateQueue buffers ICE candidates and releases them in debounced
// batches once signaling has started. It emits completion exactly once, after
// its source is exhausted and the buffer has drained.
type candidateQueue struct {
	log   *zap.SugaredLogger
	flush func(candidateSDPs []string)
	done  func()

	mu       sync.Mutex
	started  bool
	gathered bool
	notified bool
	buf      []string
	pending  *time.Timer
}

func newCandidateQueue(log *zap.SugaredLogger, flush func([]string), done func()) *candidateQueue {
	return &candidateQueue{log: log, flush: flush, done: done}
}

// Add buffers one candidate. Candidates observed before Start are held until
// signaling begins.
func (q *candidateQueue) Add(candidateSDP string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, candidateSDP)
	q.scheduleLocked()
}

// End marks the candidate source as exhausted. Safe to call more than once;
// completion is still emitted only once.
func (q *candidateQueue) End() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gathered = true
	q.scheduleLocked()
}

// Start marks signaling as started, releasing any buffered candidates.
func (q *candidateQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.started = true
	q.scheduleLocked()
}

func (q *candidateQueue) scheduleLocked() {
	if !q.started || q.pending != nil {
		return
	}
	q.pending = time.AfterFunc(debounceWindow, q.drain)
}

func (q *candidateQueue) drain() {
	q.mu.Lock()
	q.pending = nil
	batch := q.buf
	q.buf = nil
	notify := q.gathered && !q.notified
	if notify {
		q.notified = true
	}
	q.mu.Unlock()

	if len(batch) > 0 {
		q.log.Debugw("releasing candidate batch", "Count", len(batch))
		q.flush(batch)
	}
	if notify {
		q.log.Debug("candidate gathering complete")
		q.done()
	}
}
