package chat

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/roomchat/internal/metrics"
)

var (
	// ErrQueueClosed is returned when enqueueing on a torn down connection.
	ErrQueueClosed = errors.New("outbound queue closed")
	// ErrQueueFull is returned when a client does not drain its queue fast enough.
	ErrQueueFull = errors.New("outbound queue full")
)

// outbound is the per-session FIFO of serialized frames. The head stays in
// the queue while it is being written, so a non-empty queue always means a
// writer goroutine owns it and at most one write is ever in flight.
type outbound struct {
	conn         Conn
	writeTimeout time.Duration
	max          int
	logger       *zap.Logger
	metrics      *metrics.Metrics
	onFail       func(error)

	mu      sync.Mutex
	items   [][]byte
	closed  bool
	drained chan struct{}
}

func newOutbound(conn Conn, opts options, logger *zap.Logger, onFail func(error)) *outbound {
	return &outbound{
		conn:         conn,
		writeTimeout: opts.writeTimeout,
		max:          opts.maxQueue,
		logger:       logger,
		metrics:      opts.metrics,
		onFail:       onFail,
	}
}

// enqueue appends frame and starts the writer when the queue was empty.
func (q *outbound) enqueue(frame []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) >= q.max {
		q.abandonLocked()
		q.mu.Unlock()
		q.metrics.QueueOverflow()
		q.fail(errors.Wrapf(ErrQueueFull, "%d frames pending", q.max))
		return ErrQueueFull
	}

	start := len(q.items) == 0
	q.items = append(q.items, frame)
	q.mu.Unlock()

	if start {
		go q.run()
	}
	return nil
}

func (q *outbound) run() {
	for {
		q.mu.Lock()
		if q.closed || len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		head := q.items[0]
		q.mu.Unlock()

		err := q.write(head)

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if err != nil {
			q.abandonLocked()
			q.mu.Unlock()
			q.fail(errors.Wrap(err, "write"))
			return
		}
		q.items[0] = nil
		q.items = q.items[1:]
		empty := len(q.items) == 0
		if empty {
			q.signalLocked()
		}
		q.mu.Unlock()

		q.metrics.FrameSent()
		if empty {
			return
		}
	}
}

func (q *outbound) write(frame []byte) error {
	_ = q.conn.SetWriteDeadline(time.Now().Add(q.writeTimeout))
	_, err := q.conn.Write(frame)
	return err
}

func (q *outbound) fail(err error) {
	q.logger.Error("outbound write failed", zap.Error(err))
	if q.onFail != nil {
		q.onFail(err)
	}
}

// close drops every pending frame. A write already in flight completes but
// its successors are never written.
func (q *outbound) close() {
	q.mu.Lock()
	q.abandonLocked()
	q.mu.Unlock()
}

func (q *outbound) abandonLocked() {
	q.closed = true
	q.items = nil
	q.signalLocked()
}

func (q *outbound) signalLocked() {
	if q.drained != nil {
		close(q.drained)
		q.drained = nil
	}
}

// flush waits until every queued frame has been written, the queue was
// closed, or timeout elapsed. It reports whether the queue drained.
func (q *outbound) flush(timeout time.Duration) bool {
	q.mu.Lock()
	if q.closed || len(q.items) == 0 {
		ok := !q.closed
		q.mu.Unlock()
		return ok
	}
	if q.drained == nil {
		q.drained = make(chan struct{})
	}
	ch := q.drained
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.closed
	case <-timer.C:
		return false
	}
}

// len returns the number of frames not yet fully written.
func (q *outbound) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
