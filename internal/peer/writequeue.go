package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/padlink/internal/gatt"
	"github.com/srg/padlink/internal/radio"
)

// attHeaderSize is the ATT write request header; the usable payload per
// write is MTU minus this.
const attHeaderSize = 3

// WriteToken is the completion signal for one enqueued write.
type WriteToken struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newWriteToken() *WriteToken {
	return &WriteToken{done: make(chan struct{})}
}

// Done is closed when the write completes, successfully or not.
func (t *WriteToken) Done() <-chan struct{} { return t.done }

// Err returns the write's result. Only valid after Done is closed.
func (t *WriteToken) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return fmt.Errorf("write still pending")
	}
}

// Wait blocks until completion or ctx cancellation.
func (t *WriteToken) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WriteToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

type pendingWrite struct {
	handle  *gatt.Handle
	payload []byte
	token   *WriteToken
}

// WriteQueue serializes outbound characteristic writes: exactly one write is
// outstanding on the link at a time, subsequent enqueues queue in submission
// order. Each write consumes a radio lease.
type WriteQueue struct {
	transport Transport
	radio     *radio.Client
	logger    *logrus.Logger
	opts      Options

	mu       sync.Mutex
	running  bool
	mtu      int
	queue    []*pendingWrite
	inflight *pendingWrite
	wake     chan struct{}
	stop     chan struct{}
}

func newWriteQueue(transport Transport, radioClient *radio.Client, logger *logrus.Logger, opts Options) *WriteQueue {
	return &WriteQueue{
		transport: transport,
		radio:     radioClient,
		logger:    logger,
		opts:      opts,
	}
}

// start launches the worker for a fresh link generation.
func (q *WriteQueue) start(mtu int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.mtu = mtu
	q.wake = make(chan struct{}, 1)
	q.stop = make(chan struct{})
	go q.worker(q.wake, q.stop)
}

// Enqueue submits a write for the resolved handle. Oversize payloads and
// submissions without an active link are rejected up front without touching
// the in-flight slot. The returned token completes exactly once.
func (q *WriteQueue) Enqueue(handle *gatt.Handle, payload []byte) (*WriteToken, error) {
	if handle == nil {
		return nil, fmt.Errorf("%w: nil handle", ErrWriteRejected)
	}
	if !handle.Props.CanWrite() && !handle.Props.CanWriteWithoutResponse() {
		return nil, fmt.Errorf("%w: characteristic %s does not support writes", ErrWriteRejected, gatt.ShortenUUID(handle.UUID))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return nil, fmt.Errorf("%w: no active connection", ErrWriteRejected)
	}
	if maxPayload := q.mtu - attHeaderSize; len(payload) > maxPayload {
		// Never truncate; chunking is the caller's decision.
		return nil, &OversizeWriteError{Size: len(payload), Max: maxPayload}
	}

	pw := &pendingWrite{
		handle:  handle,
		payload: append([]byte(nil), payload...),
		token:   newWriteToken(),
	}
	q.queue = append(q.queue, pw)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return pw.token, nil
}

// Depth returns the number of queued (not yet in-flight) writes.
func (q *WriteQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *WriteQueue) worker(wake <-chan struct{}, stop <-chan struct{}) {
	for {
		pw := q.next()
		if pw == nil {
			select {
			case <-wake:
				continue
			case <-stop:
				return
			}
		}

		select {
		case <-stop:
			// failAll owns completion of the in-flight token.
			return
		default:
		}

		pw.token.complete(q.perform(pw))
		q.clearInflight(pw)
	}
}

func (q *WriteQueue) next() *pendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	pw := q.queue[0]
	q.queue = q.queue[1:]
	q.inflight = pw
	return pw
}

func (q *WriteQueue) clearInflight(pw *pendingWrite) {
	q.mu.Lock()
	if q.inflight == pw {
		q.inflight = nil
	}
	q.mu.Unlock()
}

// perform executes one write under a radio lease with the configured
// timeout. Radio denial surfaces to this write's caller only.
func (q *WriteQueue) perform(pw *pendingWrite) error {
	lease, err := q.radio.Acquire(context.Background(), q.opts.LeaseBudget)
	if err != nil {
		q.logger.WithFields(logrus.Fields{
			"char_uuid": pw.handle.UUID,
			"error":     err,
		}).Warn("Write denied radio time")
		return err
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), q.opts.WriteTimeout)
	defer cancel()

	if err := q.transport.Write(ctx, pw.handle.ValueHandle, pw.payload); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return linkErrorf(FailTimeout, "write to %s: %v", gatt.ShortenUUID(pw.handle.UUID), err)
		}
		return fmt.Errorf("write to %s failed: %w", gatt.ShortenUUID(pw.handle.UUID), err)
	}

	q.logger.WithFields(logrus.Fields{
		"char_uuid": pw.handle.UUID,
		"bytes":     len(pw.payload),
	}).Debug("Write acknowledged")
	return nil
}

// failAll completes every queued and in-flight write with the given reason
// and stops the worker. Nothing is dropped without signaling.
func (q *WriteQueue) failAll(reason *LinkError) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stop)

	inflight := q.inflight
	queued := q.queue
	q.inflight = nil
	q.queue = nil
	q.mu.Unlock()

	failed := 0
	if inflight != nil {
		inflight.token.complete(reason)
		failed++
	}
	for _, pw := range queued {
		pw.token.complete(reason)
		failed++
	}
	if failed > 0 {
		q.logger.WithFields(logrus.Fields{
			"failed": failed,
			"reason": reason,
		}).Warn("Pending writes failed on link teardown")
	}
}
