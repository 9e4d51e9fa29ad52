package server

import (
	"context"
	"io"
	"sync"

	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/usbip"
)

// inflight tracks one outstanding CMD_SUBMIT so a racing CMD_UNLINK can
// cancel it.
type inflight struct {
	cancel context.CancelFunc
}

// dispatcher serializes writes to one connection and resolves the race
// between a URB completing normally and a CMD_UNLINK arriving for the
// same sequence number. Exactly one of them removes the seqnum's entry
// from pending; whichever does owns the reply that goes out for it.
type dispatcher struct {
	conn io.Writer

	mu      sync.Mutex
	pending map[uint32]*inflight

	writeCh   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	wg sync.WaitGroup
}

func newDispatcher(conn io.Writer) *dispatcher {
	d := &dispatcher{
		conn:    conn,
		pending: make(map[uint32]*inflight),
		writeCh: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.writeLoop()
	return d
}

func (d *dispatcher) writeLoop() {
	defer d.wg.Done()
	for {
		select {
		case frame, ok := <-d.writeCh:
			if !ok {
				return
			}
			if err := usbip.WriteAll(d.conn, frame); err != nil {
				d.fail(err)
				return
			}
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) fail(err error) {
	d.errMu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.errMu.Unlock()
	d.closeOnce.Do(func() { close(d.done) })
}

// Err returns the first write error encountered, if any.
func (d *dispatcher) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// enqueue hands frame to the writer goroutine. It returns an error if
// the dispatcher has already failed or been closed.
func (d *dispatcher) enqueue(frame []byte) error {
	select {
	case d.writeCh <- frame:
		return nil
	case <-d.done:
		return d.Err()
	}
}

// Close stops the writer goroutine and cancels every in-flight
// request, as happens when the underlying connection is torn down.
func (d *dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	d.cancelAll()
}

func (d *dispatcher) cancelAll() {
	d.mu.Lock()
	entries := make([]*inflight, 0, len(d.pending))
	for seq, e := range d.pending {
		entries = append(entries, e)
		delete(d.pending, seq)
	}
	d.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
}

// Submit runs handle asynchronously under a context derived from ctx,
// tracking it under seq until it completes or is unlinked. onComplete
// is invoked with the result only if this call wins the completion
// race against a concurrent Unlink for the same seq.
func (d *dispatcher) Submit(ctx context.Context, seq uint32, handle func(ctx context.Context) (*device.Completion, error), onComplete func(*device.Completion, error)) {
	hctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.pending[seq] = &inflight{cancel: cancel}
	d.mu.Unlock()

	go func() {
		completion, err := handle(hctx)

		d.mu.Lock()
		_, won := d.pending[seq]
		if won {
			delete(d.pending, seq)
		}
		d.mu.Unlock()

		cancel()
		if won {
			onComplete(completion, err)
		}
	}()
}

// PendingCount returns the number of URBs currently in flight.
func (d *dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Unlink cancels the in-flight request identified by targetSeq, if it
// is still pending. It reports whether it found (and thus cancelled)
// the request; the caller uses this to decide the RET_UNLINK status.
func (d *dispatcher) Unlink(targetSeq uint32) bool {
	d.mu.Lock()
	entry, ok := d.pending[targetSeq]
	if ok {
		delete(d.pending, targetSeq)
	}
	d.mu.Unlock()

	if ok {
		entry.cancel()
	}
	return ok
}
