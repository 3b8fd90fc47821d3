// Package ring provides a shared asynchronous submission/completion queue
// over plain file descriptors. Submissions are staged into fixed-count slots,
// flushed to a worker pool, and reaped as completions that are dispatched to
// registered consumers on the caller's goroutine. The queue is the engine's
// back-pressure boundary: a nil SQE means the ring is full.
package ring

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// OpCode selects the I/O performed for a submission.
type OpCode uint8

const (
	// OpNop completes immediately without touching the disk. Used in place
	// of fsync when fsyncs are disabled, so the completion path stays
	// uniform.
	OpNop OpCode = iota
	OpRead
	OpWrite
	OpFsync
)

// SQE is one submission queue entry. The caller fills Op, FD, Offset and Buf
// before Submit; the worker fills Res (bytes transferred, or a negative
// errno) before the entry is handed back to its consumer.
type SQE struct {
	Op     OpCode
	FD     int
	Offset int64
	Buf    []byte

	// Data is the per-op payload identifying the originating operation.
	// It is carried through the worker untouched.
	Data any

	// Res is the completion result: byte count on success, negative errno
	// on failure.
	Res int

	consumer int
}

// Consumer receives completions and a chance to make progress each cycle.
type Consumer struct {
	// HandleEvent is invoked once per reaped completion, on the goroutine
	// that called Wait.
	HandleEvent func(*SQE)
	// Loop is invoked on every Submit before staged entries are flushed,
	// giving the consumer a chance to stage more work.
	Loop func()
}

var (
	ErrClosed = errors.New("ring is closed")
)

// Ring multiplexes a fixed number of submission slots across registered
// consumers. GetSQE, Submit and Wait must all be called from one goroutine;
// only the worker pool runs concurrently.
//
// Entries for one file descriptor are always serviced by the same worker, so
// same-fd submissions apply to the device in submission order. Rewrites of a
// partially filled journal sector depend on this.
type Ring struct {
	size     int
	inflight int
	staged   []*SQE
	slots    sync.Pool

	requests    []chan *SQE
	completions chan *SQE
	consumers   []Consumer

	eg     *errgroup.Group
	closed bool
}

// New creates a ring with the given queue depth, serviced by workers
// goroutines. workers <= 0 selects a small default pool.
func New(size, workers int) *Ring {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 4
	}
	r := &Ring{
		size:        size,
		requests:    make([]chan *SQE, workers),
		completions: make(chan *SQE, size),
	}
	r.slots.New = func() any { return new(SQE) }
	r.eg = &errgroup.Group{}
	for i := range r.requests {
		ch := make(chan *SQE, size)
		r.requests[i] = ch
		r.eg.Go(func() error { return r.worker(ch) })
	}
	return r
}

// Register adds a consumer and returns its number for use with GetSQE.
func (r *Ring) Register(c Consumer) int {
	r.consumers = append(r.consumers, c)
	return len(r.consumers) - 1
}

// Size returns the queue depth.
func (r *Ring) Size() int {
	return r.size
}

// Free returns the number of submission slots currently available.
func (r *Ring) Free() int {
	return r.size - r.inflight - len(r.staged)
}

// GetSQE hands out a submission slot for the given consumer, or nil when the
// ring is full. The slot is staged; it reaches a worker on the next Submit.
func (r *Ring) GetSQE(consumer int) *SQE {
	if r.closed || r.Free() == 0 {
		return nil
	}
	sqe := r.slots.Get().(*SQE)
	*sqe = SQE{consumer: consumer}
	r.staged = append(r.staged, sqe)
	return sqe
}

// Staged returns the current staged length. A consumer that stages several
// entries and then hits back-pressure truncates back to the snapshot with
// Unstage, so no partial I/O is submitted.
func (r *Ring) Staged() int {
	return len(r.staged)
}

// Unstage discards staged entries beyond position n, releasing their slots.
func (r *Ring) Unstage(n int) {
	for i := n; i < len(r.staged); i++ {
		r.slots.Put(r.staged[i])
	}
	r.staged = r.staged[:n]
}

// Submit runs every consumer's Loop callback, then flushes staged entries to
// the worker pool. Returns the number of entries flushed. A submission
// failure here is fatal to the ring.
func (r *Ring) Submit() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	for _, c := range r.consumers {
		if c.Loop != nil {
			c.Loop()
		}
	}
	n := len(r.staged)
	for _, sqe := range r.staged {
		r.requests[sqe.FD%len(r.requests)] <- sqe
	}
	r.staged = r.staged[:0]
	r.inflight += n
	return n, nil
}

// Wait blocks until at least one completion is available, dispatches it and
// any further completions already reaped, and returns true. It returns false
// without blocking when nothing is in flight.
func (r *Ring) Wait() (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	if r.inflight == 0 {
		return false, nil
	}
	sqe := <-r.completions
	r.complete(sqe)
	for {
		select {
		case sqe := <-r.completions:
			r.complete(sqe)
		default:
			return true, nil
		}
	}
}

func (r *Ring) complete(sqe *SQE) {
	r.inflight--
	c := r.consumers[sqe.consumer]
	if c.HandleEvent != nil {
		c.HandleEvent(sqe)
	}
	r.slots.Put(sqe)
}

// Close stops the worker pool. In-flight submissions are completed first.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for _, ch := range r.requests {
		close(ch)
	}
	return r.eg.Wait()
}

func (r *Ring) worker(requests <-chan *SQE) error {
	for sqe := range requests {
		var n int
		var err error
		switch sqe.Op {
		case OpNop:
		case OpRead:
			n, err = pfull(sqe, unix.Pread)
		case OpWrite:
			n, err = pfull(sqe, unix.Pwrite)
		case OpFsync:
			err = unix.Fdatasync(sqe.FD)
		}
		if err != nil {
			sqe.Res = -int(errnoOf(err))
		} else {
			sqe.Res = n
		}
		r.completions <- sqe
	}
	return nil
}

// pfull retries short transfers so a completion is always all-or-error.
func pfull(sqe *SQE, xfer func(int, []byte, int64) (int, error)) (int, error) {
	done := 0
	for done < len(sqe.Buf) {
		n, err := xfer(sqe.FD, sqe.Buf[done:], sqe.Offset+int64(done))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return done, err
		}
		if n == 0 {
			return done, unix.EIO
		}
		done += n
	}
	return done, nil
}

func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
