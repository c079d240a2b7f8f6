package bdev

import (
	"context"
	"sync"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/sync/errgroup"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/pagecache"
	"github.com/yatos-project/yatos/waitqueue"
)

// Direction is a BIO entry's transfer direction.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Status is a BIO entry's lifecycle state.
type Status int

const (
	StatusNone Status = iota
	StatusSubmitted
	StatusDone
	StatusError
)

// Flag controls how Submit waits for completion.
type Flag int

const (
	FlagSync Flag = iota
	FlagAsync
)

// Entry is one BIO request entry: a single transfer targeting one page.
type Entry struct {
	req    *Request
	dir    Direction
	offset int64 // in-page offset
	length int64
	pc     *pagecache.PC
	status Status
	err    error
}

// Offset returns the entry's in-page offset.
func (e *Entry) Offset() int64 { return e.offset }

// Length returns the entry's transfer length.
func (e *Entry) Length() int64 { return e.length }

// Direction returns the entry's transfer direction.
func (e *Entry) Direction() Direction { return e.dir }

// PC returns the entry's target page.
func (e *Entry) PC() *pagecache.PC { return e.pc }

// Status returns the entry's current status.
func (e *Entry) Status() Status { return e.status }

// Err returns the entry's error, if Status is StatusError.
func (e *Entry) Err() error { return e.err }

// Request is a BIO request: a group of entries submitted together to one
// device.
type Request struct {
	dir     Direction
	flag    Flag
	waiters waitqueue.Queue

	pending []*Entry
	errored []*Entry
}

// NewRequest allocates an empty request, direction defaulting to READ.
func NewRequest() *Request {
	return &Request{dir: DirRead}
}

// SetDirection sets the request's overall direction (informational; each
// entry carries its own direction too).
func (r *Request) SetDirection(dir Direction) { r.dir = dir }

// SetFlag selects sync or async submission.
func (r *Request) SetFlag(flag Flag) { r.flag = flag }

// AddEntry builds one entry targeting pc at the given in-page offset and
// length, appended to the pending list in insertion order.
func (r *Request) AddEntry(dir Direction, pc *pagecache.PC, offset, length int64) *Entry {
	ent := &Entry{req: r, dir: dir, offset: offset, length: length, pc: pc}
	r.pending = append(r.pending, ent)
	return ent
}

// Len returns the number of pending entries.
func (r *Request) Len() int { return len(r.pending) }

// Get returns the pending entry at index i in submission order. Returns
// (nil, ENOENT) if i is out of range.
func (r *Request) Get(i int) (*Entry, error) {
	if i < 0 || i >= len(r.pending) {
		return nil, kerrno.NotFound
	}
	return r.pending[i], nil
}

// Errors returns the request's error list, entries whose strategy call
// failed.
func (r *Request) Errors() []*Entry {
	out := make([]*Entry, len(r.errored))
	copy(out, r.errored)
	return out
}

// Submit looks up devid (taking a counted reference, released on return),
// dispatches every pending entry to the device's strategy callback in
// insertion order, moving failures to the error list, and — in sync mode —
// waits for completion before returning. An unknown device fails the whole
// request with ENODEV before any entry is touched.
func (r *Request) Submit(ctx context.Context, registry *Registry, devID uint64) (retErr error) {
	ctx, report := reqtrace.StartSpan(ctx, "bdev.Request.Submit")
	defer func() { report(retErr) }()

	dev, err := registry.GetDevice(devID)
	if err != nil {
		return kerrno.NoDevice
	}
	defer registry.PutDevice(dev)

	dev.mu.Lock()
	dev.reqs = append(dev.reqs, r)
	dev.mu.Unlock()
	defer func() {
		dev.mu.Lock()
		for i, req := range dev.reqs {
			if req == r {
				dev.reqs = append(dev.reqs[:i], dev.reqs[i+1:]...)
				break
			}
		}
		dev.mu.Unlock()
	}()

	if dev.strategy == nil {
		// No strategy: every entry is dropped; nothing to wait for.
		r.pending = nil
		r.waiters.WakeupAll(waitqueue.Released)
		return nil
	}

	var mu sync.Mutex
	record := func(ent *Entry, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			ent.status = StatusError
			ent.err = err
			r.errored = append(r.errored, ent)
			return
		}
		ent.status = StatusDone
	}

	// Both modes run the strategy callback synchronously to completion
	// (there is no interrupt-driven completion signal in this port), and
	// both dispatch in strict FIFO order. Async dispatch chains a baton
	// across the dev.strategy calls themselves: entry i+1's call only
	// begins once entry i's call has returned. The baton is handed off
	// before the result of entry i is recorded, so only the per-entry
	// bookkeeping is free to overlap with entry i+1's in-flight call.
	if r.flag == FlagAsync {
		g, gctx := errgroup.WithContext(ctx)
		turn := closedChan()
		for _, ent := range r.pending {
			ent := ent
			myTurn := turn
			nextTurn := make(chan struct{})
			turn = nextTurn
			g.Go(func() error {
				<-myTurn
				ent.status = StatusSubmitted
				err := dev.strategy(gctx, ent)
				close(nextTurn)
				record(ent, err)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, ent := range r.pending {
			ent.status = StatusSubmitted
			record(ent, dev.strategy(ctx, ent))
		}
	}
	r.pending = nil
	r.waiters.WakeupAll(waitqueue.Released)

	if len(r.errored) > 0 {
		return kerrno.IO
	}
	return nil
}

// closedChan returns an already-closed channel, used as the first link in
// Submit's async dispatch baton chain so entry 0's goroutine can proceed
// immediately.
func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// Free asserts both queues are empty and wakes any waiter with
// DESTROYED.
func (r *Request) Free() error {
	if len(r.pending) != 0 || len(r.errored) != 0 {
		return kerrno.Invalid
	}
	r.waiters.WakeupAll(waitqueue.Destroyed)
	return nil
}
