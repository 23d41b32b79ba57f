package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/fts"
)

// DefaultCapacity is the request queue length.
const DefaultCapacity = 1000

var (
	// ErrWorkerTerminated is returned once the worker died on a job fault.
	// The owning session must be discarded.
	ErrWorkerTerminated = errors.New("channel: storage worker terminated")

	// ErrClosed is returned for jobs submitted after Close.
	ErrClosed = errors.New("channel: handler closed")
)

// Factory builds the true directory. It runs on the worker goroutine.
type Factory func() (fts.Directory, error)

type response struct {
	val any
	err error
}

type request struct {
	op   string
	exec func(fts.Directory) (any, error)
	resp chan response
	stop bool
}

type options struct {
	capacity int
	logger   *paradedb.Logger
	metrics  paradedb.MetricsCollector
}

// Option configures a Handler.
type Option func(*options)

// WithCapacity sets the request queue length.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithLogger sets the logger used for worker faults.
func WithLogger(l *paradedb.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the collector notified after every job.
func WithMetrics(m paradedb.MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Handler is a bounded request queue served by one storage worker.
type Handler struct {
	reqs    chan request
	done    chan struct{}
	logger  *paradedb.Logger
	metrics paradedb.MetricsCollector

	mu       sync.Mutex
	exitErr  error
	closeErr error

	closeOnce sync.Once
}

// NewHandler starts the worker and waits until factory has built the
// directory on it.
func NewHandler(factory Factory, opts ...Option) (*Handler, error) {
	o := options{
		capacity: DefaultCapacity,
		logger:   paradedb.NoopLogger(),
		metrics:  paradedb.NoopMetricsCollector{},
	}
	for _, fn := range opts {
		fn(&o)
	}

	h := &Handler{
		reqs:    make(chan request, o.capacity),
		done:    make(chan struct{}),
		logger:  o.logger,
		metrics: o.metrics,
	}
	ready := make(chan error, 1)
	go h.run(factory, ready)
	if err := <-ready; err != nil {
		<-h.done
		return nil, err
	}
	return h, nil
}

func (h *Handler) run(factory Factory, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(h.done)

	dir, err := factory()
	if err != nil {
		h.setExit(err)
		ready <- err
		return
	}
	ready <- nil

	for req := range h.reqs {
		if req.stop {
			h.setExit(ErrClosed)
			break
		}
		resp, fault := h.execute(dir, req)
		req.resp <- resp
		if fault != nil {
			h.setExit(fault)
			break
		}
	}

	if c, ok := dir.(io.Closer); ok {
		if err := c.Close(); err != nil {
			h.mu.Lock()
			h.closeErr = err
			h.mu.Unlock()
		}
	}
}

func (h *Handler) execute(dir fts.Directory, req request) (resp response, fault error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Errorf("%w: %s: %v", ErrWorkerTerminated, req.op, r)
			resp = response{err: fault}
			h.logger.Error("storage worker fault", "op", req.op, "panic", r)
		}
		h.metrics.RecordStorageJob(req.op, time.Since(start), resp.err)
	}()
	resp.val, resp.err = req.exec(dir)
	return resp, nil
}

func (h *Handler) setExit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitErr == nil {
		h.exitErr = err
	}
}

func (h *Handler) exit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitErr == nil {
		return ErrClosed
	}
	return h.exitErr
}

// Err returns the reason the worker stopped, or nil while it is running.
func (h *Handler) Err() error {
	select {
	case <-h.done:
		return h.exit()
	default:
		return nil
	}
}

func (h *Handler) submit(ctx context.Context, op string, exec func(fts.Directory) (any, error)) (any, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	resp := make(chan response, 1)
	select {
	case h.reqs <- request{op: op, exec: exec, resp: resp}:
	case <-h.done:
		return nil, h.exit()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.val, r.err
	case <-h.done:
		select {
		case r := <-resp:
			return r.val, r.err
		default:
			return nil, h.exit()
		}
	}
}

// SubmitAndWait runs fn on the worker and blocks for its result. Jobs run
// one at a time in the order the worker dequeues them.
func SubmitAndWait[T any](ctx context.Context, h *Handler, op string, fn func(fts.Directory) (T, error)) (T, error) {
	v, err := h.submit(ctx, op, func(d fts.Directory) (any, error) {
		return fn(d)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Close stops the worker after it has run every job queued before the call,
// then closes the directory if it implements io.Closer. It returns the
// worker fault or the directory close error, if any.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		select {
		case h.reqs <- request{stop: true}:
		case <-h.done:
		}
	})
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitErr != nil && !errors.Is(h.exitErr, ErrClosed) {
		return h.exitErr
	}
	return h.closeErr
}
