// Package client implements the shared gRPC client used by trace
// exporters. One client owns at most one connection to a collector and
// coordinates every exporter referencing it: live reference counting,
// bounded asynchronous dispatch, point-in-time drains and a one-time
// shutdown transition that resolves all outstanding work.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/otlpexport/util/arena"
	"github.com/moby/otlpexport/util/log"
	"github.com/pkg/errors"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

var (
	// ErrClientShutdown is returned for sends attempted after the
	// client refused new work.
	ErrClientShutdown = errors.New("exporter client is shutdown")

	// ErrQueueFull is returned when asynchronous admission is
	// rejected under the QueueReject policy.
	ErrQueueFull = errors.New("export queue is full")

	// ErrNoTransport is returned when a stub is requested from a
	// client that owns no connection.
	ErrNoTransport = errors.New("client has no transport configured")
)

var guardID atomic.Uint64

// Guard proves that one exporter holds a live reference to a shared
// client. Register it with AddReference exactly once and hand it back
// through Shutdown or RemoveReference exactly once.
type Guard struct {
	id atomic.Uint64
}

// Client mediates access to one collector connection shared by any
// number of exporters. The zero value is not usable; construct with
// New, NewWithConn or NewStubOnly.
type Client struct {
	opts Options

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	conn     *grpc.ClientConn
	external bool
	guards   map[*Guard]struct{}
	closed   bool
	inflight map[uint64]chan struct{}
	nextID   uint64

	dispatcher *dispatcher
}

// New builds a client owning a lazily established connection to
// opts.Endpoint. No traffic flows until the first export call.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	conn, err := grpc.NewClient(opts.Endpoint, opts.dialOptions()...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to configure collector connection to %s", opts.Endpoint)
	}
	return newClient(opts, conn, false), nil
}

// NewWithConn wraps an externally owned connection. The client never
// closes it.
func NewWithConn(conn *grpc.ClientConn, opts Options) *Client {
	return newClient(opts.withDefaults(), conn, true)
}

// NewStubOnly builds a client that coordinates lifecycle and
// concurrency for externally supplied service stubs. It owns no
// transport, so MakeTraceServiceStub fails with ErrNoTransport.
func NewStubOnly(opts Options) *Client {
	return newClient(opts.withDefaults(), nil, true)
}

func newClient(opts Options, conn *grpc.ClientConn, external bool) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:       opts,
		baseCtx:    ctx,
		baseCancel: cancel,
		conn:       conn,
		external:   external,
		guards:     map[*Guard]struct{}{},
		inflight:   map[uint64]chan struct{}{},
	}
	if opts.MaxConcurrentRequests > 1 {
		c.dispatcher = newDispatcher(c, opts)
	}
	return c
}

// AddReference registers g as a live holder of the client. Each guard
// registers at most once in its lifetime.
func (c *Client) AddReference(g *Guard) error {
	if g == nil {
		return errors.New("nil reference guard")
	}
	if !g.id.CompareAndSwap(0, guardID.Add(1)) {
		return errors.New("reference guard is already registered")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.WithStack(ErrClientShutdown)
	}
	c.guards[g] = struct{}{}
	return nil
}

// RemoveReference drops g without waiting for in-flight work. When the
// last reference leaves this way the transport is released in the
// background with no flush guarantee. Unknown guards are ignored.
func (c *Client) RemoveReference(ctx context.Context, g *Guard) {
	c.mu.Lock()
	if _, ok := c.guards[g]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.guards, g)
	last := len(c.guards) == 0
	if last {
		c.closed = true
	}
	c.mu.Unlock()
	if !last {
		return
	}
	go func() {
		if c.dispatcher != nil {
			c.dispatcher.stop()
		}
		c.release(ctx)
	}()
}

// Shutdown hands back g and, when it was the last live reference,
// drives the teardown: refuse new sends, wait up to timeout for
// in-flight exports to resolve, cancel whatever remains and release
// the transport. Calling it again for the same guard, or while other
// references stay live, is a no-op returning true. The result reports
// whether the drain finished inside the timeout.
func (c *Client) Shutdown(ctx context.Context, g *Guard, timeout time.Duration) bool {
	c.mu.Lock()
	if _, ok := c.guards[g]; !ok {
		c.mu.Unlock()
		return true
	}
	delete(c.guards, g)
	if len(c.guards) > 0 {
		c.mu.Unlock()
		return true
	}
	c.closed = true
	c.mu.Unlock()

	drained := c.drain(ctx, timeout)
	if !drained {
		log.G(ctx).Warnf("client shutdown timed out after %s waiting for in-flight exports", timeout)
	}
	// Resolve stragglers before the transport goes away. Completions
	// never fire after this returns.
	if c.dispatcher != nil {
		c.dispatcher.stop()
	}
	c.release(ctx)
	return drained
}

// ForceFlush waits up to timeout for the exports outstanding at the
// time of the call. It is a point-in-time drain: sends admitted later
// are not waited for, and in-flight calls are never cancelled.
func (c *Client) ForceFlush(ctx context.Context, timeout time.Duration) bool {
	return c.drain(ctx, timeout)
}

// References reports the number of live reference guards.
func (c *Client) References() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.guards)
}

// Context returns the client's base context. Asynchronous work derives
// per-call contexts from it so shutdown can resolve stragglers by
// cancellation.
func (c *Client) Context() context.Context {
	return c.baseCtx
}

// DelegateExport issues one blocking export call on the caller's
// goroutine. Ownership of a and req transfers in; both are dead once
// the call returns.
func (c *Client) DelegateExport(ctx context.Context, stub coltracepb.TraceServiceClient, a *arena.Arena, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	endSend, err := c.beginSend()
	if err != nil {
		releaseArena(a)
		return nil, err
	}
	defer endSend()
	defer releaseArena(a)
	resp, err := stub.Export(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to export spans")
	}
	return resp, nil
}

// MakeTraceServiceStub constructs a collector stub over the owned
// connection.
func (c *Client) MakeTraceServiceStub() (coltracepb.TraceServiceClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.WithStack(ErrClientShutdown)
	}
	if c.conn == nil {
		return nil, errors.WithStack(ErrNoTransport)
	}
	return coltracepb.NewTraceServiceClient(c.conn), nil
}

// MakeClientContext derives a per-call context from parent carrying
// the configured headers and bounded by timeout. A zero timeout falls
// back to the client default.
func (c *Client) MakeClientContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if len(c.opts.Headers) > 0 {
		kv := make([]string, 0, len(c.opts.Headers)*2)
		for k, v := range c.opts.Headers {
			kv = append(kv, k, v)
		}
		parent = metadata.AppendToOutgoingContext(parent, kv...)
	}
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	return context.WithTimeout(parent, timeout)
}

// beginSend admits one export and returns the function resolving it.
// The returned function must run exactly once, after the export's
// outcome has been fully handled.
func (c *Client) beginSend() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.WithStack(ErrClientShutdown)
	}
	c.nextID++
	id := c.nextID
	done := make(chan struct{})
	c.inflight[id] = done
	return func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		close(done)
	}, nil
}

// drain waits for the sends in flight right now. Later admissions are
// not part of the snapshot.
func (c *Client) drain(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	c.mu.Lock()
	pending := make([]chan struct{}, 0, len(c.inflight))
	for _, done := range c.inflight {
		pending = append(pending, done)
	}
	c.mu.Unlock()
	if len(pending) == 0 {
		return true
	}
	log.G(ctx).Debugf("waiting for %d in-flight export(s)", len(pending))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, done := range pending {
		select {
		case <-done:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// release cancels the base context and closes an owned connection.
// Safe to call more than once.
func (c *Client) release(ctx context.Context) {
	c.baseCancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	external := c.external
	c.mu.Unlock()
	if conn == nil || external {
		return
	}
	if err := conn.Close(); err != nil {
		log.G(ctx).WithError(err).Warn("failed to close collector connection")
	}
}

func releaseArena(a *arena.Arena) {
	if a != nil {
		a.Release()
	}
}
