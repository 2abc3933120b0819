package client

import (
	"context"
	"sync"
	"time"

	"github.com/moby/otlpexport/util/arena"
	"github.com/pkg/errors"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// AsyncCompletion receives the outcome of one asynchronous export. It
// runs exactly once, on a dispatcher goroutine, before the export is
// considered resolved for drain purposes.
type AsyncCompletion func(err error, req *coltracepb.ExportTraceServiceRequest, resp *coltracepb.ExportTraceServiceResponse)

type task struct {
	stub       coltracepb.TraceServiceClient
	arena      *arena.Arena
	req        *coltracepb.ExportTraceServiceRequest
	timeout    time.Duration
	completion AsyncCompletion
	endSend    func()
}

// dispatcher runs a fixed pool of workers over a bounded queue. It is
// created once per client when MaxConcurrentRequests exceeds one.
type dispatcher struct {
	client *Client
	tasks  chan *task
	policy QueuePolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	stopOnce sync.Once
}

func newDispatcher(c *Client, opts Options) *dispatcher {
	ctx, cancel := context.WithCancel(c.baseCtx)
	d := &dispatcher{
		client: c,
		tasks:  make(chan *task, opts.QueueSize),
		policy: opts.QueuePolicy,
		ctx:    ctx,
		cancel: cancel,
	}
	d.wg.Add(opts.MaxConcurrentRequests)
	for i := 0; i < opts.MaxConcurrentRequests; i++ {
		go d.worker()
	}
	return d
}

// DelegateAsyncExport admits one export into the bounded dispatch
// queue and returns as soon as admission is decided. On success the
// completion runs exactly once when the call resolves. On error the
// completion never runs and the arena is released here. ctx only
// bounds the admission wait under the QueueBlock policy; the call
// itself is bounded by opts.Timeout against the client's base context
// so shutdown can cancel it.
func (c *Client) DelegateAsyncExport(ctx context.Context, opts Options, stub coltracepb.TraceServiceClient, a *arena.Arena, req *coltracepb.ExportTraceServiceRequest, completion AsyncCompletion) error {
	if c.dispatcher == nil {
		releaseArena(a)
		return errors.New("asynchronous dispatch is not configured")
	}
	endSend, err := c.beginSend()
	if err != nil {
		releaseArena(a)
		return err
	}
	t := &task{
		stub:       stub,
		arena:      a,
		req:        req,
		timeout:    opts.Timeout,
		completion: completion,
		endSend:    endSend,
	}
	if err := c.dispatcher.submit(ctx, t); err != nil {
		endSend()
		releaseArena(a)
		return err
	}
	return nil
}

// submit places t on the queue according to the admission policy. The
// read lock excludes the stop transition, so a task admitted here is
// guaranteed to be picked up by a worker or swept by stop.
func (d *dispatcher) submit(ctx context.Context, t *task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.WithStack(ErrClientShutdown)
	}
	if d.policy == QueueBlock {
		select {
		case d.tasks <- t:
			return nil
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-d.ctx.Done():
			return errors.WithStack(ErrClientShutdown)
		}
	}
	select {
	case d.tasks <- t:
		return nil
	default:
		return errors.WithStack(ErrQueueFull)
	}
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case t := <-d.tasks:
			d.run(t)
		case <-d.ctx.Done():
			// Fail whatever is still queued so every admitted
			// export resolves.
			for {
				select {
				case t := <-d.tasks:
					d.fail(t, ErrClientShutdown)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) run(t *task) {
	ctx, cancel := d.client.MakeClientContext(d.ctx, t.timeout)
	resp, err := t.stub.Export(ctx, t.req)
	cancel()
	if err != nil {
		err = errors.Wrap(err, "failed to export spans")
	}
	d.finish(t, resp, err)
}

func (d *dispatcher) fail(t *task, cause error) {
	d.finish(t, nil, errors.WithStack(cause))
}

// finish resolves one task: completion first, then the arena, then the
// in-flight record. Drains observe the task only after its outcome has
// been fully handled.
func (d *dispatcher) finish(t *task, resp *coltracepb.ExportTraceServiceResponse, err error) {
	defer t.endSend()
	if t.completion != nil {
		t.completion(err, t.req, resp)
	}
	releaseArena(t.arena)
}

// stop refuses further admissions, cancels in-flight calls, waits for
// the workers and sweeps anything left on the queue. Idempotent.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.cancel()
		d.wg.Wait()
		for {
			select {
			case t := <-d.tasks:
				d.fail(t, ErrClientShutdown)
			default:
				return
			}
		}
	})
}
