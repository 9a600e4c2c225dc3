package channel

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collections/telemetry"
)

var (
	ErrQueueFull = errors.New("channel: dispatch queue is full")
	ErrStopped   = errors.New("channel: dispatcher stopped")
)

// Delivery results reported to telemetry.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// Result is reported once per dequeued message.
type Result struct {
	Message    Message
	DeliveryID string
	Err        error
}

// Options configures a Dispatcher.
type Options struct {
	RPS       float64
	Burst     int
	Workers   int
	QueueSize int
	Logger    *zap.Logger
	Recorder  *telemetry.Recorder
	// OnResult runs on the worker goroutine after each delivery attempt.
	OnResult func(ctx context.Context, r Result)
}

// Dispatcher sends queued messages on a fixed worker pool, throttled by a
// shared token bucket. Failed deliveries are reported, never retried.
type Dispatcher struct {
	sender   Sender
	limiter  *rate.Limiter
	queue    chan Message
	workers  int
	onResult func(ctx context.Context, r Result)
	logger   *zap.Logger
	rec      *telemetry.Recorder

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		queue:    make(chan Message, opts.QueueSize),
		workers:  opts.Workers,
		onResult: opts.OnResult,
		logger:   logger,
		rec:      telemetry.OrNoop(opts.Recorder),
	}
}

// Start launches the workers. Cancelling ctx aborts deliveries still waiting on the limiter.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(runCtx)
	}
}

// Enqueue queues msg without blocking.
func (d *Dispatcher) Enqueue(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new messages and waits for the queue to drain. If ctx ends
// first, pending deliveries are abandoned and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(ctx, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	res := Result{Message: msg}
	if err := d.limiter.Wait(ctx); err != nil {
		res.Err = err
		d.rec.Dispatched(ctx, ResultDropped)
		d.logger.Warn("message dropped", zap.String("case_id", msg.CaseID), zap.Error(err))
		d.report(ctx, res)
		return
	}

	res.DeliveryID, res.Err = d.sender.Send(ctx, msg.Channel, msg.CaseID, msg.Body)
	if res.Err != nil {
		d.rec.Dispatched(ctx, ResultFailed)
		d.logger.Warn("message delivery failed",
			zap.String("case_id", msg.CaseID),
			zap.String("channel", string(msg.Channel)),
			zap.Error(res.Err),
		)
	} else {
		d.rec.Dispatched(ctx, ResultSent)
	}
	d.report(ctx, res)
}

func (d *Dispatcher) report(ctx context.Context, res Result) {
	if d.onResult == nil {
		return
	}
	// The run context may already be cancelled; reporting must still land.
	d.onResult(context.WithoutCancel(ctx), res)
}
