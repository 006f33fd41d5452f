package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VanDung-dev/FAIC-Node/wire"
)

// Dispatcher errors
var (
	ErrDispatcherBusy    = errors.New("node busy")
	ErrDispatcherStopped = errors.New("dispatcher is shut down")
	errNoResponse        = errors.New("handler returned no response")
)

// RequestHandler answers application requests (everything except GetNodeInfo and
// FindPeers, which the node answers itself). Returning an error sends an ErrorResponse.
type RequestHandler interface {
	HandleRequest(ctx context.Context, from peer.ID, req wire.Request) (wire.Response, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, from peer.ID, req wire.Request) (wire.Response, error)

// HandleRequest calls f.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, from peer.ID, req wire.Request) (wire.Response, error) {
	return f(ctx, from, req)
}

// inboundTask is an application request waiting for a worker.
type inboundTask struct {
	CorrelationID string
	From          peer.ID
	Request       wire.Request
	ReceivedAt    time.Time
}

// inboundResult carries the answer back to the event loop.
type inboundResult struct {
	CorrelationID string
	To            peer.ID
	Response      wire.Response
	Err           error
	Duration      time.Duration
	WorkerID      int
}

// DispatcherStats contains dispatcher statistics.
type DispatcherStats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Pending   int   `json:"pending"`
}

// Dispatcher runs inbound application requests on a bounded pool of workers so that a
// slow handler never blocks the event loop.
type Dispatcher struct {
	workers    int
	handler    RequestHandler
	timeout    time.Duration
	taskChan   chan *inboundTask
	resultChan chan *inboundResult
	wg         sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64
	rejected  int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewDispatcher creates a dispatcher with the given number of workers and queue size.
// Each handler call is bounded by timeout.
func NewDispatcher(handler RequestHandler, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		workers:    workers,
		handler:    handler,
		timeout:    timeout,
		taskChan:   make(chan *inboundTask, queueSize),
		resultChan: make(chan *inboundResult, queueSize+workers),
		ctx:        ctx,
		cancel:     cancel,
		running:    true,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case task, ok := <-d.taskChan:
			if !ok {
				return
			}
			d.process(id, task)
		}
	}
}

func (d *Dispatcher) process(workerID int, task *inboundTask) {
	atomic.AddInt64(&d.active, 1)
	defer atomic.AddInt64(&d.active, -1)

	start := time.Now()
	result := &inboundResult{
		CorrelationID: task.CorrelationID,
		To:            task.From,
		WorkerID:      workerID,
	}

	// A panicking handler still owes the peer an answer.
	defer func() {
		if r := recover(); r != nil {
			result.Response = nil
			result.Err = fmt.Errorf("panic in request handler: %v", r)
			result.Duration = time.Since(start)
			atomic.AddInt64(&d.failed, 1)
			d.sendResult(result)
		}
	}()

	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(d.ctx, d.timeout)
		defer cancel()
	}

	if d.handler == nil {
		result.Err = fmt.Errorf("no handler for %T", task.Request)
	} else {
		result.Response, result.Err = d.handler.HandleRequest(ctx, task.From, task.Request)
		if result.Response == nil && result.Err == nil {
			log.Errorf("request handler returned neither response nor error for %T from %s", task.Request, task.From)
			result.Err = errNoResponse
		}
	}

	result.Duration = time.Since(start)
	if result.Err == nil {
		atomic.AddInt64(&d.completed, 1)
	} else {
		atomic.AddInt64(&d.failed, 1)
	}

	d.sendResult(result)
}

// sendResult hands the result to the loop. It only gives up on shutdown.
func (d *Dispatcher) sendResult(result *inboundResult) {
	select {
	case d.resultChan <- result:
	case <-d.ctx.Done():
	}
}

// Submit queues a task without blocking.
func (d *Dispatcher) Submit(task *inboundTask) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return ErrDispatcherStopped
	}

	select {
	case d.taskChan <- task:
		return nil
	default:
		atomic.AddInt64(&d.rejected, 1)
		return ErrDispatcherBusy
	}
}

// Results returns the channel the event loop consumes.
func (d *Dispatcher) Results() <-chan *inboundResult {
	return d.resultChan
}

// GetStats returns current dispatcher statistics.
func (d *Dispatcher) GetStats() DispatcherStats {
	return DispatcherStats{
		Workers:   d.workers,
		Active:    atomic.LoadInt64(&d.active),
		Completed: atomic.LoadInt64(&d.completed),
		Failed:    atomic.LoadInt64(&d.failed),
		Rejected:  atomic.LoadInt64(&d.rejected),
		Pending:   len(d.taskChan),
	}
}

// Shutdown stops the workers and waits for them. Queued tasks are discarded.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.taskChan)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
