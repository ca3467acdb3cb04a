package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ctrlnet/segmentd/pkg/errdefs"
	"github.com/ctrlnet/segmentd/pkg/log"
	"github.com/ctrlnet/segmentd/pkg/metrics"
)

// Task is one blocking call against the external system
type Task func(ctx context.Context) (interface{}, error)

// outcome carries a finished task's result back to its submitter
type outcome struct {
	value interface{}
	err   error
}

// job is a queued task plus its reply channel. The reply channel is
// buffered so a worker never blocks on a submitter that gave up; the
// result is simply discarded.
type job struct {
	name   string
	fn     Task
	result chan outcome
}

// Pool is a bounded worker pool. The worker count is the concurrency bound;
// the queue adds a little slack before Submit exerts backpressure.
type Pool struct {
	name    string
	workers int
	timeout time.Duration
	jobs    chan *job
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a pool with the given worker count and per-call timeout
func NewPool(name string, workers int, timeout time.Duration) *Pool {
	return &Pool{
		name:    name,
		workers: workers,
		timeout: timeout,
		jobs:    make(chan *job, workers),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop stops accepting work and waits for in-flight calls to finish
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Submit queues fn and waits for its result. If ctx ends while the call is
// queued or in flight, Submit returns immediately and the eventual result
// is discarded; the external call itself is not aborted.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) (interface{}, error) {
	j := &job{name: name, fn: fn, result: make(chan outcome, 1)}

	metrics.PoolQueueDepth.WithLabelValues(p.name).Inc()
	select {
	case p.jobs <- j:
		metrics.PoolQueueDepth.WithLabelValues(p.name).Dec()
	case <-ctx.Done():
		metrics.PoolQueueDepth.WithLabelValues(p.name).Dec()
		return nil, ctx.Err()
	case <-p.stopCh:
		metrics.PoolQueueDepth.WithLabelValues(p.name).Dec()
		return nil, errdefs.Transient("%s pool shutting down", p.name)
	}

	select {
	case out := <-j.result:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		// Workers may exit with this job still queued; without this case a
		// submitter with a non-cancellable context would wait forever.
		return nil, errdefs.Transient("%s pool shutting down", p.name)
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	logger := log.WithComponent("executor")

	for {
		select {
		case j := <-p.jobs:
			metrics.PoolInFlight.WithLabelValues(p.name).Inc()
			start := time.Now()

			// The call runs under the pool timeout, detached from the
			// submitter's context: an abandoned submitter must not abort
			// an external call already dispatched.
			callCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
			value, err := j.fn(callCtx)
			cancel()

			elapsed := time.Since(start)
			switch {
			case err == nil:
				metrics.ExternalCallDuration.WithLabelValues(p.name, "ok").Observe(elapsed.Seconds())
			case errors.Is(err, context.DeadlineExceeded):
				metrics.ExternalCallDuration.WithLabelValues(p.name, "timeout").Observe(elapsed.Seconds())
				err = errdefs.TransientWrap(err, fmt.Sprintf("%s timed out after %s", j.name, p.timeout))
				logger.Warn().Str("pool", p.name).Str("call", j.name).Dur("timeout", p.timeout).Msg("external call timed out")
			default:
				metrics.ExternalCallDuration.WithLabelValues(p.name, "error").Observe(elapsed.Seconds())
			}
			metrics.PoolInFlight.WithLabelValues(p.name).Dec()

			j.result <- outcome{value: value, err: err}

		case <-p.stopCh:
			return
		}
	}
}

// Partition isolates reads from writes against the external system. Writes
// are slower over there and must not starve reads; both pools are bounded so
// the external system never sees unbounded concurrent calls from us.
type Partition struct {
	read  *Pool
	write *Pool
}

// NewPartition creates the read and write pools
func NewPartition(readWorkers, writeWorkers int, callTimeout time.Duration) *Partition {
	return &Partition{
		read:  NewPool("read", readWorkers, callTimeout),
		write: NewPool("write", writeWorkers, callTimeout),
	}
}

// Start starts both pools
func (p *Partition) Start() {
	p.read.Start()
	p.write.Start()
}

// Stop stops both pools
func (p *Partition) Stop() {
	p.read.Stop()
	p.write.Stop()
}

// SubmitRead dispatches a read call to the read pool
func (p *Partition) SubmitRead(ctx context.Context, name string, fn Task) (interface{}, error) {
	return p.read.Submit(ctx, name, fn)
}

// SubmitWrite dispatches a mutating call to the write pool
func (p *Partition) SubmitWrite(ctx context.Context, name string, fn Task) (interface{}, error) {
	return p.write.Submit(ctx, name, fn)
}
