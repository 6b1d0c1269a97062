package syncer

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// fanoutTask is one outbound RPC call to one peer.
type fanoutTask func()

// fanoutPool bounds the goroutines spent on outbound replication so a
// burst of mutations against slow peers cannot explode into unbounded
// concurrency. Tasks are dropped when the queue is full; a peer that
// misses a delta reconciles at its next restart, so dropping is safe,
// just counted.
type fanoutPool struct {
	workerCount int
	taskQueue   chan fanoutTask
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     int64
	logger      zerolog.Logger
}

func newFanoutPool(workerCount, queueSize int, logger zerolog.Logger) *fanoutPool {
	return &fanoutPool{
		workerCount: workerCount,
		taskQueue:   make(chan fanoutTask, queueSize),
		logger:      logger,
	}
}

// start launches the workers. The context stops them; tasks submitted
// afterwards are dropped.
func (p *fanoutPool) start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *fanoutPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskQueue:
			if task != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							p.logger.Error().
								Interface("panic_value", r).
								Str("stack_trace", string(debug.Stack())).
								Msg("Fanout worker panic recovered")
						}
					}()
					task()
				}()
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// submit enqueues a task, dropping it if the queue is full.
func (p *fanoutPool) submit(task fanoutTask) {
	select {
	case p.taskQueue <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// droppedTasks returns how many fanout calls were dropped under
// backpressure.
func (p *fanoutPool) droppedTasks() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// stop waits for the workers to exit. Call after cancelling the context.
func (p *fanoutPool) stop() {
	p.wg.Wait()
}
