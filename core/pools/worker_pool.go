package pools

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sys/cpu"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool closed")

// MinWorkers is the floor applied to the default worker count.
const MinWorkers = 2

// Task represents a unit of work
type Task func()

// WorkerPool runs submitted tasks on a fixed set of goroutines.
//
// Submit never blocks: tasks go into an unbounded FIFO backlog and a
// dispatcher hands them one at a time to whichever worker is idle.
type WorkerPool struct {
	numWorkers int

	mu      sync.Mutex
	backlog *queue.Queue
	closed  bool

	signal chan struct{}
	tasks  chan Task
	stop   chan struct{}

	dispatcherDone chan struct{}
	workers        sync.WaitGroup

	onPanic func(any)

	// Statistics, padded so the hot counters do not share a cache line.
	stats struct {
		tasksSubmitted atomic.Uint64
		_              cpu.CacheLinePad
		tasksCompleted atomic.Uint64
		_              cpu.CacheLinePad
		tasksDropped   atomic.Uint64
		panics         atomic.Uint64
	}
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPanicHandler is called with the recovered value when a task panics.
func WithPanicHandler(fn func(any)) PoolOption {
	return func(p *WorkerPool) { p.onPanic = fn }
}

// NewWorkerPool starts numWorkers workers. numWorkers <= 0 selects
// runtime.NumCPU(), never fewer than MinWorkers.
func NewWorkerPool(numWorkers int, opts ...PoolOption) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers < MinWorkers {
			numWorkers = MinWorkers
		}
	}

	pool := &WorkerPool{
		numWorkers:     numWorkers,
		backlog:        queue.New(),
		signal:         make(chan struct{}, 1),
		tasks:          make(chan Task),
		stop:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pool)
	}

	pool.workers.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.worker()
	}
	go pool.dispatch()

	return pool
}

// Submit enqueues a task. It fails with ErrPoolClosed once Shutdown has
// been called.
func (p *WorkerPool) Submit(task Task) error {
	if task == nil {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.backlog.Add(task)
	p.mu.Unlock()

	p.stats.tasksSubmitted.Add(1)

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

// dispatch moves tasks from the backlog to idle workers in FIFO order.
func (p *WorkerPool) dispatch() {
	defer close(p.dispatcherDone)
	defer close(p.tasks)

	for {
		p.mu.Lock()
		if p.backlog.Length() == 0 {
			p.mu.Unlock()
			select {
			case <-p.signal:
				continue
			case <-p.stop:
				return
			}
		}
		task := p.backlog.Remove().(Task)
		p.mu.Unlock()

		select {
		case p.tasks <- task:
		case <-p.stop:
			p.stats.tasksDropped.Add(1)
			return
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.workers.Done()

	for task := range p.tasks {
		p.run(task)
	}
}

func (p *WorkerPool) run(task Task) {
	defer func() {
		p.stats.tasksCompleted.Add(1)
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
	}()
	task()
}

// Shutdown stops accepting work, drops tasks that are still queued, and
// waits for tasks already handed to a worker to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	<-p.dispatcherDone

	p.mu.Lock()
	p.stats.tasksDropped.Add(uint64(p.backlog.Length()))
	for p.backlog.Length() > 0 {
		p.backlog.Remove()
	}
	p.mu.Unlock()

	p.workers.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	p.mu.Lock()
	pending := p.backlog.Length()
	p.mu.Unlock()

	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		TasksDropped:   p.stats.tasksDropped.Load(),
		TasksPending:   uint64(pending),
		Panics:         p.stats.panics.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksDropped   uint64
	TasksPending   uint64
	Panics         uint64
}
