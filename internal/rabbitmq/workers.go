package rabbitmq

import (
	"context"
	"sync"
	"time"
)

// WorkerMetrics observes the size of a worker pool
type WorkerMetrics interface {
	QueueWorkers(queue string, workers, busy int)
}

// workerPool runs jobs on between min and max goroutines. A job is handed
// to an idle worker when there is one; otherwise a worker is added while
// under max, and only then does submit wait. Workers above min retire after
// sitting idle for the idle timeout.
type workerPool struct {
	queue   string
	min     int
	max     int
	idle    time.Duration
	metrics WorkerMetrics

	jobs chan func()
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	workers int
	busy    int
}

func newWorkerPool(queue string, min, max int, idle time.Duration, metrics WorkerMetrics) *workerPool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &workerPool{
		queue:   queue,
		min:     min,
		max:     max,
		idle:    idle,
		metrics: metrics,
		jobs:    make(chan func()),
	}
}

func (p *workerPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.workers < p.min {
		p.spawnLocked(nil)
	}
	p.reportLocked()
}

// submit hands fn to a worker. It blocks only when max workers are busy.
func (p *workerPool) submit(ctx context.Context, fn func()) error {
	select {
	case p.jobs <- fn:
		return nil
	default:
	}

	p.mu.Lock()
	if p.workers < p.max {
		p.spawnLocked(fn)
		p.reportLocked()
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	select {
	case p.jobs <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop lets running jobs finish and ends every worker
func (p *workerPool) stop() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

func (p *workerPool) stats() (workers, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers, p.busy
}

// spawnLocked starts a worker, optionally with its first job. Caller holds mu.
func (p *workerPool) spawnLocked(first func()) {
	p.workers++
	if first != nil {
		p.busy++
	}
	p.wg.Add(1)
	go p.work(first)
}

func (p *workerPool) work(first func()) {
	defer p.wg.Done()

	if first != nil {
		p.run(first, true)
	}

	timer := time.NewTimer(p.idle)
	defer timer.Stop()

	for {
		select {
		case fn, ok := <-p.jobs:
			if !ok {
				p.exit()
				return
			}
			p.run(fn, false)
		case <-timer.C:
			if p.retire() {
				return
			}
		}
		timer.Reset(p.idle)
	}
}

func (p *workerPool) run(fn func(), counted bool) {
	if !counted {
		p.mu.Lock()
		p.busy++
		p.reportLocked()
		p.mu.Unlock()
	}

	defer func() {
		p.mu.Lock()
		p.busy--
		p.reportLocked()
		p.mu.Unlock()
	}()
	fn()
}

func (p *workerPool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers <= p.min {
		return false
	}
	p.workers--
	p.reportLocked()
	return true
}

func (p *workerPool) exit() {
	p.mu.Lock()
	p.workers--
	p.reportLocked()
	p.mu.Unlock()
}

func (p *workerPool) reportLocked() {
	if p.metrics != nil {
		p.metrics.QueueWorkers(p.queue, p.workers, p.busy)
	}
}
