package main

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one unit of offloaded work, typically a single connection's
// command execution.
type Task func()

// ThreadPool is a bounded, elastic worker pool: it keeps LowWatermark
// goroutines warm at all times, grows up to HighWater when every worker is
// busy, and lets any worker spawned above the low watermark shrink back
// out after IdleTime of inactivity.
type ThreadPool struct {
	cfg PoolConfig
	log *logrus.Entry

	mu         sync.Mutex
	notify     chan struct{} // closed and replaced on every state change a waiter cares about
	queue      []Task
	count      int // live worker goroutines
	busy       int
	stopped    bool
	done       chan struct{}
	doneClosed bool
}

// NewThreadPool builds a pool and immediately spawns LowWatermark workers.
func NewThreadPool(cfg PoolConfig, log *logrus.Entry) *ThreadPool {
	p := &ThreadPool{
		cfg:    cfg,
		log:    log,
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.LowWatermark; i++ {
		p.count++
		go p.worker()
	}
	return p
}

// wake closes and replaces the notify channel, releasing every worker
// currently blocked in a select on it. Caller must hold p.mu.
func (p *ThreadPool) wake() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Execute enqueues task for a worker to run. It returns false, without
// running task, if the pool has been stopped or the queue is already at
// MaxQueueSize. A new worker is spawned, up to HighWater, whenever every
// existing worker is currently busy.
func (p *ThreadPool) Execute(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	if len(p.queue) >= p.cfg.MaxQueueSize {
		return false
	}

	p.queue = append(p.queue, task)
	if p.busy >= p.count && p.count < p.cfg.HighWater {
		p.count++
		go p.worker()
	}
	p.wake()
	return true
}

// Stop stops accepting new tasks. If await is true, Stop blocks until every
// worker has drained the queue and exited; queued tasks are always
// eventually run either way — await only governs whether Stop itself
// blocks for that to finish. A queued task is never dropped regardless of
// the await flag.
func (p *ThreadPool) Stop(await bool) {
	p.mu.Lock()
	p.stopped = true
	p.wake()
	// If no worker is currently alive, none will ever reach the count==0
	// branch in worker() to close done, since that branch only runs from
	// inside a worker goroutine. That happens whenever LowWatermark is 0
	// and Execute was never called, or every worker above the watermark has
	// already idle-shrunk away. Close it here instead, under the same lock
	// that guards every other count==0 transition, so it's still closed
	// exactly once.
	if p.count == 0 && !p.doneClosed {
		p.doneClosed = true
		close(p.done)
	}
	p.mu.Unlock()

	if await {
		<-p.done
	}
}

func (p *ThreadPool) worker() {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue = p.queue[1:]
			p.busy++
			p.mu.Unlock()

			task()

			p.mu.Lock()
			p.busy--
			p.mu.Unlock()
			continue
		}

		if p.stopped {
			p.count--
			last := p.count == 0 && !p.doneClosed
			if last {
				p.doneClosed = true
			}
			p.mu.Unlock()
			if last {
				close(p.done)
			}
			return
		}

		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ch:
		case <-time.After(p.cfg.IdleTime):
			p.mu.Lock()
			if len(p.queue) == 0 && !p.stopped && p.count > p.cfg.LowWatermark {
				p.count--
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		}
	}
}
