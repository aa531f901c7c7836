package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Engine owns the listening socket and whichever reactor topology the
// configuration selects. Start/Stop are the only methods the rest of the
// program needs: the topology difference is entirely internal.
type Engine struct {
	listenFd int
	stop     chan struct{}
	reactors []*Reactor
	log      *logrus.Entry
}

// NewSingleReactorEngine runs one reactor that owns the listener and every
// accepted connection on a single goroutine. The LRU store backing ex does
// not need synchronisation under this topology as long as pool is nil; with
// a pool, its workers call into the store from their own goroutines. pool
// is optional: pass nil to execute every command inline on the reactor
// goroutine.
func NewSingleReactorEngine(listenFd int, ex *Executor, stats *Stats, pool *ThreadPool, log *logrus.Entry) (*Engine, error) {
	r, err := NewReactor(0, ex, stats, log.WithField("reactor", 0))
	if err != nil {
		return nil, err
	}
	r.pool = pool
	if err := r.AddListener(listenFd); err != nil {
		return nil, errors.Wrap(err, "register listener")
	}
	return &Engine{
		listenFd: listenFd,
		stop:     make(chan struct{}),
		reactors: []*Reactor{r},
		log:      log,
	}, nil
}

// NewMultiReactorEngine runs a dedicated acceptor reactor plus workerCount
// worker reactors, handing each newly accepted connection to the next
// worker in round-robin order; a connection's owning worker never changes
// afterward. The store backing ex must be safe for concurrent use — the
// caller is expected to pass a SynchronizedLRU-backed Executor here. pool
// is optional: pass nil to execute every command inline on the owning
// worker's goroutine.
func NewMultiReactorEngine(listenFd int, workerCount int, ex *Executor, stats *Stats, pool *ThreadPool, log *logrus.Entry) (*Engine, error) {
	if workerCount < 1 {
		workerCount = 1
	}

	acceptor, err := NewReactor(-1, ex, stats, log.WithField("reactor", "acceptor"))
	if err != nil {
		return nil, err
	}
	acceptor.pool = pool

	workers := make([]*Reactor, workerCount)
	for i := range workers {
		w, err := NewReactor(i, ex, stats, log.WithField("reactor", i))
		if err != nil {
			return nil, err
		}
		w.pool = pool
		workers[i] = w
	}

	acceptor.onAccept = roundRobinHandoff(workers)
	if err := acceptor.AddListener(listenFd); err != nil {
		return nil, errors.Wrap(err, "register listener")
	}

	return &Engine{
		listenFd: listenFd,
		stop:     make(chan struct{}),
		reactors: append([]*Reactor{acceptor}, workers...),
		log:      log,
	}, nil
}

// roundRobinHandoff returns an onAccept hook that submits each freshly
// accepted connection to the next worker in sequence.
func roundRobinHandoff(workers []*Reactor) func(*Connection) {
	next := 0
	return func(c *Connection) {
		workers[next].Submit(c)
		next = (next + 1) % len(workers)
	}
}

// Start launches every reactor's Run loop on its own goroutine and returns
// immediately.
func (e *Engine) Start() {
	for _, r := range e.reactors {
		r := r
		go func() {
			if err := r.Run(e.stop); err != nil {
				e.log.WithError(err).Error("reactor exited with error")
			}
		}()
	}
}

// Stop signals every reactor to exit its loop after the current batch of
// ready events and closes the listening socket.
func (e *Engine) Stop() {
	close(e.stop)
	unix.Close(e.listenFd)
}
