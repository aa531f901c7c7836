package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testDispatchLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("test", true)
}

// newBareReactor builds a reactor with its own epoll instance and wake pipe
// but no listener, enough to exercise Submit/roundRobinHandoff without a
// live socket.
func newBareReactor(t *testing.T, id int) *Reactor {
	t.Helper()
	r, err := NewReactor(id, newTestExecutor(1024), NewStats(), testDispatchLog())
	require.NoError(t, err)
	return r
}

func TestRoundRobinHandoffCyclesThroughWorkers(t *testing.T) {
	w0 := newBareReactor(t, 0)
	w1 := newBareReactor(t, 1)
	w2 := newBareReactor(t, 2)
	workers := []*Reactor{w0, w1, w2}

	handoff := roundRobinHandoff(workers)

	for i := 0; i < 7; i++ {
		handoff(&Connection{fd: -1})
	}

	require.Len(t, w0.incoming, 3)
	require.Len(t, w1.incoming, 2)
	require.Len(t, w2.incoming, 2)
}

func TestRoundRobinHandoffSingleWorkerGetsEveryConnection(t *testing.T) {
	w0 := newBareReactor(t, 0)
	handoff := roundRobinHandoff([]*Reactor{w0})

	for i := 0; i < 4; i++ {
		handoff(&Connection{fd: -1})
	}

	require.Len(t, w0.incoming, 4)
}
