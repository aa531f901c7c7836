package main

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testServerLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("test", true)
}

func TestNewServerSingleTopologyStartsAndStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0 // let the kernel pick a free port
	cfg.Topology = "single"

	srv, err := NewServer(cfg, testServerLog())
	require.NoError(t, err)

	srv.Start()
	time.Sleep(10 * time.Millisecond)
	snap := srv.Stats()
	require.Zero(t, snap.ActiveConns)
	srv.Stop()
}

func TestNewServerMultiTopologyStartsAndStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Topology = "multi"
	cfg.WorkerCount = 2

	srv, err := NewServer(cfg, testServerLog())
	require.NoError(t, err)

	srv.Start()
	time.Sleep(10 * time.Millisecond)
	srv.Stop()
}

func TestNewServerWithPoolEnabledStopsCleanly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.PoolEnabled = true
	cfg.PoolLowWatermark = 1
	cfg.PoolHighWater = 2
	cfg.PoolMaxQueue = 8
	cfg.PoolIdleTime = 20 * time.Millisecond

	srv, err := NewServer(cfg, testServerLog())
	require.NoError(t, err)

	srv.Start()
	time.Sleep(10 * time.Millisecond)
	srv.Stop()
}
