package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// newRootCmd builds the root command, binding every flag viper will also
// accept from environment variables or a config file.
func newRootCmd() *cobra.Command {
	v := viper.New()
	d := DefaultConfig()

	root := &cobra.Command{
		Use:          "lrucached",
		Short:        "An in-memory, bounded LRU key/value cache speaking a memcached-style text protocol",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(v)
		},
	}

	flags := root.PersistentFlags()
	flags.String("host", d.Host, "address to listen on")
	flags.Int("port", d.Port, "port to listen on")
	flags.Int("cache-bytes", d.MaxCacheBytes, "total byte budget for stored keys+values")
	flags.String("topology", d.Topology, `worker topology: "single" or "multi"`)
	flags.Int("workers", d.WorkerCount, "worker reactor count under the multi topology")
	flags.Bool("pool-enabled", d.PoolEnabled, "offload command execution to a bounded thread pool")
	flags.Int("pool-low", d.PoolLowWatermark, "thread pool low watermark")
	flags.Int("pool-high", d.PoolHighWater, "thread pool high watermark")
	flags.Int("pool-queue", d.PoolMaxQueue, "thread pool max queued tasks")
	flags.Duration("pool-idle", d.PoolIdleTime, "thread pool idle shrink timeout")
	flags.String("log-level", d.LogLevel, "logrus level")
	flags.String("log-format", d.LogFormat, `"text" or "json"`)
	flags.StringVar(&cfgFile, "config", "", "path to a config file (yaml/json/toml)")

	for _, name := range []string{
		"host", "port", "cache-bytes", "topology", "workers",
		"pool-enabled", "pool-low", "pool-high", "pool-queue", "pool-idle",
		"log-level", "log-format",
	} {
		v.BindPFlag(name, flags.Lookup(name))
	}
	v.SetEnvPrefix("LRUCACHED")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				logrus.WithError(err).Warn("failed to read config file")
			}
		}
	})

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(versionString)
			return nil
		},
	}
}

// versionString is overridden at release-build time via -ldflags.
var versionString = "dev"

// runServer builds and starts the server, then blocks until SIGINT/SIGTERM
// and shuts down gracefully.
func runServer(v *viper.Viper) error {
	cfg, err := LoadConfig(v)
	if err != nil {
		return err
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	log := logger.WithField("service", "lrucached")
	log.Infof("starting with config: %s", cfg.String())

	srv, err := NewServer(cfg, log)
	if err != nil {
		return err
	}
	srv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("graceful shutdown timed out")
	}
	return nil
}
