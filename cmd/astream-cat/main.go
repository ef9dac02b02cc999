// Package main is the entrypoint for astream-cat, which plays a WAV or MP3
// file on a server or records from it into a WAV file.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/config"
	"github.com/AutoMQ/audiostream/pkg/mainloop"
)

const _readHeaderTimeout = 5 * time.Second

func main() {
	cfg, err := config.NewConfig("astream-cat", os.Args[1:], catConfigure)
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Printf("failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// check config
	err = cfg.Adjust()
	if err != nil {
		fmt.Printf("failed to adjust config: %v\n", err)
		os.Exit(1)
	}

	// create a logger first
	logger, err := cfg.Log.Logger()
	if err != nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
		logger.Error("failed to create logger from config", zap.Error(err))
	}
	cfg.SetLogger(logger)

	syncLogger := func() { _ = cfg.Logger().Sync() }

	err = cfg.Client.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}
	opts, err := newOptions(cfg.Viper())
	if err != nil {
		logger.Error("invalid options", zap.Error(err))
		exit(1, syncLogger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *client.Metrics
	if addr := cfg.Metrics.Addr; addr != "" {
		reg := prometheus.NewRegistry()
		metrics = client.NewMetrics(reg)
		closeMetrics, err := serveMetrics(addr, reg, logger)
		if err != nil {
			logger.Error("failed to start metrics endpoint", zap.Error(err))
			exit(1, syncLogger)
		}
		defer closeMetrics()
	}

	err = run(ctx, cfg, opts, metrics, logger, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		logger.Info("interrupted")
	default:
		logger.Error("failed", zap.Error(err))
		stop()
		exit(1, syncLogger)
	}
	syncLogger()
}

// run connects to the server and plays or records until done or until ctx is
// cancelled. Latency reports go to out.
func run(ctx context.Context, cfg *config.Config, opts *options, metrics *client.Metrics, logger *zap.Logger, out io.Writer) error {
	loop := mainloop.New(nil, logger)
	c := client.NewContext(loop, cfg.Client, logger)
	c.SetMetrics(metrics)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := &session{ctx: c, opts: opts, out: out, cancel: cancel, lg: logger}

	var t task
	if opts.Play != "" {
		p, err := newPlayer(s, opts.Play)
		if err != nil {
			return err
		}
		t = p
	} else {
		r, err := newRecorder(s)
		if err != nil {
			return err
		}
		t = r
	}

	c.SetStateCallback(func(c *client.Context) {
		switch c.State() {
		case client.ContextReady:
			if err := t.start(); err != nil {
				s.finish(err)
			}
		case client.ContextFailed:
			s.finish(errors.Errorf("connection failed: %s", c.Errno()))
		}
	})
	loop.Post(func() {
		if err := c.Connect(runCtx); err != nil {
			s.finish(err)
		}
	})

	err := loop.Run(runCtx)
	// the loop is stopped, so the context is only touched from here on
	c.Disconnect()
	if s.stream != nil {
		s.stream.Unref()
	}
	if cerr := t.close(); cerr != nil && s.err == nil {
		s.err = cerr
	}

	if s.done || s.err != nil {
		return s.err
	}
	return err
}

// serveMetrics exposes reg on addr. The returned function stops serving.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (func(), error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: _readHeaderTimeout}
	go func() {
		if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
	return func() { _ = hs.Close() }, nil
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
