// Package main is the entrypoint for astream-nullsink, a server that
// discards played audio and records silence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/config"
	"github.com/AutoMQ/audiostream/pkg/server"
)

func main() {
	cfg, err := config.NewConfig("astream-nullsink", os.Args[1:])
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
	logger.Info("running", zap.Strings("args", os.Args))

	syncLogger := func() { _ = cfg.Logger().Sync() }

	err = cfg.Server.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}

	// create service
	ctx, cancel := context.WithCancel(context.Background())
	svc := server.NewService(ctx, cfg, logger)

	// start service
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	err = svc.Start()
	if err != nil {
		logger.Error("failed to start service", zap.Error(err))
		exit(1, syncLogger)
	}

	// close service
	<-ctx.Done()
	logger.Info("got signal to exit", zap.String("signal", sig.String()))

	svc.Close()
	switch sig {
	case syscall.SIGTERM:
		exit(0, syncLogger)
	default:
		exit(1, syncLogger)
	}
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
