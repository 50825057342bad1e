package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixperk/clusterlock/pkg/config"
	"github.com/pixperk/clusterlock/pkg/lifecycle"
)

const drainTimeout = 30 * time.Second

func main() {
	initConfig := flag.String("init-config", "", "Write a default configuration file to this path and exit")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	if *initConfig != "" {
		if err := config.WriteDefault(*initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote default configuration to %s\n", *initConfig)
		return
	}

	logger := cfg.NewLogger()

	srv := lifecycle.NewServer(cfg, logger)
	if err := srv.Start(context.Background()); err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("clusterlock is ready", "grpc", srv.GRPCAddr(), "http", srv.HTTPAddr())

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case err := <-srv.Failed():
		logger.Error("server failed", "error", err)
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
		exitCode = 1
	}
	if exitCode != 0 {
		cancel()
		os.Exit(exitCode)
	}
}
