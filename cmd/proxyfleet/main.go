package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"proxyfleetgo/internal/app"
	"proxyfleetgo/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath = pflag.String("config", config.DefaultConfigPath, "Path to the ini configuration file, created with defaults when missing")
		mode    = pflag.String("mode", "", "Override the configured mode for this run: multi | username")
	)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	switch m := strings.ToLower(strings.TrimSpace(*mode)); m {
	case "", config.ModeMulti, config.ModeUsername:
		*mode = m
	default:
		return fmt.Errorf("invalid --mode %q (want %s or %s)", *mode, config.ModeMulti, config.ModeUsername)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bootstrap, err := app.NewBootstrap(*cfgPath, *mode)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	if err := bootstrap.Run(ctx); err != nil {
		return fmt.Errorf("runtime failed: %w", err)
	}
	return nil
}
