package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"

	"udpftp/server/terminal"
)

func main() {
	// Parse command line arguments
	config, shouldExit, err := terminal.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		terminal.HandleStartupError(err, "parse command line arguments")
		return
	}

	// Exit if help was shown
	if shouldExit {
		return
	}

	if err := terminal.ValidateConfig(config); err != nil {
		terminal.HandleStartupError(err, "validate configuration")
		return
	}

	if config.NoColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	level := slog.LevelInfo
	if config.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	server := NewServer(config, logger)
	if err := server.Listen(); err != nil {
		terminal.HandleStartupError(err, "start server")
		return
	}
	terminal.PrintStartupInfo(os.Stdout, config, server.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := server.Serve(ctx)
	if err := terminal.PrintStats(os.Stdout, server.Stats().Snapshot().Rows()); err != nil {
		logger.Error("print statistics", "err", err)
	}
	if serveErr != nil {
		logger.Error("server finished with errors", "err", serveErr)
		os.Exit(1)
	}
}
