package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"

	"udpftp/client/config"
	"udpftp/client/perfmetrics"
	"udpftp/client/terminal"
	"udpftp/client/transfer"
)

// app carries what both the batch and interactive modes need.
type app struct {
	cfg        *config.UDPConfig
	downloader *transfer.Downloader
	theme      *terminal.ThemeManager
	recorder   *perfmetrics.Recorder
	results    []*transfer.Result
	log        *slog.Logger
}

func main() {
	cfg, shouldExit, err := config.ParseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		log.Fatalf("Failed to parse command line arguments: %v", err)
	}
	if shouldExit {
		return
	}

	stdoutTTY := term.IsTerminal(int(os.Stdout.Fd()))
	if cfg.NoColor || !stdoutTTY {
		color.NoColor = true
	}
	if cfg.FileList == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		cfg.Interactive = true
	}
	if err := cfg.Validate(); err != nil {
		config.PrintUsage(os.Stderr)
		log.Fatalf("Failed to validate configuration: %v", err)
	}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	server, err := net.ResolveUDPAddr("udp", cfg.ServerAddress())
	if err != nil {
		log.Fatalf("Failed to resolve server %s: %v", cfg.ServerAddress(), err)
	}

	a := &app{
		cfg: cfg,
		downloader: transfer.NewDownloader(server, transfer.Options{
			BaseTimeout: cfg.BaseTimeout,
			MaxRetries:  cfg.MaxRetries,
			BlockSize:   cfg.BlockSize,
			OutputDir:   cfg.OutputDir,
			Logger:      logger,
		}),
		log: logger,
	}
	if stdoutTTY {
		a.downloader.OnProgress(transfer.NewProgressPrinter(os.Stdout).Update)
	}

	a.theme, err = terminal.NewThemeManager(themePath())
	if err != nil {
		fmt.Printf("Warning: Failed to initialize theme manager: %v\n", err)
	}

	if cfg.MetricsFile != "" {
		a.recorder = perfmetrics.NewRecorder(cfg.MetricsFile, "UDP_Client", logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	if cfg.Interactive {
		a.runShell(ctx)
	} else {
		code = a.runBatch(ctx)
	}

	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.theme.GetErrorColor().Printf("Metrics log incomplete: %v\n", err)
		}
	}
	stop()
	os.Exit(code)
}

// themePath is where the chosen theme is remembered between runs.
func themePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".udpftp_theme.toml")
}

// fetch downloads one file and reports the outcome on the console.
func (a *app) fetch(ctx context.Context, name string) (*transfer.Result, error) {
	a.theme.GetInfoColor().Printf("Downloading %s\n", name)
	res, err := a.downloader.Fetch(ctx, name)
	a.results = append(a.results, res)
	if a.recorder != nil {
		a.recorder.Record(res)
	}

	switch {
	case err == nil:
		a.theme.GetSuccessColor().Printf("Downloaded %s -> %s\n", name, res.LocalPath)
		a.theme.GetTextColor().Printf("  %s\n", res.Timing().String())
		if !res.CloseAcked {
			a.theme.GetErrorColor().Println("  warning: server did not acknowledge close")
		}
	case transfer.IsNotFound(err):
		a.theme.GetErrorColor().Printf("%s: not found on server\n", name)
	default:
		a.theme.GetErrorColor().Printf("%s: download failed while %s: %v\n", name, res.FailedIn, err)
	}
	return res, err
}

func (a *app) printSummary() {
	if len(a.results) == 0 {
		fmt.Println("No downloads yet")
		return
	}
	if err := terminal.NewTableFormatter(os.Stdout).RenderSummary(a.results); err != nil {
		a.log.Error("summary table", "err", err)
	}
}
