package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/daemon"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
	"git.home.luguber.info/inful/conveyor/internal/version"
)

// Exit codes for one-shot runs: 0 success, 1 failure or error, 2 unstable.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUnstable = 2
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"conveyor.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Run struct {
		Pipeline string `arg:"" help:"Pipeline definition file" default:"pipeline.yaml"`
	} `cmd:"" help:"Execute a pipeline once and exit with its result"`

	Validate struct {
		Pipeline string `arg:"" help:"Pipeline definition file" default:"pipeline.yaml"`
	} `cmd:"" help:"Check a pipeline definition without running it"`

	Init struct {
		Force bool `help:"Overwrite existing starter files"`
	} `cmd:"" help:"Write starter configuration and pipeline files"`

	History struct {
		Pipeline string `short:"p" help:"Filter by pipeline name"`
		Limit    int    `short:"n" help:"Maximum runs to show" default:"20"`
	} `cmd:"" help:"Show recent runs from the history database"`

	Daemon struct {
	} `cmd:"" help:"Run the pipeline supervisor daemon"`

	Version struct {
	} `cmd:"" help:"Print version information"`
}

func main() {
	kctx := kong.Parse(&CLI)

	switch kctx.Command() {
	case "version":
		fmt.Printf("conveyor %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildTime)
		return
	case "init":
		setupLogging(nil)
		if err := runInit(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(exitFailure)
		}
		return
	case "validate", "validate <pipeline>":
		setupLogging(nil)
		if err := runValidate(CLI.Config, CLI.Validate.Pipeline); err != nil {
			slog.Error("Validation failed", "error", err)
			os.Exit(exitFailure)
		}
		return
	}

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		setupLogging(nil)
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitFailure)
	}
	setupLogging(cfg)

	switch kctx.Command() {
	case "run", "run <pipeline>":
		result, err := runOnce(cfg, CLI.Run.Pipeline)
		if err != nil {
			slog.Error("Run failed", "error", err)
			os.Exit(exitFailure)
		}
		os.Exit(exitCode(result))
	case "history":
		if err := runHistory(cfg, CLI.History.Pipeline, CLI.History.Limit); err != nil {
			slog.Error("History query failed", "error", err)
			os.Exit(exitFailure)
		}
	case "daemon":
		if err := runDaemon(cfg, CLI.Config); err != nil {
			slog.Error("Daemon failed", "error", err)
			os.Exit(exitFailure)
		}
	}
}

// setupLogging installs the default logger. With a nil config (pre-load
// errors, commands that need none) a plain text logger is used.
func setupLogging(cfg *config.Config) {
	if cfg == nil {
		level := slog.LevelInfo
		if CLI.Verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return
	}
	if CLI.Verbose {
		cfg.Logging.Level = string(config.LogLevelDebug)
	}
	slog.SetDefault(cfg.Logging.NewLogger(os.Stderr))
}

func exitCode(result pipeline.Result) int {
	switch result {
	case pipeline.ResultSuccess:
		return exitOK
	case pipeline.ResultUnstable:
		return exitUnstable
	}
	return exitFailure
}

func runDaemon(cfg *config.Config, configPath string) error {
	d, err := daemon.New(cfg, configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
