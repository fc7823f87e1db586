package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/imgbuild/config"
	"github.com/cochaviz/imgbuild/internal/build"
	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/logging"
	"github.com/cochaviz/imgbuild/internal/setup"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	settings, err := setup.Load(os.LookupEnv)
	if err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(2)
	}
	if logger, err = configureLogger(settings, &levelVar); err != nil {
		slog.Default().Error("invalid logging configuration", "error", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(settings, logger)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(logger, err))
	}
}

func configureLogger(settings setup.Settings, levelVar *slog.LevelVar) (*slog.Logger, error) {
	level, err := logging.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, err
	}
	mode, err := logging.ParseMode(settings.LogFormat)
	if err != nil {
		return nil, err
	}
	levelVar.Set(level)
	return logging.New(mode, os.Stderr, levelVar), nil
}

func exitCode(logger *slog.Logger, err error) int {
	if errors.Is(err, context.Canceled) {
		logger.Warn("command interrupted", "error", err)
		return 130
	}
	for _, failure := range build.PartitionErrors(err) {
		logger.Error("partition failed", "partition", failure.Index, "phase", failure.Phase, "error", failure.Err)
	}
	logger.Error("command execution failed", "error", err)

	switch imgerr.Class(err) {
	case imgerr.ErrSpec, imgerr.ErrLayout:
		return 2
	default:
		return 1
	}
}

func newRootCommand(settings setup.Settings, logger *slog.Logger) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	return &cobra.Command{
		Use:   "imgbuild <spec-file> [output-file]",
		Short: "Build or update a partitioned disk image from a declarative spec",
		Long: "imgbuild reads a YAML image spec and creates the image it describes, or, if\n" +
			"the output already exists, extracts its partitions, copies the content in and\n" +
			"writes them back. Settings are read from IMGBUILD_* environment variables.",
		Args:          cobra.RangeArgs(1, 2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath := strings.TrimSpace(args[0])
			if specPath == "" {
				return fmt.Errorf("spec file is required")
			}
			var output string
			if len(args) == 2 {
				output = strings.TrimSpace(args[1])
			}

			cmdLogger := logger.With("command", "build", "spec", specPath)
			cmdLogger.Info("starting build", "backend", settings.Backend, "workers", settings.Workers)

			result, err := simple.Build(cmd.Context(), specPath, output, settings, cmdLogger)
			if result != nil {
				printSummary(cmd.OutOrStdout(), result)
			}
			if err != nil {
				return err
			}

			cmdLogger.Info("build completed", "image", result.Path)
			return nil
		},
	}
}

func printSummary(w io.Writer, result *build.Result) {
	if len(result.Partitions) == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%s, %s, %s)\n", result.Path, result.Table, result.Format, result.Mode)
	for _, outcome := range result.Partitions {
		p := outcome.Partition
		status := "ok"
		switch {
		case outcome.Err != nil:
			status = "failed"
		case !outcome.Committed:
			status = "skipped"
		}
		label := p.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%d-%d\t%s\n", p.Index, p.Filesystem, label, p.Start, p.LastSector(), status)
	}
}
