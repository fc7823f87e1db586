package simple

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cochaviz/imgbuild/internal/build"
	"github.com/cochaviz/imgbuild/internal/convert"
	"github.com/cochaviz/imgbuild/internal/fsbuild"
	"github.com/cochaviz/imgbuild/internal/logging"
	"github.com/cochaviz/imgbuild/internal/setup"
	"github.com/cochaviz/imgbuild/internal/spec"
	"github.com/cochaviz/imgbuild/internal/table"
	"github.com/cochaviz/imgbuild/internal/tools"
)

// Build executes the end-to-end flow to produce the image described by the
// spec file at specPath. A non-empty output overrides the spec's file key.
func Build(ctx context.Context, specPath, output string, settings setup.Settings, logger *slog.Logger) (*build.Result, error) {
	return BuildWithEcho(ctx, specPath, output, settings, os.Stdout, logger)
}

// BuildWithEcho is Build with every collaborator command line written to echo
// instead of stdout.
func BuildWithEcho(ctx context.Context, specPath, output string, settings setup.Settings, echo io.Writer, logger *slog.Logger) (*build.Result, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	if specPath == "" {
		return nil, fmt.Errorf("spec file is required")
	}
	image, err := spec.Load(specPath, output)
	if err != nil {
		return nil, err
	}

	required := setup.RequiredTools(image, settings.Backend)
	logger.Debug("checking required tools", "tools", required)
	if err := setup.Verify(required); err != nil {
		return nil, fmt.Errorf("missing tools for backend %s: %w", settings.Backend, err)
	}

	return NewOrchestrator(settings, echo, logger).Run(ctx, image)
}

// NewOrchestrator wires an orchestrator for settings.
func NewOrchestrator(settings setup.Settings, echo io.Writer, logger *slog.Logger) *build.Orchestrator {
	logger = logging.Ensure(logger)

	runner := &tools.ExecRunner{
		Logger: logger.With("component", "tools"),
		Echo:   echo,
		Env:    tools.Env{SkipGeometryCheck: settings.SkipGeometryCheck},
	}

	orchestrator := &build.Orchestrator{
		Logger:     logger.With("service", "build"),
		Converter:  &convert.QemuImg{Runner: runner},
		ScratchDir: settings.ScratchDir,
		Workers:    settings.Workers,
	}
	switch settings.Backend {
	case setup.BackendNative:
		orchestrator.Tables = &table.NativeWriter{}
		orchestrator.Drivers = fsbuild.NativeRegistry(runner)
	default:
		orchestrator.Tables = &table.PartedWriter{Runner: runner}
		orchestrator.Drivers = fsbuild.ToolRegistry(runner)
	}
	if !settings.TrustExisting {
		orchestrator.Verifier = table.DiskVerifier{}
	}
	return orchestrator
}
