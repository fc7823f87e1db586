package setup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/cochaviz/imgbuild/internal/spec"
)

// Backend selects how partition tables and FAT32 filesystems are written.
type Backend string

const (
	// BackendTools drives parted, mkfs and friends for everything.
	BackendTools Backend = "tools"
	// BackendNative writes partition tables and FAT32 in process.
	BackendNative Backend = "native"
)

// Environment variables read by Load.
const (
	EnvWorkers           = "IMGBUILD_WORKERS"
	EnvScratchDir        = "IMGBUILD_SCRATCH_DIR"
	EnvBackend           = "IMGBUILD_BACKEND"
	EnvSkipGeometryCheck = "IMGBUILD_SKIP_GEOMETRY_CHECK"
	EnvTrustExisting     = "IMGBUILD_TRUST_EXISTING"
	EnvLogLevel          = "IMGBUILD_LOG_LEVEL"
	EnvLogFormat         = "IMGBUILD_LOG_FORMAT"
)

var logger = slog.Default()

// SetLogger replaces the logger used while loading settings. Nil restores the
// process default.
func SetLogger(l *slog.Logger) {
	logger = l
}

func getLogger() *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

var DefaultWorkers = runtime.NumCPU()
var DefaultScratchDir = os.TempDir()
var DefaultBackend = BackendTools
var DefaultLogLevel = "info"
var DefaultLogFormat = "text"

// Settings are the process-wide knobs of an image build.
type Settings struct {
	Workers    int
	ScratchDir string
	Backend    Backend
	// SkipGeometryCheck tells mtools not to validate FAT geometry, which it
	// gets wrong for images that are not whole disks.
	SkipGeometryCheck bool
	// TrustExisting skips checking an existing image's partition table before
	// extracting from it.
	TrustExisting bool
	LogLevel      string
	LogFormat     string
}

// Defaults returns the settings used when nothing is set in the environment.
func Defaults() Settings {
	return Settings{
		Workers:           DefaultWorkers,
		ScratchDir:        DefaultScratchDir,
		Backend:           DefaultBackend,
		SkipGeometryCheck: true,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

// Load reads settings through lookup, normally os.LookupEnv. Unset or empty
// variables keep their defaults; every malformed value is reported.
func Load(lookup func(string) (string, bool)) (Settings, error) {
	settings := Defaults()
	var errs []error

	value := func(name string) (string, bool) {
		raw, ok := lookup(name)
		raw = strings.TrimSpace(raw)
		return raw, ok && raw != ""
	}

	if raw, ok := value(EnvWorkers); ok {
		workers, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", EnvWorkers, err))
		case workers > 0:
			settings.Workers = workers
		}
	}
	if raw, ok := value(EnvScratchDir); ok {
		settings.ScratchDir = raw
	}
	if raw, ok := value(EnvBackend); ok {
		switch backend := Backend(strings.ToLower(raw)); backend {
		case BackendTools, BackendNative:
			settings.Backend = backend
		default:
			errs = append(errs, fmt.Errorf("%s: unknown backend %q (expected tools or native)", EnvBackend, raw))
		}
	}
	for _, flag := range []struct {
		name   string
		target *bool
	}{
		{EnvSkipGeometryCheck, &settings.SkipGeometryCheck},
		{EnvTrustExisting, &settings.TrustExisting},
	} {
		raw, ok := value(flag.name)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", flag.name, err))
			continue
		}
		*flag.target = parsed
	}
	if raw, ok := value(EnvLogLevel); ok {
		settings.LogLevel = raw
	}
	if raw, ok := value(EnvLogFormat); ok {
		settings.LogFormat = raw
	}

	if len(errs) > 0 {
		return settings, errors.Join(errs...)
	}
	getLogger().Debug("settings loaded", "workers", settings.Workers, "scratch_dir", settings.ScratchDir, "backend", settings.Backend)
	return settings, nil
}

// RequiredTools lists the executables a build of image needs with backend, in
// the order they are first used.
func RequiredTools(image *spec.ImageSpec, backend Backend) []string {
	var tools []string
	seen := map[string]bool{}
	add := func(names ...string) {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				tools = append(tools, name)
			}
		}
	}

	if backend != BackendNative {
		add("parted")
	}
	for _, p := range image.Partitions {
		switch {
		case p.Filesystem == spec.FAT32 && backend == BackendNative:
		case p.Filesystem.IsFAT():
			add("mkfs.fat", "mmd", "mcopy")
		case p.Filesystem.IsExt():
			add("mke2fs", "e2mkdir", "e2cp")
		case p.Filesystem == spec.ECHFS:
			add("echfs-utils")
		}
	}
	if image.Format() != spec.FormatRaw {
		add("qemu-img")
	}
	return tools
}

// Verify checks that every named tool can be found on PATH.
func Verify(tools []string) error {
	var errs []error
	for _, name := range tools {
		if _, err := exec.LookPath(name); err != nil {
			errs = append(errs, fmt.Errorf("%s not found: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
