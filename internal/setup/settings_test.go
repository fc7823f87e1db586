package setup

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/cochaviz/imgbuild/internal/spec"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		value, ok := values[name]
		return value, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	settings, err := Load(env(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(settings, Defaults()) {
		t.Fatalf("Load() = %+v, want %+v", settings, Defaults())
	}
	if !settings.SkipGeometryCheck || settings.TrustExisting {
		t.Fatalf("Load() flags = skip %t trust %t, want skip true trust false", settings.SkipGeometryCheck, settings.TrustExisting)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	settings, err := Load(env(map[string]string{
		EnvWorkers:           "3",
		EnvScratchDir:        "/scratch",
		EnvBackend:           "Native",
		EnvSkipGeometryCheck: "false",
		EnvTrustExisting:     "1",
		EnvLogLevel:          "debug",
		EnvLogFormat:         "json",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Settings{
		Workers:           3,
		ScratchDir:        "/scratch",
		Backend:           BackendNative,
		SkipGeometryCheck: false,
		TrustExisting:     true,
		LogLevel:          "debug",
		LogFormat:         "json",
	}
	if !reflect.DeepEqual(settings, want) {
		t.Fatalf("Load() = %+v, want %+v", settings, want)
	}
}

func TestLoadKeepsDefaultForNonPositiveWorkers(t *testing.T) {
	t.Parallel()

	settings, err := Load(env(map[string]string{EnvWorkers: "0", EnvScratchDir: "  "}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.Workers != DefaultWorkers {
		t.Fatalf("Workers = %d, want %d", settings.Workers, DefaultWorkers)
	}
	if settings.ScratchDir != DefaultScratchDir {
		t.Fatalf("ScratchDir = %q, want %q", settings.ScratchDir, DefaultScratchDir)
	}
}

func TestLoadReportsEveryMalformedValue(t *testing.T) {
	t.Parallel()

	_, err := Load(env(map[string]string{
		EnvWorkers:       "many",
		EnvBackend:       "magic",
		EnvTrustExisting: "perhaps",
	}))
	if err == nil {
		t.Fatalf("Load() error = nil, want malformed values reported")
	}
	for _, name := range []string{EnvWorkers, EnvBackend, EnvTrustExisting} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("Load() error = %v, want it to mention %s", err, name)
		}
	}
}

func TestRequiredTools(t *testing.T) {
	t.Parallel()

	image := &spec.ImageSpec{
		Path: "disk.vmdk",
		Partitions: []spec.PartitionSpec{
			{Filesystem: spec.FAT32},
			{Filesystem: spec.EXT4},
			{Filesystem: spec.FAT16},
			{Filesystem: spec.ECHFS},
			{Filesystem: spec.EXT2},
		},
	}

	tests := []struct {
		name    string
		backend Backend
		want    []string
	}{
		{
			name:    "tools",
			backend: BackendTools,
			want:    []string{"parted", "mkfs.fat", "mmd", "mcopy", "mke2fs", "e2mkdir", "e2cp", "echfs-utils", "qemu-img"},
		},
		{
			name:    "native",
			backend: BackendNative,
			want:    []string{"mke2fs", "e2mkdir", "e2cp", "mkfs.fat", "mmd", "mcopy", "echfs-utils", "qemu-img"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := RequiredTools(image, tt.backend); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("RequiredTools() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequiredToolsRawNativeFAT32NeedsNothing(t *testing.T) {
	t.Parallel()

	image := &spec.ImageSpec{Path: "disk.img", Partitions: []spec.PartitionSpec{{Filesystem: spec.FAT32}}}
	if got := RequiredTools(image, BackendNative); len(got) != 0 {
		t.Fatalf("RequiredTools() = %v, want none", got)
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	tool := filepath.Join(dir, "present-tool")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("PATH", dir)

	if err := Verify([]string{"present-tool"}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	err := Verify([]string{"present-tool", "missing-a", "missing-b"})
	if err == nil {
		t.Fatalf("Verify() error = nil, want missing tools reported")
	}
	for _, name := range []string{"missing-a", "missing-b"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("Verify() error = %v, want it to mention %s", err, name)
		}
	}
}
