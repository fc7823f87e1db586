// Package fsbuild formats scratch regions and copies content trees into them.
// Each supported filesystem maps to exactly one Driver.
package fsbuild

import (
	"context"
	"strings"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/spec"
	"github.com/cochaviz/imgbuild/internal/tools"
)

// Formatter creates an empty filesystem on a scratch region.
type Formatter interface {
	Format(ctx context.Context, region string, p layout.Partition) error
}

// Populator merges the tree rooted at source into the filesystem on region.
// Existing entries are overwritten; entries absent from source are kept.
type Populator interface {
	Populate(ctx context.Context, region, source string) error
}

// Driver pairs the two phases for one filesystem.
type Driver struct {
	Formatter Formatter
	Populator Populator
}

// Registry dispatches on the filesystem of a partition.
type Registry map[spec.Filesystem]Driver

// Lookup returns the driver for fs.
func (r Registry) Lookup(fs spec.Filesystem) (Driver, error) {
	driver, ok := r[fs]
	if !ok || driver.Formatter == nil || driver.Populator == nil {
		return Driver{}, imgerr.Errorf(imgerr.ErrSpec, "no driver registered for filesystem %q", fs)
	}
	return driver, nil
}

// Missing lists the supported filesystems without a complete driver.
func (r Registry) Missing() []spec.Filesystem {
	var missing []spec.Filesystem
	for _, fs := range spec.Filesystems() {
		if _, err := r.Lookup(fs); err != nil {
			missing = append(missing, fs)
		}
	}
	return missing
}

// ToolRegistry returns drivers that shell out to mtools, e2fsprogs, e2tools
// and echfs-utils through runner.
func ToolRegistry(runner tools.Runner) Registry {
	fat := &FATDriver{Runner: runner}
	ext := &ExtDriver{Runner: runner}
	echfs := &EchFSDriver{Runner: runner}

	return Registry{
		spec.FAT12: {Formatter: fat, Populator: fat},
		spec.FAT16: {Formatter: fat, Populator: fat},
		spec.FAT32: {Formatter: fat, Populator: fat},
		spec.EXT2:  {Formatter: ext, Populator: ext},
		spec.EXT3:  {Formatter: ext, Populator: ext},
		spec.EXT4:  {Formatter: ext, Populator: ext},
		spec.ECHFS: {Formatter: echfs, Populator: echfs},
	}
}

// NativeRegistry is ToolRegistry with FAT32 handled in-process by go-diskfs.
func NativeRegistry(runner tools.Runner) Registry {
	registry := ToolRegistry(runner)
	native := NativeFAT32{}
	registry[spec.FAT32] = Driver{Formatter: native, Populator: native}
	return registry
}

func fatBits(fs spec.Filesystem) (string, error) {
	switch fs {
	case spec.FAT12:
		return "12", nil
	case spec.FAT16:
		return "16", nil
	case spec.FAT32:
		return "32", nil
	default:
		return "", unsupported("fat", fs)
	}
}

func unsupported(driver string, fs spec.Filesystem) error {
	return imgerr.Errorf(imgerr.ErrSpec, "%s driver cannot format %s", driver, fs)
}

// maxFATLabel is the length of a FAT volume label field.
const maxFATLabel = 11

// fatLabel normalises label the way FAT stores it: upper case, at most
// maxFATLabel bytes.
func fatLabel(label string) string {
	label = strings.ToUpper(strings.TrimSpace(label))
	if len(label) > maxFATLabel {
		label = label[:maxFATLabel]
	}
	return label
}
