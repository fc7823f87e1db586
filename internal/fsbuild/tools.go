package fsbuild

import (
	"context"
	"strings"

	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/spec"
	"github.com/cochaviz/imgbuild/internal/tools"
)

var (
	_ Formatter = (*FATDriver)(nil)
	_ Populator = (*FATDriver)(nil)
	_ Formatter = (*ExtDriver)(nil)
	_ Populator = (*ExtDriver)(nil)
	_ Formatter = (*EchFSDriver)(nil)
	_ Populator = (*EchFSDriver)(nil)
)

// Exit status the directory-creating tools use when the directory exists.
const exitExists = 1

// FATDriver formats with mkfs.fat and populates with mtools.
type FATDriver struct {
	Runner tools.Runner
}

func (d *FATDriver) Format(ctx context.Context, region string, p layout.Partition) error {
	bits, err := fatBits(p.Filesystem)
	if err != nil {
		return err
	}
	args := []string{"-F", bits, "-s", "1"}
	if label := fatLabel(p.Label); label != "" {
		args = append(args, "-n", label)
	}
	args = append(args, region)
	return d.Runner.Run(ctx, tools.NewCommand("mkfs.fat", args...))
}

func (d *FATDriver) Populate(ctx context.Context, region, source string) error {
	return walkContent(source, func(e entry) error {
		if e.IsDir {
			return d.Runner.Run(ctx, tools.NewCommand("mmd", "-i", region, "::"+e.Rel).Allow(exitExists))
		}
		return d.Runner.Run(ctx, tools.NewCommand("mcopy", "-o", "-i", region, e.Abs, "::"+e.Rel))
	})
}

// ExtDriver formats with mke2fs and populates with e2tools.
type ExtDriver struct {
	Runner tools.Runner
}

func (d *ExtDriver) Format(ctx context.Context, region string, p layout.Partition) error {
	if !p.Filesystem.IsExt() {
		return unsupported("ext", p.Filesystem)
	}
	args := []string{"-t", string(p.Filesystem), "-F", "-q"}
	if p.Label != "" {
		args = append(args, "-L", p.Label)
	}
	args = append(args, region)
	return d.Runner.Run(ctx, tools.NewCommand("mke2fs", args...))
}

func (d *ExtDriver) Populate(ctx context.Context, region, source string) error {
	return walkContent(source, func(e entry) error {
		if e.IsDir {
			return d.Runner.Run(ctx, tools.NewCommand("e2mkdir", region+":"+e.Rel).Allow(exitExists))
		}
		return d.Runner.Run(ctx, tools.NewCommand("e2cp", e.Abs, region+":"+e.Rel))
	})
}

// EchFSDriver formats and populates with echfs-utils.
type EchFSDriver struct {
	Runner tools.Runner
}

func (d *EchFSDriver) Format(ctx context.Context, region string, p layout.Partition) error {
	if p.Filesystem != spec.ECHFS {
		return unsupported("echfs", p.Filesystem)
	}
	return d.Runner.Run(ctx, tools.NewCommand("echfs-utils", region, "format", "512"))
}

func (d *EchFSDriver) Populate(ctx context.Context, region, source string) error {
	return walkContent(source, func(e entry) error {
		rel := strings.TrimPrefix(e.Rel, "/")
		if e.IsDir {
			return d.Runner.Run(ctx, tools.NewCommand("echfs-utils", region, "mkdir", rel).Allow(exitExists))
		}
		return d.Runner.Run(ctx, tools.NewCommand("echfs-utils", region, "import", e.Abs, rel))
	})
}
