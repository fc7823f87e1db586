package table

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/spec"
	"github.com/cochaviz/imgbuild/internal/tools"
)

var _ Writer = (*PartedWriter)(nil)

// PartedWriter edits tables with GNU parted.
type PartedWriter struct {
	Runner tools.Runner
}

func (w *PartedWriter) Init(ctx context.Context, image string, tableType spec.TableType) error {
	return w.Runner.Run(ctx, parted(image, "mktable", partedLabel(tableType)))
}

func (w *PartedWriter) AddPartition(ctx context.Context, image string, tableType spec.TableType, p layout.Partition) error {
	args := []string{"mkpart", partedName(tableType, p)}
	if hint := partedFSType(p.Filesystem); hint != "" {
		args = append(args, hint)
	}
	args = append(args, sectorArg(p.Start), sectorArg(p.LastSector()))
	return w.Runner.Run(ctx, parted(image, args...))
}

func (w *PartedWriter) SetBootable(ctx context.Context, image string, _ spec.TableType, p layout.Partition) error {
	return w.Runner.Run(ctx, parted(image, "toggle", strconv.Itoa(p.Slot()), "boot"))
}

func parted(image string, args ...string) tools.Command {
	return tools.NewCommand("parted", append([]string{image, "-s", "-a", "minimal"}, args...)...)
}

func partedLabel(tableType spec.TableType) string {
	if tableType == spec.MBR {
		return "msdos"
	}
	return string(tableType)
}

// partedName is the part-type for msdos tables and the partition name for gpt.
func partedName(tableType spec.TableType, p layout.Partition) string {
	if tableType == spec.MBR {
		return "primary"
	}
	if p.Label != "" {
		return p.Label
	}
	return fmt.Sprintf("part%d", p.Slot())
}

// partedFSType returns the filesystem hint parted understands, or "" when it
// has none for fs.
func partedFSType(fs spec.Filesystem) string {
	switch fs {
	case spec.FAT12, spec.FAT16:
		return "fat16"
	case spec.FAT32:
		return "fat32"
	case spec.EXT2, spec.EXT3, spec.EXT4:
		return string(fs)
	default:
		return ""
	}
}

func sectorArg(sector int64) string {
	return strconv.FormatInt(sector, 10) + "s"
}
