// Package table writes partition tables for resolved layouts and checks that
// an existing image carries the layout a spec expects.
package table

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/logging"
	"github.com/cochaviz/imgbuild/internal/spec"
)

// Writer creates and edits the partition table of a raw image. Every call is
// assumed to be atomic.
type Writer interface {
	Init(ctx context.Context, image string, tableType spec.TableType) error
	AddPartition(ctx context.Context, image string, tableType spec.TableType, p layout.Partition) error
	SetBootable(ctx context.Context, image string, tableType spec.TableType, p layout.Partition) error
}

// Finisher is implemented by writers that hold state for a table under
// construction. Builder calls Finish once it is done with image, whether or
// not the table was completed.
type Finisher interface {
	Finish(image string)
}

// Builder drives a Writer through a complete table for one layout.
type Builder struct {
	Writer Writer
	Logger *slog.Logger
}

// Build initialises the table, adds every partition in order and then marks
// the bootable ones. The first failing call aborts the build.
func (b *Builder) Build(ctx context.Context, image string, tableType spec.TableType, parts []layout.Partition) error {
	logger := logging.Ensure(b.Logger).With("table", tableType)
	if finisher, ok := b.Writer.(Finisher); ok {
		defer finisher.Finish(image)
	}

	if err := b.Writer.Init(ctx, image, tableType); err != nil {
		return fmt.Errorf("initialise %s table: %w", tableType, err)
	}
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Writer.AddPartition(ctx, image, tableType, p); err != nil {
			return fmt.Errorf("add partition %d: %w", p.Index, err)
		}
		logger.Debug("partition added", "partition", p.Index, "start", p.Start, "end", p.LastSector())
	}
	for _, p := range parts {
		if !p.Bootable {
			continue
		}
		if err := b.Writer.SetBootable(ctx, image, tableType, p); err != nil {
			return fmt.Errorf("mark partition %d bootable: %w", p.Index, err)
		}
		logger.Debug("partition marked bootable", "partition", p.Index, "slot", p.Slot())
	}

	logger.Info("partition table written", "partitions", len(parts))
	return nil
}
