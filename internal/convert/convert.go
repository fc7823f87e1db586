// Package convert moves disk images between raw and container formats.
package convert

import (
	"context"
	"os"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/spec"
	"github.com/cochaviz/imgbuild/internal/tools"
)

var _ Converter = (*QemuImg)(nil)

// Converter rewrites src in format from as dst in format to.
type Converter interface {
	Convert(ctx context.Context, src string, from spec.Format, dst string, to spec.Format) error
}

// QemuImg converts with qemu-img. The output is written next to dst and
// renamed into place, so src and dst may be the same file.
type QemuImg struct {
	Runner tools.Runner
}

func (q *QemuImg) Convert(ctx context.Context, src string, from spec.Format, dst string, to spec.Format) error {
	partial := dst + ".partial"
	cmd := tools.NewCommand("qemu-img", "convert", "-f", string(from), "-O", string(to), src, partial)
	if err := q.Runner.Run(ctx, cmd); err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, dst); err != nil {
		_ = os.Remove(partial)
		return imgerr.Wrap(imgerr.ErrIO, err, "move converted image to %s", dst)
	}
	return nil
}
