package fsbuild

import (
	"context"
	"io"
	"os"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/spec"
)

var (
	_ Formatter = NativeFAT32{}
	_ Populator = NativeFAT32{}
)

// NativeFAT32 formats and populates FAT32 regions in-process with go-diskfs.
// The region is treated as an unpartitioned disk.
type NativeFAT32 struct{}

func (NativeFAT32) Format(ctx context.Context, region string, p layout.Partition) error {
	if p.Filesystem != spec.FAT32 {
		return unsupported("native fat32", p.Filesystem)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d, err := diskfs.Open(region, diskfs.WithOpenMode(diskfs.ReadWriteExclusive))
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "open region %s", region)
	}
	defer d.Close()

	_, err = d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: fatLabel(p.Label),
	})
	if err != nil {
		return imgerr.Wrap(imgerr.ErrCollaborator, err, "create fat32 filesystem on %s", region)
	}
	return nil
}

func (NativeFAT32) Populate(ctx context.Context, region, source string) error {
	d, err := diskfs.Open(region, diskfs.WithOpenMode(diskfs.ReadWriteExclusive))
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "open region %s", region)
	}
	defer d.Close()

	fs, err := d.GetFilesystem(0)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrCollaborator, err, "read filesystem on %s", region)
	}

	return walkContent(source, func(e entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir {
			if err := fs.Mkdir(e.Rel); err != nil && !os.IsExist(err) {
				return imgerr.Wrap(imgerr.ErrCollaborator, err, "create directory %s", e.Rel)
			}
			return nil
		}
		return copyInto(fs, e)
	})
}

func copyInto(fs filesystem.FileSystem, e entry) error {
	src, err := os.Open(e.Abs)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "open %s", e.Abs)
	}
	defer src.Close()

	dst, err := fs.OpenFile(e.Rel, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrCollaborator, err, "create file %s", e.Rel)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return imgerr.Wrap(imgerr.ErrCollaborator, err, "write file %s", e.Rel)
	}
	return nil
}
