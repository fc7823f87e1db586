package fsbuild

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/imgbuild/internal/imgerr"
)

// entry is one item of a content tree. Rel is slash-separated and rooted,
// e.g. "/boot/kernel.bin".
type entry struct {
	Rel   string
	Abs   string
	IsDir bool
}

// walkContent visits every directory and regular file below source in
// lexical order, parents before children. Symlinks and special files are
// rejected.
func walkContent(source string, visit func(entry) error) error {
	info, err := os.Stat(source)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrSpec, err, "content %s", source)
	}
	if !info.IsDir() {
		return imgerr.Errorf(imgerr.ErrSpec, "content %s is not a directory", source)
	}

	return filepath.WalkDir(source, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return imgerr.Wrap(imgerr.ErrIO, err, "walk %s", abs)
		}
		rel, err := filepath.Rel(source, abs)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		mode := d.Type()
		switch {
		case mode&fs.ModeSymlink != 0:
			return imgerr.Errorf(imgerr.ErrSpec, "symlinks are not supported in content trees (%s)", abs)
		case d.IsDir():
		case !mode.IsRegular():
			return imgerr.Errorf(imgerr.ErrSpec, "unsupported file type %s in %s", mode, abs)
		}

		return visit(entry{
			Rel:   "/" + filepath.ToSlash(rel),
			Abs:   abs,
			IsDir: d.IsDir(),
		})
	})
}

// IsImageSource reports whether content names an ISO9660 image rather than a
// directory.
func IsImageSource(content string) bool {
	return strings.EqualFold(filepath.Ext(content), ".iso")
}

// StageContent returns a directory holding the tree described by content.
// Directories are used in place; ISO9660 images are unpacked into stageDir.
func StageContent(content, stageDir string) (string, error) {
	if !IsImageSource(content) {
		return content, nil
	}

	f, err := os.Open(content)
	if err != nil {
		return "", imgerr.Wrap(imgerr.ErrSpec, err, "open content image %s", content)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return "", imgerr.Wrap(imgerr.ErrSpec, err, "read content image %s", content)
	}
	root, err := image.RootDir()
	if err != nil {
		return "", imgerr.Wrap(imgerr.ErrSpec, err, "read root of %s", content)
	}

	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return "", imgerr.Wrap(imgerr.ErrIO, err, "create staging directory %s", stageDir)
	}
	if err := unpackISODir(root, stageDir); err != nil {
		return "", fmt.Errorf("unpack %s: %w", content, err)
	}
	return stageDir, nil
}

func unpackISODir(dir *iso9660.File, target string) error {
	children, err := dir.GetChildren()
	if err != nil {
		return imgerr.Wrap(imgerr.ErrSpec, err, "list %s", target)
	}

	for _, child := range children {
		name := child.Name()
		switch name {
		case "", ".", "..", "\x00", "\x01":
			continue
		}
		if strings.ContainsAny(name, `/\`) || path.Clean(name) != name {
			return imgerr.Errorf(imgerr.ErrSpec, "invalid entry name %q in content image", name)
		}
		dst := filepath.Join(target, name)

		if child.IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return imgerr.Wrap(imgerr.ErrIO, err, "create %s", dst)
			}
			if err := unpackISODir(child, dst); err != nil {
				return err
			}
			continue
		}

		if err := writeFile(dst, child.Reader()); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(dst string, r io.Reader) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "create %s", dst)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return imgerr.Wrap(imgerr.ErrIO, err, "write %s", dst)
	}
	if err := out.Close(); err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "close %s", dst)
	}
	return nil
}
