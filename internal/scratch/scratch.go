// Package scratch manages the per-partition byte stores that stand in for a
// partition's on-disk bytes while it is being formatted or populated.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/logging"
)

// Manager hands out one scratch file per partition index under Dir.
// Allocate, Load and Release are safe for concurrent use on distinct
// partitions.
type Manager struct {
	Dir    string
	Logger *slog.Logger

	mu      sync.Mutex
	regions map[int]string
}

// NewManager returns a manager rooted at dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{Dir: dir, Logger: logger}
}

// Path returns where the scratch region for p lives.
func (m *Manager) Path(p layout.Partition) string {
	return filepath.Join(m.Dir, fmt.Sprintf("part%d.img", p.Index))
}

// Allocate creates a zero-filled region of exactly p.Bytes() bytes.
func (m *Manager) Allocate(p layout.Partition) (string, error) {
	path := m.Path(p)
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", imgerr.Wrap(imgerr.ErrIO, err, "create scratch directory %s", m.Dir)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return "", imgerr.Wrap(imgerr.ErrIO, err, "create scratch region for partition %d", p.Index)
	}
	m.track(p.Index, path)

	if err := reserve(f, p.Bytes()); err != nil {
		f.Close()
		return "", imgerr.Wrap(imgerr.ErrIO, err, "size scratch region for partition %d to %d bytes", p.Index, p.Bytes())
	}
	if err := f.Close(); err != nil {
		return "", imgerr.Wrap(imgerr.ErrIO, err, "close scratch region for partition %d", p.Index)
	}

	m.logger().Debug("scratch region allocated", "partition", p.Index, "path", path, "bytes", p.Bytes())
	return path, nil
}

// Load fills the region for p with the partition's bytes read from image,
// allocating the region first if needed.
func (m *Manager) Load(p layout.Partition, image string) (string, error) {
	path, ok := m.lookup(p.Index)
	if !ok {
		var err error
		if path, err = m.Allocate(p); err != nil {
			return "", err
		}
	}

	src, err := os.Open(image)
	if err != nil {
		return "", imgerr.Wrap(imgerr.ErrIO, err, "open image %s", image)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", imgerr.Wrap(imgerr.ErrIO, err, "stat image %s", image)
	}
	if end := p.Offset() + p.Bytes(); info.Size() < end {
		return "", imgerr.Errorf(imgerr.ErrIO, "image %s is %d bytes, partition %d ends at byte %d", image, info.Size(), p.Index, end)
	}

	dst, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return "", imgerr.Wrap(imgerr.ErrIO, err, "open scratch region for partition %d", p.Index)
	}

	n, err := io.Copy(dst, io.NewSectionReader(src, p.Offset(), p.Bytes()))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", imgerr.Wrap(imgerr.ErrIO, err, "extract partition %d", p.Index)
	}
	if n != p.Bytes() {
		return "", imgerr.Errorf(imgerr.ErrIO, "extract partition %d: short read, %d of %d bytes", p.Index, n, p.Bytes())
	}

	m.logger().Debug("partition extracted", "partition", p.Index, "offset", p.Offset(), "bytes", n)
	return path, nil
}

// Commit writes the region for p into image at the partition's offset. The
// rest of image is left as it is.
func (m *Manager) Commit(p layout.Partition, image string) error {
	path, ok := m.lookup(p.Index)
	if !ok {
		return imgerr.Errorf(imgerr.ErrIO, "partition %d has no scratch region", p.Index)
	}

	src, err := os.Open(path)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "open scratch region for partition %d", p.Index)
	}
	defer src.Close()

	dst, err := os.OpenFile(image, os.O_WRONLY, 0)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "open image %s", image)
	}

	n, err := io.Copy(io.NewOffsetWriter(dst, p.Offset()), io.LimitReader(src, p.Bytes()))
	if err == nil {
		err = dst.Sync()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "commit partition %d", p.Index)
	}
	if n != p.Bytes() {
		return imgerr.Errorf(imgerr.ErrIO, "commit partition %d: short write, %d of %d bytes", p.Index, n, p.Bytes())
	}

	m.logger().Debug("partition committed", "partition", p.Index, "offset", p.Offset(), "bytes", n)
	return nil
}

// Release deletes the region for p. Releasing an unknown region is a no-op.
func (m *Manager) Release(p layout.Partition) error {
	return m.release(p.Index)
}

// ReleaseAll deletes every region still held, in index order.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	indexes := make([]int, 0, len(m.regions))
	for index := range m.regions {
		indexes = append(indexes, index)
	}
	m.mu.Unlock()
	sort.Ints(indexes)

	var errs []error
	for _, index := range indexes {
		if err := m.release(index); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Held returns the indexes of regions that have not been released.
func (m *Manager) Held() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	indexes := make([]int, 0, len(m.regions))
	for index := range m.regions {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

func (m *Manager) release(index int) error {
	m.mu.Lock()
	path, ok := m.regions[index]
	delete(m.regions, index)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return imgerr.Wrap(imgerr.ErrIO, err, "release scratch region for partition %d", index)
	}
	m.logger().Debug("scratch region released", "partition", index)
	return nil
}

func (m *Manager) track(index int, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.regions == nil {
		m.regions = make(map[int]string)
	}
	m.regions[index] = path
}

func (m *Manager) lookup(index int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.regions[index]
	return path, ok
}

func (m *Manager) logger() *slog.Logger {
	return logging.Ensure(m.Logger)
}

// CreateImage creates the backing raw image at path, zero-filled to size
// bytes. It fails if path already exists.
func CreateImage(path string, size int64) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return imgerr.Wrap(imgerr.ErrIO, err, "create image directory %s", dir)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "create image %s", path)
	}
	if err := reserve(f, size); err != nil {
		f.Close()
		os.Remove(path)
		return imgerr.Wrap(imgerr.ErrIO, err, "size image %s to %d bytes", path, size)
	}
	if err := f.Close(); err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "close image %s", path)
	}
	return nil
}
