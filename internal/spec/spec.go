// Package spec models the declarative description of a disk image and loads
// it from YAML.
package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/imgbuild/internal/imgerr"
)

// ImageSpec is the parsed top-level image description.
type ImageSpec struct {
	// Path is the output image. Its extension selects the container format.
	Path         string
	TotalSectors int64
	Table        TableType
	// Partitions are placed on disk in this order.
	Partitions []PartitionSpec
}

// Format returns the container format implied by Path.
func (s *ImageSpec) Format() Format {
	return FormatFromPath(s.Path)
}

// PartitionSpec is one partition as declared by the user. Filesystem and Size
// are kept as written; the layout planner validates and resolves them.
type PartitionSpec struct {
	Filesystem Filesystem
	// Size is a size token ("64M") or FitToken.
	Size     string
	Label    string
	Bootable bool
	// Content is an optional source directory, or an .iso image.
	Content string
}

// IsFit reports whether the partition consumes the remaining disk space.
func (p PartitionSpec) IsFit() bool {
	return strings.EqualFold(strings.TrimSpace(p.Size), FitToken)
}

type imageDocument struct {
	File       string               `yaml:"file"`
	Size       string               `yaml:"size"`
	Type       string               `yaml:"type"`
	Partitions *[]partitionDocument `yaml:"partitions"`
}

type partitionDocument struct {
	FS       string `yaml:"fs"`
	Size     string `yaml:"size"`
	Label    string `yaml:"label"`
	Bootable bool   `yaml:"bootable"`
	Content  string `yaml:"content"`
}

// Load reads a spec file. A non-empty fileOverride replaces the file key, and
// relative content paths are resolved against the spec file's directory.
func Load(path, fileOverride string) (*ImageSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.ErrSpec, err, "read spec %s", path)
	}

	parsed, err := Parse(data, fileOverride)
	if err != nil {
		return nil, fmt.Errorf("spec %s: %w", path, err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve spec directory: %w", err)
	}
	for i := range parsed.Partitions {
		content := parsed.Partitions[i].Content
		if content != "" && !filepath.IsAbs(content) {
			parsed.Partitions[i].Content = filepath.Join(baseDir, content)
		}
	}
	return parsed, nil
}

// Parse decodes a YAML spec document. Partition filesystems and sizes are
// carried through unresolved.
func Parse(data []byte, fileOverride string) (*ImageSpec, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var doc imageDocument
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, imgerr.Errorf(imgerr.ErrSpec, "spec is empty")
		}
		return nil, imgerr.Wrap(imgerr.ErrSpec, err, "decode spec")
	}

	if strings.TrimSpace(fileOverride) != "" {
		doc.File = fileOverride
	}
	if strings.TrimSpace(doc.File) == "" {
		return nil, imgerr.Errorf(imgerr.ErrSpec, "no filename given")
	}
	if strings.TrimSpace(doc.Size) == "" {
		return nil, imgerr.Errorf(imgerr.ErrSpec, "no size given")
	}
	total, err := ParseSize(doc.Size)
	if err != nil {
		return nil, fmt.Errorf("image size: %w", err)
	}
	if strings.TrimSpace(doc.Type) == "" {
		return nil, imgerr.Errorf(imgerr.ErrSpec, "no partition type given")
	}
	table, err := ParseTableType(doc.Type)
	if err != nil {
		return nil, err
	}
	if doc.Partitions == nil || len(*doc.Partitions) == 0 {
		return nil, imgerr.Errorf(imgerr.ErrSpec, "no partitions in spec")
	}

	image := &ImageSpec{
		Path:         doc.File,
		TotalSectors: total,
		Table:        table,
		Partitions:   make([]PartitionSpec, 0, len(*doc.Partitions)),
	}
	for _, p := range *doc.Partitions {
		image.Partitions = append(image.Partitions, PartitionSpec{
			Filesystem: Filesystem(strings.ToLower(strings.TrimSpace(p.FS))),
			Size:       strings.TrimSpace(p.Size),
			Label:      p.Label,
			Bootable:   p.Bootable,
			Content:    p.Content,
		})
	}
	return image, nil
}
