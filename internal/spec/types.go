package spec

import (
	"path/filepath"
	"strings"

	"github.com/cochaviz/imgbuild/internal/imgerr"
)

// Filesystem is the closed set of filesystems a partition can carry.
type Filesystem string

// Supported filesystems.
const (
	FAT12 Filesystem = "fat12"
	FAT16 Filesystem = "fat16"
	FAT32 Filesystem = "fat32"
	EXT2  Filesystem = "ext2"
	EXT3  Filesystem = "ext3"
	EXT4  Filesystem = "ext4"
	ECHFS Filesystem = "echfs"
)

// Filesystems returns every supported filesystem in declaration order.
func Filesystems() []Filesystem {
	return []Filesystem{FAT12, FAT16, FAT32, EXT2, EXT3, EXT4, ECHFS}
}

// Valid reports whether f is one of the supported filesystems.
func (f Filesystem) Valid() bool {
	for _, known := range Filesystems() {
		if f == known {
			return true
		}
	}
	return false
}

// IsFAT reports whether f belongs to the FAT family.
func (f Filesystem) IsFAT() bool {
	return f == FAT12 || f == FAT16 || f == FAT32
}

// IsExt reports whether f belongs to the ext2/3/4 family.
func (f Filesystem) IsExt() bool {
	return f == EXT2 || f == EXT3 || f == EXT4
}

func (f Filesystem) String() string {
	return string(f)
}

// ParseFilesystem resolves a filesystem name as written in a spec file.
func ParseFilesystem(name string) (Filesystem, error) {
	f := Filesystem(strings.ToLower(strings.TrimSpace(name)))
	if !f.Valid() {
		return "", imgerr.Errorf(imgerr.ErrSpec, "unsupported filesystem %q, supported: %v", name, Filesystems())
	}
	return f, nil
}

// TableType is the partition table flavour.
type TableType string

// Supported partition tables.
const (
	GPT TableType = "gpt"
	MBR TableType = "mbr"
)

func (t TableType) String() string {
	return string(t)
}

// ParseTableType resolves a table type as written in a spec file.
func ParseTableType(name string) (TableType, error) {
	switch TableType(strings.ToLower(strings.TrimSpace(name))) {
	case GPT:
		return GPT, nil
	case MBR:
		return MBR, nil
	default:
		return "", imgerr.Errorf(imgerr.ErrSpec, "unsupported partition type %q, supported: [gpt mbr]", name)
	}
}

// Format is the container format of an image file.
type Format string

// Container formats, named the way qemu-img names them.
const (
	FormatRaw   Format = "raw"
	FormatVMDK  Format = "vmdk"
	FormatVDI   Format = "vdi"
	FormatQCOW2 Format = "qcow2"
)

// FormatFromPath infers the container format from the file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vmdk":
		return FormatVMDK
	case ".vdi":
		return FormatVDI
	case ".qcow2":
		return FormatQCOW2
	default:
		return FormatRaw
	}
}
