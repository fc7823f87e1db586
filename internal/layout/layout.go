// Package layout turns an ordered list of partition specifications into an
// exact sector-level layout.
package layout

import (
	"fmt"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/spec"
)

// AlignmentSectors is the gap kept before the first partition and after the
// last one (1 MiB of 512-byte sectors).
const AlignmentSectors int64 = 2048

// Partition is a fully resolved partition. It is never mutated once planned.
type Partition struct {
	Index int
	// Start is the first sector; End is exclusive.
	Start      int64
	End        int64
	Sectors    int64
	Filesystem spec.Filesystem
	Label      string
	Bootable   bool
	Content    string
}

// Slot is the 1-based table slot number of the partition.
func (p Partition) Slot() int {
	return p.Index + 1
}

// LastSector is the inclusive end sector, as partition tools expect it.
func (p Partition) LastSector() int64 {
	return p.End - 1
}

// Offset is the byte offset of the partition inside the raw image.
func (p Partition) Offset() int64 {
	return p.Start * spec.SectorSize
}

// Bytes is the partition size in bytes.
func (p Partition) Bytes() int64 {
	return p.Sectors * spec.SectorSize
}

// HasContent reports whether the partition is populated from a source tree.
func (p Partition) HasContent() bool {
	return p.Content != ""
}

// Error explains why a partition could not be placed.
type Error struct {
	Index  int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("layout: %v", e.Err)
	}
	return fmt.Sprintf("partition %d: %v", e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func specError(index int, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	return &Error{Index: index, Reason: reason, Err: imgerr.Errorf(imgerr.ErrSpec, "%s", reason)}
}

func layoutError(index int, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	return &Error{Index: index, Reason: reason, Err: imgerr.Errorf(imgerr.ErrLayout, "%s", reason)}
}

// FitSectors is the size given to a fit partition on a disk of total sectors
// where the other partitions claim used sectors.
func FitSectors(total, used int64) int64 {
	return total - AlignmentSectors - used - AlignmentSectors + 1
}

// Plan resolves specs against a disk of total sectors. Partitions are placed
// back to back starting at AlignmentSectors, in input order. At most one
// partition may be sized "fit"; it receives every sector not claimed by the
// others, minus a trailing alignment gap.
func Plan(total int64, specs []spec.PartitionSpec) ([]Partition, error) {
	if total <= 2*AlignmentSectors {
		return nil, layoutError(-1, "disk of %d sectors cannot hold any partition", total)
	}
	if len(specs) == 0 {
		return nil, specError(-1, "no partitions")
	}

	sizes := make([]int64, len(specs))
	fitIndex := -1
	var used int64

	for i, s := range specs {
		if s.Filesystem == "" {
			return nil, specError(i, "no filesystem given")
		}
		if !s.Filesystem.Valid() {
			return nil, specError(i, "unsupported filesystem %q, supported %v", s.Filesystem, spec.Filesystems())
		}
		if s.Size == "" {
			return nil, specError(i, "no size given")
		}

		if s.IsFit() {
			if fitIndex >= 0 {
				return nil, specError(i, "only one fit partition is allowed, partition %d is already fit", fitIndex)
			}
			fitIndex = i
			continue
		}

		sectors, err := spec.ParseSize(s.Size)
		if err != nil {
			return nil, &Error{Index: i, Reason: "invalid size", Err: err}
		}
		if sectors <= 0 {
			return nil, layoutError(i, "size %q resolves to zero sectors", s.Size)
		}
		if sectors > total || used > total-sectors {
			return nil, layoutError(i, "size %q does not fit on a %d-sector disk", s.Size, total)
		}
		sizes[i] = sectors
		used += sectors
	}

	if fitIndex >= 0 {
		remaining := FitSectors(total, used)
		if remaining <= 0 {
			return nil, layoutError(fitIndex, "no space left for fit partition (%d sectors remaining)", remaining)
		}
		sizes[fitIndex] = remaining
	}

	partitions := make([]Partition, 0, len(specs))
	cursor := AlignmentSectors
	for i, s := range specs {
		if sizes[i] > total-cursor {
			return nil, layoutError(i, "%d sectors from sector %d run past the end of the %d-sector disk", sizes[i], cursor, total)
		}
		end := cursor + sizes[i]
		partitions = append(partitions, Partition{
			Index:      i,
			Start:      cursor,
			End:        end,
			Sectors:    sizes[i],
			Filesystem: s.Filesystem,
			Label:      s.Label,
			Bootable:   s.Bootable,
			Content:    s.Content,
		})
		cursor = end
	}

	return partitions, nil
}
