package table

import (
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/part"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/spec"
)

var _ Verifier = DiskVerifier{}

// Verifier checks an existing raw image against a planned layout.
type Verifier interface {
	Verify(image string, tableType spec.TableType, parts []layout.Partition) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(image string, tableType spec.TableType, parts []layout.Partition) error

func (f VerifierFunc) Verify(image string, tableType spec.TableType, parts []layout.Partition) error {
	return f(image, tableType, parts)
}

// DiskVerifier reads the partition table of an image with go-diskfs.
type DiskVerifier struct{}

// Verify fails with a layout error unless image holds a table of tableType
// whose partitions start and end exactly where parts do.
func (DiskVerifier) Verify(image string, tableType spec.TableType, parts []layout.Partition) error {
	d, err := diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "open %s", image)
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return imgerr.Wrap(imgerr.ErrLayout, err, "read partition table of %s", image)
	}
	if got := strings.ToLower(table.Type()); got != string(tableType) {
		return imgerr.Errorf(imgerr.ErrLayout, "%s has a %s partition table, spec expects %s", image, got, tableType)
	}

	var existing []part.Partition
	for _, p := range table.GetPartitions() {
		// Unused slots read back as zero-valued entries.
		if p == nil || p.GetStart() == 0 || p.GetSize() == 0 {
			continue
		}
		existing = append(existing, p)
	}
	return compareLayout(image, existing, parts)
}

func compareLayout(image string, existing []part.Partition, parts []layout.Partition) error {
	if len(existing) != len(parts) {
		return imgerr.Errorf(imgerr.ErrLayout, "%s has %d partitions, spec expects %d", image, len(existing), len(parts))
	}
	for i, p := range parts {
		got := existing[i]
		if got.GetStart() != p.Offset() || got.GetSize() != p.Bytes() {
			return imgerr.Errorf(imgerr.ErrLayout,
				"partition %d of %s spans bytes [%d, %d), spec expects [%d, %d)",
				p.Index, image, got.GetStart(), got.GetStart()+got.GetSize(), p.Offset(), p.Offset()+p.Bytes())
		}
	}
	return nil
}
