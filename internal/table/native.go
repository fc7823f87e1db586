package table

import (
	"context"
	"fmt"
	"math"
	"sync"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/google/uuid"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/spec"
)

var (
	_ Writer   = (*NativeWriter)(nil)
	_ Finisher = (*NativeWriter)(nil)
)

// MBR partition type bytes without a named constant in go-diskfs.
const (
	mbrFat12 mbr.Type = 0x01
	mbrFat16 mbr.Type = 0x06
)

// gptLegacyBootable is the "legacy BIOS bootable" attribute bit.
const gptLegacyBootable uint64 = 1 << 2

// NativeWriter writes tables in-process with go-diskfs. go-diskfs always
// writes a whole table, so the writer keeps the table under construction for
// each image and rewrites it on every call.
type NativeWriter struct {
	mu      sync.Mutex
	pending map[string]*pendingTable
}

type pendingTable struct {
	tableType spec.TableType
	diskGUID  string
	parts     []layout.Partition
	guids     []string
	bootable  map[int]bool
}

func (w *NativeWriter) Init(_ context.Context, image string, tableType spec.TableType) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending == nil {
		w.pending = make(map[string]*pendingTable)
	}
	w.pending[image] = &pendingTable{
		tableType: tableType,
		diskGUID:  uuid.NewString(),
		bootable:  make(map[int]bool),
	}
	return nil
}

func (w *NativeWriter) AddPartition(_ context.Context, image string, tableType spec.TableType, p layout.Partition) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pt, err := w.table(image, tableType)
	if err != nil {
		return err
	}
	pt.parts = append(pt.parts, p)
	pt.guids = append(pt.guids, uuid.NewString())
	return writeTable(image, pt)
}

func (w *NativeWriter) SetBootable(_ context.Context, image string, tableType spec.TableType, p layout.Partition) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pt, err := w.table(image, tableType)
	if err != nil {
		return err
	}
	if p.Index < 0 || p.Index >= len(pt.parts) {
		return imgerr.Errorf(imgerr.ErrLayout, "partition %d is not in the table", p.Index)
	}
	pt.bootable[p.Index] = true
	return writeTable(image, pt)
}

// Finish forgets the table kept for image. The table on disk is unaffected.
func (w *NativeWriter) Finish(image string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, image)
}

func (w *NativeWriter) table(image string, tableType spec.TableType) (*pendingTable, error) {
	pt, ok := w.pending[image]
	if !ok {
		return nil, imgerr.Errorf(imgerr.ErrCollaborator, "no table initialised for %s", image)
	}
	if pt.tableType != tableType {
		return nil, imgerr.Errorf(imgerr.ErrCollaborator, "table for %s is %s, not %s", image, pt.tableType, tableType)
	}
	return pt, nil
}

func writeTable(image string, pt *pendingTable) error {
	var (
		table partition.Table
		err   error
	)
	switch pt.tableType {
	case spec.MBR:
		table, err = mbrTable(pt)
	case spec.GPT:
		table = gptTable(pt)
	default:
		err = imgerr.Errorf(imgerr.ErrSpec, "unsupported partition type %q", pt.tableType)
	}
	if err != nil {
		return err
	}

	d, err := diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadWriteExclusive))
	if err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "open %s", image)
	}
	defer d.Close()

	if err := d.Partition(table); err != nil {
		return imgerr.Wrap(imgerr.ErrCollaborator, err, "write %s table to %s", pt.tableType, image)
	}
	return nil
}

func mbrTable(pt *pendingTable) (*mbr.Table, error) {
	table := &mbr.Table{
		LogicalSectorSize:  int(spec.SectorSize),
		PhysicalSectorSize: int(spec.SectorSize),
	}
	if len(pt.parts) > 4 {
		return nil, imgerr.Errorf(imgerr.ErrLayout, "mbr supports 4 primary partitions, layout has %d", len(pt.parts))
	}
	for _, p := range pt.parts {
		if p.End > math.MaxUint32 {
			return nil, imgerr.Errorf(imgerr.ErrLayout, "partition %d ends at sector %d, beyond the mbr limit", p.Index, p.End)
		}
		table.Partitions = append(table.Partitions, &mbr.Partition{
			Bootable: pt.bootable[p.Index],
			Type:     mbrType(p.Filesystem),
			Start:    uint32(p.Start),
			Size:     uint32(p.Sectors),
		})
	}
	return table, nil
}

func gptTable(pt *pendingTable) *gpt.Table {
	table := &gpt.Table{
		LogicalSectorSize:  int(spec.SectorSize),
		PhysicalSectorSize: int(spec.SectorSize),
		ProtectiveMBR:      true,
		GUID:               pt.diskGUID,
	}
	for i, p := range pt.parts {
		var attributes uint64
		if pt.bootable[p.Index] {
			attributes |= gptLegacyBootable
		}
		name := p.Label
		if name == "" {
			name = fmt.Sprintf("part%d", p.Slot())
		}
		table.Partitions = append(table.Partitions, &gpt.Partition{
			Start:      uint64(p.Start),
			End:        uint64(p.LastSector()),
			Size:       uint64(p.Bytes()),
			Type:       gptType(p.Filesystem),
			Name:       name,
			GUID:       pt.guids[i],
			Attributes: attributes,
		})
	}
	return table
}

func mbrType(fs spec.Filesystem) mbr.Type {
	switch fs {
	case spec.FAT12:
		return mbrFat12
	case spec.FAT16:
		return mbrFat16
	case spec.FAT32:
		return mbr.Fat32LBA
	default:
		return mbr.Linux
	}
}

func gptType(fs spec.Filesystem) gpt.Type {
	if fs.IsFAT() {
		return gpt.MicrosoftBasicData
	}
	return gpt.LinuxFilesystem
}
