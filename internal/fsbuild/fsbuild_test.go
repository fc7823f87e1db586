package fsbuild

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/spec"
	"github.com/cochaviz/imgbuild/internal/tools"
)

type recordingRunner struct {
	mu       sync.Mutex
	commands []tools.Command
}

func (r *recordingRunner) Run(_ context.Context, cmd tools.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return nil
}

func (r *recordingRunner) lines() []string {
	out := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd.String())
	}
	return out
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("create %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestRegistriesCoverEveryFilesystem(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{}
	for name, registry := range map[string]Registry{
		"tools":  ToolRegistry(runner),
		"native": NativeRegistry(runner),
	} {
		if missing := registry.Missing(); len(missing) != 0 {
			t.Fatalf("%s registry has no driver for %v", name, missing)
		}
	}

	if _, err := (Registry{}).Lookup(spec.FAT32); imgerr.CategoryOf(err) != imgerr.ErrSpec {
		t.Fatalf("Lookup() on empty registry error = %v, want spec error", err)
	}
}

func TestFormatterCommands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fs    spec.Filesystem
		label string
		want  string
	}{
		{fs: spec.FAT12, want: "mkfs.fat -F 12 -s 1 part0.img"},
		{fs: spec.FAT16, label: "BOOT", want: "mkfs.fat -F 16 -s 1 -n BOOT part0.img"},
		{fs: spec.FAT32, want: "mkfs.fat -F 32 -s 1 part0.img"},
		{fs: spec.FAT32, label: "bootloader-data", want: "mkfs.fat -F 32 -s 1 -n BOOTLOADER- part0.img"},
		{fs: spec.FAT12, label: "   ", want: "mkfs.fat -F 12 -s 1 part0.img"},
		{fs: spec.EXT2, want: "mke2fs -t ext2 -F -q part0.img"},
		{fs: spec.EXT4, label: "root", want: "mke2fs -t ext4 -F -q -L root part0.img"},
		{fs: spec.ECHFS, label: "ignored", want: "echfs-utils part0.img format 512"},
	}

	for _, tc := range cases {
		runner := &recordingRunner{}
		driver, err := ToolRegistry(runner).Lookup(tc.fs)
		if err != nil {
			t.Fatalf("Lookup(%s) error = %v", tc.fs, err)
		}
		p := layout.Partition{Filesystem: tc.fs, Label: tc.label, Sectors: 2048}
		if err := driver.Formatter.Format(context.Background(), "part0.img", p); err != nil {
			t.Fatalf("Format(%s) error = %v", tc.fs, err)
		}
		if got := runner.lines(); len(got) != 1 || got[0] != tc.want {
			t.Fatalf("Format(%s) commands = %v, want [%s]", tc.fs, got, tc.want)
		}
	}
}

func TestFormatterRejectsForeignFilesystem(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{}
	drivers := []Formatter{&FATDriver{Runner: runner}, &ExtDriver{Runner: runner}, &EchFSDriver{Runner: runner}, NativeFAT32{}}
	for _, driver := range drivers {
		err := driver.Format(context.Background(), "part0.img", layout.Partition{Filesystem: "ntfs"})
		if imgerr.CategoryOf(err) != imgerr.ErrSpec {
			t.Fatalf("%T.Format(ntfs) error = %v, want spec error", driver, err)
		}
	}
	if len(runner.commands) != 0 {
		t.Fatalf("commands ran for an unsupported filesystem: %v", runner.lines())
	}
}

func TestPopulatorCommandsFollowLexicalOrder(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"boot/kernel.bin":  "kernel",
		"boot/grub/a.cfg":  "cfg",
		"readme.txt":       "hi",
		"a-first/file.dat": "x",
	})

	cases := []struct {
		fs   spec.Filesystem
		want []string
	}{
		{
			fs: spec.FAT16,
			want: []string{
				"mmd -i r.img ::/a-first",
				"mcopy -o -i r.img SRC/a-first/file.dat ::/a-first/file.dat",
				"mmd -i r.img ::/boot",
				"mmd -i r.img ::/boot/grub",
				"mcopy -o -i r.img SRC/boot/grub/a.cfg ::/boot/grub/a.cfg",
				"mcopy -o -i r.img SRC/boot/kernel.bin ::/boot/kernel.bin",
				"mcopy -o -i r.img SRC/readme.txt ::/readme.txt",
			},
		},
		{
			fs: spec.EXT3,
			want: []string{
				"e2mkdir r.img:/a-first",
				"e2cp SRC/a-first/file.dat r.img:/a-first/file.dat",
				"e2mkdir r.img:/boot",
				"e2mkdir r.img:/boot/grub",
				"e2cp SRC/boot/grub/a.cfg r.img:/boot/grub/a.cfg",
				"e2cp SRC/boot/kernel.bin r.img:/boot/kernel.bin",
				"e2cp SRC/readme.txt r.img:/readme.txt",
			},
		},
		{
			fs: spec.ECHFS,
			want: []string{
				"echfs-utils r.img mkdir a-first",
				"echfs-utils r.img import SRC/a-first/file.dat a-first/file.dat",
				"echfs-utils r.img mkdir boot",
				"echfs-utils r.img mkdir boot/grub",
				"echfs-utils r.img import SRC/boot/grub/a.cfg boot/grub/a.cfg",
				"echfs-utils r.img import SRC/boot/kernel.bin boot/kernel.bin",
				"echfs-utils r.img import SRC/readme.txt readme.txt",
			},
		},
	}

	for _, tc := range cases {
		runner := &recordingRunner{}
		driver, err := ToolRegistry(runner).Lookup(tc.fs)
		if err != nil {
			t.Fatalf("Lookup(%s) error = %v", tc.fs, err)
		}
		if err := driver.Populator.Populate(context.Background(), "r.img", source); err != nil {
			t.Fatalf("Populate(%s) error = %v", tc.fs, err)
		}

		got := runner.lines()
		for i := range got {
			got[i] = strings.ReplaceAll(got[i], source, "SRC")
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Populate(%s) commands =\n%s\nwant\n%s", tc.fs, strings.Join(got, "\n"), strings.Join(tc.want, "\n"))
		}

		for _, cmd := range runner.commands {
			isMkdir := cmd.Name == "mmd" || cmd.Name == "e2mkdir" || (len(cmd.Args) > 1 && cmd.Args[1] == "mkdir")
			if isMkdir != reflect.DeepEqual(cmd.AllowedExit, []int{1}) {
				t.Fatalf("%s: allowed exit codes = %v", cmd, cmd.AllowedExit)
			}
		}
	}
}

func TestPopulateRejectsSymlinksAndMissingSource(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeTree(t, source, map[string]string{"target.txt": "x"})
	if err := os.Symlink("target.txt", filepath.Join(source, "link.txt")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	driver := &FATDriver{Runner: &recordingRunner{}}
	if err := driver.Populate(context.Background(), "r.img", source); imgerr.CategoryOf(err) != imgerr.ErrSpec {
		t.Fatalf("Populate() with symlink error = %v, want spec error", err)
	}

	missing := filepath.Join(t.TempDir(), "nope")
	if err := driver.Populate(context.Background(), "r.img", missing); imgerr.CategoryOf(err) != imgerr.ErrSpec {
		t.Fatalf("Populate() of missing source error = %v, want spec error", err)
	}
}

func TestStageContentUnpacksISO(t *testing.T) {
	t.Parallel()

	tree := t.TempDir()
	writeTree(t, tree, map[string]string{
		"boot/kernel.bin": "kernel-bytes",
		"readme.txt":      "hello",
	})

	isoPath := filepath.Join(t.TempDir(), "content.iso")
	writer, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("create iso writer: %v", err)
	}
	defer writer.Cleanup()
	if err := writer.AddLocalDirectory(tree, "/"); err != nil {
		t.Fatalf("stage iso tree: %v", err)
	}
	out, err := os.Create(isoPath)
	if err != nil {
		t.Fatalf("create iso: %v", err)
	}
	if err := writer.WriteTo(out, "CONTENT"); err != nil {
		t.Fatalf("write iso: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close iso: %v", err)
	}

	stage := filepath.Join(t.TempDir(), "stage")
	dir, err := StageContent(isoPath, stage)
	if err != nil {
		t.Fatalf("StageContent() error = %v", err)
	}
	if dir != stage {
		t.Fatalf("StageContent() = %s, want %s", dir, stage)
	}
	data, err := os.ReadFile(filepath.Join(stage, "boot", "kernel.bin"))
	if err != nil {
		t.Fatalf("read staged kernel: %v", err)
	}
	if string(data) != "kernel-bytes" {
		t.Fatalf("staged kernel = %q", data)
	}

	plain := t.TempDir()
	if dir, err := StageContent(plain, stage); err != nil || dir != plain {
		t.Fatalf("StageContent(dir) = %s, %v; want the directory unchanged", dir, err)
	}
}

func newRegion(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part0.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create region: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("size region: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close region: %v", err)
	}
	return path
}

func readFATFile(t *testing.T, region, path string) (string, bool) {
	t.Helper()
	d, err := diskfs.Open(region, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	defer d.Close()

	fs, err := d.GetFilesystem(0)
	if err != nil {
		t.Fatalf("read filesystem: %v", err)
	}
	f, err := fs.OpenFile(path, os.O_RDONLY)
	if err != nil {
		return "", false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data), true
}

func TestNativeFAT32FormatAndPopulate(t *testing.T) {
	t.Parallel()

	region := newRegion(t, 64<<20)
	p := layout.Partition{Filesystem: spec.FAT32, Label: "data", Sectors: (64 << 20) / spec.SectorSize}

	driver := NativeFAT32{}
	if err := driver.Format(context.Background(), region, p); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	first := t.TempDir()
	writeTree(t, first, map[string]string{
		"boot/kernel.bin": "kernel-v1",
		"keep.txt":        "kept",
	})
	if err := driver.Populate(context.Background(), region, first); err != nil {
		t.Fatalf("Populate() error = %v", err)
	}

	second := t.TempDir()
	writeTree(t, second, map[string]string{"boot/kernel.bin": "kernel-v2"})
	if err := driver.Populate(context.Background(), region, second); err != nil {
		t.Fatalf("second Populate() error = %v", err)
	}

	if got, ok := readFATFile(t, region, "/boot/kernel.bin"); !ok || got != "kernel-v2" {
		t.Fatalf("/boot/kernel.bin = %q (found %v), want kernel-v2", got, ok)
	}
	if got, ok := readFATFile(t, region, "/keep.txt"); !ok || got != "kept" {
		t.Fatalf("/keep.txt = %q (found %v), want it left in place", got, ok)
	}
}

func TestFATLabel(t *testing.T) {
	t.Parallel()

	if got := fatLabel(" efi "); got != "EFI" {
		t.Fatalf("fatLabel(efi) = %q", got)
	}
	if got := fatLabel("a-very-long-label"); got != "A-VERY-LONG" {
		t.Fatalf("fatLabel(long) = %q", got)
	}
}
