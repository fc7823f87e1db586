// Package build drives an image build from a parsed spec to a finished image:
// plan the layout, create or extract the image, format and populate every
// partition in parallel, then write the partitions back and convert.
package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/imgbuild/internal/convert"
	"github.com/cochaviz/imgbuild/internal/fsbuild"
	"github.com/cochaviz/imgbuild/internal/imgerr"
	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/logging"
	"github.com/cochaviz/imgbuild/internal/scratch"
	"github.com/cochaviz/imgbuild/internal/spec"
	"github.com/cochaviz/imgbuild/internal/table"
)

// Orchestrator runs builds. It holds no per-run state and may run several
// builds concurrently as long as their targets differ.
type Orchestrator struct {
	Logger    *slog.Logger
	Tables    table.Writer
	Drivers   fsbuild.Registry
	Converter convert.Converter
	// Verifier checks an existing image before extraction. Nil trusts the
	// image to match the planned layout.
	Verifier table.Verifier
	// ScratchDir is the parent of each run's scratch directory. Empty means
	// os.TempDir().
	ScratchDir string
	// Workers bounds the per-partition tasks running at once. Zero or less
	// means runtime.NumCPU().
	Workers int
}

// Run builds image. The returned Result is never nil and records how far the
// run got; the error, if any, is a *BuildError.
func (o *Orchestrator) Run(ctx context.Context, image *spec.ImageSpec) (*Result, error) {
	r := &run{
		o:        o,
		image:    image,
		failures: make(map[int]*PartitionError),
		result: &Result{
			RunID:     uuid.NewString(),
			State:     StatePlanning,
			StartedAt: time.Now(),
		},
	}
	if image != nil {
		r.result.Path = image.Path
		r.result.Format = image.Format()
		r.result.Table = image.Table
	}
	r.logger = o.logger().With("run_id", r.result.RunID, "image", r.result.Path)

	err := r.execute(ctx)
	r.finish()
	r.result.FinishedAt = time.Now()

	if err != nil {
		failedIn := r.result.State
		if r.failedIn != "" {
			failedIn = r.failedIn
		}
		r.transition(StateFailed)
		r.logger.Error("build failed", "state", failedIn, "error", err)
		return r.result, &BuildError{State: failedIn, Err: err}
	}

	r.transition(StateDone)
	r.logger.Info("build finished",
		"mode", r.result.Mode,
		"partitions", len(r.result.Partitions),
		"duration", r.result.FinishedAt.Sub(r.result.StartedAt),
	)
	return r.result, nil
}

func (o *Orchestrator) logger() *slog.Logger {
	return logging.Ensure(o.Logger)
}

func (o *Orchestrator) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

func (o *Orchestrator) scratchDir() string {
	if o.ScratchDir != "" {
		return o.ScratchDir
	}
	return os.TempDir()
}

func (o *Orchestrator) validate() error {
	switch {
	case o.Tables == nil:
		return errors.New("partition table writer is not configured")
	case o.Drivers == nil:
		return errors.New("filesystem drivers are not configured")
	case o.Converter == nil:
		return errors.New("image converter is not configured")
	}
	return nil
}

// run is the state of one Orchestrator.Run call.
type run struct {
	o      *Orchestrator
	image  *spec.ImageSpec
	logger *slog.Logger
	result *Result

	runDir  string
	work    string
	scratch *scratch.Manager

	// created is the image file this run created, removed again if the run
	// fails before anything was committed to it.
	created   string
	committed int
	populated map[int]bool
	failures  map[int]*PartitionError

	// firstFailure is the state the first partition failure happened in.
	// failedIn is set to it when the run ends with partition failures only.
	firstFailure State
	failedIn     State
}

func (r *run) execute(ctx context.Context) error {
	if err := r.o.validate(); err != nil {
		return err
	}
	if r.image == nil {
		return imgerr.Errorf(imgerr.ErrSpec, "no image spec given")
	}

	parts, err := r.plan()
	if err != nil {
		return err
	}

	r.transition(StateModeSelect)
	mode, err := selectMode(r.image.Path)
	if err != nil {
		return err
	}
	r.result.Mode = mode
	r.logger = r.logger.With("mode", mode)
	r.logger.Info("starting image build", "table", r.image.Table, "format", r.result.Format, "partitions", len(parts))

	r.runDir = filepath.Join(r.o.scratchDir(), "imgbuild-"+r.result.RunID)
	if err := os.MkdirAll(r.runDir, 0o755); err != nil {
		return imgerr.Wrap(imgerr.ErrIO, err, "create scratch directory")
	}
	defer r.cleanup()

	r.scratch = scratch.NewManager(r.runDir, r.logger.With("component", "scratch"))
	r.work = r.image.Path
	if r.result.Format != spec.FormatRaw {
		r.work = filepath.Join(r.runDir, "disk.raw")
	}

	if mode == ModeCreate {
		err = r.create(ctx, parts)
	} else {
		err = r.extract(ctx, parts)
	}
	if err != nil {
		r.discardCreated()
		return err
	}

	r.transition(StatePopulating)
	r.populate(ctx, parts)

	r.transition(StateCommitting)
	r.commit(parts)
	if r.committed == 0 {
		r.discardCreated()
		return r.partitionFailures()
	}

	r.transition(StateConverting)
	if err := r.convertOut(ctx); err != nil {
		return errors.Join(err, joinPartitionErrors(r.failures))
	}

	return r.partitionFailures()
}

func (r *run) partitionFailures() error {
	if len(r.failures) == 0 {
		return nil
	}
	r.failedIn = r.firstFailure
	return joinPartitionErrors(r.failures)
}

// plan resolves the layout and checks everything that can be checked without
// touching the filesystem, so that spec errors never leave a trace behind.
func (r *run) plan() ([]layout.Partition, error) {
	parts, err := layout.Plan(r.image.TotalSectors, r.image.Partitions)
	if err != nil {
		return nil, err
	}

	for _, p := range parts {
		if _, err := r.o.Drivers.Lookup(p.Filesystem); err != nil {
			return nil, fmt.Errorf("partition %d: %w", p.Index, err)
		}
		if err := checkContent(p); err != nil {
			return nil, fmt.Errorf("partition %d: %w", p.Index, err)
		}
	}

	r.result.Partitions = make([]PartitionOutcome, len(parts))
	for i, p := range parts {
		r.result.Partitions[i] = PartitionOutcome{Partition: p}
	}
	r.populated = make(map[int]bool, len(parts))
	return parts, nil
}

func checkContent(p layout.Partition) error {
	if !p.HasContent() {
		return nil
	}
	info, err := os.Stat(p.Content)
	if err != nil {
		return imgerr.Wrap(imgerr.ErrSpec, err, "content %s", p.Content)
	}
	if fsbuild.IsImageSource(p.Content) {
		if !info.Mode().IsRegular() {
			return imgerr.Errorf(imgerr.ErrSpec, "content image %s is not a regular file", p.Content)
		}
		return nil
	}
	if !info.IsDir() {
		return imgerr.Errorf(imgerr.ErrSpec, "content %s is neither a directory nor an .iso image", p.Content)
	}
	return nil
}

func selectMode(path string) (Mode, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ModeCreate, nil
	case err != nil:
		return "", imgerr.Wrap(imgerr.ErrIO, err, "inspect %s", path)
	case info.IsDir():
		return "", imgerr.Errorf(imgerr.ErrSpec, "output %s is a directory", path)
	default:
		return ModeExtract, nil
	}
}

func (r *run) create(ctx context.Context, parts []layout.Partition) error {
	r.transition(StateCreating)

	if err := scratch.CreateImage(r.work, r.image.TotalSectors*spec.SectorSize); err != nil {
		return err
	}
	r.created = r.work

	builder := &table.Builder{Writer: r.o.Tables, Logger: r.logger.With("component", "table")}
	if err := builder.Build(ctx, r.work, r.image.Table, parts); err != nil {
		return err
	}

	r.runPhase(ctx, PhaseAllocate, parts, func(_ context.Context, p layout.Partition) error {
		_, err := r.scratch.Allocate(p)
		return err
	})
	r.runPhase(ctx, PhaseFormat, r.healthy(parts), func(ctx context.Context, p layout.Partition) error {
		driver, err := r.o.Drivers.Lookup(p.Filesystem)
		if err != nil {
			return err
		}
		return driver.Formatter.Format(ctx, r.scratch.Path(p), p)
	})
	return nil
}

func (r *run) extract(ctx context.Context, parts []layout.Partition) error {
	r.transition(StateExtracting)

	if r.result.Format != spec.FormatRaw {
		if err := r.o.Converter.Convert(ctx, r.image.Path, r.result.Format, r.work, spec.FormatRaw); err != nil {
			return fmt.Errorf("convert %s to raw: %w", r.image.Path, err)
		}
	}
	if r.o.Verifier != nil {
		if err := r.o.Verifier.Verify(r.work, r.image.Table, parts); err != nil {
			return err
		}
	} else {
		r.logger.Warn("existing image layout not verified")
	}

	r.runPhase(ctx, PhaseAllocate, parts, func(_ context.Context, p layout.Partition) error {
		_, err := r.scratch.Allocate(p)
		return err
	})
	r.runPhase(ctx, PhaseExtract, r.healthy(parts), func(_ context.Context, p layout.Partition) error {
		_, err := r.scratch.Load(p, r.work)
		return err
	})
	return nil
}

func (r *run) populate(ctx context.Context, parts []layout.Partition) {
	var targets []layout.Partition
	for _, p := range r.healthy(parts) {
		if p.HasContent() {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		r.logger.Debug("no partition has content")
		return
	}

	results := r.runPhase(ctx, PhasePopulate, targets, func(ctx context.Context, p layout.Partition) error {
		driver, err := r.o.Drivers.Lookup(p.Filesystem)
		if err != nil {
			return err
		}
		stageDir := filepath.Join(r.runDir, fmt.Sprintf("content%d", p.Index))
		source, err := fsbuild.StageContent(p.Content, stageDir)
		if err != nil {
			return err
		}
		return driver.Populator.Populate(ctx, r.scratch.Path(p), source)
	})
	for i, p := range targets {
		if results[i] == nil {
			r.populated[p.Index] = true
		}
	}
}

// commit writes every healthy region into the work image, one partition at a
// time, and releases all regions.
func (r *run) commit(parts []layout.Partition) {
	for _, p := range parts {
		logger := r.logger.With("partition", p.Index)
		if _, failed := r.failures[p.Index]; failed {
			logger.Warn("discarding failed partition")
		} else if err := r.scratch.Commit(p, r.work); err != nil {
			r.recordFailure(p, PhaseCommit, err)
		} else {
			r.committed++
			r.result.Partitions[p.Index].Committed = true
			logger.Info("partition committed", "start", p.Start, "sectors", p.Sectors)
		}

		if err := r.scratch.Release(p); err != nil {
			r.recordFailure(p, PhaseRelease, err)
		}
	}
}

func (r *run) convertOut(ctx context.Context) error {
	if r.result.Format == spec.FormatRaw {
		return nil
	}
	if err := r.o.Converter.Convert(ctx, r.work, spec.FormatRaw, r.image.Path, r.result.Format); err != nil {
		return fmt.Errorf("convert to %s: %w", r.result.Format, err)
	}
	r.logger.Info("image converted", "format", r.result.Format)
	return nil
}

// runPhase fans fn out over parts and waits for all of them. Failures are
// recorded per partition; the returned slice lines up with parts.
func (r *run) runPhase(ctx context.Context, phase Phase, parts []layout.Partition, fn task) []error {
	if len(parts) == 0 {
		return nil
	}
	logger := r.logger.With("phase", phase)
	logger.Debug("phase started", "partitions", len(parts))

	results := fanOut(ctx, r.o.workers(), parts, func(ctx context.Context, p layout.Partition) error {
		start := time.Now()
		err := fn(ctx, p)
		if err == nil {
			logger.Debug("partition done", "partition", p.Index, "duration", time.Since(start))
		}
		return err
	})

	failed := 0
	for i, err := range results {
		if err != nil {
			failed++
			r.recordFailure(parts[i], phase, err)
		}
	}
	logger.Info("phase finished", "partitions", len(parts), "failed", failed)
	return results
}

// recordFailure keeps the first failure of each partition.
func (r *run) recordFailure(p layout.Partition, phase Phase, err error) {
	if _, seen := r.failures[p.Index]; seen {
		r.logger.Warn("further partition failure", "partition", p.Index, "phase", phase, "error", err)
		return
	}
	if len(r.failures) == 0 {
		r.firstFailure = r.result.State
	}
	r.failures[p.Index] = &PartitionError{Index: p.Index, Phase: phase, Err: err}
	r.logger.Error("partition failed", "partition", p.Index, "phase", phase, "error", err)
}

func (r *run) healthy(parts []layout.Partition) []layout.Partition {
	out := make([]layout.Partition, 0, len(parts))
	for _, p := range parts {
		if _, failed := r.failures[p.Index]; !failed {
			out = append(out, p)
		}
	}
	return out
}

func (r *run) transition(to State) {
	from := r.result.State
	if from == to {
		return
	}
	r.result.Transitions = append(r.result.Transitions, Transition{From: from, To: to, At: time.Now()})
	r.result.State = to
	r.logger.Debug("state changed", "from", from, "to", to)
}

// finish copies per-partition failures and populate results into the result.
func (r *run) finish() {
	for i := range r.result.Partitions {
		index := r.result.Partitions[i].Partition.Index
		r.result.Partitions[i].Populated = r.populated[index]
		if failure, ok := r.failures[index]; ok {
			r.result.Partitions[i].Err = failure
		}
	}
}

func (r *run) discardCreated() {
	if r.created == "" {
		return
	}
	if err := os.Remove(r.created); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("could not remove incomplete image", "path", r.created, "error", err)
		return
	}
	r.logger.Info("removed incomplete image", "path", r.created)
	r.created = ""
}

func (r *run) cleanup() {
	if err := r.scratch.ReleaseAll(); err != nil {
		r.logger.Warn("could not release scratch regions", "error", err)
	}
	if err := os.RemoveAll(r.runDir); err != nil {
		r.logger.Warn("could not remove scratch directory", "path", r.runDir, "error", err)
	}
}
