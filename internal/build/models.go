package build

import (
	"time"

	"github.com/cochaviz/imgbuild/internal/layout"
	"github.com/cochaviz/imgbuild/internal/spec"
)

// State is a step of the build state machine.
type State string

// Build states, in the order a successful run visits them.
const (
	StatePlanning   State = "planning"
	StateModeSelect State = "mode_select"
	StateCreating   State = "creating"
	StateExtracting State = "extracting"
	StatePopulating State = "populating"
	StateCommitting State = "committing"
	StateConverting State = "converting"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Mode is how the target image is produced.
type Mode string

const (
	// ModeCreate builds a new image because the target does not exist.
	ModeCreate Mode = "create"
	// ModeExtract updates an existing image in place.
	ModeExtract Mode = "extract"
)

// Phase names the per-partition step a failure happened in.
type Phase string

const (
	PhaseAllocate Phase = "allocate"
	PhaseFormat   Phase = "format"
	PhaseExtract  Phase = "extract"
	PhasePopulate Phase = "populate"
	PhaseCommit   Phase = "commit"
	PhaseRelease  Phase = "release"
)

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// PartitionOutcome is the final status of one partition.
type PartitionOutcome struct {
	Partition layout.Partition
	Committed bool
	Populated bool
	Err       error
}

// Result describes a finished run, successful or not.
type Result struct {
	RunID       string
	Path        string
	Format      spec.Format
	Table       spec.TableType
	Mode        Mode
	State       State
	Partitions  []PartitionOutcome
	Transitions []Transition
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Failed returns the outcomes of partitions that did not complete.
func (r *Result) Failed() []PartitionOutcome {
	var failed []PartitionOutcome
	for _, outcome := range r.Partitions {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}
