package build

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cochaviz/imgbuild/internal/imgerr"
)

// PartitionError reports a failure of one partition during one phase.
type PartitionError struct {
	Index int
	Phase Phase
	Err   error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %d: %s: %v", e.Index, e.Phase, e.Err)
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}

// BuildError is returned by Orchestrator.Run. State is where the run was when
// it failed.
type BuildError struct {
	State State
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed while %s: %v", e.State, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Category returns the top-level class of err: spec, layout, collaborator or
// io. Errors without a category are reported as io failures.
func Category(err error) imgerr.Category {
	if class := imgerr.Class(err); class != "" {
		return class
	}
	return imgerr.ErrIO
}

// PartitionErrors extracts every PartitionError in err, ordered by index.
func PartitionErrors(err error) []*PartitionError {
	var found []*PartitionError
	collectPartitionErrors(err, &found)
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Index < found[j].Index
	})
	return found
}

func collectPartitionErrors(err error, found *[]*PartitionError) {
	if err == nil {
		return
	}
	if pe, ok := err.(*PartitionError); ok {
		*found = append(*found, pe)
		return
	}
	switch wrapped := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range wrapped.Unwrap() {
			collectPartitionErrors(inner, found)
		}
	case interface{ Unwrap() error }:
		collectPartitionErrors(wrapped.Unwrap(), found)
	}
}

// joinPartitionErrors merges per-partition failures into one error, ordered
// by partition index.
func joinPartitionErrors(failures map[int]*PartitionError) error {
	if len(failures) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(failures))
	for index := range failures {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	errs := make([]error, 0, len(indexes))
	for _, index := range indexes {
		errs = append(errs, failures[index])
	}
	return errors.Join(errs...)
}
