package imgerr

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"spec", Errorf(ErrSpec, "no size given"), ErrSpec},
		{"size unit folds into spec", Errorf(ErrInvalidSizeUnit, "unit Q"), ErrSpec},
		{"size value folds into spec", Errorf(ErrInvalidSizeValue, "value x"), ErrSpec},
		{"layout", Errorf(ErrLayout, "past the end"), ErrLayout},
		{"collaborator", Errorf(ErrCollaborator, "mkfs exited 1"), ErrCollaborator},
		{"io", Wrap(ErrIO, fs.ErrPermission, "open region"), ErrIO},
		{"wrapped twice", fmt.Errorf("partition 2: %w", Errorf(ErrInvalidSizeUnit, "unit Q")), ErrSpec},
		{"joined takes the first", errors.Join(Errorf(ErrLayout, "a"), Errorf(ErrIO, "b")), ErrLayout},
		{"uncategorised", errors.New("plain"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Class(tt.err); got != tt.want {
				t.Fatalf("Class() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategoryOfKeepsSizeCategories(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("image size: %w", Errorf(ErrInvalidSizeValue, "overflows"))
	if got := CategoryOf(err); got != ErrInvalidSizeValue {
		t.Fatalf("CategoryOf() = %q, want %q", got, ErrInvalidSizeValue)
	}
	if !Is(err, ErrInvalidSizeValue) || Is(err, ErrSpec) {
		t.Fatalf("Is() does not match the exact category of %v", err)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	err := Wrap(ErrIO, fs.ErrNotExist, "open %s", "disk.img")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("errors.Is(%v, fs.ErrNotExist) = false, want true", err)
	}
	if got := CategoryOf(err); got != ErrIO {
		t.Fatalf("CategoryOf() = %q, want %q", got, ErrIO)
	}
	if got, want := err.Error(), "open disk.img: "+fs.ErrNotExist.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if Wrap(ErrIO, nil, "nothing") != nil {
		t.Fatalf("Wrap(nil) != nil")
	}
}
