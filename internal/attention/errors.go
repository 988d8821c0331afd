package attention

import (
	"errors"
	"fmt"

	"github.com/samcharles93/flashpatch/internal/tensor"
)

// ErrShapeMismatch is wrapped by every error raised when an intermediate
// tensor does not have its expected shape.
var ErrShapeMismatch = errors.New("attention: shape mismatch")

type shapeMismatchError struct {
	what      string
	want, got []int
}

func (e shapeMismatchError) Error() string {
	return fmt.Sprintf("%s should be of size %s, but is %s", e.what, tensor.ShapeString(e.want), tensor.ShapeString(e.got))
}

func (e shapeMismatchError) Unwrap() error {
	return ErrShapeMismatch
}

func newShapeMismatch(what string, got *tensor.Tensor, want ...int) error {
	var shape []int
	if got != nil {
		shape = got.Shape
	}
	return shapeMismatchError{what: what, want: want, got: shape}
}

// checkShape returns a shape mismatch error unless t has exactly want.
func checkShape(what string, t *tensor.Tensor, want ...int) error {
	if t.ShapeIs(want...) {
		return nil
	}
	return newShapeMismatch(what, t, want...)
}
