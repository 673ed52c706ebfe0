package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Huber computes the elementwise Huber loss between x and t with no
// reduction: 0.5*d^2 where |d| <= delta, delta*(|d| - 0.5*delta) beyond.
// The output has the common shape of x and t.
func Huber(x, t *tensor.Dense, delta float32) (*tensor.Dense, error) {
	return huber(x, t, delta, nil)
}

func huber(x, t *tensor.Dense, delta float32, eng tensor.Engine) (*tensor.Dense, error) {
	if delta <= 0 {
		return nil, errors.Errorf("huber delta must be positive, got %v", delta)
	}
	if x.Dtype() != tensor.Float32 || t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("huber wants float32 tensors, got %v and %v", x.Dtype(), t.Dtype())
	}
	if !x.Shape().Eq(t.Shape()) {
		return nil, errors.Errorf("huber shapes differ: %v vs %v", x.Shape(), t.Shape())
	}
	xs := x.Data().([]float32)
	ts := t.Data().([]float32)
	out := make([]float32, len(xs))
	for i := range xs {
		d := math32.Abs(xs[i] - ts[i])
		if d <= delta {
			out[i] = 0.5 * d * d
		} else {
			out[i] = delta * (d - 0.5*delta)
		}
	}
	return newDense(x.Shape(), out, eng), nil
}
