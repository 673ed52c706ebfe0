package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ElementwiseSoftmaxCrossEntropy computes per-anchor classification losses
// with no reduction. The returned tensor has exactly the shape of labels.
//
// With binary set, confs must have one score per label (a trailing singleton
// class axis is accepted) and the loss is the sigmoid cross-entropy of each
// score against the label clamped to {0, 1}. Otherwise the last axis of
// confs is the class axis, class 0 is background, and the loss is the
// softmax cross-entropy of each row against the integer label.
func ElementwiseSoftmaxCrossEntropy(confs, labels *tensor.Dense, binary bool) (*tensor.Dense, error) {
	return elementwiseSoftmaxCrossEntropy(confs, labels, binary, nil)
}

func elementwiseSoftmaxCrossEntropy(confs, labels *tensor.Dense, binary bool, eng tensor.Engine) (*tensor.Dense, error) {
	if confs.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("confs must be float32, got %v", confs.Dtype())
	}
	ts, err := intData(labels)
	if err != nil {
		return nil, errors.Wrap(err, "labels")
	}
	xs := confs.Data().([]float32)
	lshape := labels.Shape()

	if binary {
		if len(xs) != len(ts) {
			return nil, errors.Errorf("binary confs %v do not match labels %v", confs.Shape(), lshape)
		}
		out := make([]float32, len(ts))
		for i, x := range xs {
			var t float32
			if ts[i] > 0 {
				t = 1
			}
			out[i] = sigmoidCrossEntropy(x, t)
		}
		return newDense(lshape, out, eng), nil
	}

	cshape := confs.Shape()
	if len(cshape) < 2 {
		return nil, errors.Errorf("confs must carry a class axis, got %v", cshape)
	}
	nclass := cshape[len(cshape)-1]
	if cshape.TotalSize() != lshape.TotalSize()*nclass {
		return nil, errors.Errorf("confs %v do not match labels %v over %d classes", cshape, lshape, nclass)
	}
	out := make([]float32, len(ts))
	for i, t := range ts {
		if t < 0 || t >= nclass {
			return nil, errors.Errorf("label %d out of range [0, %d)", t, nclass)
		}
		out[i] = softmaxCrossEntropy(xs[i*nclass:(i+1)*nclass], t)
	}
	return newDense(lshape, out, eng), nil
}

// sigmoidCrossEntropy is the numerically stable form
// max(x, 0) - x*t + log(1 + exp(-|x|)).
func sigmoidCrossEntropy(x, t float32) float32 {
	loss := -x * t
	if x > 0 {
		loss += x
	}
	return loss + math32.Log1p(math32.Exp(-math32.Abs(x)))
}

// softmaxCrossEntropy computes -log softmax(row)[t] via log-sum-exp.
func softmaxCrossEntropy(row []float32, t int) float32 {
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for _, v := range row {
		sum += math32.Exp(v - max)
	}
	return max + math32.Log(sum) - row[t]
}

// intData flattens an integer label tensor regardless of its exact width.
func intData(labels *tensor.Dense) ([]int, error) {
	switch labels.Dtype() {
	case tensor.Int:
		return labels.Data().([]int), nil
	case tensor.Int32:
		raw := labels.Data().([]int32)
		out := make([]int, len(raw))
		for i, v := range raw {
			out[i] = int(v)
		}
		return out, nil
	case tensor.Int64:
		raw := labels.Data().([]int64)
		out := make([]int, len(raw))
		for i, v := range raw {
			out[i] = int(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("want an integer tensor, got %v", labels.Dtype())
	}
}

// newDense builds a dense tensor on the given engine, or the package default
// when eng is nil.
func newDense(shape tensor.Shape, backing interface{}, eng tensor.Engine) *tensor.Dense {
	opts := []tensor.ConsOpt{tensor.WithShape(shape...), tensor.WithBacking(backing)}
	if eng != nil {
		opts = append(opts, tensor.WithEngine(eng))
	}
	return tensor.New(opts...)
}
