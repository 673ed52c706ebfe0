package loss

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

func newF32(shape []int, data []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func newInts(shape []int, data []int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func newBool(shape []int, data []bool) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func randFloats(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = scale * float32(rng.NormFloat64())
	}
	return out
}

// refSoftmaxCE is an independent float64 softmax cross-entropy used to check
// the float32 kernels.
func refSoftmaxCE(row []float32, t int) float64 {
	row64 := make([]float64, len(row))
	for i, v := range row {
		row64[i] = float64(v)
	}
	m := floats.Max(row64)
	exps := make([]float64, len(row64))
	for i, v := range row64 {
		exps[i] = math.Exp(v - m)
	}
	return m + math.Log(floats.Sum(exps)) - row64[t]
}

func refSigmoidCE(x float32, t int) float64 {
	x64 := float64(x)
	t64 := 0.0
	if t > 0 {
		t64 = 1
	}
	return math.Max(x64, 0) - x64*t64 + math.Log1p(math.Exp(-math.Abs(x64)))
}

// refHuber sums the per-coordinate Huber loss (delta 1) of one anchor.
func refHuber(pred, gt []float32) float64 {
	var sum float64
	for i := range pred {
		d := math.Abs(float64(pred[i]) - float64(gt[i]))
		if d <= 1 {
			sum += 0.5 * d * d
		} else {
			sum += d - 0.5
		}
	}
	return sum
}

// armLogitFor inverts the objectness binarization for a target foreground
// probability p: p = 1 / (1 + exp(1 - 2c)).
func armLogitFor(p float64) float32 {
	return float32((1 - math.Log((1-p)/p)) / 2)
}
