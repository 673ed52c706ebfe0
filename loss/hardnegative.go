package loss

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// HardNegative selects, per sample, the negative anchors the classifier is
// currently most wrong about. confLoss is the unreduced (B, K) classification
// loss, positive the (B, K) ground-truth positive mask, and ratio bounds the
// number of mined negatives to floor(positives-in-sample * ratio). An
// optional objectness tensor of 0/1 values removes anchors the refinement
// stage already wrote off as background from the candidate pool.
//
// The returned (B, K) bool mask is true for selected anchors. Each anchor is
// scored loss * (positive - 1) [* objectness], so positives and filtered
// anchors collapse to score zero and negatives compete at -loss; anchors are
// then dense-ranked ascending within their sample and kept while their rank
// is below the sample's quota. A score-zero anchor can therefore still land
// inside the quota when a sample has more quota than scored negatives;
// callers OR the mask with the positive mask, which makes that harmless for
// positives, but combined objectness masking is applied again downstream.
// Ties keep the order of the underlying stable sort, which is only
// consistent within a single call.
func HardNegative(confLoss, positive *tensor.Dense, ratio float64, objectness *tensor.Dense) (*tensor.Dense, error) {
	return hardNegative(confLoss, positive, ratio, objectness, nil)
}

func hardNegative(confLoss, positive *tensor.Dense, ratio float64, objectness *tensor.Dense, eng tensor.Engine) (*tensor.Dense, error) {
	if ratio <= 0 {
		return nil, errors.Errorf("mining ratio must be positive, got %v", ratio)
	}
	if confLoss.Dtype() != tensor.Float32 || confLoss.Dims() != 2 {
		return nil, errors.Errorf("conf loss must be a (B, K) float32 tensor, got %v %v", confLoss.Dtype(), confLoss.Shape())
	}
	if positive.Dtype() != tensor.Bool || !positive.Shape().Eq(confLoss.Shape()) {
		return nil, errors.Errorf("positive mask %v %v does not match conf loss %v", positive.Dtype(), positive.Shape(), confLoss.Shape())
	}
	var objs []float32
	if objectness != nil {
		if objectness.Dtype() != tensor.Float32 || !objectness.Shape().Eq(confLoss.Shape()) {
			return nil, errors.Errorf("objectness %v %v does not match conf loss %v", objectness.Dtype(), objectness.Shape(), confLoss.Shape())
		}
		objs = objectness.Data().([]float32)
	}

	shape := confLoss.Shape()
	b, k := shape[0], shape[1]
	losses := confLoss.Data().([]float32)
	pos := positive.Data().([]bool)

	mask := make([]bool, b*k)
	score := make([]float32, k)
	order := make([]int, k)
	for i := 0; i < b; i++ {
		row := i * k
		quota := 0
		for j := 0; j < k; j++ {
			if pos[row+j] {
				score[j] = 0
				quota++
			} else {
				score[j] = -losses[row+j]
			}
			if objs != nil {
				score[j] *= objs[row+j]
			}
			order[j] = j
		}
		keep := int(math.Floor(float64(quota) * ratio))

		// Stable argsort plus inverse permutation recovers each anchor's
		// dense rank along the sample axis.
		sort.SliceStable(order, func(x, y int) bool { return score[order[x]] < score[order[y]] })
		for rank, j := range order {
			if rank < keep {
				mask[row+j] = true
			}
		}
	}
	return newDense(shape, mask, eng), nil
}
