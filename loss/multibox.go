package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// objectnessThreshold is the foreground probability below which the
// refinement stage's verdict suppresses an anchor entirely. It is a low bar:
// only anchors the first stage is near-certain contain nothing are dropped.
const objectnessThreshold = 0.01

// MultiBoxInput carries one batch of matched predictions and ground truth.
// All tensors are batch-first and share the batch size B and anchor count K.
type MultiBoxInput struct {
	// Locs holds the predicted box offsets, (B, K, 4) float32.
	Locs *tensor.Dense
	// Confs holds the raw class scores, (B, K, C) float32 with class 0 as
	// background, or (B, K) / (B, K, 1) when the loss runs in binary mode.
	Confs *tensor.Dense
	// GTLocs holds the matched ground-truth box offsets, (B, K, 4) float32.
	GTLocs *tensor.Dense
	// GTLabels holds the matched class per anchor, (B, K) integer;
	// 0 marks a background (negative) anchor.
	GTLabels *tensor.Dense
	// ARMLocs optionally holds the anchor refinement stage's box outputs,
	// (B, K, 4) float32. When present, ground truth is regressed as a
	// residual on top of these first-stage boxes.
	ARMLocs *tensor.Dense
	// ARMConfs optionally holds the refinement stage's objectness logits,
	// (B, K) or (B, K, 1) float32. When present they gate both losses.
	ARMConfs *tensor.Dense
}

// MultiBoxConfig tunes the loss computation.
type MultiBoxConfig struct {
	// Ratio bounds hard negative mining to floor(positives * Ratio) mined
	// negatives per sample. The SSD paper uses 3.
	Ratio float64
	// Binary switches the classification term to per-anchor sigmoid
	// cross-entropy instead of softmax over the class axis.
	Binary bool
	// Engine selects the tensor engine used for intermediate tensors.
	// Nil uses the tensor package's default Go engine.
	Engine tensor.Engine
}

// MultiBox computes the SSD multibox losses for one batch: a Huber
// localization loss over positive anchors and a hard-negative-mined
// classification loss, both divided by the batch-wide positive count.
// The two scalars are returned separately; weighting and summing them is
// the trainer's business.
//
// When the batch contains no positive anchor at all, both losses are zero.
func MultiBox(in MultiBoxInput, cfg MultiBoxConfig) (locLoss, confLoss float32, err error) {
	if cfg.Ratio <= 0 {
		return 0, 0, errors.Errorf("mining ratio must be positive, got %v", cfg.Ratio)
	}
	if err := validateInput(in); err != nil {
		return 0, 0, err
	}
	shape := in.GTLabels.Shape()
	b, k := shape[0], shape[1]

	labels, err := intData(in.GTLabels)
	if err != nil {
		return 0, 0, errors.Wrap(err, "gt labels")
	}
	positive := make([]bool, b*k)
	nPositive := 0
	for i, l := range labels {
		if l > 0 {
			positive[i] = true
			nPositive++
		}
	}
	if nPositive == 0 {
		return 0, 0, nil
	}

	gtLocs := in.GTLocs
	if in.ARMLocs != nil {
		// Ground truth becomes a residual refinement over the
		// first-stage boxes.
		gt := in.GTLocs.Data().([]float32)
		arm := in.ARMLocs.Data().([]float32)
		res := make([]float32, len(gt))
		for i := range gt {
			res[i] = gt[i] - arm[i]
		}
		gtLocs = newDense(in.GTLocs.Shape(), res, cfg.Engine)
	}

	var objectness []float32
	if in.ARMConfs != nil {
		objectness = objectnessMask(in.ARMConfs.Data().([]float32))
	}

	hub, err := huber(in.Locs, gtLocs, 1, cfg.Engine)
	if err != nil {
		return 0, 0, errors.Wrap(err, "localization")
	}
	hubData := hub.Data().([]float32)
	var locSum float64
	for a := 0; a < b*k; a++ {
		if !positive[a] || (objectness != nil && objectness[a] == 0) {
			continue
		}
		s := hubData[a*4] + hubData[a*4+1] + hubData[a*4+2] + hubData[a*4+3]
		locSum += float64(s)
	}
	locLoss = float32(locSum / float64(nPositive))

	confPerAnchor, err := elementwiseSoftmaxCrossEntropy(in.Confs, in.GTLabels, cfg.Binary, cfg.Engine)
	if err != nil {
		return 0, 0, errors.Wrap(err, "classification")
	}

	posT := newDense(shape, positive, cfg.Engine)
	var objT *tensor.Dense
	if objectness != nil {
		objT = newDense(shape, objectness, cfg.Engine)
	}
	hard, err := hardNegative(confPerAnchor, posT, cfg.Ratio, objT, cfg.Engine)
	if err != nil {
		return 0, 0, errors.Wrap(err, "hard negative mining")
	}

	// Anchors the refinement stage wrote off stop counting as positive for
	// the classification term. The divisor stays the original positive
	// count; recomputing it would silently rescale the loss.
	confData := confPerAnchor.Data().([]float32)
	hardData := hard.Data().([]bool)
	var confSum float64
	for a := 0; a < b*k; a++ {
		pos := positive[a]
		if pos && objectness != nil && objectness[a] == 0 {
			pos = false
		}
		if pos || hardData[a] {
			confSum += float64(confData[a])
		}
	}
	confLoss = float32(confSum / float64(nPositive))

	return locLoss, confLoss, nil
}

// objectnessMask binarizes first-stage objectness logits into 0/1 anchor
// gates. The foreground probability exp(c) / (exp(c) + exp(1-c)) is computed
// in its equivalent stable sigmoid form, then thresholded: anchors at or
// below objectnessThreshold are dropped, everything else passes.
func objectnessMask(armConfs []float32) []float32 {
	mask := make([]float32, len(armConfs))
	for i, c := range armConfs {
		p := 1 / (1 + math32.Exp(1-2*c))
		if p > objectnessThreshold {
			mask[i] = 1
		}
	}
	return mask
}

func validateInput(in MultiBoxInput) error {
	if in.Locs == nil || in.Confs == nil || in.GTLocs == nil || in.GTLabels == nil {
		return errors.New("locs, confs, gt locs and gt labels are all required")
	}
	locShape := in.Locs.Shape()
	if in.Locs.Dtype() != tensor.Float32 || len(locShape) != 3 || locShape[2] != 4 {
		return errors.Errorf("locs must be a (B, K, 4) float32 tensor, got %v %v", in.Locs.Dtype(), locShape)
	}
	if in.GTLocs.Dtype() != tensor.Float32 || !in.GTLocs.Shape().Eq(locShape) {
		return errors.Errorf("gt locs %v do not match locs %v", in.GTLocs.Shape(), locShape)
	}
	b, k := locShape[0], locShape[1]
	lblShape := in.GTLabels.Shape()
	if len(lblShape) != 2 || lblShape[0] != b || lblShape[1] != k {
		return errors.Errorf("gt labels must be (B, K) = (%d, %d), got %v", b, k, lblShape)
	}
	confShape := in.Confs.Shape()
	if in.Confs.Dtype() != tensor.Float32 || len(confShape) < 2 || confShape[0] != b || confShape[1] != k {
		return errors.Errorf("confs must lead with (B, K) = (%d, %d), got %v %v", b, k, in.Confs.Dtype(), confShape)
	}
	if in.ARMLocs != nil {
		if in.ARMLocs.Dtype() != tensor.Float32 || !in.ARMLocs.Shape().Eq(locShape) {
			return errors.Errorf("arm locs %v do not match locs %v", in.ARMLocs.Shape(), locShape)
		}
	}
	if in.ARMConfs != nil {
		if in.ARMConfs.Dtype() != tensor.Float32 || in.ARMConfs.Shape().TotalSize() != b*k {
			return errors.Errorf("arm confs must hold one logit per anchor, got %v %v", in.ARMConfs.Dtype(), in.ARMConfs.Shape())
		}
	}
	return nil
}
