// Package loss implements the multibox training losses used by SSD and
// RefineDet style single-shot detectors: a Huber localization loss over
// positive anchors and a hard-negative-mined classification loss, optionally
// gated by the objectness output of a preceding anchor refinement stage.
//
// All array arguments are gorgonia tensors (float32 for real values, int for
// labels, bool for masks) laid out batch-first. Anchor matching, box
// encoding, and the forward pass that produces the predictions are the
// caller's responsibility; this package only turns matched predictions and
// ground truth into the two scalar losses.
package loss
