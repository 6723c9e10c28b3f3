// Package hesaff detects Hessian-affine keypoints and describes them with
// SIFT descriptors.
//
// Detection runs in four stages:
//   - a Gaussian scale-space pyramid with NumberOfScales levels per octave
//   - scale normalised Hessian determinant extrema, refined in x, y and scale
//   - affine shape adaptation with the second moment matrix
//   - an affine normalised PatchSize×PatchSize patch described by SIFT
//
// # Shape Representations
//
// Keypoint shapes are exchanged in two forms:
//   - invA: a lower triangular matrix mapping the unit circle onto the
//     measurement region. Array exports carry it as [x, y, a, c, d] with
//     the region scale MRSize·s integrated.
//   - invE: the ellipse matrix E with (p-c)ᵀ·E·(p-c) = 1 on the region
//     boundary. The text feature format (FeatureSuffix) uses this form.
//
// InvAToInvE and InvEToInvA convert between the two.
//
// # Coordinates
//
// Positions are in pixels of the input image with (0,0) at the centre of the
// top-left pixel, X increasing rightward and Y downward.
//
// # Thread Safety
//
// A Detector keeps scratch buffers and is not safe for concurrent use. Use
// one Detector per image; detectors on different images can run in parallel.
package hesaff
