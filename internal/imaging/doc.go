// Package imaging loads images for the detector and renders its results.
//
// It sits between files on disk and package hesaff: ImageCache decodes an
// image once and keeps both the decoded image and the grayscale detector
// input, and the rendering helpers turn keypoints back into pictures.
//
// # Rendering
//
//   - DrawKeypoints / KeypointOverlay: measurement region ellipses and centre
//     crosses over the source image, coloured by response rank or in one
//     colour, optionally labelled with keypoint indices
//   - EncodePatch / ScalePatch: the affine normalised patch a descriptor is
//     computed from, as 8-bit grayscale
//   - CropKeypoint: the axis aligned image region covering a keypoint
//   - MeasureKeypoints: summary statistics of a keypoint set
//
// Rendered images are returned as base64 PNG for the MCP server or saved
// with SaveImage.
//
// # Coordinate System
//
// Keypoint coordinates are sub-pixel positions in the image as displayed,
// with (0,0) at the centre of the top-left pixel, X increasing rightward and
// Y downward. Bounds are clipped to the image before cropping.
//
// # Thread Safety
//
// ImageCache is safe for concurrent use. Cached images are shared between
// callers and must not be modified. The rendering helpers allocate their
// output and can run concurrently.
package imaging
