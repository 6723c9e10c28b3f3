package hesaff

import (
	"context"
	"fmt"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Keypoint is a detected affine covariant region with its descriptor.
type Keypoint struct {
	// X and Y are the region centre in image pixels.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// S is the characteristic scale. The measurement region radius is
	// MRSize·S.
	S float64 `json:"scale"`

	// Shape is the rectified invA shape (A12 = 0, unit determinant).
	Shape Affine `json:"shape"`

	Response float64   `json:"response"`
	Type     PointType `json:"type"`

	Desc Descriptor `json:"desc,omitempty"`
}

// Kpt is a keypoint in array form: x, y and the lower triangle a, c, d of
// invA with the measurement region scale integrated.
type Kpt [5]float64

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger used for progress and per-keypoint failures.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l
		}
	}
}

// Detector runs Hessian-affine detection and SIFT description on one image.
//
// A Detector holds scratch buffers and the keypoints of the last Detect
// call; it must not be used from several goroutines at once. Create one
// Detector per image to process images concurrently.
type Detector struct {
	image  *Image
	params Params
	log    *zap.Logger

	affine *affineShape
	sift   *siftDescriptor
	keys   []Keypoint
}

// New creates a detector for img.
func New(img *Image, params Params, opts ...Option) (*Detector, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	d := &Detector{
		image:  img,
		params: params,
		log:    zap.NewNop(),
		affine: newAffineShape(params.Affine, params.InitialSigma, params.PatchSize),
		sift:   newSIFTDescriptor(params.SIFT, params.PatchSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NewFromFile decodes the image at path and creates a detector for it.
func NewFromFile(path string, params Params, opts ...Option) (*Detector, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return New(FromImage(src), params, opts...)
}

// Params returns the detector's parameters.
func (d *Detector) Params() Params {
	return d.params
}

// Detect finds the keypoints of the image, replacing the result of any
// previous call, and returns their number.
func (d *Detector) Detect(ctx context.Context) (int, error) {
	d.keys = d.keys[:0]
	d.log.Debug("detecting keypoints",
		zap.Int("width", d.image.Width),
		zap.Int("height", d.image.Height))

	hd := newHessianDetector(d.params.Pyramid, d.params.InitialSigma, d.onHessianPoint)
	if err := hd.detectPyramid(ctx, d.image); err != nil {
		return 0, err
	}

	d.log.Debug("detected keypoints", zap.Int("nKpts", len(d.keys)))
	return len(d.keys), nil
}

func (d *Detector) onHessianPoint(blur *Image, p hessianPoint) {
	shape, ok := d.affine.findAffineShape(blur, p.x, p.y, p.s, p.pixelDistance)
	if !ok {
		return
	}
	d.onAffineShapeFound(p, shape)
}

func (d *Detector) onAffineShapeFound(p hessianPoint, shape Affine) {
	shape = RectifyUpIsUp(shape)
	if !d.params.acceptScale(d.params.Affine.MRSize * p.s) {
		return
	}
	if !d.affine.normalizeAffine(d.image, p.x, p.y, p.s, shape) {
		return
	}
	desc := make([]uint8, d.params.DescriptorSize())
	d.sift.compute(d.affine.patch, desc)
	d.keys = append(d.keys, Keypoint{
		X:        p.x,
		Y:        p.y,
		S:        p.s,
		Shape:    shape,
		Response: p.response,
		Type:     p.typ,
		Desc:     desc,
	})
}

// Keypoints returns the keypoints found by the last Detect call.
func (d *Detector) Keypoints() []Keypoint {
	return d.keys
}

// ToKpt converts k to array form using the measurement region size mrSize.
func ToKpt(k Keypoint, mrSize float64) Kpt {
	sc := mrSize * k.S
	det := k.Shape.Det()
	return Kpt{
		k.X,
		k.Y,
		sc * k.Shape.A11 / det,
		sc * k.Shape.A21 / det,
		sc * k.Shape.A22 / det,
	}
}

// FromKpt recovers scale and unit-determinant shape from array form.
// ok is false for a degenerate row.
func FromKpt(k Kpt, mrSize float64) (x, y, s float64, shape Affine, ok bool) {
	ia, ic, id := k[2], k[3], k[4]
	sc := math.Sqrt(math.Abs(ia * id))
	if sc == 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
		return 0, 0, 0, Affine{}, false
	}
	shape = Affine{A11: ia / sc, A12: 0, A21: ic / sc, A22: id / sc}
	return k[0], k[1], sc / mrSize, shape, true
}

// ExportArrays returns the keypoints of the last Detect call in array form
// together with their descriptors.
func (d *Detector) ExportArrays() ([]Kpt, [][]uint8) {
	d.log.Debug("exporting arrays", zap.Int("nKpts", len(d.keys)))
	kpts := make([]Kpt, len(d.keys))
	descs := make([][]uint8, len(d.keys))
	for i, k := range d.keys {
		kpts[i] = ToKpt(k, d.params.Affine.MRSize)
		descs[i] = k.Desc
	}
	return kpts, descs
}

// ExtractDesc computes descriptors for externally supplied keypoints in
// array form. Keypoints whose measurement region leaves the image get an
// all-zero descriptor. The error is non-nil only when ctx is done.
func (d *Detector) ExtractDesc(ctx context.Context, kpts []Kpt) ([][]uint8, error) {
	descs, _, err := d.ExtractDescriptors(ctx, kpts)
	return descs, err
}

// ExtractDescriptors is ExtractDesc that also reports the indices of the
// keypoints that could not be described, in ascending order.
func (d *Detector) ExtractDescriptors(ctx context.Context, kpts []Kpt) ([][]uint8, []int, error) {
	d.log.Debug("extracting descriptors", zap.Int("nKpts", len(kpts)))
	size := d.params.DescriptorSize()
	descs := make([][]uint8, len(kpts))
	var failed []int
	for i, k := range kpts {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		descs[i] = make([]uint8, size)
		patch, ok := d.patch(k)
		if !ok {
			failed = append(failed, i)
			d.log.Warn("failed to describe keypoint",
				zap.Int("index", i),
				zap.Float64("x", k[0]),
				zap.Float64("y", k[1]))
			continue
		}
		d.sift.compute(patch, descs[i])
	}
	d.log.Debug("extracted descriptors", zap.Int("nKpts", len(kpts)), zap.Int("failed", len(failed)))
	return descs, failed, nil
}

// Patch returns a copy of the affine normalised patch of k before
// photometric normalisation. ok is false when the region leaves the image.
func (d *Detector) Patch(k Kpt) (*Image, bool) {
	p, ok := d.patch(k)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (d *Detector) patch(k Kpt) (*Image, bool) {
	x, y, s, shape, ok := FromKpt(k, d.params.Affine.MRSize)
	if !ok {
		return nil, false
	}
	if !d.affine.normalizeAffine(d.image, x, y, s, shape) {
		return nil, false
	}
	return d.affine.patch, true
}
