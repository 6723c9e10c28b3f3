package hesaff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createBlobImage creates a dark image with one bright Gaussian blob.
func createBlobImage(width, height int, cx, cy, sigma, amplitude float64) *Image {
	img := NewImage(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			img.Set(x, y, 20+amplitude*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}
	return img
}

func createUniformImage(width, height int, v float64) *Image {
	img := NewImage(width, height)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func detectBlob(t *testing.T) *Detector {
	t.Helper()
	d, err := New(createBlobImage(128, 128, 64, 64, 6, 200), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	return d
}

func nearestKeypoint(keys []Keypoint, x, y float64) (Keypoint, float64) {
	best := math.Inf(1)
	var kp Keypoint
	for _, k := range keys {
		if d := math.Hypot(k.X-x, k.Y-y); d < best {
			best, kp = d, k
		}
	}
	return kp, best
}

func TestFromImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{30, 60, 90, 255})
		}
	}
	img.Set(3, 1, color.RGBA{255, 255, 255, 255})

	gray := FromImage(img)
	if gray.Width != 4 || gray.Height != 2 {
		t.Fatalf("dimensions: got %dx%d, want 4x2", gray.Width, gray.Height)
	}
	if gray.At(0, 0) != 60 {
		t.Errorf("mean of (30,60,90): got %g, want 60", gray.At(0, 0))
	}
	if gray.At(3, 1) != 255 {
		t.Errorf("white: got %g, want 255", gray.At(3, 1))
	}
}

func TestDetect_Blob(t *testing.T) {
	d := detectBlob(t)
	keys := d.Keypoints()
	if len(keys) == 0 {
		t.Fatal("no keypoints detected on a Gaussian blob")
	}

	kp, dist := nearestKeypoint(keys, 64, 64)
	if dist > 2 {
		t.Fatalf("nearest keypoint at (%.2f, %.2f), %.2f px from the blob centre", kp.X, kp.Y, dist)
	}
	if kp.Type != Bright {
		t.Errorf("type: got %s, want bright", kp.Type)
	}
	// scale-normalised Hessian peaks at the blob sigma
	if kp.S < 4 || kp.S > 9 {
		t.Errorf("scale: got %.2f, want close to 6", kp.S)
	}
	if kp.Shape.A12 != 0 || !approxEqual(kp.Shape.Det(), 1, 1e-6) {
		t.Errorf("shape not rectified: %+v", kp.Shape)
	}
	// an isotropic blob yields a nearly circular region
	if ratio := kp.Shape.A11 / kp.Shape.A22; ratio < 0.7 || ratio > 1.4 {
		t.Errorf("shape anisotropy: got %.2f, want close to 1", ratio)
	}
	if len(kp.Desc) != 128 {
		t.Fatalf("descriptor length: got %d, want 128", len(kp.Desc))
	}
	nonZero := 0
	for _, v := range kp.Desc {
		if v > 0 {
			nonZero++
		}
	}
	if nonZero == 0 {
		t.Error("descriptor is all zero")
	}
}

func TestDetect_UniformImage(t *testing.T) {
	d, err := New(createUniformImage(64, 64, 128), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	n, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if n != 0 {
		t.Errorf("uniform image: got %d keypoints, want 0", n)
	}
}

func TestDetect_TinyImage(t *testing.T) {
	d, err := New(createUniformImage(8, 8, 10), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	n, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if n != 0 {
		t.Errorf("tiny image: got %d keypoints, want 0", n)
	}
}

func TestDetect_Cancelled(t *testing.T) {
	d, err := New(createBlobImage(64, 64, 32, 32, 4, 200), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Detect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestDetect_ScaleFilter(t *testing.T) {
	p := DefaultParams()
	p.MaxScale = 5 // smaller than any blob region
	d, err := New(createBlobImage(128, 128, 64, 64, 6, 200), p)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if _, dist := nearestKeypoint(d.Keypoints(), 64, 64); dist <= 2 {
		t.Error("blob keypoint should be filtered by max_scale")
	}
	for _, k := range d.Keypoints() {
		if r := p.Affine.MRSize * k.S; r > p.MaxScale {
			t.Errorf("keypoint with radius %.2f exceeds max_scale", r)
		}
	}
}

func TestDetect_MinScaleFilter(t *testing.T) {
	p := DefaultParams()
	p.MinScale = 100 // larger than the blob region
	d, err := New(createBlobImage(128, 128, 64, 64, 6, 200), p)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if _, dist := nearestKeypoint(d.Keypoints(), 64, 64); dist <= 2 {
		t.Error("blob keypoint should be filtered by min_scale")
	}
	for _, k := range d.Keypoints() {
		if r := p.Affine.MRSize * k.S; r < p.MinScale {
			t.Errorf("keypoint with radius %.2f below min_scale", r)
		}
	}

	// a bound below the blob region keeps it
	p.MinScale = 10
	d, err = New(createBlobImage(128, 128, 64, 64, 6, 200), p)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if _, dist := nearestKeypoint(d.Keypoints(), 64, 64); dist > 2 {
		t.Error("blob keypoint should pass min_scale 10")
	}
}

func TestDetect_Upscale(t *testing.T) {
	p := DefaultParams()
	p.Pyramid.UpscaleInputImage = true
	d, err := New(createBlobImage(128, 128, 64, 64, 6, 200), p)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// positions and scales are reported in input image pixels
	kp, dist := nearestKeypoint(d.Keypoints(), 64, 64)
	if dist > 2 {
		t.Fatalf("nearest keypoint at (%.2f, %.2f), %.2f px from the blob centre", kp.X, kp.Y, dist)
	}
	if kp.S < 4 || kp.S > 9 {
		t.Errorf("scale: got %.2f, want close to 6", kp.S)
	}
	if kp.Type != Bright {
		t.Errorf("type: got %s, want bright", kp.Type)
	}
}

func TestNew_InvalidParams(t *testing.T) {
	p := DefaultParams()
	p.PatchSize = 40
	if _, err := New(NewImage(10, 10), p); err == nil {
		t.Error("even patch size should be rejected")
	}
	if _, err := New(nil, DefaultParams()); err == nil {
		t.Error("nil image should be rejected")
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr string
	}{
		{"defaults", func(*Params) {}, ""},
		{"border", func(p *Params) { p.Pyramid.Border = 1 }, "border"},
		{"scales", func(p *Params) { p.Pyramid.NumberOfScales = 0 }, "number_of_scales"},
		{"window", func(p *Params) { p.Affine.SMMWindowSize = 18 }, "smm_window_size"},
		{"scale range", func(p *Params) { p.MinScale, p.MaxScale = 10, 5 }, "min_scale"},
		{"disabled bounds", func(p *Params) { p.MinScale, p.MaxScale = -1, 5 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestExportArrays(t *testing.T) {
	d := detectBlob(t)
	kpts, descs := d.ExportArrays()
	if len(kpts) != len(d.Keypoints()) || len(descs) != len(kpts) {
		t.Fatalf("array lengths: %d kpts, %d descs, %d keypoints", len(kpts), len(descs), len(d.Keypoints()))
	}
	mr := d.Params().Affine.MRSize
	for i, k := range d.Keypoints() {
		x, y, s, shape, ok := FromKpt(kpts[i], mr)
		if !ok {
			t.Fatalf("row %d is degenerate", i)
		}
		if x != k.X || y != k.Y || !approxEqual(s, k.S, 1e-9) ||
			!approxEqual(shape.A11, k.Shape.A11, 1e-9) || !approxEqual(shape.A21, k.Shape.A21, 1e-9) {
			t.Errorf("row %d does not map back to keypoint: %v", i, kpts[i])
		}
	}
}

func TestExtractDesc_MatchesDetection(t *testing.T) {
	d := detectBlob(t)
	kpts, descs := d.ExportArrays()

	got, failed, err := d.ExtractDescriptors(context.Background(), kpts)
	if err != nil {
		t.Fatalf("ExtractDescriptors failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("detected keypoints should all be described, failed %v", failed)
	}
	for i := range kpts {
		for j := range descs[i] {
			diff := int(got[i][j]) - int(descs[i][j])
			if diff < -2 || diff > 2 {
				t.Fatalf("kpt %d bin %d: got %d, want %d", i, j, got[i][j], descs[i][j])
			}
		}
	}
}

func TestExtractDesc_OutsideImage(t *testing.T) {
	d, err := New(createBlobImage(64, 64, 32, 32, 4, 200), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	kpts := []Kpt{
		{2, 2, 30, 0, 30},   // region leaves the image
		{32, 32, 0, 0, 0},   // degenerate
		{32, 32, 12, 0, 12}, // fits
	}
	descs, failed, err := d.ExtractDescriptors(context.Background(), kpts)
	if err != nil {
		t.Fatalf("ExtractDescriptors failed: %v", err)
	}
	if len(failed) != 2 || failed[0] != 0 || failed[1] != 1 {
		t.Errorf("failed: got %v, want [0 1]", failed)
	}
	for i := 0; i < 2; i++ {
		for _, v := range descs[i] {
			if v != 0 {
				t.Fatalf("kpt %d: failed keypoint should have a zero descriptor", i)
			}
		}
	}
	sum := 0
	for _, v := range descs[2] {
		sum += int(v)
	}
	if sum == 0 {
		t.Error("kpt 2: descriptor should not be zero")
	}
}

func TestPatch(t *testing.T) {
	d, err := New(createBlobImage(64, 64, 32, 32, 4, 200), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p, ok := d.Patch(Kpt{32, 32, 12, 0, 12})
	if !ok {
		t.Fatal("Patch failed for a region inside the image")
	}
	if p.Width != 41 || p.Height != 41 {
		t.Errorf("patch size: got %dx%d, want 41x41", p.Width, p.Height)
	}
	// the blob centre is the brightest part of the patch
	if p.At(20, 20) < p.At(0, 20) {
		t.Errorf("patch centre %.1f darker than its border %.1f", p.At(20, 20), p.At(0, 20))
	}
	if _, ok := d.Patch(Kpt{1, 1, 30, 0, 30}); ok {
		t.Error("Patch should fail for a region leaving the image")
	}
}

func TestExportKeypoints_ReadFeatures(t *testing.T) {
	d := detectBlob(t)

	var buf bytes.Buffer
	if err := d.ExportKeypoints(&buf); err != nil {
		t.Fatalf("ExportKeypoints failed: %v", err)
	}
	header := strings.SplitN(buf.String(), "\n", 3)
	if header[0] != "128" {
		t.Errorf("dimension line: got %q, want 128", header[0])
	}

	dim, features, err := ReadFeatures(&buf)
	if err != nil {
		t.Fatalf("ReadFeatures failed: %v", err)
	}
	if dim != 128 {
		t.Errorf("dim: got %d, want 128", dim)
	}
	kpts, descs := d.ExportArrays()
	if len(features) != len(kpts) {
		t.Fatalf("got %d features, want %d", len(features), len(kpts))
	}
	for i, f := range features {
		if !bytes.Equal(f.Desc, descs[i]) {
			t.Errorf("feature %d: descriptor changed", i)
		}
		got := f.Kpt()
		for j := range got {
			if !approxEqual(got[j], kpts[i][j], 1e-3) {
				t.Errorf("feature %d: kpt[%d] got %g, want %g", i, j, got[j], kpts[i][j])
			}
		}
	}
}

func TestReadFeatures_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bad dimension", "abc\n1\n"},
		{"missing count", "2\n"},
		{"short row", "2\n1\n1 2 3 4 5 6\n"},
		{"bad descriptor", "2\n1\n1 2 3 4 5 6 300\n"},
		{"too few rows", "2\n2\n1 2 3 4 5 6 7\n"},
		{"huge count", "128\n9223372036854775807\n"},
		{"large count", "2\n99999999999999\n1 2 3 4 5 6 7\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ReadFeatures(strings.NewReader(tt.input)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestWriteFeatureText_Format(t *testing.T) {
	var buf bytes.Buffer
	f := Feature{X: 10.5, Y: 20, Ellipse: Ellipse{A: 0.0277778, B: 0, D: 1e-05}, Desc: []uint8{0, 7}}
	if err := WriteFeatureText(&buf, 2, []Feature{f}); err != nil {
		t.Fatalf("WriteFeatureText failed: %v", err)
	}
	want := "2\n1\n10.5 20 0.0277778 0 1e-05 0 7\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}

	if err := WriteFeatureText(&buf, 3, []Feature{f}); err == nil {
		t.Error("descriptor length mismatch should fail")
	}
}

func TestWriteFeatures(t *testing.T) {
	d := detectBlob(t)
	imgPath := filepath.Join(t.TempDir(), "blob.png")

	path, err := d.WriteFeatures(imgPath)
	if err != nil {
		t.Fatalf("WriteFeatures failed: %v", err)
	}
	if path != imgPath+FeatureSuffix {
		t.Errorf("path: got %q, want %q", path, imgPath+FeatureSuffix)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("feature file not written: %v", err)
	}
	defer f.Close()
	_, features, err := ReadFeatures(f)
	if err != nil {
		t.Fatalf("ReadFeatures failed: %v", err)
	}
	if len(features) != len(d.Keypoints()) {
		t.Errorf("got %d features, want %d", len(features), len(d.Keypoints()))
	}

	if err := d.WriteFeatureFile(filepath.Join(t.TempDir(), "missing", "out.sift")); err == nil {
		t.Error("writing into a missing directory should fail")
	}
}

func TestSaveFeatures_KeypointFeatures(t *testing.T) {
	d := detectBlob(t)
	p := d.Params()

	features := KeypointFeatures(d.Keypoints(), p.Affine.MRSize)
	fromDetector := d.Features()
	if len(features) != len(fromDetector) {
		t.Fatalf("got %d features, want %d", len(features), len(fromDetector))
	}
	for i := range features {
		if features[i].X != fromDetector[i].X || features[i].Ellipse != fromDetector[i].Ellipse {
			t.Errorf("feature %d: got %+v, want %+v", i, features[i], fromDetector[i])
		}
	}

	path := filepath.Join(t.TempDir(), "blob.png"+FeatureSuffix)
	if err := SaveFeatures(path, p.DescriptorSize(), features); err != nil {
		t.Fatalf("SaveFeatures failed: %v", err)
	}
	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("feature file not written: %v", err)
	}
	var buf bytes.Buffer
	if err := d.ExportKeypoints(&buf); err != nil {
		t.Fatalf("ExportKeypoints failed: %v", err)
	}
	if buf.String() != string(want) {
		t.Error("saved file differs from the detector's export")
	}

	if err := SaveFeatures(path, p.DescriptorSize()+1, features); err == nil {
		t.Error("descriptor length mismatch should fail")
	}
}

func TestDescriptor_JSON(t *testing.T) {
	b, err := json.Marshal(Descriptor{0, 17, 255})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != "[0,17,255]" {
		t.Errorf("got %s, want [0,17,255]", b)
	}

	var d Descriptor
	if err := json.Unmarshal([]byte("[3,4]"), &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !bytes.Equal(d, []uint8{3, 4}) {
		t.Errorf("got %v, want [3 4]", d)
	}
	if err := json.Unmarshal([]byte("[256]"), &d); err == nil {
		t.Error("out of range value should fail")
	}
}
