package hesaff

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// FeatureSuffix is appended to an image path to name its feature file.
const FeatureSuffix = ".hesaff.sift"

// Descriptor is a quantised SIFT descriptor. It marshals to JSON as an
// array of integers.
type Descriptor []uint8

// MarshalJSON implements json.Marshaler.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, 2+len(d)*4)
	buf = append(buf, '[')
	for i, v := range d {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Descriptor) UnmarshalJSON(b []byte) error {
	var vals []int
	if err := json.Unmarshal(b, &vals); err != nil {
		return err
	}
	if vals == nil {
		*d = nil
		return nil
	}
	out := make(Descriptor, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("descriptor value %d out of range", v)
		}
		out[i] = uint8(v)
	}
	*d = out
	return nil
}

// Feature is one row of the text feature format: centre, invE ellipse and
// descriptor.
type Feature struct {
	X       float64    `json:"x"`
	Y       float64    `json:"y"`
	Ellipse Ellipse    `json:"ellipse"`
	Desc    Descriptor `json:"desc"`
}

// Kpt converts f to array form.
func (f Feature) Kpt() Kpt {
	a := InvEToInvA(f.Ellipse)
	return Kpt{f.X, f.Y, a.A11, a.A21, a.A22}
}

// KeypointFeatures converts keys to the text feature representation using
// the measurement region size mrSize.
func KeypointFeatures(keys []Keypoint, mrSize float64) []Feature {
	out := make([]Feature, len(keys))
	for i, k := range keys {
		out[i] = Feature{
			X:       k.X,
			Y:       k.Y,
			Ellipse: InvAToInvE(k.Shape, k.S, mrSize),
			Desc:    k.Desc,
		}
	}
	return out
}

// Features converts the keypoints of the last Detect call to the text
// feature representation.
func (d *Detector) Features() []Feature {
	return KeypointFeatures(d.keys, d.params.Affine.MRSize)
}

// ExportKeypoints writes the keypoints of the last Detect call in the text
// feature format.
func (d *Detector) ExportKeypoints(w io.Writer) error {
	d.log.Debug("writing keypoints", zap.Int("nKpts", len(d.keys)))
	return WriteFeatureText(w, d.params.DescriptorSize(), d.Features())
}

// WriteFeatures writes the text features next to the image, at
// imgPath + FeatureSuffix, and returns the path written.
func (d *Detector) WriteFeatures(imgPath string) (string, error) {
	outPath := imgPath + FeatureSuffix
	if err := d.WriteFeatureFile(outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// WriteFeatureFile writes the text features to path, replacing any
// existing file.
func (d *Detector) WriteFeatureFile(path string) error {
	d.log.Debug("writing keypoints", zap.Int("nKpts", len(d.keys)), zap.String("path", path))
	return SaveFeatures(path, d.params.DescriptorSize(), d.Features())
}

// SaveFeatures writes features to path in the text format, replacing any
// existing file.
func SaveFeatures(path string, dim int, features []Feature) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create feature file: %w", err)
	}
	if err := WriteFeatureText(f, dim, features); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close feature file: %w", err)
	}
	return nil
}

// WriteFeatureText writes features in the text format:
//
//	<dim>
//	<n>
//	x y iE_a iE_b iE_d d_0 ... d_<dim-1>
//
// Floats are written with six significant digits.
func WriteFeatureText(w io.Writer, dim int, features []Feature) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n%d\n", dim, len(features))

	buf := make([]byte, 0, 64+dim*4)
	for i, f := range features {
		if len(f.Desc) != dim {
			return fmt.Errorf("feature %d: descriptor has %d values, want %d", i, len(f.Desc), dim)
		}
		buf = buf[:0]
		for j, v := range [5]float64{f.X, f.Y, f.Ellipse.A, f.Ellipse.B, f.Ellipse.D} {
			if j > 0 {
				buf = append(buf, ' ')
			}
			buf = strconv.AppendFloat(buf, v, 'g', 6, 64)
		}
		for _, v := range f.Desc {
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, int64(v), 10)
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("failed to write features: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write features: %w", err)
	}
	return nil
}

// ReadFeatures parses the text feature format and returns the descriptor
// dimension and the features.
func ReadFeatures(r io.Reader) (int, []Feature, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	readInt := func(what string) (int, error) {
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			v, err := strconv.Atoi(line)
			if err != nil || v < 0 {
				return 0, fmt.Errorf("invalid %s %q", what, line)
			}
			return v, nil
		}
		if err := sc.Err(); err != nil {
			return 0, fmt.Errorf("failed to read features: %w", err)
		}
		return 0, fmt.Errorf("missing %s", what)
	}

	dim, err := readInt("descriptor dimension")
	if err != nil {
		return 0, nil, err
	}
	n, err := readInt("feature count")
	if err != nil {
		return 0, nil, err
	}

	// n comes from the file; cap the preallocation and let append grow
	features := make([]Feature, 0, min(n, 1024))
	for len(features) < n && sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		row := len(features)
		if len(fields) != 5+dim {
			return 0, nil, fmt.Errorf("feature %d: got %d fields, want %d", row, len(fields), 5+dim)
		}
		var vals [5]float64
		for i := range vals {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return 0, nil, fmt.Errorf("feature %d: invalid number %q", row, fields[i])
			}
			vals[i] = v
		}
		desc := make([]uint8, dim)
		for i := range desc {
			v, err := strconv.ParseUint(fields[5+i], 10, 8)
			if err != nil {
				return 0, nil, fmt.Errorf("feature %d: invalid descriptor value %q", row, fields[5+i])
			}
			desc[i] = uint8(v)
		}
		features = append(features, Feature{
			X:       vals[0],
			Y:       vals[1],
			Ellipse: Ellipse{A: vals[2], B: vals[3], D: vals[4]},
			Desc:    desc,
		})
	}
	if err := sc.Err(); err != nil {
		return 0, nil, fmt.Errorf("failed to read features: %w", err)
	}
	if len(features) != n {
		return 0, nil, fmt.Errorf("expected %d features, found %d", n, len(features))
	}
	return dim, features, nil
}
