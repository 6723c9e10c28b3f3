package hesaff

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// aat returns a·aᵀ as (m11, m12, m22).
func aat(a Affine) (float64, float64, float64) {
	return a.A11*a.A11 + a.A12*a.A12,
		a.A11*a.A21 + a.A12*a.A22,
		a.A21*a.A21 + a.A22*a.A22
}

func TestRectifyUpIsUp(t *testing.T) {
	tests := []struct {
		name string
		in   Affine
	}{
		{"identity", Affine{1, 0, 0, 1}},
		{"rotation", Affine{math.Cos(0.3), -math.Sin(0.3), math.Sin(0.3), math.Cos(0.3)}},
		{"anisotropic", Affine{2, 0.5, -0.3, 0.8}},
		{"reflected", Affine{0, 1, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RectifyUpIsUp(tt.in)
			if got.A12 != 0 {
				t.Errorf("A12: got %g, want 0", got.A12)
			}
			if !approxEqual(got.Det(), 1, 1e-9) {
				t.Errorf("det: got %g, want 1", got.Det())
			}
			// the ellipse shape is kept up to the determinant normalisation
			det := math.Abs(tt.in.Det())
			w11, w12, w22 := aat(tt.in)
			g11, g12, g22 := aat(got)
			if !approxEqual(g11*det, w11, 1e-9) || !approxEqual(g12*det, w12, 1e-9) || !approxEqual(g22*det, w22, 1e-9) {
				t.Errorf("a·aᵀ changed: got (%g,%g,%g)·%g, want (%g,%g,%g)", g11, g12, g22, det, w11, w12, w22)
			}
		})
	}
}

func TestRotateDownwards(t *testing.T) {
	in := Affine{1.5, -0.4, 0.7, 2.1}
	got := RotateDownwards(in)
	if got.A12 != 0 {
		t.Fatalf("A12: got %g, want 0", got.A12)
	}
	w11, w12, w22 := aat(in)
	g11, g12, g22 := aat(got)
	if !approxEqual(g11, w11, 1e-9) || !approxEqual(g12, w12, 1e-9) || !approxEqual(g22, w22, 1e-9) {
		t.Errorf("L·Lᵀ: got (%g,%g,%g), want (%g,%g,%g)", g11, g12, g22, w11, w12, w22)
	}
}

func TestInvAToInvE(t *testing.T) {
	// identity shape at scale 2 with factor 3 is a circle of radius 6
	e := InvAToInvE(Affine{1, 0, 0, 1}, 2, 3)
	if !approxEqual(e.A, 1.0/36, 1e-12) || e.B != 0 || !approxEqual(e.D, 1.0/36, 1e-12) {
		t.Errorf("got %+v, want circle of radius 6", e)
	}
}

func TestInvEToInvA_InvertsInvAToInvE(t *testing.T) {
	shapes := []Affine{
		{1, 0, 0, 1},
		RectifyUpIsUp(Affine{2, 0.5, -0.3, 0.8}),
		RectifyUpIsUp(Affine{0.7, 0.1, 0.4, 1.9}),
	}
	for _, a := range shapes {
		s, f := 2.5, 3*math.Sqrt(3)
		got := InvEToInvA(InvAToInvE(a, s, f))
		sc := s * f
		if !approxEqual(got.A11, sc*a.A11, 1e-9) || got.A12 != 0 ||
			!approxEqual(got.A21, sc*a.A21, 1e-9) || !approxEqual(got.A22, sc*a.A22, 1e-9) {
			t.Errorf("shape %+v: got %+v, want %g·shape", a, got, sc)
		}
	}
}

func TestInvSqrt(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c float64
	}{
		{"diagonal", 4, 0, 1},
		{"correlated", 3, 1, 2},
		{"negative correlation", 2, -0.7, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			na, nb, nc, l1, l2 := invSqrt(tt.a, tt.b, tt.c)
			if l1 < l2 {
				t.Errorf("eigenvalues out of order: %g < %g", l1, l2)
			}
			if !approxEqual(na*nc-nb*nb, 1, 1e-9) {
				t.Errorf("det: got %g, want 1", na*nc-nb*nb)
			}
			// N·M·N must be a multiple of the identity
			m11 := na*(tt.a*na+tt.b*nb) + nb*(tt.b*na+tt.c*nb)
			m12 := na*(tt.a*nb+tt.b*nc) + nb*(tt.b*nb+tt.c*nc)
			m22 := nb*(tt.a*nb+tt.b*nc) + nc*(tt.b*nb+tt.c*nc)
			if math.Abs(m12) > 1e-9*m11 || !approxEqual(m11, m22, 1e-9) {
				t.Errorf("N·M·N not isotropic: (%g, %g, %g)", m11, m12, m22)
			}
		})
	}
}

func TestEigenvalues(t *testing.T) {
	l1, l2, ok := eigenvalues(3, 1, 1, 3)
	if !ok || !approxEqual(l1, 4, 1e-12) || !approxEqual(l2, 2, 1e-12) {
		t.Errorf("got (%g, %g, %v), want (4, 2, true)", l1, l2, ok)
	}

	if _, _, ok := eigenvalues(0, -1, 1, 0); ok {
		t.Error("rotation matrix should have complex eigenvalues")
	}
}

func TestSolveLinear3x3(t *testing.T) {
	A := [9]float64{
		0, 2, 1,
		1, 1, 1,
		2, 1, 3,
	}
	want := [3]float64{1, -2, 3}
	var b [3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			b[r] += A[r*3+c] * want[c]
		}
	}

	got, ok := solveLinear3x3(A, b)
	if !ok {
		t.Fatal("solveLinear3x3 reported a singular system")
	}
	for i := range want {
		if !approxEqual(got[i], want[i], 1e-9) {
			t.Errorf("x[%d]: got %g, want %g", i, got[i], want[i])
		}
	}

	singular := [9]float64{1, 2, 3, 2, 4, 6, 1, 1, 1}
	if _, ok := solveLinear3x3(singular, [3]float64{1, 2, 3}); ok {
		t.Error("singular system should not be solvable")
	}
}
