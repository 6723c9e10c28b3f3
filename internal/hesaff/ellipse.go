package hesaff

import "math"

// Affine is a 2×2 matrix [[A11, A12], [A21, A22]].
//
// Keypoint shapes are stored in "invA" form: the matrix maps the unit circle
// of the normalised patch to the ellipse in the image.
type Affine struct {
	A11 float64 `json:"a11"`
	A12 float64 `json:"a12"`
	A21 float64 `json:"a21"`
	A22 float64 `json:"a22"`
}

// Det returns the determinant of a.
func (a Affine) Det() float64 {
	return a.A11*a.A22 - a.A12*a.A21
}

// RectifyUpIsUp removes the rotation from a so that the patch's up vector
// stays vertical in the image, and normalises the determinant to one.
// The result is lower triangular.
func RectifyUpIsUp(a Affine) Affine {
	det := math.Sqrt(math.Abs(a.Det()))
	b2a2 := math.Sqrt(a.A12*a.A12 + a.A11*a.A11)
	return Affine{
		A11: b2a2 / det,
		A12: 0,
		A21: (a.A22*a.A12 + a.A21*a.A11) / (b2a2 * det),
		A22: det / b2a2,
	}
}

// RotateDownwards is RectifyUpIsUp without the scale normalisation: the
// returned lower triangular L satisfies L·Lᵀ = a·aᵀ.
func RotateDownwards(a Affine) Affine {
	absdet := math.Abs(a.Det())
	b2a2 := math.Sqrt(a.A12*a.A12 + a.A11*a.A11)
	return Affine{
		A11: b2a2,
		A12: 0,
		A21: (a.A22*a.A12 + a.A21*a.A11) / b2a2,
		A22: absdet / b2a2,
	}
}

// Ellipse is a symmetric 2×2 matrix [[A, B], [B, D]] in "invE" form: the
// points p with (p-c)ᵀ·E·(p-c) = 1 lie on the keypoint's boundary.
type Ellipse struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	D float64 `json:"d"`
}

// InvAToInvE integrates the scale descFactor·s into invA and returns the
// ellipse matrix (sc²·invA·invAᵀ)⁻¹.
func InvAToInvE(invA Affine, s, descFactor float64) Ellipse {
	sc := descFactor * s
	sc2 := sc * sc
	// M = sc²·invA·invAᵀ
	m11 := sc2 * (invA.A11*invA.A11 + invA.A12*invA.A12)
	m12 := sc2 * (invA.A11*invA.A21 + invA.A12*invA.A22)
	m22 := sc2 * (invA.A21*invA.A21 + invA.A22*invA.A22)
	det := m11*m22 - m12*m12
	return Ellipse{A: m22 / det, B: -m12 / det, D: m11 / det}
}

// InvEToInvA returns the lower triangular invA whose unit circle maps onto
// e. Scale stays integrated in the returned matrix.
func InvEToInvA(e Ellipse) Affine {
	det := e.A*e.D - e.B*e.B
	// E⁻¹ = invA·invAᵀ; its Cholesky factor is the rectified invA.
	m11 := e.D / det
	m12 := -e.B / det
	m22 := e.A / det
	l11 := math.Sqrt(m11)
	l21 := m12 / l11
	return Affine{
		A11: l11,
		A12: 0,
		A21: l21,
		A22: math.Sqrt(math.Max(m22-l21*l21, 0)),
	}
}

// invSqrt replaces the symmetric matrix [[a, b], [b, c]] with its inverse
// square root normalised to unit determinant, returning the new matrix and
// its eigenvalues l1 >= l2.
func invSqrt(a, b, c float64) (na, nb, nc, l1, l2 float64) {
	var r, t float64
	if b != 0 {
		r = (c - a) / (2 * b)
		if r >= 0 {
			t = 1.0 / (r + math.Sqrt(1+r*r))
		} else {
			t = -1.0 / (-r + math.Sqrt(1+r*r))
		}
		r = 1.0 / math.Sqrt(1+t*t) // cos
		t = t * r                  // sin
	} else {
		r = 1
		t = 0
	}

	x := 1.0 / math.Sqrt(r*r*a-2*r*t*b+t*t*c)
	z := 1.0 / math.Sqrt(t*t*a+2*r*t*b+r*r*c)
	d := math.Sqrt(x * z)
	x /= d
	z /= d

	if x < z {
		l1, l2 = z, x
	} else {
		l1, l2 = x, z
	}

	na = r*r*x + t*t*z
	nb = -r*t*x + t*r*z
	nc = t*t*x + r*r*z
	return na, nb, nc, l1, l2
}

// eigenvalues returns the real eigenvalues l1 >= l2 of [[a, b], [c, d]].
// ok is false when they are complex.
func eigenvalues(a, b, c, d float64) (l1, l2 float64, ok bool) {
	trace := a + d
	delta1 := trace*trace - 4*(a*d-b*c)
	if delta1 < 0 {
		// rounding noise on a (near) isotropic matrix
		if delta1 > -1e-9*trace*trace {
			delta1 = 0
		} else {
			return 0, 0, false
		}
	}
	delta := math.Sqrt(delta1)
	return (trace + delta) / 2, (trace - delta) / 2, true
}

// solveLinear3x3 solves A·x = b by Gaussian elimination with partial
// pivoting. A is row-major. ok is false for a singular system.
func solveLinear3x3(A [9]float64, b [3]float64) (x [3]float64, ok bool) {
	for i := 0; i < 3; i++ {
		// pivot
		p := i
		for r := i + 1; r < 3; r++ {
			if math.Abs(A[r*3+i]) > math.Abs(A[p*3+i]) {
				p = r
			}
		}
		if math.Abs(A[p*3+i]) < 1e-10 {
			return x, false
		}
		if p != i {
			for c := 0; c < 3; c++ {
				A[i*3+c], A[p*3+c] = A[p*3+c], A[i*3+c]
			}
			b[i], b[p] = b[p], b[i]
		}
		for r := i + 1; r < 3; r++ {
			f := A[r*3+i] / A[i*3+i]
			for c := i; c < 3; c++ {
				A[r*3+c] -= f * A[i*3+c]
			}
			b[r] -= f * b[i]
		}
	}
	for i := 2; i >= 0; i-- {
		sum := b[i]
		for c := i + 1; c < 3; c++ {
			sum -= A[i*3+c] * x[c]
		}
		x[i] = sum / A[i*3+i]
	}
	return x, true
}
