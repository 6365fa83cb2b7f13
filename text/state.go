package text

import "math"

// Matrix represents a 2D affine transformation matrix [a b c d e f].
type Matrix [6]float64

// Identity returns an identity matrix
func Identity() Matrix {
	return Matrix{1, 0, 0, 1, 0, 0}
}

// Multiply returns m followed by other: a point is transformed by m first.
func (m Matrix) Multiply(other Matrix) Matrix {
	return Matrix{
		m[0]*other[0] + m[1]*other[2],
		m[0]*other[1] + m[1]*other[3],
		m[2]*other[0] + m[3]*other[2],
		m[2]*other[1] + m[3]*other[3],
		m[4]*other[0] + m[5]*other[2] + other[4],
		m[4]*other[1] + m[5]*other[3] + other[5],
	}
}

// Translate creates a translation matrix
func Translate(tx, ty float64) Matrix {
	return Matrix{1, 0, 0, 1, tx, ty}
}

// Apply transforms the point (x, y).
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

// scaleX is the length of the unit x vector after the transform.
func (m Matrix) scaleX() float64 { return math.Hypot(m[0], m[1]) }

// state is the part of the graphics state text extraction needs.
type state struct {
	ctm Matrix
	tm  Matrix
	tlm Matrix

	font      *Font
	size      float64
	charSpace float64
	wordSpace float64
	hScale    float64
	leading   float64
	rise      float64
}

func newState(ctm Matrix) state {
	return state{ctm: ctm, tm: Identity(), tlm: Identity(), hScale: 1}
}

// moveText implements Td: translate the line matrix and reset tm to it.
func (s *state) moveText(tx, ty float64) {
	s.tlm = Translate(tx, ty).Multiply(s.tlm)
	s.tm = s.tlm
}

func (s *state) nextLine() { s.moveText(0, -s.leading) }

func (s *state) setMatrix(m Matrix) {
	s.tm = m
	s.tlm = m
}

// advance moves the text matrix by (tx, ty) in text space.
func (s *state) advance(tx, ty float64) {
	s.tm = Translate(tx, ty).Multiply(s.tm)
}

// renderingMatrix maps glyph space at the current position to device
// space.
func (s *state) renderingMatrix() Matrix {
	tsm := Matrix{s.size * s.hScale, 0, 0, s.size, 0, s.rise}
	return tsm.Multiply(s.tm).Multiply(s.ctm)
}
