package crypto

import (
	"fmt"

	r255 "github.com/gtank/ristretto255"
)

// Point is a Ristretto255 group element, canonically encoded as 32 bytes.
type Point struct {
	e *r255.Element
}

// BasePoint returns the group's standard base point G.
func BasePoint() Point {
	g := r255.NewElement()
	g.ScalarBaseMult(oneScalar())
	return Point{e: g}
}

func oneScalar() *r255.Scalar {
	return ScalarOne().s
}

// Identity returns the group identity element (point at infinity).
func Identity() Point {
	return Point{e: r255.NewElement()}
}

// DecodePoint parses a canonical 32-byte Ristretto255 encoding.
func DecodePoint(b []byte) (Point, error) {
	if len(b) != 32 {
		return Point{}, ErrInvalidPoint
	}
	e := r255.NewElement()
	if err := e.Decode(b); err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return Point{e: e}, nil
}

// HashToPoint maps arbitrary input to a group element with no known
// discrete log relative to G. Key images require Hp(P) to be exactly this
// kind of point: uniqueness of I = x*Hp(P) would collapse if Hp had a
// known log.
func HashToPoint(parts ...[]byte) Point {
	wide := domainTag(domainHashToPoint, parts...)
	var buf [64]byte
	copy(buf[:], wide)
	e := r255.NewElement()
	e.FromUniformBytes(buf[:])
	return Point{e: e}
}

// Bytes returns the canonical 32-byte encoding.
func (p Point) Bytes() []byte {
	return p.e.Encode(nil)
}

func (p Point) Add(q Point) Point {
	out := r255.NewElement()
	out.Add(p.e, q.e)
	return Point{e: out}
}

func (p Point) Sub(q Point) Point {
	out := r255.NewElement()
	out.Subtract(p.e, q.e)
	return Point{e: out}
}

func (p Point) Neg() Point {
	out := r255.NewElement()
	out.Negate(p.e)
	return Point{e: out}
}

// Mul returns s*P.
func (p Point) Mul(s Scalar) Point {
	out := r255.NewElement()
	out.ScalarMult(s.s, p.e)
	return Point{e: out}
}

// MulBase returns s*G.
func MulBase(s Scalar) Point {
	out := r255.NewElement()
	out.ScalarBaseMult(s.s)
	return Point{e: out}
}

// MultiScalarMul computes Σ scalars[i]*points[i] in one batched operation.
func MultiScalarMul(scalars []Scalar, points []Point) Point {
	ss := make([]*r255.Scalar, len(scalars))
	ps := make([]*r255.Element, len(points))
	for i := range scalars {
		ss[i] = scalars[i].s
		ps[i] = points[i].e
	}
	out := r255.NewElement()
	out.MultiScalarMult(ss, ps)
	return Point{e: out}
}

func (p Point) Equal(q Point) bool {
	return p.e.Equal(q.e) == 1
}
