package crypto

import (
	"crypto/rand"
	"fmt"

	r255 "github.com/gtank/ristretto255"
)

// Scalar is an element of the Ristretto255 scalar field, encoded canonically
// as 32 little-endian bytes. All consensus-facing arithmetic goes through
// this type rather than the raw library type so callers never hold an
// un-reduced or partially-decoded value.
type Scalar struct {
	s *r255.Scalar
}

// ScalarZero, ScalarOne are the additive and multiplicative identities.
func ScalarZero() Scalar { return Scalar{s: r255.NewScalar()} }

func ScalarOne() Scalar {
	one := r255.NewScalar()
	one.FromUniformBytes(oneUniform())
	return Scalar{s: one}
}

// oneUniform builds a 64-byte little-endian encoding of 1 suitable for
// FromUniformBytes, which reduces mod l.
func oneUniform() []byte {
	b := make([]byte, 64)
	b[0] = 1
	return b
}

// RandomScalar draws a uniformly random scalar using crypto/rand.
func RandomScalar() Scalar {
	var wide [64]byte
	if _, err := rand.Read(wide[:]); err != nil {
		panic(err)
	}
	s := r255.NewScalar()
	s.FromUniformBytes(wide[:])
	return Scalar{s: s}
}

// ScalarFromHash reduces a 64-byte wide hash output into a scalar. Callers
// that only have 32 bytes should widen with domain-separated hashing first
// (see HashToScalar).
func ScalarFromHash(wide [64]byte) Scalar {
	s := r255.NewScalar()
	s.FromUniformBytes(wide[:])
	return Scalar{s: s}
}

// HashToScalar derives a scalar from arbitrary input via a domain-separated
// wide hash, the standard way CLSAG challenges and blinding factors are
// bound to transaction context.
func HashToScalar(parts ...[]byte) Scalar {
	wide := domainTag(domainHashToScalar, parts...)
	var buf [64]byte
	copy(buf[:], wide)
	return ScalarFromHash(buf)
}

// DecodeScalar parses a canonical 32-byte little-endian scalar encoding.
func DecodeScalar(b []byte) (Scalar, error) {
	if len(b) != 32 {
		return Scalar{}, ErrInvalidScalar
	}
	s := r255.NewScalar()
	if err := s.Decode(b); err != nil {
		return Scalar{}, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	return Scalar{s: s}, nil
}

// Bytes returns the canonical 32-byte little-endian encoding.
func (a Scalar) Bytes() []byte {
	return a.s.Encode(nil)
}

func (a Scalar) Add(b Scalar) Scalar {
	out := r255.NewScalar()
	out.Add(a.s, b.s)
	return Scalar{s: out}
}

func (a Scalar) Sub(b Scalar) Scalar {
	out := r255.NewScalar()
	out.Subtract(a.s, b.s)
	return Scalar{s: out}
}

func (a Scalar) Mul(b Scalar) Scalar {
	out := r255.NewScalar()
	out.Multiply(a.s, b.s)
	return Scalar{s: out}
}

func (a Scalar) Neg() Scalar {
	out := r255.NewScalar()
	out.Negate(a.s)
	return Scalar{s: out}
}

// Invert returns the multiplicative inverse; undefined (returns garbage) for
// a zero scalar, matching the underlying library's contract. Callers must
// reject zero scalars before inverting.
func (a Scalar) Invert() Scalar {
	out := r255.NewScalar()
	out.Invert(a.s)
	return Scalar{s: out}
}

func (a Scalar) Equal(b Scalar) bool {
	return a.s.Equal(b.s) == 1
}

func (a Scalar) IsZero() bool {
	return a.Equal(ScalarZero())
}

// Zero overwrites the scalar's backing value in place so secret blinding
// factors and spend keys don't outlive their use; copies of the Scalar
// share that value and read zero afterwards. Go can't enforce this at scope
// exit, so it takes effect only where a caller invokes it.
func (a *Scalar) Zero() {
	if a.s == nil {
		return
	}
	_ = a.s.Decode(make([]byte, 32))
}
