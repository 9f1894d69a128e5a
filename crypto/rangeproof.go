package crypto

import "encoding/binary"

// RangeProofBits is the number of bits committed per output value. 64 bits
// covers the full uint64 amount space; BTH's practical supply never
// approaches it but the proof must still bound every output trustlessly.
const RangeProofBits = 64

// bitProof is a Schnorr OR-proof (Borromean-style, two branches) that a bit
// commitment C_j = b_j*H + r_j*G opens to b_j=0 or b_j=1, without revealing
// which. Linear-size per bit rather than a logarithmic bulletproof
// inner-product argument; proofs batch across all of a transaction's
// outputs under one verification pass.
type bitProof struct {
	A0, A1 Point
	C0, C1 Scalar
	S0, S1 Scalar
}

// RangeProof is an aggregated batch of per-output, per-bit OR-proofs plus
// the per-bit commitments, letting a verifier check every output's value is
// non-negative and representable in RangeProofBits without learning it.
type RangeProof struct {
	TokenID uint64
	Bits    [][]bitProof // Bits[outputIdx][bitIdx]
	BitComs [][]Point    // BitComs[outputIdx][bitIdx], the C_j points
}

// ProveRange builds an aggregated range proof for a batch of (value,
// blinding) pairs all using the same token generator. Per-bit blinding
// factors are drawn internally with RandomScalar, except each output's last
// bit, whose blinding is solved to close the sum; none of them is returned.
func ProveRange(tokenID uint64, values []uint64, blindings []Scalar) (*RangeProof, error) {
	if len(values) != len(blindings) {
		return nil, ErrRangeProofRejected
	}
	h := TokenGenerator(tokenID)
	proof := &RangeProof{
		TokenID: tokenID,
		Bits:    make([][]bitProof, len(values)),
		BitComs: make([][]Point, len(values)),
	}

	for oi, v := range values {
		bitBlindings := make([]Scalar, RangeProofBits)
		sum := ScalarZero()
		for j := 0; j < RangeProofBits-1; j++ {
			bitBlindings[j] = RandomScalar()
			weight := ScalarFromPow2(j)
			sum = sum.Add(bitBlindings[j].Mul(weight))
		}
		// Solve the final blinding so Σ 2^j r_j == blindings[oi].
		lastWeight := ScalarFromPow2(RangeProofBits - 1)
		remaining := blindings[oi].Sub(sum)
		bitBlindings[RangeProofBits-1] = remaining.Mul(lastWeight.Invert())

		coms := make([]Point, RangeProofBits)
		bps := make([]bitProof, RangeProofBits)
		for j := 0; j < RangeProofBits; j++ {
			bit := (v >> uint(j)) & 1
			com := h.Mul(ValueScalar(bit)).Add(MulBase(bitBlindings[j]))
			coms[j] = com
			bps[j] = proveBit(com, bit, bitBlindings[j], h, oi, j)
		}
		proof.BitComs[oi] = coms
		proof.Bits[oi] = bps
	}
	return proof, nil
}

// VerifyRange checks an aggregated range proof against the claimed output
// commitments (batched: every bit-OR-proof and every per-output sum check
// is verified in one pass, failing closed on the first mismatch).
func VerifyRange(proof *RangeProof, commitments []Commitment) error {
	if proof == nil || len(proof.Bits) != len(commitments) || len(proof.BitComs) != len(commitments) {
		return ErrRangeProofRejected
	}
	h := TokenGenerator(proof.TokenID)

	for oi, com := range commitments {
		if len(proof.Bits[oi]) != RangeProofBits || len(proof.BitComs[oi]) != RangeProofBits {
			return ErrRangeProofRejected
		}
		sum := Identity()
		for j := 0; j < RangeProofBits; j++ {
			bc := proof.BitComs[oi][j]
			if !verifyBit(bc, proof.Bits[oi][j], h, oi, j) {
				return ErrRangeProofRejected
			}
			weight := ScalarFromPow2(j)
			sum = sum.Add(bc.Mul(weight))
		}
		if !sum.Equal(com.Point()) {
			return ErrRangeProofRejected
		}
	}
	return nil
}

func proveBit(com Point, bit uint64, blinding Scalar, h Point, outIdx, bitIdx int) bitProof {
	ctx := bitContext(outIdx, bitIdx)
	comMinusH := com.Sub(h)

	if bit == 0 {
		k := RandomScalar()
		a0 := MulBase(k)

		fakeS1 := RandomScalar()
		fakeC1 := RandomScalar()
		a1 := MulBase(fakeS1).Sub(comMinusH.Mul(fakeC1))

		e := HashToScalar(append([][]byte{a0.Bytes(), a1.Bytes()}, ctx)...)
		c0 := e.Sub(fakeC1)
		s0 := k.Add(c0.Mul(blinding))

		return bitProof{A0: a0, A1: a1, C0: c0, C1: fakeC1, S0: s0, S1: fakeS1}
	}

	k := RandomScalar()
	a1 := MulBase(k)

	fakeS0 := RandomScalar()
	fakeC0 := RandomScalar()
	a0 := MulBase(fakeS0).Sub(com.Mul(fakeC0))

	e := HashToScalar(append([][]byte{a0.Bytes(), a1.Bytes()}, ctx)...)
	c1 := e.Sub(fakeC0)
	s1 := k.Add(c1.Mul(blinding))

	return bitProof{A0: a0, A1: a1, C0: fakeC0, C1: c1, S0: fakeS0, S1: s1}
}

func verifyBit(com Point, bp bitProof, h Point, outIdx, bitIdx int) bool {
	ctx := bitContext(outIdx, bitIdx)
	comMinusH := com.Sub(h)

	lhs0 := MulBase(bp.S0)
	rhs0 := bp.A0.Add(com.Mul(bp.C0))
	if !lhs0.Equal(rhs0) {
		return false
	}

	lhs1 := MulBase(bp.S1)
	rhs1 := bp.A1.Add(comMinusH.Mul(bp.C1))
	if !lhs1.Equal(rhs1) {
		return false
	}

	e := HashToScalar(append([][]byte{bp.A0.Bytes(), bp.A1.Bytes()}, ctx)...)
	return bp.C0.Add(bp.C1).Equal(e)
}

func bitContext(outIdx, bitIdx int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[:4], uint32(outIdx))
	binary.LittleEndian.PutUint32(b[4:], uint32(bitIdx))
	return b
}

// ScalarFromPow2 returns the scalar 2^j for j < 256.
func ScalarFromPow2(j int) Scalar {
	var wide [64]byte
	byteIdx := j / 8
	bitIdx := uint(j % 8)
	if byteIdx < len(wide) {
		wide[byteIdx] = 1 << bitIdx
	}
	return ScalarFromHash(wide)
}
