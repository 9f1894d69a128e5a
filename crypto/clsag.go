package crypto

// CLSAGSignature is a linkable ring signature over an ordered ring of
// (one-time key, commitment) pairs. It signs under two aggregated keys at
// once: the spend key of the real ring member, and the discrete log of
// that member's commitment minus the input's pseudo-output commitment.
// Verifying it therefore proves, without revealing the real index, that
// the signer owns one ring member AND that the pseudo-output commits to
// the same amount as that member.
//
// Verification recomputes a chain of challenges c_0 -> c_1 -> ... -> c_0
// and accepts iff the chain closes. KeyImage links any two spends of the
// same one-time key regardless of which decoy rings they hide in;
// CommitmentImage is the matching image under the commitment key, needed
// to keep the aggregated R-side equation closed.
type CLSAGSignature struct {
	C0              Scalar
	Responses       []Scalar // one response per ring member
	KeyImage        Point    // I = x*Hp(P_real)
	CommitmentImage Point    // D = z*Hp(P_real), z = real blinding - pseudo blinding
}

// SignCLSAG produces an aggregated linkable ring signature over message.
// ring holds the candidate one-time keys; commitDiffs[j] must be
// ring-member j's commitment minus the input's pseudo-output commitment.
// realPriv is the spend key for ring[realIndex] and blindDiff the blinding
// difference opening commitDiffs[realIndex] (so commitDiffs[realIndex] ==
// blindDiff*G).
func SignCLSAG(message []byte, ring []Point, commitDiffs []Point, realIndex int, realPriv, blindDiff Scalar) (*CLSAGSignature, error) {
	n := len(ring)
	if realIndex < 0 || realIndex >= n || len(commitDiffs) != n {
		return nil, ErrRingSigInvalid
	}
	realPub := MulBase(realPriv)
	if !realPub.Equal(ring[realIndex]) {
		return nil, ErrRingSigInvalid
	}
	if !MulBase(blindDiff).Equal(commitDiffs[realIndex]) {
		return nil, ErrRingSigInvalid
	}

	hp := HashToPoint([]byte(domainKeyImage), realPub.Bytes())
	imgI := hp.Mul(realPriv)
	imgD := hp.Mul(blindDiff)

	muP, muC := aggregationScalars(ring, commitDiffs, imgI, imgD)
	// Aggregated secret: w = muP*x + muC*z, so W_real = w*G and
	// muP*I + muC*D = w*Hp(P_real).
	w := muP.Mul(realPriv).Add(muC.Mul(blindDiff))
	imgW := imgI.Mul(muP).Add(imgD.Mul(muC))

	responses := make([]Scalar, n)
	alpha := RandomScalar()

	// Seed the chain one past the real index.
	lReal := MulBase(alpha)
	rReal := hp.Mul(alpha)
	c := challenge(message, ring, commitDiffs, imgI, imgD, lReal, rReal, (realIndex+1)%n)

	// c always holds the challenge for position idx. The chain starts at
	// realIndex+1 and wraps to realIndex, so c_0 must be snapshotted as
	// the chain passes position 0, not taken from where the loop stops.
	idx := (realIndex + 1) % n
	c0 := c
	for idx != realIndex {
		if idx == 0 {
			c0 = c
		}
		s := RandomScalar()
		responses[idx] = s

		pub := ring[idx]
		hpI := HashToPoint([]byte(domainKeyImage), pub.Bytes())
		wPub := pub.Mul(muP).Add(commitDiffs[idx].Mul(muC))

		l := MulBase(s).Add(wPub.Mul(c))
		r := hpI.Mul(s).Add(imgW.Mul(c))

		next := (idx + 1) % n
		c = challenge(message, ring, commitDiffs, imgI, imgD, l, r, next)
		idx = next
	}
	if realIndex == 0 {
		c0 = c
	}

	// c now holds c_{realIndex}; close the chain with the real response.
	responses[realIndex] = alpha.Sub(c.Mul(w))

	return &CLSAGSignature{C0: c0, Responses: responses, KeyImage: imgI, CommitmentImage: imgD}, nil
}

// VerifyCLSAG recomputes the challenge chain from position 0 and accepts
// iff it closes back to C0. Returns ErrRingSigInvalid on any mismatch,
// ring-size mismatch, or malformed images.
func VerifyCLSAG(message []byte, ring []Point, commitDiffs []Point, sig *CLSAGSignature) error {
	n := len(ring)
	if sig == nil || len(sig.Responses) != n || len(commitDiffs) != n || n == 0 {
		return ErrRingSigInvalid
	}

	muP, muC := aggregationScalars(ring, commitDiffs, sig.KeyImage, sig.CommitmentImage)
	imgW := sig.KeyImage.Mul(muP).Add(sig.CommitmentImage.Mul(muC))

	c := sig.C0
	for i := 0; i < n; i++ {
		pub := ring[i]
		hpI := HashToPoint([]byte(domainKeyImage), pub.Bytes())
		wPub := pub.Mul(muP).Add(commitDiffs[i].Mul(muC))

		l := MulBase(sig.Responses[i]).Add(wPub.Mul(c))
		r := hpI.Mul(sig.Responses[i]).Add(imgW.Mul(c))

		next := (i + 1) % n
		c = challenge(message, ring, commitDiffs, sig.KeyImage, sig.CommitmentImage, l, r, next)
	}

	if !c.Equal(sig.C0) {
		return ErrRingSigInvalid
	}
	return nil
}

// aggregationScalars derives the two key-aggregation coefficients from
// everything both signer and verifier share: the full ring, the commitment
// differences, and both images.
func aggregationScalars(ring, commitDiffs []Point, imgI, imgD Point) (Scalar, Scalar) {
	parts := make([][]byte, 0, 2*len(ring)+3)
	parts = append(parts, imgI.Bytes(), imgD.Bytes())
	for i := range ring {
		parts = append(parts, ring[i].Bytes(), commitDiffs[i].Bytes())
	}
	muP := HashToScalar(append([][]byte{[]byte("botho/clsag-agg-key")}, parts...)...)
	muC := HashToScalar(append([][]byte{[]byte("botho/clsag-agg-commit")}, parts...)...)
	return muP, muC
}

// challenge computes c_{targetIndex} over the message, the full ring with
// commitment differences, both images, and the running (L, R) pair.
func challenge(message []byte, ring, commitDiffs []Point, imgI, imgD, l, r Point, targetIndex int) Scalar {
	parts := make([][]byte, 0, 2*len(ring)+7)
	parts = append(parts, []byte(domainCLSAGChallenge), message,
		imgI.Bytes(), imgD.Bytes(), l.Bytes(), r.Bytes())
	for i := range ring {
		parts = append(parts, ring[i].Bytes(), commitDiffs[i].Bytes())
	}
	var idx [4]byte
	putUint32(idx[:], uint32(targetIndex))
	parts = append(parts, idx[:])
	return HashToScalar(parts...)
}
