package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScalarArithmeticRoundTrip(t *testing.T) {
	a := RandomScalar()
	b := RandomScalar()

	sum := a.Add(b)
	back := sum.Sub(b)
	require.True(t, back.Equal(a))

	encoded := a.Bytes()
	decoded, err := DecodeScalar(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Equal(a))
}

func TestPointArithmeticRoundTrip(t *testing.T) {
	s := RandomScalar()
	p := MulBase(s)

	encoded := p.Bytes()
	decoded, err := DecodePoint(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Equal(p))

	sum := p.Add(BasePoint())
	diff := sum.Sub(BasePoint())
	require.True(t, diff.Equal(p))
}

func TestDecodePointRejectsWrongLength(t *testing.T) {
	_, err := DecodePoint([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidPoint)
}

func TestCommitmentHomomorphism(t *testing.T) {
	b1 := RandomScalar()
	b2 := RandomScalar()

	c1 := Commit(100, 0, b1)
	c2 := Commit(50, 0, b2)

	combined := c1.Add(c2)
	expected := Commit(150, 0, b1.Add(b2))
	require.True(t, combined.Equal(expected))
}

func TestVerifyBalanceAcceptsConservedAmounts(t *testing.T) {
	inB := RandomScalar()
	outB1 := RandomScalar()
	outB2 := RandomScalar()
	feeB := ScalarZero()
	_ = feeB

	in := Commit(110, 0, inB)
	out1 := Commit(100, 0, outB1)
	out2 := Commit(9, 0, outB2)

	// Choose blindings so they balance: inB == outB1+outB2 (fee blinding 0).
	out2Fixed := Commit(9, 0, inB.Sub(outB1))
	ok := VerifyBalance([]Commitment{in}, []Commitment{out1, out2Fixed}, 1, 0)
	require.True(t, ok)
	_ = out2
}

func TestStealthAddressRoundTrip(t *testing.T) {
	var seedA [32]byte
	for i := range seedA {
		seedA[i] = 1
	}
	wallet := WalletKeysFromSeed(seedA)
	addr := wallet.Address()

	out, _ := NewStealthOutput(addr, 0)

	owned, recovered := wallet.ScanOutput(out.TargetKey, out.Ephemeral, 0)
	require.True(t, owned)
	require.True(t, recovered.Equal(out.TargetKey))

	spendScalar := wallet.DeriveSpendScalar(out.Ephemeral, 0)
	require.True(t, MulBase(spendScalar).Equal(out.TargetKey))
}

func TestStealthAddressRejectsForeignOutput(t *testing.T) {
	var seedA, seedB [32]byte
	for i := range seedA {
		seedA[i] = 1
		seedB[i] = 2
	}
	walletA := WalletKeysFromSeed(seedA)
	walletB := WalletKeysFromSeed(seedB)

	out, _ := NewStealthOutput(walletA.Address(), 0)

	owned, _ := walletB.ScanOutput(out.TargetKey, out.Ephemeral, 0)
	require.False(t, owned)
}

func TestKeyImageDeterministicAndLinkable(t *testing.T) {
	kp := GenerateKeyPair()
	img1 := KeyImage(kp.Private, kp.Public)
	img2 := KeyImage(kp.Private, kp.Public)
	require.True(t, img1.Equal(img2))
}

// clsagRing builds a test ring: random decoy keys/commitments, a real
// member at realIndex committing to amount under realBlind, a pseudo
// commitment to the same amount under pseudoBlind, and the per-member
// commitment differences.
func clsagRing(t *testing.T, n, realIndex int, amount uint64, realBlind, pseudoBlind Scalar) (ring, diffs []Point, realPriv Scalar) {
	t.Helper()
	ring = make([]Point, n)
	diffs = make([]Point, n)
	pseudo := Commit(amount, 0, pseudoBlind)
	for i := range ring {
		kp := GenerateKeyPair()
		ring[i] = kp.Public
		com := Commit(uint64(i+1)*100, 0, RandomScalar())
		if i == realIndex {
			realPriv = kp.Private
			com = Commit(amount, 0, realBlind)
		}
		diffs[i] = com.Point().Sub(pseudo.Point())
	}
	return ring, diffs, realPriv
}

func TestCLSAGSignVerify(t *testing.T) {
	realBlind := RandomScalar()
	pseudoBlind := RandomScalar()
	// Real index away from 0 so the chain genuinely wraps.
	ring, diffs, realPriv := clsagRing(t, 11, 4, 777, realBlind, pseudoBlind)

	msg := []byte("signing hash placeholder")
	sig, err := SignCLSAG(msg, ring, diffs, 4, realPriv, realBlind.Sub(pseudoBlind))
	require.NoError(t, err)
	require.NoError(t, VerifyCLSAG(msg, ring, diffs, sig))
}

func TestCLSAGVerifiesAtEveryRealIndex(t *testing.T) {
	const ringSize = 5
	for realIndex := 0; realIndex < ringSize; realIndex++ {
		realBlind := RandomScalar()
		pseudoBlind := RandomScalar()
		ring, diffs, realPriv := clsagRing(t, ringSize, realIndex, 42, realBlind, pseudoBlind)

		sig, err := SignCLSAG([]byte("msg"), ring, diffs, realIndex, realPriv, realBlind.Sub(pseudoBlind))
		require.NoError(t, err, "real index %d", realIndex)
		require.NoError(t, VerifyCLSAG([]byte("msg"), ring, diffs, sig), "real index %d", realIndex)
	}
}

func TestCLSAGRejectsTamperedMessage(t *testing.T) {
	realBlind := RandomScalar()
	pseudoBlind := RandomScalar()
	ring, diffs, realPriv := clsagRing(t, 4, 0, 9, realBlind, pseudoBlind)

	sig, err := SignCLSAG([]byte("original"), ring, diffs, 0, realPriv, realBlind.Sub(pseudoBlind))
	require.NoError(t, err)
	err = VerifyCLSAG([]byte("tampered"), ring, diffs, sig)
	require.ErrorIs(t, err, ErrRingSigInvalid)
}

func TestCLSAGRejectsWrongPseudoAmount(t *testing.T) {
	realBlind := RandomScalar()
	pseudoBlind := RandomScalar()
	ring, _, realPriv := clsagRing(t, 4, 1, 100, realBlind, pseudoBlind)

	// Pseudo commitment to a different amount: the commitment difference
	// at the real index is no longer blindDiff*G, so signing must refuse.
	badPseudo := Commit(101, 0, pseudoBlind)
	diffs := make([]Point, len(ring))
	for i := range ring {
		com := Commit(uint64(i+1)*100, 0, RandomScalar())
		if i == 1 {
			com = Commit(100, 0, realBlind)
		}
		diffs[i] = com.Point().Sub(badPseudo.Point())
	}
	_, err := SignCLSAG([]byte("m"), ring, diffs, 1, realPriv, realBlind.Sub(pseudoBlind))
	require.ErrorIs(t, err, ErrRingSigInvalid)
}

func TestCLSAGSameKeyImageAcrossDifferentRings(t *testing.T) {
	kp := GenerateKeyPair()
	realBlind := RandomScalar()
	pseudoBlind := RandomScalar()
	com := Commit(50, 0, realBlind)
	pseudo := Commit(50, 0, pseudoBlind)
	blindDiff := realBlind.Sub(pseudoBlind)

	buildDiffs := func(ring []Point, realIndex int) []Point {
		diffs := make([]Point, len(ring))
		for i := range ring {
			if i == realIndex {
				diffs[i] = com.Point().Sub(pseudo.Point())
				continue
			}
			diffs[i] = Commit(uint64(i+1)*10, 0, RandomScalar()).Point().Sub(pseudo.Point())
		}
		return diffs
	}

	ring1 := []Point{kp.Public, GenerateKeyPair().Public, GenerateKeyPair().Public}
	ring2 := []Point{GenerateKeyPair().Public, kp.Public, GenerateKeyPair().Public}

	sig1, err := SignCLSAG([]byte("m1"), ring1, buildDiffs(ring1, 0), 0, kp.Private, blindDiff)
	require.NoError(t, err)
	sig2, err := SignCLSAG([]byte("m2"), ring2, buildDiffs(ring2, 1), 1, kp.Private, blindDiff)
	require.NoError(t, err)

	require.True(t, sig1.KeyImage.Equal(sig2.KeyImage))
}

func TestRangeProofAcceptsValidValues(t *testing.T) {
	values := []uint64{0, 1, 1_000_000, 18446744073709551615}
	blindings := make([]Scalar, len(values))
	commitments := make([]Commitment, len(values))
	for i, v := range values {
		blindings[i] = RandomScalar()
		commitments[i] = Commit(v, 0, blindings[i])
	}

	proof, err := ProveRange(0, values, blindings)
	require.NoError(t, err)
	require.NoError(t, VerifyRange(proof, commitments))
}

func TestRangeProofRejectsMismatchedCommitment(t *testing.T) {
	values := []uint64{42}
	blindings := []Scalar{RandomScalar()}
	commitments := []Commitment{Commit(43, 0, blindings[0])} // wrong value

	proof, err := ProveRange(0, values, blindings)
	require.NoError(t, err)
	require.ErrorIs(t, VerifyRange(proof, commitments), ErrRangeProofRejected)
}

func TestAeadAmountRoundTrip(t *testing.T) {
	shared := MulBase(RandomScalar())
	blinding := RandomScalar()

	masked, err := EncryptAmount(shared, 3, 777, blinding)
	require.NoError(t, err)

	value, recoveredBlinding, err := DecryptAmount(shared, 3, masked)
	require.NoError(t, err)
	require.Equal(t, uint64(777), value)
	require.True(t, recoveredBlinding.Equal(blinding))
}

func TestAeadAmountRejectsWrongIndex(t *testing.T) {
	shared := MulBase(RandomScalar())
	masked, err := EncryptAmount(shared, 3, 777, RandomScalar())
	require.NoError(t, err)

	_, _, err = DecryptAmount(shared, 4, masked)
	require.ErrorIs(t, err, ErrAeadFailed)
}

func TestSealOpenLayerRejectsCorruption(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ct, nonce, err := SealLayer(key, []byte("hello relay"), []byte("aad"))
	require.NoError(t, err)

	plain, err := OpenLayer(key, nonce, ct, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, "hello relay", string(plain))

	ct[0] ^= 0xFF
	_, err = OpenLayer(key, nonce, ct, []byte("aad"))
	require.ErrorIs(t, err, ErrAeadFailed)
}
