package crypto

// KeyPair is a Ristretto255 scalar/point pair.
type KeyPair struct {
	Private Scalar
	Public  Point
}

// GenerateKeyPair draws a fresh random keypair.
func GenerateKeyPair() KeyPair {
	priv := RandomScalar()
	return KeyPair{Private: priv, Public: MulBase(priv)}
}

// Address is a recipient's published view/spend public-key pair, the
// public half of a WalletKeys. It is what gets encoded into the
// `cad:{view}:{spend}` display string (wallet package).
type Address struct {
	ViewPub  Point
	SpendPub Point
}

// WalletKeys holds the view and spend keypairs backing one stealth address:
// a scanning key and a spending key with separate roles.
type WalletKeys struct {
	View  KeyPair
	Spend KeyPair
}

// GenerateWalletKeys creates a fresh view/spend keypair set.
func GenerateWalletKeys() WalletKeys {
	return WalletKeys{View: GenerateKeyPair(), Spend: GenerateKeyPair()}
}

// WalletKeysFromSeed deterministically derives view/spend keys from a
// 32-byte seed, so a wallet can be recovered (or a test fixture pinned)
// from the seed alone.
func WalletKeysFromSeed(seed [32]byte) WalletKeys {
	viewPriv := HashToScalar([]byte("wallet-view-key"), seed[:])
	spendPriv := HashToScalar([]byte("wallet-spend-key"), seed[:])
	return WalletKeys{
		View:  KeyPair{Private: viewPriv, Public: MulBase(viewPriv)},
		Spend: KeyPair{Private: spendPriv, Public: MulBase(spendPriv)},
	}
}

func (wk WalletKeys) Address() Address {
	return Address{ViewPub: wk.View.Public, SpendPub: wk.Spend.Public}
}

// StealthOutput is the public material a sender attaches to a new TxOut:
// the one-time target key and the per-transaction ephemeral public key.
type StealthOutput struct {
	TargetKey Point
	Ephemeral Point
}

// deriveTargetFromShared computes target = Hs(a*R || i)*G + B, the one-time
// output key for output index i under recipient address (A=view, B=spend)
// and ephemeral scalar r (R = r*G is published alongside the output).
//
// shared is a*R or r*A depending on which side calls it -- both
// compute the same point by Diffie-Hellman.
func deriveTargetFromShared(shared Point, outputIndex uint32, spendPub Point) Point {
	var idx [4]byte
	idx[0] = byte(outputIndex)
	idx[1] = byte(outputIndex >> 8)
	idx[2] = byte(outputIndex >> 16)
	idx[3] = byte(outputIndex >> 24)
	hs := HashToScalar([]byte(domainStealth), shared.Bytes(), idx[:])
	return MulBase(hs).Add(spendPub)
}

// NewStealthOutput generates an ephemeral keypair and the corresponding
// one-time target key for recipient `to` at output index `outputIndex`.
// Returns the stealth output material plus the ephemeral private scalar,
// which the builder discards immediately after constructing the TxOut.
func NewStealthOutput(to Address, outputIndex uint32) (StealthOutput, Scalar) {
	ephemeral := RandomScalar()
	shared := to.ViewPub.Mul(ephemeral) // r*A
	target := deriveTargetFromShared(shared, outputIndex, to.SpendPub)
	return StealthOutput{TargetKey: target, Ephemeral: MulBase(ephemeral)}, ephemeral
}

// ScanOutput checks whether a published (targetKey, ephemeralPub, outputIndex)
// belongs to this wallet, returning the recovered target for confirmation.
func (wk WalletKeys) ScanOutput(targetKey, ephemeralPub Point, outputIndex uint32) (bool, Point) {
	shared := ephemeralPub.Mul(wk.View.Private) // a*R
	expected := deriveTargetFromShared(shared, outputIndex, wk.Spend.Public)
	return expected.Equal(targetKey), expected
}

// DeriveSpendScalar recovers the one-time private key x' = Hs(a*R||i) + b
// for an output this wallet owns. Caller must have already confirmed
// ownership with ScanOutput.
func (wk WalletKeys) DeriveSpendScalar(ephemeralPub Point, outputIndex uint32) Scalar {
	shared := ephemeralPub.Mul(wk.View.Private)
	var idx [4]byte
	idx[0] = byte(outputIndex)
	idx[1] = byte(outputIndex >> 8)
	idx[2] = byte(outputIndex >> 16)
	idx[3] = byte(outputIndex >> 24)
	hs := HashToScalar([]byte(domainStealth), shared.Bytes(), idx[:])
	return hs.Add(wk.Spend.Private)
}

// KeyImage computes I = x*Hp(P), the linkable image of one-time spend key P
// (target key) under private scalar x. Uniqueness of I across the key-image
// set is the sole double-spend guard; no two genuine spends of the same P
// ever produce different I.
func KeyImage(priv Scalar, targetKey Point) Point {
	hp := HashToPoint([]byte(domainKeyImage), targetKey.Bytes())
	return hp.Mul(priv)
}
