// Package pqcrypto wires an optional post-quantum layer on top of the
// classical Ristretto crypto: ML-KEM-768 for a stealth key exchange and
// ML-DSA-65 for output signatures. The PQ signing flow is being migrated
// to a ring-compatible construction, so callers must gate all use behind
// their own opt-in and must not assume the wire shape here survives that
// migration.
package pqcrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// KEMKeyPair holds an ML-KEM-768 encapsulation keypair.
type KEMKeyPair struct {
	Public  mlkem768.PublicKey
	Private mlkem768.PrivateKey
}

// GenerateKEMKeyPair draws a fresh ML-KEM-768 keypair, used as the
// quantum-resistant half of a stealth exchange alongside the classical
// Ristretto DH.
func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	pk, sk, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pqcrypto: kem keygen: %w", err)
	}
	return &KEMKeyPair{Public: *pk, Private: *sk}, nil
}

// Encapsulate produces a ciphertext and shared secret against a recipient's
// ML-KEM public key.
func Encapsulate(pub *mlkem768.PublicKey) (ciphertext, sharedSecret []byte, err error) {
	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	seed := make([]byte, mlkem768.EncapsulationSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, err
	}
	pub.EncapsulateTo(ct, ss, seed)
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a ciphertext using the
// recipient's private key.
func Decapsulate(priv *mlkem768.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != mlkem768.CiphertextSize {
		return nil, fmt.Errorf("pqcrypto: bad ciphertext size")
	}
	ss := make([]byte, mlkem768.SharedKeySize)
	priv.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

// DSAKeyPair holds an ML-DSA-65 signing keypair for optional output
// signatures.
type DSAKeyPair struct {
	Public  mldsa65.PublicKey
	Private mldsa65.PrivateKey
}

// GenerateDSAKeyPair draws a fresh ML-DSA-65 signing keypair.
func GenerateDSAKeyPair() (*DSAKeyPair, error) {
	pub, priv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pqcrypto: dsa keygen: %w", err)
	}
	return &DSAKeyPair{Public: *pub, Private: *priv}, nil
}

// Sign produces an ML-DSA-65 signature over message with no context string,
// matching the plain-domain variant used for output authentication.
func Sign(priv *mldsa65.PrivateKey, message []byte) []byte {
	sig := make([]byte, mldsa65.SignatureSize)
	mldsa65.SignTo(priv, message, nil, false, sig)
	return sig
}

// Verify checks an ML-DSA-65 signature.
func Verify(pub *mldsa65.PublicKey, message, signature []byte) bool {
	return mldsa65.Verify(pub, message, nil, signature)
}
