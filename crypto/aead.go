package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaskedAmount is an authenticated-encrypted (value, blinding) pair, so only
// the recipient's view key can recover the real amount behind a commitment.
type MaskedAmount struct {
	Nonce      [chacha20poly1305.NonceSize]byte
	Ciphertext []byte // value(8) || blinding(32) || tag(16)
}

// deriveAeadKey turns a DH shared-secret point into a 32-byte symmetric key
// via domain-separated hashing, never using the raw point bytes directly.
func deriveAeadKey(shared Point, context []byte) [32]byte {
	return Blake3_256([]byte("botho/aead-key"), shared.Bytes(), context)
}

// EncryptAmount masks (value, blinding) under the DH shared secret between
// sender and recipient for a given output index.
func EncryptAmount(shared Point, outputIndex uint32, value uint64, blinding Scalar) (MaskedAmount, error) {
	var idx [4]byte
	putUint32(idx[:], outputIndex)
	key := deriveAeadKey(shared, idx[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return MaskedAmount{}, fmt.Errorf("%w: %v", ErrAeadFailed, err)
	}

	plain := make([]byte, 40)
	putUint64(plain[:8], value)
	copy(plain[8:], blinding.Bytes())

	var nonce [chacha20poly1305.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return MaskedAmount{}, err
	}

	ct := aead.Seal(nil, nonce[:], plain, idx[:])
	return MaskedAmount{Nonce: nonce, Ciphertext: ct}, nil
}

// DecryptAmount recovers (value, blinding) given the same shared secret.
func DecryptAmount(shared Point, outputIndex uint32, m MaskedAmount) (uint64, Scalar, error) {
	var idx [4]byte
	putUint32(idx[:], outputIndex)
	key := deriveAeadKey(shared, idx[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return 0, Scalar{}, fmt.Errorf("%w: %v", ErrAeadFailed, err)
	}

	plain, err := aead.Open(nil, m.Nonce[:], m.Ciphertext, idx[:])
	if err != nil {
		return 0, Scalar{}, ErrAeadFailed
	}
	if len(plain) != 40 {
		return 0, Scalar{}, ErrAeadFailed
	}

	value := getUint64(plain[:8])
	blinding, err := DecodeScalar(plain[8:])
	if err != nil {
		return 0, Scalar{}, fmt.Errorf("%w: %v", ErrAeadFailed, err)
	}
	return value, blinding, nil
}

// SealLayer performs one layer of onion-style authenticated encryption under
// a raw symmetric key (used by the onion package, which derives per-hop
// keys via circuit-build key exchange rather than output DH).
func SealLayer(key [32]byte, plaintext, aad []byte) ([]byte, [chacha20poly1305.NonceSize]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, [chacha20poly1305.NonceSize]byte{}, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nonce, err
	}
	ct := aead.Seal(nil, nonce[:], plaintext, aad)
	return ct, nonce, nil
}

// OpenLayer reverses SealLayer; a single flipped bit anywhere in ciphertext,
// nonce, or aad causes this to fail closed with ErrAeadFailed.
func OpenLayer(key [32]byte, nonce [chacha20poly1305.NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAeadFailed
	}
	return plain, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
