package txmodel

import (
	"encoding/binary"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/types"
)

// MintingTx is the coinbase-equivalent record: a PoW-bearing minting
// transaction that creates the block reward and directs it to a stealth
// output controlled by the minter's view/spend keys.
type MintingTx struct {
	BlockHeight    uint64
	Reward         uint64
	MinterViewKey  crypto.Point
	MinterSpendKey crypto.Point
	StealthTarget  crypto.Point // one-time output key derived from minter keys
	StealthEphem   crypto.Point
	PrevBlockHash  types.Hash
	Difficulty     uint64
	Nonce          uint64
	Timestamp      int64
}

// powInput returns nonce || prev_block_hash || minter_view_key ||
// minter_spend_key, the exact bytes hashed for PoW verification.
func (m *MintingTx) powInput() []byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], m.Nonce)

	buf := make([]byte, 0, 8+32+32+32)
	buf = append(buf, nonceBytes[:]...)
	buf = append(buf, m.PrevBlockHash[:]...)
	buf = append(buf, m.MinterViewKey.Bytes()...)
	buf = append(buf, m.MinterSpendKey.Bytes()...)
	return buf
}

// PowHashPrefix returns the first 8 bytes of SHA256d(powInput) (SHA-256
// applied twice), interpreted
// big-endian, which must be strictly less than Difficulty for a valid
// minting tx.
func (m *MintingTx) PowHashPrefix() uint64 {
	h := crypto.SHA256d(m.powInput())
	return binary.BigEndian.Uint64(h[:8])
}

// VerifyPoW reports whether the minting tx satisfies its own declared
// Difficulty. Callers additionally check Difficulty against the ledger's
// stored difficulty for the target height.
func (m *MintingTx) VerifyPoW() bool {
	return m.PowHashPrefix() < m.Difficulty
}

// Hash is the minting transaction's identity hash.
func (m *MintingTx) Hash() types.Hash {
	var heightB, rewardB, diffB, nonceB, tsB [8]byte
	putU64(heightB[:], m.BlockHeight)
	putU64(rewardB[:], m.Reward)
	putU64(diffB[:], m.Difficulty)
	putU64(nonceB[:], m.Nonce)
	putU64(tsB[:], uint64(m.Timestamp))

	parts := [][]byte{
		[]byte("botho/minting-tx"),
		heightB[:], rewardB[:],
		m.MinterViewKey.Bytes(), m.MinterSpendKey.Bytes(),
		m.StealthTarget.Bytes(), m.StealthEphem.Bytes(),
		m.PrevBlockHash[:], diffB[:], nonceB[:], tsB[:],
	}
	return types.HashFromBytes(digest(parts...))
}
