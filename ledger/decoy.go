package ledger

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"

	"github.com/dgraph-io/badger/v3"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/txmodel"
)

// DecoyOutputs returns up to count uniformly sampled, mature ring-member
// candidates from the UTXO set, skipping the given target keys and any
// output with a mismatched token id. Implements txmodel.DecoyProvider.
//
// Sampling walks the whole candidate set and draws without replacement so
// the choice carries no information about which outputs are spent: spent
// outputs are never removed from the UTXO database, and the key image set
// is never consulted here.
func (s *Store) DecoyOutputs(count int, exclude []crypto.Point, tokenID uint64) ([]txmodel.RingMember, error) {
	s.mu.RLock()
	tipHeight := s.state.Height
	maturity := s.params.MaturityBlocks
	s.mu.RUnlock()

	excluded := make(map[[32]byte]struct{}, len(exclude))
	for _, p := range exclude {
		var k [32]byte
		copy(k[:], p.Bytes())
		excluded[k] = struct{}{}
	}

	var candidates []txmodel.RingMember
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixUTXO}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var u UTXO
			if err := it.Item().Value(func(val []byte) error {
				return unmarshalUTXO(val, &u)
			}); err != nil {
				return err
			}
			if u.TxOut == nil || u.TxOut.TokenID != tokenID {
				continue
			}
			if tipHeight < u.CreatedAtHeight+maturity {
				continue
			}
			var k [32]byte
			copy(k[:], u.TxOut.TargetKey.Bytes())
			if _, skip := excluded[k]; skip {
				continue
			}
			candidates = append(candidates, txmodel.RingMember{
				TargetKey:  u.TxOut.TargetKey,
				Commitment: u.TxOut.Commitment,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(candidates) <= count {
		return candidates, nil
	}

	// Fisher-Yates over the candidate slice with crypto/rand indices,
	// keeping the first count entries.
	for i := 0; i < count; i++ {
		j := i + randIntn(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates[:count], nil
}

func unmarshalUTXO(val []byte, u *UTXO) error {
	return json.Unmarshal(val, u)
}

func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(b[:]) % uint64(n))
}
