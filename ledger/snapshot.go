package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/types"
)

// SnapshotMagic prefixes every snapshot file; the trailing byte is the
// format version and governs compatibility.
var SnapshotMagic = []byte("BTHSNAP\x01")

// UtxoSnapshot is a point-in-time export of the three state sets plus the
// chain-state summary, each set independently compressed and independently
// Merkle-rooted so a loader can verify them before touching the database.
type UtxoSnapshot struct {
	Version   uint8
	Height    uint64
	BlockHash types.Hash

	UtxoRoot          types.Hash
	KeyImageRoot      types.Hash
	ClusterWealthRoot types.Hash

	UtxoCount     uint64
	KeyImageCount uint64
	ClusterCount  uint64

	ChainState ChainState

	UtxoPayload          []byte
	KeyImagePayload      []byte
	ClusterWealthPayload []byte
}

type snapshotKeyImage struct {
	KeyImage      []byte
	SpentAtHeight uint64
}

type snapshotWealth struct {
	ClusterId ClusterId
	Wealth    uint64
}

// ExportSnapshot serializes the current UTXO, key-image, and cluster-wealth
// sets at the ledger's tip. Entries are sorted by database key before
// hashing and compression, and the zstd encoder runs single-threaded, so
// export -> load -> export yields byte-identical payloads.
func (s *Store) ExportSnapshot() (*UtxoSnapshot, error) {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	var utxos []UTXO
	var images []snapshotKeyImage
	var wealth []snapshotWealth
	err := s.db.View(func(txn *badger.Txn) error {
		if err := collectSet(txn, prefixUTXO, func(_, val []byte) error {
			var u UTXO
			if err := json.Unmarshal(val, &u); err != nil {
				return err
			}
			utxos = append(utxos, u)
			return nil
		}); err != nil {
			return err
		}
		if err := collectSet(txn, prefixKeyImage, func(key, val []byte) error {
			img := make([]byte, len(key)-1)
			copy(img, key[1:])
			images = append(images, snapshotKeyImage{KeyImage: img, SpentAtHeight: u64FromBytes(val)})
			return nil
		}); err != nil {
			return err
		}
		return collectSet(txn, prefixWealth, func(key, val []byte) error {
			wealth = append(wealth, snapshotWealth{
				ClusterId: ClusterId(u64FromBytes(key[1:])),
				Wealth:    u64FromBytes(val),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].TxHash != utxos[j].TxHash {
			return lessHash(utxos[i].TxHash, utxos[j].TxHash)
		}
		return utxos[i].OutputIndex < utxos[j].OutputIndex
	})
	sort.Slice(images, func(i, j int) bool {
		return lessBytes(images[i].KeyImage, images[j].KeyImage)
	})
	sort.Slice(wealth, func(i, j int) bool { return wealth[i].ClusterId < wealth[j].ClusterId })

	utxoPayload, utxoRoot, err := encodeSet(utxos)
	if err != nil {
		return nil, err
	}
	imagePayload, imageRoot, err := encodeSet(images)
	if err != nil {
		return nil, err
	}
	wealthPayload, wealthRoot, err := encodeSet(wealth)
	if err != nil {
		return nil, err
	}

	s.log.Info("snapshot exported",
		zap.Uint64("height", state.Height),
		zap.Uint64("utxos", uint64(len(utxos))),
		zap.Uint64("key_images", uint64(len(images))))

	return &UtxoSnapshot{
		Version:              1,
		Height:               state.Height,
		BlockHash:            state.TipHash,
		UtxoRoot:             utxoRoot,
		KeyImageRoot:         imageRoot,
		ClusterWealthRoot:    wealthRoot,
		UtxoCount:            uint64(len(utxos)),
		KeyImageCount:        uint64(len(images)),
		ClusterCount:         uint64(len(wealth)),
		ChainState:           state,
		UtxoPayload:          utxoPayload,
		KeyImagePayload:      imagePayload,
		ClusterWealthPayload: wealthPayload,
	}, nil
}

// LoadSnapshot verifies a snapshot's Merkle roots against its payloads and
// populates a fresh store's databases from it. The node must still sync
// blocks from Height+1 forward to reach the live tip.
func (s *Store) LoadSnapshot(snap *UtxoSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var utxos []UTXO
	root, err := decodeSet(snap.UtxoPayload, &utxos)
	if err != nil {
		return fmt.Errorf("%w: utxo payload: %v", ErrSnapshotMismatch, err)
	}
	if root != snap.UtxoRoot || uint64(len(utxos)) != snap.UtxoCount {
		return fmt.Errorf("%w: utxo root", ErrSnapshotMismatch)
	}

	var images []snapshotKeyImage
	root, err = decodeSet(snap.KeyImagePayload, &images)
	if err != nil {
		return fmt.Errorf("%w: key image payload: %v", ErrSnapshotMismatch, err)
	}
	if root != snap.KeyImageRoot || uint64(len(images)) != snap.KeyImageCount {
		return fmt.Errorf("%w: key image root", ErrSnapshotMismatch)
	}

	var wealth []snapshotWealth
	root, err = decodeSet(snap.ClusterWealthPayload, &wealth)
	if err != nil {
		return fmt.Errorf("%w: cluster wealth payload: %v", ErrSnapshotMismatch, err)
	}
	if root != snap.ClusterWealthRoot || uint64(len(wealth)) != snap.ClusterCount {
		return fmt.Errorf("%w: cluster wealth root", ErrSnapshotMismatch)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for i := range utxos {
			u := &utxos[i]
			if err := putJSON(txn, utxoKey(u.TxHash, u.OutputIndex), u); err != nil {
				return err
			}
		}
		for _, img := range images {
			key := append([]byte{prefixKeyImage}, img.KeyImage...)
			if err := txn.Set(key, u64Bytes(img.SpentAtHeight)); err != nil {
				return err
			}
		}
		for _, w := range wealth {
			if err := txn.Set(wealthKey(w.ClusterId), u64Bytes(w.Wealth)); err != nil {
				return err
			}
		}
		if err := txn.Set(metaKey("version"), u64Bytes(StoreVersion)); err != nil {
			return err
		}
		return putJSON(txn, metaKey("chain_state"), snap.ChainState)
	})
	if err != nil {
		return err
	}
	s.state = snap.ChainState
	s.log.Info("snapshot loaded",
		zap.Uint64("height", snap.Height),
		zap.String("tip", snap.BlockHash.String()))
	return nil
}

// WriteSnapshot frames a snapshot as magic + JSON body onto w.
func WriteSnapshot(w io.Writer, snap *UtxoSnapshot) error {
	if _, err := w.Write(SnapshotMagic); err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(snap)
}

// ReadSnapshot parses a framed snapshot, rejecting a bad magic or an
// unsupported version byte before decoding anything else.
func ReadSnapshot(r io.Reader) (*UtxoSnapshot, error) {
	magic := make([]byte, len(SnapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	for i := range magic {
		if magic[i] != SnapshotMagic[i] {
			return nil, fmt.Errorf("%w: bad magic", ErrSnapshotMismatch)
		}
	}
	var snap UtxoSnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func collectSet(txn *badger.Txn, prefix byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefix}
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// encodeSet serializes a sorted entry slice to JSON, Merkle-roots the
// per-entry digests, and compresses the serialized form with a
// single-threaded zstd encoder (multi-frame concurrency would make the
// compressed bytes nondeterministic).
func encodeSet(entries interface{}) ([]byte, types.Hash, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, types.Hash{}, err
	}
	root, err := merkleOverEntries(raw)
	if err != nil {
		return nil, types.Hash{}, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, types.Hash{}, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), root, nil
}

func decodeSet(payload []byte, out interface{}) (types.Hash, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return types.Hash{}, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return types.Hash{}, err
	}
	root, err := merkleOverEntries(raw)
	if err != nil {
		return types.Hash{}, err
	}
	return root, json.Unmarshal(raw, out)
}

// merkleOverEntries hashes each element of a serialized JSON array and
// folds the digests into a binary Merkle root, duplicating the last leaf on
// odd layers (same scheme as MerkleRootOf).
func merkleOverEntries(raw []byte) (types.Hash, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return types.Hash{}, err
	}
	if len(elems) == 0 {
		return types.Hash{}, nil
	}
	layer := make([][32]byte, len(elems))
	for i, e := range elems {
		layer[i] = crypto.Blake3_256(e)
	}
	for len(layer) > 1 {
		next := make([][32]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, crypto.Blake3_256(layer[i][:], layer[i][:]))
				continue
			}
			next = append(next, crypto.Blake3_256(layer[i][:], layer[i+1][:]))
		}
		layer = next
	}
	return types.Hash(layer[0]), nil
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func lessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
