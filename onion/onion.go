// Package onion implements sender-anonymous transaction broadcast: 3-hop
// circuits over relay-capable peers, layered authenticated encryption, and
// a jittered broadcaster whose exit hop injects the plaintext transfer tx
// into the ordinary transaction pub-sub.
package onion

import (
	"encoding/json"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/botho-project/botho/crypto"
)

// NumHops is the fixed circuit length.
const NumHops = 3

// ErrMalformedLayer rejects a layer whose plaintext doesn't parse; AEAD
// failures surface as crypto.ErrAeadFailed.
var ErrMalformedLayer = errors.New("onion: malformed layer")

// SymmetricKey is one hop's layer key. Zero it when the circuit dies.
type SymmetricKey [32]byte

// Zero overwrites the key material.
func (k *SymmetricKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// layer is the plaintext of one decrypted onion shell: either the next hop
// to forward the inner blob to, or the exit payload.
type layer struct {
	NextHop string `json:"next_hop,omitempty"`
	Inner   []byte `json:"inner,omitempty"`
	Exit    bool   `json:"exit,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// sealedLayer frames one encryption shell on the wire.
type sealedLayer struct {
	Nonce      [chacha20poly1305.NonceSize]byte `json:"nonce"`
	Ciphertext []byte                           `json:"ciphertext"`
}

// WrapOnion builds E_{k0}(hop1 || E_{k1}(hop2 || E_{k2}(payload))): the
// innermost shell is the exit layer, each outer shell names the next hop.
// hops[0] receives the outermost blob.
func WrapOnion(payload []byte, hops []string, keys []SymmetricKey) ([]byte, error) {
	if len(hops) != len(keys) || len(hops) == 0 {
		return nil, ErrMalformedLayer
	}

	// Innermost first: the exit layer.
	current, err := sealLayer(keys[len(keys)-1], layer{Exit: true, Payload: payload})
	if err != nil {
		return nil, err
	}

	// Wrap outward. Layer i names hop i+1 as the forwarding target.
	for i := len(hops) - 2; i >= 0; i-- {
		current, err = sealLayer(keys[i], layer{NextHop: hops[i+1], Inner: current})
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

// Decrypted is DecryptLayer's result: exactly one of Forward or Exit.
type Decrypted struct {
	Forward bool
	NextHop string
	Inner   []byte
	Payload []byte
}

// DecryptLayer strips one shell with this hop's key. A single flipped bit
// anywhere in the blob fails the AEAD tag and returns an error.
func DecryptLayer(key SymmetricKey, blob []byte) (*Decrypted, error) {
	var sealed sealedLayer
	if err := json.Unmarshal(blob, &sealed); err != nil {
		return nil, ErrMalformedLayer
	}
	plain, err := crypto.OpenLayer(key, sealed.Nonce, sealed.Ciphertext, []byte("botho/onion-layer"))
	if err != nil {
		return nil, err
	}
	var l layer
	if err := json.Unmarshal(plain, &l); err != nil {
		return nil, ErrMalformedLayer
	}
	if l.Exit {
		return &Decrypted{Payload: l.Payload}, nil
	}
	if l.NextHop == "" || len(l.Inner) == 0 {
		return nil, ErrMalformedLayer
	}
	return &Decrypted{Forward: true, NextHop: l.NextHop, Inner: l.Inner}, nil
}

func sealLayer(key SymmetricKey, l layer) ([]byte, error) {
	plain, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	ct, nonce, err := crypto.SealLayer(key, plain, []byte("botho/onion-layer"))
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealedLayer{Nonce: nonce, Ciphertext: ct})
}
