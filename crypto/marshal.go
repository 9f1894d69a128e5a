package crypto

import (
	"encoding/hex"
	"encoding/json"
)

// MarshalJSON encodes a Scalar as a hex string, so it round-trips through
// the JSON-based storage and gossip encodings like any other field.
func (a Scalar) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(a.Bytes()))
}

func (a *Scalar) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ErrInvalidScalar
	}
	decoded, err := DecodeScalar(b)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// MarshalJSON encodes a Point as a hex string.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(p.Bytes()))
}

// MarshalJSON encodes a Commitment as its compressed point, hex encoded.
func (c Commitment) MarshalJSON() ([]byte, error) {
	return c.point.MarshalJSON()
}

func (c *Commitment) UnmarshalJSON(data []byte) error {
	var p Point
	if err := p.UnmarshalJSON(data); err != nil {
		return err
	}
	c.point = p
	return nil
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ErrInvalidPoint
	}
	decoded, err := DecodePoint(b)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}
