package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/ugorji/go/codec"
	"github.com/zeebo/blake3"
)

// canonicalJSON sorts map keys so equal values always encode to equal bytes.
// Struct fields keep declaration order and honour json tags.
var canonicalJSON = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	return h
}()

// Canonical returns the deterministic JSON encoding of obj.
func Canonical(obj any) ([]byte, error) {
	var buf []byte

	if err := codec.NewEncoderBytes(&buf, canonicalJSON).Encode(obj); err != nil {
		return nil, fmt.Errorf("canonical encode:\n%w", err)
	}

	return buf, nil
}

// Digest returns the blake3 digest of obj's canonical encoding.
func Digest(obj any) ([32]byte, error) {
	data, err := Canonical(obj)
	if err != nil {
		return [32]byte{}, err
	}

	return blake3.Sum256(data), nil
}

// HashObj returns the hex digest of obj. Values that cannot be encoded hash
// to the empty string, which never matches a committed hash.
func HashObj(obj any) string {
	sum, err := Digest(obj)
	if err != nil {
		return ""
	}

	return hex.EncodeToString(sum[:])
}

// HashBytes returns the hex blake3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
