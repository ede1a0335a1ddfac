package namehash

import (
	"bytes"
	"encoding/hex"
	"fmt"

	mh "github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake3"
)

// Size is the length of a NameHash: <0x1e><0x20><32 bytes>
const Size = 34

// NameHash wraps a BLAKE3 multihash of a dictionary name.
// It gives variable-length names a fixed-width, separator-free form that
// can be embedded in ordered key layouts.
type NameHash []byte

// Sum hashes a dictionary name
func Sum(name string) (NameHash, error) {
	h, err := mh.Sum([]byte(name), mh.BLAKE3, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to hash name: %w", err)
	}
	return NameHash(h), nil
}

// Parse validates raw bytes as a BLAKE3 NameHash
func Parse(b []byte) (NameHash, error) {
	decoded, err := mh.Decode(mh.Multihash(b))
	if err != nil {
		return nil, fmt.Errorf("invalid multihash: %w", err)
	}
	if decoded.Code != mh.BLAKE3 {
		return nil, fmt.Errorf("expected BLAKE3 hash, got 0x%x", decoded.Code)
	}
	return NameHash(bytes.Clone(b)), nil
}

// Verify checks that the hash was computed from name
func (h NameHash) Verify(name string) error {
	computed, err := Sum(name)
	if err != nil {
		return err
	}

	if !bytes.Equal(computed, h) {
		return fmt.Errorf("name hash verification failed for %q", name)
	}

	return nil
}

// Bytes returns the raw multihash bytes
func (h NameHash) Bytes() []byte {
	return []byte(h)
}

// Hex returns the hex-encoded multihash
func (h NameHash) Hex() string {
	return hex.EncodeToString(h)
}
