package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ContentHash is the deterministic identity of a document's bytes, rendered
// as "sha256:<hex>". It is both the duplicate-prevention key and the payload
// every signer signs: signers always sign the original upload's hash, so a
// signature stays verifiable no matter how many signers act afterwards.
type ContentHash string

const hashPrefix = "sha256:"

// Hash computes the content hash of a document's bytes.
func Hash(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash(hashPrefix + hex.EncodeToString(sum[:]))
}

// Digest returns the raw 32-byte digest for signing and verification.
func (h ContentHash) Digest() ([]byte, error) {
	hexPart, ok := strings.CutPrefix(string(h), hashPrefix)
	if !ok {
		return nil, fmt.Errorf("document: malformed content hash %q", string(h))
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) != sha256.Size {
		return nil, fmt.Errorf("document: malformed content hash %q", string(h))
	}
	return raw, nil
}

func (h ContentHash) String() string { return string(h) }
