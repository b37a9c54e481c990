// Package signature creates and verifies detached ECDSA signatures over a
// document content hash. A signer's public identity is the base64url-encoded
// uncompressed P-256 public key point, so verification needs nothing beyond
// the hash, the signature bytes, and the claimed identity.
package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

const (
	// sigLen is the raw r||s encoding length for P-256.
	sigLen = 64
	// pointLen is the uncompressed P-256 public key point length.
	pointLen = 65
)

var (
	// ErrInvalidSignature signals a cryptographic mismatch between hash,
	// signature, and claimed identity.
	ErrInvalidSignature = errors.New("signature: invalid signature")
	// ErrInvalidIdentity signals the claimed identity does not decode to a
	// P-256 public key.
	ErrInvalidIdentity = errors.New("signature: identity is not a valid public key")
)

// GenerateKey creates a fresh P-256 keypair for a signer.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signature: generate key: %w", err)
	}
	return priv, nil
}

// Identity derives the public signer identity from a private key.
func Identity(priv *ecdsa.PrivateKey) string {
	pub := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	return base64.RawURLEncoding.EncodeToString(pub)
}

// Sign produces a detached signature over a 32-byte content digest. The
// signature is the fixed-width r||s encoding.
func Sign(digest []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	if priv == nil || priv.Curve == nil || priv.Curve.Params().Name != elliptic.P256().Params().Name {
		return nil, fmt.Errorf("signature: p256 private key is required")
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("signature: digest must be 32 bytes, got %d", len(digest))
	}

	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, fmt.Errorf("signature: sign: %w", err)
	}

	sig := make([]byte, sigLen)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify checks a detached signature over a 32-byte content digest against
// the claimed signer identity. A malformed identity yields ErrInvalidIdentity;
// a well-formed identity with a non-matching signature yields
// ErrInvalidSignature.
func Verify(digest []byte, sig []byte, identity string) error {
	if len(digest) != 32 {
		return fmt.Errorf("signature: digest must be 32 bytes, got %d", len(digest))
	}
	if len(sig) != sigLen {
		return ErrInvalidSignature
	}

	pub, err := parseIdentity(identity)
	if err != nil {
		return err
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest, r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// IsIdentity reports whether a string decodes to a valid signer identity.
func IsIdentity(identity string) bool {
	_, err := parseIdentity(identity)
	return err == nil
}

func parseIdentity(identity string) (*ecdsa.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(identity)
	if err != nil || len(raw) != pointLen {
		return nil, ErrInvalidIdentity
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, ErrInvalidIdentity
	}

	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
