// Package envelope implements the end-to-end encryption primitives used
// over the relay: X25519 key agreement with NaCl box authenticated
// encryption, plus the hashing used for password digests and stable server
// fingerprints. The relay process itself only ever handles public keys;
// secret keys live on hosts and peers.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of X25519 public and secret keys.
	KeySize = 32
	// NonceSize is the length of the per-message box nonce.
	NonceSize = 24
	// FingerprintLen is the length of a server identity fingerprint.
	FingerprintLen = 8
)

// ErrDecrypt is returned for any authenticated-decryption failure: wrong
// key, tampered ciphertext, or a mismatched nonce. Callers must treat it as
// "message from an unknown sender" and drop the message silently; which
// step failed is deliberately not distinguished.
var ErrDecrypt = errors.New("envelope: decryption failed")

// KeyPair holds an X25519 key pair and the fingerprint derived from the
// public half.
type KeyPair struct {
	Public      [KeySize]byte
	Secret      [KeySize]byte
	Fingerprint string
}

// GenerateKeyPair produces a fresh X25519 key pair from the provided source
// of randomness (crypto/rand when nil).
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, sec, err := box.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	return KeyPair{
		Public:      *pub,
		Secret:      *sec,
		Fingerprint: Fingerprint(pub[:]),
	}, nil
}

// Encrypt seals plaintext for theirPublic using mySecret and a random
// nonce. The nonce is returned alongside the ciphertext and must accompany
// it on the wire.
func Encrypt(plaintext []byte, theirPublic, mySecret *[KeySize]byte) (ciphertext []byte, nonce [NonceSize]byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nil, nonce, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = box.Seal(nil, plaintext, &nonce, theirPublic, mySecret)
	return ciphertext, nonce, nil
}

// Decrypt opens a sealed message. Any failure surfaces as ErrDecrypt.
func Decrypt(ciphertext []byte, nonce *[NonceSize]byte, theirPublic, mySecret *[KeySize]byte) ([]byte, error) {
	plaintext, ok := box.Open(nil, ciphertext, nonce, theirPublic, mySecret)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// PublicFromSecret recomputes the public half of an X25519 key pair, used
// when reloading a stored identity secret.
func PublicFromSecret(secret *[KeySize]byte) (*[KeySize]byte, error) {
	raw, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	var pub [KeySize]byte
	copy(pub[:], raw)
	return &pub, nil
}

// Hash returns the SHA-256 digest of data. Used for password verification
// digests on the v1 flow.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashHex returns the hex form of Hash, the representation carried in
// passwordHash wire fields.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// Fingerprint derives the stable server identity from a public key: the
// SHA-256 digest truncated to 8 hex characters. It is deterministic across
// restarts and collisions are cryptographically negligible, so no retry
// loop is needed.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

// EncodeKey renders a key, ciphertext, or nonce for a JSON wire field.
func EncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeKey parses a base64 wire field back into raw bytes.
func DecodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key material: %w", err)
	}
	return b, nil
}

// DecodePublicKey parses and size-checks a wire-encoded public key.
func DecodePublicKey(s string) (*[KeySize]byte, error) {
	raw, err := DecodeKey(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// DecodeNonce parses and size-checks a wire-encoded nonce.
func DecodeNonce(s string) (*[NonceSize]byte, error) {
	raw, err := DecodeKey(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes (got %d)", NonceSize, len(raw))
	}
	var nonce [NonceSize]byte
	copy(nonce[:], raw)
	return &nonce, nil
}

// Zero overwrites the secret half of a key pair in place.
func (kp *KeyPair) Zero() {
	for i := range kp.Secret {
		kp.Secret[i] = 0
	}
}
