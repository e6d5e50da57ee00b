package utils

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// envelopePrefix versions the sealed secret format stored in secret_ref.
const envelopePrefix = "sb1:"

// ErrSealedSecret is returned for envelopes that cannot be opened.
var ErrSealedSecret = errors.New("sealed secret cannot be opened")

// Keyring seals and opens POS credential secrets with NaCl secretbox.  The
// stored reference is "sb1:" followed by base64(nonce || box).
type Keyring struct {
	key [32]byte
}

// NewKeyring builds a keyring from a base64 encoded 32 byte key.
func NewKeyring(b64Key string) (*Keyring, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64Key))
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(raw))
	}
	k := &Keyring{}
	copy(k.key[:], raw)
	return k, nil
}

// NewRandomKey returns a fresh base64 key suitable for NewKeyring.
func NewRandomKey() (string, error) {
	var b [32]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

// Seal encrypts plain and returns the secret reference to store.
func (k *Keyring) Seal(plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &k.key)
	return envelopePrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts a secret reference produced by Seal.
func (k *Keyring) Open(ref string) (string, error) {
	if !strings.HasPrefix(ref, envelopePrefix) {
		return "", fmt.Errorf("%w: unknown envelope", ErrSealedSecret)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedSecret, err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return "", fmt.Errorf("%w: envelope too short", ErrSealedSecret)
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &k.key)
	if !ok {
		return "", fmt.Errorf("%w: authentication failed", ErrSealedSecret)
	}
	return string(plain), nil
}
