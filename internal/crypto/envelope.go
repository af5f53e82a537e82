// Package crypto implements the two-layer envelope scheme used for secret
// versions: plaintext is sealed under a fresh per-version data encryption key
// (DEK), and the DEK is sealed under the process-wide key encryption key (KEK).
// Both layers are AES-256-GCM with independent random nonces.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard nonce size
	TagSize   = 16
)

// ErrAuthentication is returned when either AEAD layer fails to verify.
// Callers never receive partial plaintext alongside it.
var ErrAuthentication = errors.New("envelope authentication failed")

// Envelope holds the six artifacts persisted for one secret version.
type Envelope struct {
	Ciphertext []byte
	DataIV     []byte
	DataTag    []byte
	WrappedDEK []byte
	DEKIV      []byte
	DEKTag     []byte
}

// Cipher seals and opens envelopes with the KEK supplied by a KeyProvider.
type Cipher struct {
	keys KeyProvider
}

func NewCipher(keys KeyProvider) *Cipher {
	return &Cipher{keys: keys}
}

// WrapAndEncrypt encrypts plaintext under a new DEK and wraps the DEK under
// the KEK. The DEK is wiped before returning.
func (c *Cipher) WrapAndEncrypt(ctx context.Context, plaintext []byte) (*Envelope, error) {
	kek, err := c.keys.KEK(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading kek: %w", err)
	}

	dek, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dek)

	ciphertext, dataIV, dataTag, err := seal(dek, plaintext)
	if err != nil {
		return nil, fmt.Errorf("data layer: %w", err)
	}

	wrapped, dekIV, dekTag, err := seal(kek, dek)
	if err != nil {
		return nil, fmt.Errorf("key layer: %w", err)
	}

	return &Envelope{
		Ciphertext: ciphertext,
		DataIV:     dataIV,
		DataTag:    dataTag,
		WrappedDEK: wrapped,
		DEKIV:      dekIV,
		DEKTag:     dekTag,
	}, nil
}

// UnwrapAndDecrypt recovers the DEK with the KEK and then the plaintext with
// the DEK. Any integrity failure yields ErrAuthentication.
func (c *Cipher) UnwrapAndDecrypt(ctx context.Context, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrAuthentication
	}

	kek, err := c.keys.KEK(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading kek: %w", err)
	}

	dek, err := open(kek, env.WrappedDEK, env.DEKIV, env.DEKTag)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dek)

	if len(dek) != KeySize {
		return nil, ErrAuthentication
	}

	return open(dek, env.Ciphertext, env.DataIV, env.DataTag)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}

// seal returns ciphertext, nonce and tag as separate slices.
func seal(key, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	out := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(out) - TagSize
	return out[:split:split], nonce, out[split:], nil
}

func open(key, ciphertext, nonce, tag []byte) ([]byte, error) {
	if len(key) != KeySize || len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrAuthentication
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
