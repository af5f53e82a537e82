package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

var (
	ErrMissingKEK = errors.New("key encryption key is not configured")
	ErrKEKLength  = fmt.Errorf("key encryption key must be %d bytes", KeySize)
)

// KeyProvider supplies the key encryption key. The returned slice must be
// treated as read-only and must not be retained past the call.
type KeyProvider interface {
	KEK(ctx context.Context) ([]byte, error)
}

// StaticKeyProvider holds a single KEK in a frozen (read-only, mlocked)
// memguard buffer. It is safe for concurrent use without locking.
type StaticKeyProvider struct {
	buf *memguard.LockedBuffer
}

var _ KeyProvider = (*StaticKeyProvider)(nil)

// NewStaticKeyProvider takes ownership of kek; the caller's slice is wiped.
func NewStaticKeyProvider(kek []byte) (*StaticKeyProvider, error) {
	if len(kek) == 0 {
		return nil, ErrMissingKEK
	}
	if len(kek) != KeySize {
		memguard.WipeBytes(kek)
		return nil, ErrKEKLength
	}

	buf := memguard.NewBufferFromBytes(kek)
	buf.Freeze()
	return &StaticKeyProvider{buf: buf}, nil
}

// NewStaticKeyProviderFromBase64 decodes a standard base64 KEK as found in
// configuration.
func NewStaticKeyProviderFromBase64(encoded string) (*StaticKeyProvider, error) {
	if encoded == "" {
		return nil, ErrMissingKEK
	}
	kek, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding key encryption key: %w", err)
	}
	return NewStaticKeyProvider(kek)
}

// NewPassphraseKeyProvider derives the KEK from a passphrase with Argon2id.
// The same passphrase, salt and parameters always produce the same KEK.
func NewPassphraseKeyProvider(passphrase string, salt []byte, params Argon2Params) (*StaticKeyProvider, error) {
	if passphrase == "" {
		return nil, ErrMissingKEK
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(salt) < minSaltSize {
		return nil, fmt.Errorf("kek salt must be at least %d bytes", minSaltSize)
	}
	return NewStaticKeyProvider(DeriveKey([]byte(passphrase), salt, params))
}

func (p *StaticKeyProvider) KEK(ctx context.Context) ([]byte, error) {
	if !p.buf.IsAlive() {
		return nil, errors.New("key encryption key has been destroyed")
	}
	return p.buf.Bytes(), nil
}

// Destroy wipes the key. Later KEK calls fail.
func (p *StaticKeyProvider) Destroy() {
	p.buf.Destroy()
}
