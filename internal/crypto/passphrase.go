package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

const (
	minSaltSize = 16
	saltSize    = 16

	// Upper bounds for parameters read back from a sealed blob.
	maxArgon2Memory = 1 << 20 // KiB, 1 GiB
	maxArgon2Time   = 16
)

// Argon2Params are stored next to passphrase-sealed data so that opening it
// reproduces the same derivation.
type Argon2Params struct {
	Time    uint32 `json:"time" yaml:"time"`
	Memory  uint32 `json:"memory" yaml:"memory"` // KiB
	Threads uint8  `json:"threads" yaml:"threads"`
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 1}
}

func (p Argon2Params) validate() error {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return errors.New("argon2 parameters must be non-zero")
	}
	if p.Time > maxArgon2Time || p.Memory > maxArgon2Memory {
		return errors.New("argon2 parameters out of range")
	}
	return nil
}

// DeriveKey runs Argon2id. It is deliberately slow.
func DeriveKey(passphrase, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, KeySize)
}

// PassphraseEnvelope is a single AES-256-GCM layer keyed by a passphrase.
type PassphraseEnvelope struct {
	Params     Argon2Params `json:"params"`
	Salt       []byte       `json:"salt"`
	IV         []byte       `json:"iv"`
	Tag        []byte       `json:"tag"`
	Ciphertext []byte       `json:"ciphertext"`
}

func SealWithPassphrase(plaintext []byte, passphrase string, params Argon2Params) (*PassphraseEnvelope, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt generation failed: %w", err)
	}

	key := DeriveKey([]byte(passphrase), salt, params)
	defer memguard.WipeBytes(key)

	ciphertext, iv, tag, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}

	return &PassphraseEnvelope{
		Params:     params,
		Salt:       salt,
		IV:         iv,
		Tag:        tag,
		Ciphertext: ciphertext,
	}, nil
}

// OpenWithPassphrase returns ErrAuthentication for a wrong passphrase or a
// modified blob.
func OpenWithPassphrase(env *PassphraseEnvelope, passphrase string) ([]byte, error) {
	if env == nil || len(env.Salt) < minSaltSize {
		return nil, ErrAuthentication
	}
	if err := env.Params.validate(); err != nil {
		return nil, err
	}

	key := DeriveKey([]byte(passphrase), env.Salt, env.Params)
	defer memguard.WipeBytes(key)

	return open(key, env.Ciphertext, env.IV, env.Tag)
}
