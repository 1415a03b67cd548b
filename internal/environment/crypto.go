package environment

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"maps"

	"golang.org/x/crypto/pbkdf2"

	"jobctl/internal/apperrors"
)

const (
	pbkdf2Iterations = 4096
	derivedKeyLength = 32 // AES-256
	randomKeyBytes   = 32
	randomSaltBytes  = 16
)

// Keys is the one-time key material for a single start attempt.
// Both values travel with the environment in plaintext.
type Keys struct {
	Key  string
	Salt string
}

// KeySource produces fresh Keys for each start attempt.
type KeySource interface {
	NewKeys() (Keys, error)
}

// RandomKeySource draws keys from crypto/rand.
type RandomKeySource struct{}

// NewKeys implements KeySource.
func (RandomKeySource) NewKeys() (Keys, error) {
	key := make([]byte, randomKeyBytes)
	salt := make([]byte, randomSaltBytes)
	if _, err := rand.Read(key); err != nil {
		return Keys{}, apperrors.Internal("environment.newKeys", err)
	}
	if _, err := rand.Read(salt); err != nil {
		return Keys{}, apperrors.Internal("environment.newKeys", err)
	}
	return Keys{
		Key:  base64.RawURLEncoding.EncodeToString(key),
		Salt: base64.RawURLEncoding.EncodeToString(salt),
	}, nil
}

// FixedKeySource always returns the same Keys.
type FixedKeySource Keys

// NewKeys implements KeySource.
func (f FixedKeySource) NewKeys() (Keys, error) { return Keys(f), nil }

// valueCipher encrypts and decrypts single values under one set of keys.
type valueCipher interface {
	seal(plaintext string) (string, error)
	open(ciphertext string) (string, error)
}

type cipherFactory func(Keys) (valueCipher, error)

// gcmCipher is AES-256-GCM keyed by PBKDF2-SHA256(key, salt).
// Ciphertext is base64(nonce || sealed).
type gcmCipher struct {
	aead cipher.AEAD
}

func newGCMCipher(k Keys) (valueCipher, error) {
	if k.Key == "" || k.Salt == "" {
		return nil, apperrors.Fatal("environment.cipher", "encryption key and salt are required")
	}
	derived := pbkdf2.Key([]byte(k.Key), []byte(k.Salt), pbkdf2Iterations, derivedKeyLength, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, apperrors.Internal("environment.cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Internal("environment.cipher", err)
	}
	return &gcmCipher{aead: aead}, nil
}

func (c *gcmCipher) seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *gcmCipher) open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encryptor replaces sensitive values with ciphertext.
type Encryptor struct {
	newCipher cipherFactory
}

// NewEncryptor creates an Encryptor using AES-GCM.
func NewEncryptor() *Encryptor {
	return &Encryptor{newCipher: newGCMCipher}
}

// Encrypt returns a copy of env with every present sensitive value
// encrypted under keys, plus KeyEncryptKey and KeyEncryptSalt. Other
// entries are copied unchanged.
func (e *Encryptor) Encrypt(env map[string]string, keys Keys) (map[string]string, error) {
	c, err := e.newCipher(keys)
	if err != nil {
		return nil, err
	}
	out := maps.Clone(env)
	if out == nil {
		out = map[string]string{}
	}
	for _, k := range sensitiveKeys {
		v, ok := out[k]
		if !ok {
			continue
		}
		sealed, err := c.seal(v)
		if err != nil {
			return nil, apperrors.Internal("environment.encrypt", fmt.Errorf("%s: %w", k, err))
		}
		out[k] = sealed
	}
	out[KeyEncryptKey] = keys.Key
	out[KeyEncryptSalt] = keys.Salt
	return out, nil
}

// Decryptor is the executor-side dual of Encryptor.
type Decryptor struct {
	newCipher cipherFactory
}

// NewDecryptor creates a Decryptor using AES-GCM.
func NewDecryptor() *Decryptor {
	return &Decryptor{newCipher: newGCMCipher}
}

// Decrypt returns a copy of env with sensitive values decrypted using the
// key and salt carried in env. Absent sensitive keys are not an error.
func (d *Decryptor) Decrypt(env map[string]string) (map[string]string, error) {
	keys := Keys{Key: env[KeyEncryptKey], Salt: env[KeyEncryptSalt]}
	c, err := d.newCipher(keys)
	if err != nil {
		return nil, err
	}
	out := maps.Clone(env)
	for _, k := range sensitiveKeys {
		v, ok := out[k]
		if !ok {
			continue
		}
		plain, err := c.open(v)
		if err != nil {
			return nil, apperrors.FatalCause("environment.decrypt", fmt.Errorf("%s: %w", k, err))
		}
		out[k] = plain
	}
	return out, nil
}
