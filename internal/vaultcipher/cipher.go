package vaultcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"zkvault/go-backend/internal/metrics"
)

const (
	KeySize  = 32
	SaltSize = 32
	TagSize  = 16

	contentKeyInfo = "zkvault/envelope/v1"
)

type Config struct {
	// Algorithm defaults to XCHACHA20-POLY1305.
	Algorithm string
	// Rand supplies iv and salt bytes; defaults to crypto/rand.
	Rand    io.Reader
	Metrics *metrics.Metrics
}

// Cipher seals and opens envelopes under a caller-supplied 32-byte key.
type Cipher struct {
	algorithm string
	rand      io.Reader
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg Config) (*Cipher, error) {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) (*Cipher, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = AlgorithmXChaCha20Poly1305
	}
	if _, err := ivSize(alg); err != nil {
		return nil, err
	}
	r := cfg.Rand
	if r == nil {
		r = rand.Reader
	}
	if now == nil {
		now = time.Now
	}
	return &Cipher{algorithm: alg, rand: r, metrics: cfg.Metrics, now: now}, nil
}

func (c *Cipher) Algorithm() string {
	return c.algorithm
}

func (c *Cipher) Encrypt(plaintext, key []byte) (*Envelope, error) {
	env, err := c.encrypt(plaintext, key)
	if err != nil {
		c.metrics.CipherOp("encrypt", "error")
		return nil, err
	}
	c.metrics.CipherOp("encrypt", "ok")
	return env, nil
}

func (c *Cipher) encrypt(plaintext, key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	nonceSize, _ := ivSize(c.algorithm)
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("read iv: %w", err)
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	env := &Envelope{
		IV:            iv,
		Salt:          salt,
		Algorithm:     c.algorithm,
		KeyDerivation: KeyDerivation,
		Version:       Version,
		CreatedAt:     c.now().UTC(),
	}
	aead, err := contentAEAD(env.Algorithm, key, salt)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, iv, plaintext, associatedData(env))
	split := len(sealed) - TagSize
	env.Ciphertext = sealed[:split:split]
	env.AuthTag = sealed[split:]
	return env, nil
}

// Decrypt returns ErrUnsupportedVersion for unknown versions and
// ErrDecryptionFailed for every other failure.
func (c *Cipher) Decrypt(env *Envelope, key []byte) ([]byte, error) {
	plaintext, err := open(env, key)
	if err != nil {
		c.metrics.CipherOp("decrypt", "failed")
		return nil, err
	}
	c.metrics.CipherOp("decrypt", "ok")
	return plaintext, nil
}

func open(env *Envelope, key []byte) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}
	if env.Version != Version {
		return nil, ErrUnsupportedVersion
	}
	if len(key) != KeySize || env.KeyDerivation != KeyDerivation ||
		len(env.Salt) != SaltSize || len(env.AuthTag) != TagSize {
		return nil, ErrDecryptionFailed
	}
	nonceSize, err := ivSize(env.Algorithm)
	if err != nil || len(env.IV) != nonceSize {
		return nil, ErrDecryptionFailed
	}
	aead, err := contentAEAD(env.Algorithm, key, env.Salt)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plaintext, err := aead.Open(nil, env.IV, sealed, associatedData(env))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func contentAEAD(algorithm string, key, salt []byte) (cipher.AEAD, error) {
	contentKey := make([]byte, KeySize)
	defer zeroBytes(contentKey)
	if _, err := io.ReadFull(hkdf.New(sha512.New, key, salt, []byte(contentKeyInfo)), contentKey); err != nil {
		return nil, err
	}
	switch algorithm {
	case AlgorithmXChaCha20Poly1305:
		return chacha20poly1305.NewX(contentKey)
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(contentKey)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, ErrUnknownAlgorithm
	}
}

func ivSize(algorithm string) (int, error) {
	switch algorithm {
	case AlgorithmXChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX, nil
	case AlgorithmAES256GCM:
		return 12, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
