// Package sealing encrypts small payloads to a holder's ML-KEM-768 public key.
// The KEM shared secret is expanded with HKDF-SHA-512 into an
// XChaCha20-Poly1305 key; the caller's associated data is bound into both the
// key derivation and the AEAD.
package sealing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	Algorithm   = "ML-KEM-768+HKDF-SHA-512+XCHACHA20-POLY1305"
	hkdfContext = "zkvault/sealing/v1"
)

var (
	ErrInvalidPublicKey = errors.New("invalid ML-KEM-768 public key")
	ErrInvalidSecretKey = errors.New("invalid ML-KEM-768 secret key")
	ErrOpenFailed       = errors.New("sealed payload could not be opened")
)

type Keypair struct {
	PublicKey []byte
	SecretKey []byte
}

// Sealed travels as JSON with standard base64 byte fields.
type Sealed struct {
	Algorithm       string `json:"algorithm"`
	EncapsulatedKey []byte `json:"encapsulatedKey"`
	Nonce           []byte `json:"nonce"`
	Ciphertext      []byte `json:"ciphertext"`
}

// GenerateKeypair uses r for key material; nil means crypto/rand.
func GenerateKeypair(r io.Reader) (*Keypair, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(r)
	if err != nil {
		return nil, err
	}
	pubBytes, _ := pub.MarshalBinary()
	privBytes, _ := priv.MarshalBinary()
	return &Keypair{PublicKey: pubBytes, SecretKey: privBytes}, nil
}

func Seal(publicKey, plaintext, aad []byte) (*Sealed, error) {
	scheme := mlkem768.Scheme()
	if len(publicKey) != scheme.PublicKeySize() {
		return nil, ErrInvalidPublicKey
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	ct, shared, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(shared)

	key, err := deriveKey(shared, ct, aad)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Sealed{
		Algorithm:       Algorithm,
		EncapsulatedKey: ct,
		Nonce:           nonce,
		Ciphertext:      aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

func Open(secretKey []byte, sealed *Sealed, aad []byte) ([]byte, error) {
	scheme := mlkem768.Scheme()
	if len(secretKey) != scheme.PrivateKeySize() {
		return nil, ErrInvalidSecretKey
	}
	if sealed == nil || sealed.Algorithm != Algorithm ||
		len(sealed.EncapsulatedKey) != scheme.CiphertextSize() ||
		len(sealed.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrOpenFailed
	}
	sk, err := scheme.UnmarshalBinaryPrivateKey(secretKey)
	if err != nil {
		return nil, ErrInvalidSecretKey
	}
	shared, err := scheme.Decapsulate(sk, sealed.EncapsulatedKey)
	if err != nil {
		return nil, ErrOpenFailed
	}
	defer zeroBytes(shared)

	key, err := deriveKey(shared, sealed.EncapsulatedKey, aad)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// deriveKey: salt is SHA-256 of the KEM ciphertext, info is
// context || len(aad) (4 bytes BE) || aad.
func deriveKey(shared, kemCiphertext, aad []byte) ([]byte, error) {
	salt := sha256.Sum256(kemCiphertext)
	info := make([]byte, 0, len(hkdfContext)+4+len(aad))
	info = append(info, hkdfContext...)
	info = binary.BigEndian.AppendUint32(info, uint32(len(aad)))
	info = append(info, aad...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha512.New, shared, salt[:], info), key); err != nil {
		return nil, err
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
