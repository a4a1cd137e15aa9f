package signature

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/schemes"
)

const AlgorithmMLDSA65 = "ML-DSA-65"

var (
	ErrInvalidSeed       = errors.New("invalid signing seed")
	ErrInvalidPrivateKey = errors.New("invalid signing private key")
	ErrUnknownScheme     = errors.New("unknown signature scheme")
)

type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Scheme is one implementation of a signature algorithm over raw key bytes.
type Scheme interface {
	Name() string
	PublicKeySize() int
	SignatureSize() int
	SeedSize() int
	Keygen(seed []byte) (KeyPair, error)
	Sign(privateKey, msg []byte) ([]byte, error)
	Verify(publicKey, msg, sig []byte) bool
}

// MLDSA65 calls circl's ML-DSA-65 package directly.
type MLDSA65 struct{}

func (MLDSA65) Name() string       { return AlgorithmMLDSA65 }
func (MLDSA65) PublicKeySize() int { return mldsa65.PublicKeySize }
func (MLDSA65) SignatureSize() int { return mldsa65.SignatureSize }
func (MLDSA65) SeedSize() int      { return mldsa65.SeedSize }

func (MLDSA65) Keygen(seed []byte) (KeyPair, error) {
	if len(seed) != mldsa65.SeedSize {
		return KeyPair{}, ErrInvalidSeed
	}
	var s [mldsa65.SeedSize]byte
	copy(s[:], seed)
	defer zeroBytes(s[:])
	pk, sk := mldsa65.NewKeyFromSeed(&s)
	return marshalPair(pk, sk)
}

func (MLDSA65) Sign(privateKey, msg []byte) ([]byte, error) {
	if len(privateKey) != mldsa65.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	var sk mldsa65.PrivateKey
	if err := sk.UnmarshalBinary(privateKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(&sk, msg, nil, false, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

func (MLDSA65) Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != mldsa65.PublicKeySize || len(sig) != mldsa65.SignatureSize {
		return false
	}
	var pk mldsa65.PublicKey
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return false
	}
	return mldsa65.Verify(&pk, msg, nil, sig)
}

// GenericScheme goes through circl's scheme registry, a separate code path
// from MLDSA65 that produces interchangeable keys and signatures.
type GenericScheme struct {
	scheme sign.Scheme
}

func NewGenericScheme(name string) (*GenericScheme, error) {
	s := schemes.ByName(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return &GenericScheme{scheme: s}, nil
}

func (g *GenericScheme) Name() string       { return g.scheme.Name() }
func (g *GenericScheme) PublicKeySize() int { return g.scheme.PublicKeySize() }
func (g *GenericScheme) SignatureSize() int { return g.scheme.SignatureSize() }
func (g *GenericScheme) SeedSize() int      { return g.scheme.SeedSize() }

func (g *GenericScheme) Keygen(seed []byte) (KeyPair, error) {
	if len(seed) != g.scheme.SeedSize() {
		return KeyPair{}, ErrInvalidSeed
	}
	pk, sk := g.scheme.DeriveKey(seed)
	return marshalPair(pk, sk)
}

func (g *GenericScheme) Sign(privateKey, msg []byte) ([]byte, error) {
	if len(privateKey) != g.scheme.PrivateKeySize() {
		return nil, ErrInvalidPrivateKey
	}
	sk, err := g.scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return g.scheme.Sign(sk, msg, nil), nil
}

func (g *GenericScheme) Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != g.scheme.PublicKeySize() || len(sig) != g.scheme.SignatureSize() {
		return false
	}
	pk, err := g.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return g.scheme.Verify(pk, msg, sig, nil)
}

type binaryMarshaler interface {
	MarshalBinary() ([]byte, error)
}

func marshalPair(pk, sk binaryMarshaler) (KeyPair, error) {
	pub, err := pk.MarshalBinary()
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
