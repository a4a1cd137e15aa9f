// Package credential derives per-identity vault keys. Keys are recomputed on
// demand from the identity and the deployment pepper and are never stored.
package credential

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	domainCredential = "zkvault/credential/v1"
	domainSalt       = "zkvault/credential/salt/v1"
	subkeyInfoPrefix = "zkvault/subkey/v1/"

	DefaultTime      uint32 = 2
	DefaultMemoryKiB uint32 = 64 * 1024
	DefaultThreads   uint8  = 1
)

var (
	ErrInvalidIdentity = errors.New("user id and device id are required")
	ErrInvalidParams   = errors.New("invalid argon2 parameters")
	ErrInvalidPurpose  = errors.New("subkey purpose is required")
)

type Params struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memoryKiB"`
	Threads   uint8  `yaml:"threads"`
}

func DefaultParams() Params {
	return Params{Time: DefaultTime, MemoryKiB: DefaultMemoryKiB, Threads: DefaultThreads}
}

func (p Params) validate() error {
	if p.Time == 0 || p.Threads == 0 || p.MemoryKiB < 8*uint32(p.Threads) {
		return ErrInvalidParams
	}
	return nil
}

// Key is a derived credential. Callers own it and must Zero it when done.
type Key []byte

func (k Key) Zero() {
	zeroBytes(k)
}

type Deriver struct {
	salt   []byte
	params Params
}

func NewDeriver(pepper []byte, params Params) (*Deriver, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(domainSalt))
	h.Write(pepper)
	return &Deriver{salt: h.Sum(nil), params: params}, nil
}

func (d *Deriver) Params() Params {
	return d.params
}

// Derive is a pure function of (userID, deviceID, pepper, params).
func (d *Deriver) Derive(userID, deviceID string) (Key, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(deviceID) == "" {
		return nil, ErrInvalidIdentity
	}
	input := encodeInput(domainCredential, userID, deviceID)
	defer zeroBytes(input)
	return Key(argon2.IDKey(input, d.salt, d.params.Time, d.params.MemoryKiB, d.params.Threads, KeySize)), nil
}

// Subkey expands key into a purpose-separated key of KeySize bytes.
func Subkey(key Key, purpose string) (Key, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return nil, ErrInvalidPurpose
	}
	if len(key) == 0 {
		return nil, ErrInvalidParams
	}
	reader := hkdf.New(sha256.New, key, nil, []byte(subkeyInfoPrefix+purpose))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return Key(out), nil
}

// encodeInput length-prefixes each field so ("ab","c") and ("a","bc") differ.
func encodeInput(fields ...string) []byte {
	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
