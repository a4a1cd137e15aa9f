package vaultcipher

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	Version       = "1.0"
	KeyDerivation = "HKDF-SHA-512"

	AlgorithmXChaCha20Poly1305 = "XCHACHA20-POLY1305"
	AlgorithmAES256GCM         = "AES-256-GCM"
)

// Envelope is the persisted form of one encrypted secret. Byte fields travel
// as standard base64 in JSON.
type Envelope struct {
	Ciphertext    []byte    `json:"encryptedData"`
	IV            []byte    `json:"iv"`
	Salt          []byte    `json:"salt"`
	AuthTag       []byte    `json:"authTag"`
	Algorithm     string    `json:"algorithm"`
	KeyDerivation string    `json:"keyDerivation"`
	Version       string    `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	out.Ciphertext = bytes.Clone(e.Ciphertext)
	out.IV = bytes.Clone(e.IV)
	out.Salt = bytes.Clone(e.Salt)
	out.AuthTag = bytes.Clone(e.AuthTag)
	return &out
}

func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}
	return json.Marshal(env)
}

func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformedEnvelope
	}
	return &env, nil
}

// associatedData binds every header field to the ciphertext.
func associatedData(env *Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(env.Version)
	buf.WriteByte('|')
	buf.WriteString(env.Algorithm)
	buf.WriteByte('|')
	buf.WriteString(env.KeyDerivation)
	buf.WriteByte('|')
	buf.Write(env.Salt)
	buf.WriteByte('|')
	buf.WriteString(env.CreatedAt.UTC().Format(time.RFC3339Nano))
	return buf.Bytes()
}
