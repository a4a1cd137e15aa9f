package sealing

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundtrip(t *testing.T) {
	kp, err := GenerateKeypair(nil)
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	aad := []byte("kit-1/share-2")
	sealed, err := Seal(kp.PublicKey, []byte("share payload"), aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open(kp.SecretKey, sealed, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(plain, []byte("share payload")) {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestOpenRejectsWrongKeyAndTamper(t *testing.T) {
	kp, _ := GenerateKeypair(nil)
	other, _ := GenerateKeypair(nil)
	aad := []byte("aad")
	sealed, _ := Seal(kp.PublicKey, []byte("secret"), aad)

	if _, err := Open(other.SecretKey, sealed, aad); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("wrong key: expected ErrOpenFailed, got %v", err)
	}
	if _, err := Open(kp.SecretKey, sealed, []byte("other aad")); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("wrong aad: expected ErrOpenFailed, got %v", err)
	}
	tampered := *sealed
	tampered.Ciphertext = bytes.Clone(sealed.Ciphertext)
	tampered.Ciphertext[0] ^= 0x01
	if _, err := Open(kp.SecretKey, &tampered, aad); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("tampered: expected ErrOpenFailed, got %v", err)
	}
	if _, err := Open(kp.SecretKey, nil, aad); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("nil: expected ErrOpenFailed, got %v", err)
	}
}

func TestSealRejectsBadPublicKey(t *testing.T) {
	if _, err := Seal([]byte("short"), []byte("x"), nil); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
	if _, err := Open([]byte("short"), &Sealed{}, nil); !errors.Is(err, ErrInvalidSecretKey) {
		t.Fatalf("expected ErrInvalidSecretKey, got %v", err)
	}
}
