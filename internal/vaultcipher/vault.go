package vaultcipher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"zkvault/go-backend/internal/audit"
	"zkvault/go-backend/internal/credential"
	"zkvault/go-backend/pkg/models"
)

type VaultOptions struct {
	Audit  audit.Sink
	Logger *slog.Logger
}

// Vault encrypts secrets for an identity. The credential is derived per call
// and zeroed before returning.
type Vault struct {
	cipher  *Cipher
	deriver *credential.Deriver
	audit   audit.Sink
	logger  *slog.Logger
	now     func() time.Time
	purpose string
}

func NewVault(c *Cipher, d *credential.Deriver, opts VaultOptions) *Vault {
	sink := opts.Audit
	if sink == nil {
		sink = audit.Nop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		cipher:  c,
		deriver: d,
		audit:   sink,
		logger:  logger.With("component", "vault"),
		now:     time.Now,
	}
}

// ForPurpose returns a vault whose envelopes are sealed under
// credential.Subkey(credential, purpose) instead of the credential itself.
// Envelopes from different purposes never open each other.
func (v *Vault) ForPurpose(purpose string) *Vault {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return v
	}
	scoped := *v
	scoped.purpose = purpose
	scoped.logger = v.logger.With("purpose", purpose)
	return &scoped
}

func (v *Vault) key(id models.Identity) (credential.Key, error) {
	root, err := v.deriver.Derive(id.UserID, id.DeviceID)
	if err != nil || v.purpose == "" {
		return root, err
	}
	defer root.Zero()
	return credential.Subkey(root, v.purpose)
}

func (v *Vault) Encrypt(ctx context.Context, id models.Identity, plaintext []byte) (*Envelope, error) {
	key, err := v.key(id)
	if err != nil {
		return nil, &OpError{Op: "encrypt", Kind: KindIdentity, CorrelationID: uuid.NewString(), Err: err}
	}
	defer key.Zero()

	env, err := v.cipher.Encrypt(plaintext, key)
	if err != nil {
		opErr := &OpError{Op: "encrypt", Kind: KindInternal, CorrelationID: uuid.NewString(), Err: err}
		v.logger.ErrorContext(ctx, "vault encrypt failed", "user_id", id.UserID, "correlation_id", opErr.CorrelationID, "error", err)
		return nil, opErr
	}
	return env, nil
}

func (v *Vault) Decrypt(ctx context.Context, id models.Identity, env *Envelope) ([]byte, error) {
	key, err := v.key(id)
	if err != nil {
		return nil, &OpError{Op: "decrypt", Kind: KindIdentity, CorrelationID: uuid.NewString(), Err: err}
	}
	defer key.Zero()

	plaintext, err := v.cipher.Decrypt(env, key)
	if err == nil {
		return plaintext, nil
	}
	opErr := &OpError{Op: "decrypt", Kind: kindOf(err), CorrelationID: uuid.NewString(), Err: err}
	metadata := map[string]string{
		"correlation_id": opErr.CorrelationID,
		"kind":           opErr.Kind,
	}
	if v.purpose != "" {
		metadata["purpose"] = v.purpose
	}
	v.audit.Emit(ctx, audit.New(id.UserID, audit.ActionDecryptFailed, metadata, v.now()))
	v.logger.WarnContext(ctx, "vault decrypt failed", "user_id", id.UserID, "correlation_id", opErr.CorrelationID, "kind", opErr.Kind)
	return nil, opErr
}

// DecryptJSON parses a wire envelope and decrypts it.
func (v *Vault) DecryptJSON(ctx context.Context, id models.Identity, data []byte) ([]byte, error) {
	env, err := Parse(data)
	if err != nil {
		return v.Decrypt(ctx, id, nil)
	}
	return v.Decrypt(ctx, id, env)
}

// IsDecryptionFailure reports whether err is any integrity or version failure.
func IsDecryptionFailure(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}
