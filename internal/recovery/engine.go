// Package recovery issues K-of-N Shamir recovery kits and reconstructs them.
// Each share is sealed with the vault cipher under a kit-scoped identity, so
// the store only ever holds envelopes. A kit commitment detects a wrong
// reconstruction before a session is issued.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/shamir"
	"github.com/mr-tron/base58"

	"zkvault/go-backend/internal/audit"
	"zkvault/go-backend/internal/entropy"
	"zkvault/go-backend/internal/metrics"
	"zkvault/go-backend/internal/sealing"
	"zkvault/go-backend/internal/signature"
	"zkvault/go-backend/internal/vaultcipher"
	"zkvault/go-backend/pkg/models"
)

const (
	DefaultKitTTL     = 365 * 24 * time.Hour
	DefaultSessionTTL = 15 * time.Minute

	sessionTokenSize = 32
	recoveryDevice   = "recovery/"
	shareKeyPurpose  = "recovery-share"
)

type EntropySource interface {
	Acquire(ctx context.Context, n int) (entropy.Result, error)
}

// Verifier checks holder signatures. *signature.Gateway satisfies it.
type Verifier interface {
	Verify(sig, msg, publicKey []byte) bool
}

type Options struct {
	Store      Store
	Vault      *vaultcipher.Vault
	Entropy    EntropySource
	Verifier   Verifier
	Audit      audit.Sink
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	KitTTL     time.Duration
	SessionTTL time.Duration
}

type Engine struct {
	store      Store
	vault      *vaultcipher.Vault
	entropy    EntropySource
	verifier   Verifier
	audit      audit.Sink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	kitTTL     time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

func New(opts Options) (*Engine, error) {
	return newWithClock(opts, time.Now)
}

func newWithClock(opts Options, now func() time.Time) (*Engine, error) {
	if opts.Store == nil || opts.Vault == nil || opts.Entropy == nil {
		return nil, errors.New("recovery engine requires store, vault and entropy")
	}
	e := &Engine{
		store:      opts.Store,
		vault:      opts.Vault.ForPurpose(shareKeyPurpose),
		entropy:    opts.Entropy,
		verifier:   opts.Verifier,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		kitTTL:     opts.KitTTL,
		sessionTTL: opts.SessionTTL,
		now:        now,
	}
	if e.audit == nil {
		e.audit = audit.Nop()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.kitTTL <= 0 {
		e.kitTTL = DefaultKitTTL
	}
	if e.sessionTTL <= 0 {
		e.sessionTTL = DefaultSessionTTL
	}
	e.logger = e.logger.With("component", "recovery")
	return e, nil
}

func kitIdentity(userID, kitID string) models.Identity {
	return models.Identity{UserID: userID, DeviceID: recoveryDevice + kitID}
}

// GenerateKit creates a new kit for userID and makes it the active one,
// superseding any previous kit. The returned shares carry only envelopes.
func (e *Engine) GenerateKit(ctx context.Context, userID string, total, required int) (Kit, []Share, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Kit{}, nil, ErrInvalidUserID
	}
	if required < MinShares || required > total || total > MaxShares {
		return Kit{}, nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, required, total)
	}

	expectedActive := ""
	current, err := e.store.ActiveKit(ctx, userID)
	switch {
	case err == nil:
		expectedActive = current.ID
	case !errors.Is(err, ErrNoActiveKit):
		return Kit{}, nil, err
	}

	res, err := e.entropy.Acquire(ctx, SecretSize)
	if err != nil {
		return Kit{}, nil, err
	}
	secret := res.Bytes
	defer zeroBytes(secret)

	parts, err := shamir.Split(secret, total, required)
	if err != nil {
		return Kit{}, nil, fmt.Errorf("split recovery secret: %w", err)
	}
	defer func() {
		for _, p := range parts {
			zeroBytes(p)
		}
	}()

	now := e.now().UTC()
	kit := Kit{
		ID:             uuid.NewString(),
		UserID:         userID,
		SharesTotal:    total,
		SharesRequired: required,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.kitTTL),
		IsActive:       true,
	}
	kit.Commitment = Commitment(kit.ID, secret)

	shares := make([]Share, 0, total)
	for i, part := range parts {
		sealed, err := e.sealShare(ctx, kit, i+1, part)
		if err != nil {
			return Kit{}, nil, err
		}
		shares = append(shares, Share{
			ID:                 uuid.NewString(),
			KitID:              kit.ID,
			ShareIndex:         i + 1,
			EncryptedShare:     sealed,
			DistributionStatus: StatusPending,
			IssuedAt:           now,
		})
	}

	if err := e.store.ReplaceActiveKit(ctx, expectedActive, kit, shares); err != nil {
		return Kit{}, nil, err
	}
	e.metrics.RecoveryEvent("kit_generated")
	e.emit(ctx, userID, audit.ActionKitGenerated, map[string]string{
		"kit_id":          kit.ID,
		"shares_total":    strconv.Itoa(total),
		"shares_required": strconv.Itoa(required),
		"superseded":      expectedActive,
	})
	e.logger.InfoContext(ctx, "recovery kit generated", "user_id", userID, "kit_id", kit.ID)
	return kit, shares, nil
}

func (e *Engine) sealShare(ctx context.Context, kit Kit, index int, part []byte) (string, error) {
	payload, err := json.Marshal(sharePayload{KitID: kit.ID, Index: index, Share: part})
	if err != nil {
		return "", err
	}
	defer zeroBytes(payload)
	env, err := e.vault.Encrypt(ctx, kitIdentity(kit.UserID, kit.ID), payload)
	if err != nil {
		return "", err
	}
	raw, err := vaultcipher.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (e *Engine) ActiveKit(ctx context.Context, userID string) (Kit, error) {
	return e.store.ActiveKit(ctx, userID)
}

func (e *Engine) Shares(ctx context.Context, kitID string) ([]Share, error) {
	return e.store.Shares(ctx, kitID)
}

// DistributeShare moves a share forward through PENDING, SENT, DELIVERED.
// Repeating the current status is a no-op.
func (e *Engine) DistributeShare(ctx context.Context, shareID string, status DistributionStatus) (Share, error) {
	if !status.Valid() {
		return Share{}, fmt.Errorf("%w: %q", ErrInvalidTransition, status)
	}
	changed := false
	share, err := e.store.UpdateShare(ctx, shareID, func(s *Share) error {
		switch {
		case s.DistributionStatus == status:
			return nil
		case status.rank() < s.DistributionStatus.rank():
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.DistributionStatus, status)
		}
		s.DistributionStatus = status
		changed = true
		return nil
	})
	if err != nil {
		return Share{}, err
	}
	if changed {
		e.metrics.RecoveryEvent("share_distributed")
		if kit, err := e.store.Kit(ctx, share.KitID); err == nil {
			e.emit(ctx, kit.UserID, audit.ActionShareDistributed, map[string]string{
				"kit_id":   share.KitID,
				"share_id": share.ID,
				"status":   string(status),
			})
		}
	}
	return share, nil
}

// AssignHolder binds an ML-DSA-65 public key to a share that has not been
// delivered yet. Presenting that share then requires the holder's signature
// over ShareChallenge.
func (e *Engine) AssignHolder(ctx context.Context, shareID string, publicKey []byte) (Share, error) {
	if len(publicKey) != (signature.MLDSA65{}).PublicKeySize() {
		return Share{}, ErrInvalidHolderKey
	}
	share, err := e.store.UpdateShare(ctx, shareID, func(s *Share) error {
		if s.DistributionStatus == StatusDelivered {
			return ErrShareImmutable
		}
		s.HolderPublicKey = append([]byte(nil), publicKey...)
		return nil
	})
	if err != nil {
		return Share{}, err
	}
	if kit, err := e.store.Kit(ctx, share.KitID); err == nil {
		e.emit(ctx, kit.UserID, audit.ActionHolderAssigned, map[string]string{
			"kit_id":   share.KitID,
			"share_id": share.ID,
		})
	}
	return share, nil
}

// Recover reconstructs the active kit's secret from presented shares and
// issues a session. Invalid shares are dropped without saying which.
func (e *Engine) Recover(ctx context.Context, userID string, presented []PresentedShare) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, e.reject(ctx, userID, "", ErrInvalidUserID, 0)
	}
	kit, err := e.store.ActiveKit(ctx, userID)
	if err != nil {
		return Session{}, e.reject(ctx, userID, "", err, 0)
	}
	now := e.now().UTC()
	if kit.Expired(now) {
		return Session{}, e.reject(ctx, userID, kit.ID, ErrKitExpired, 0)
	}
	stored, err := e.store.Shares(ctx, kit.ID)
	if err != nil {
		return Session{}, e.reject(ctx, userID, kit.ID, err, 0)
	}

	valid := e.collectValid(ctx, kit, stored, presented)
	defer func() {
		for _, v := range valid {
			zeroBytes(v.part)
		}
	}()
	if len(valid) < kit.SharesRequired {
		return Session{}, e.reject(ctx, userID, kit.ID, ErrInsufficientShares, len(valid))
	}

	chosen := valid[:kit.SharesRequired]
	secret, err := reconstruct(kit, chosen)
	if err != nil {
		return Session{}, e.reject(ctx, userID, kit.ID, err, len(valid))
	}
	zeroBytes(secret)

	// no share is marked unless a session token exists
	tokenBytes, err := e.entropy.Acquire(ctx, sessionTokenSize)
	if err != nil {
		return Session{}, &OpError{Op: "recover", Kind: KindEntropy, CorrelationID: uuid.NewString(), Err: err}
	}
	session := Session{
		Token:     base58.Encode(tokenBytes.Bytes),
		UserID:    userID,
		KitID:     kit.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.sessionTTL),
	}
	zeroBytes(tokenBytes.Bytes)

	ids := make([]string, 0, len(chosen))
	for _, v := range chosen {
		ids = append(ids, v.shareID)
	}
	if err := e.store.MarkSharesUsed(ctx, kit.ID, ids, now); err != nil {
		return Session{}, e.reject(ctx, userID, kit.ID, err, len(valid))
	}

	e.metrics.RecoveryEvent("succeeded")
	e.emit(ctx, userID, audit.ActionRecoverySucceeded, map[string]string{
		"kit_id":      kit.ID,
		"shares_used": strconv.Itoa(len(chosen)),
	})
	e.logger.InfoContext(ctx, "recovery succeeded", "user_id", userID, "kit_id", kit.ID)
	return session, nil
}

type validShare struct {
	index   int
	shareID string
	part    []byte
}

func (e *Engine) collectValid(ctx context.Context, kit Kit, stored []Share, presented []PresentedShare) []validShare {
	byIndex := make(map[int]Share, len(stored))
	for _, s := range stored {
		byIndex[s.ShareIndex] = s
	}
	seenIndex := map[int]struct{}{}
	seenTag := map[byte]struct{}{}
	out := make([]validShare, 0, len(presented))
	for _, p := range presented {
		v, ok := e.validateShare(ctx, kit, byIndex, p)
		if !ok {
			continue
		}
		tag := v.part[len(v.part)-1]
		if _, dup := seenIndex[v.index]; dup {
			zeroBytes(v.part)
			continue
		}
		if _, dup := seenTag[tag]; dup {
			zeroBytes(v.part)
			continue
		}
		seenIndex[v.index] = struct{}{}
		seenTag[tag] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func (e *Engine) validateShare(ctx context.Context, kit Kit, byIndex map[int]Share, p PresentedShare) (validShare, bool) {
	if p.KitID != "" && p.KitID != kit.ID {
		return validShare{}, false
	}
	env, err := vaultcipher.Parse([]byte(p.EncryptedShare))
	if err != nil {
		return validShare{}, false
	}
	plain, err := e.vault.Decrypt(ctx, kitIdentity(kit.UserID, kit.ID), env)
	if err != nil {
		return validShare{}, false
	}
	defer zeroBytes(plain)
	var payload sharePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return validShare{}, false
	}
	if payload.KitID != kit.ID || (p.ShareIndex != 0 && p.ShareIndex != payload.Index) ||
		len(payload.Share) != SecretSize+1 {
		zeroBytes(payload.Share)
		return validShare{}, false
	}
	stored, ok := byIndex[payload.Index]
	if !ok {
		zeroBytes(payload.Share)
		return validShare{}, false
	}
	if len(stored.HolderPublicKey) > 0 {
		challenge := ShareChallenge(kit.ID, stored.ShareIndex, stored.EncryptedShare)
		if e.verifier == nil || !e.verifier.Verify(p.Signature, challenge, stored.HolderPublicKey) {
			zeroBytes(payload.Share)
			return validShare{}, false
		}
	}
	return validShare{index: payload.Index, shareID: stored.ID, part: payload.Share}, true
}

// reconstruct combines exactly the given shares and checks the result
// against the kit commitment.
func reconstruct(kit Kit, shares []validShare) ([]byte, error) {
	parts := make([][]byte, 0, len(shares))
	for _, s := range shares {
		parts = append(parts, s.part)
	}
	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReconstructionFailed, err)
	}
	if !matchesCommitment(kit.ID, secret, kit.Commitment) {
		zeroBytes(secret)
		return nil, ErrReconstructionFailed
	}
	return secret, nil
}

func (e *Engine) reject(ctx context.Context, userID, kitID string, err error, valid int) error {
	opErr := &OpError{Op: "recover", Kind: kindOf(err), CorrelationID: uuid.NewString(), Err: err}
	e.metrics.RecoveryEvent("rejected")
	e.emit(ctx, userID, audit.ActionRecoveryRejected, map[string]string{
		"kit_id":         kitID,
		"kind":           opErr.Kind,
		"valid_shares":   strconv.Itoa(valid),
		"correlation_id": opErr.CorrelationID,
	})
	e.logger.WarnContext(ctx, "recovery rejected", "user_id", userID, "kind", opErr.Kind, "correlation_id", opErr.CorrelationID)
	return opErr
}

func (e *Engine) RevokeKit(ctx context.Context, kitID string) (Kit, error) {
	kit, err := e.store.RevokeKit(ctx, kitID, e.now().UTC())
	if err != nil {
		return Kit{}, err
	}
	e.metrics.RecoveryEvent("kit_revoked")
	e.emit(ctx, kit.UserID, audit.ActionKitRevoked, map[string]string{"kit_id": kit.ID})
	return kit, nil
}

// ExportKit lists the envelopes of an active kit for out-of-band delivery.
func (e *Engine) ExportKit(ctx context.Context, kitID string) ([]ShareExport, error) {
	kit, err := e.store.Kit(ctx, kitID)
	if err != nil {
		return nil, err
	}
	if !kit.IsActive {
		return nil, ErrNoActiveKit
	}
	shares, err := e.store.Shares(ctx, kitID)
	if err != nil {
		return nil, err
	}
	out := make([]ShareExport, 0, len(shares))
	for _, s := range shares {
		out = append(out, exportOf(s))
	}
	return out, nil
}

// ExportShareSealed seals one share export to the holder's ML-KEM-768 key.
// The associated data binds the kit id and share index.
func (e *Engine) ExportShareSealed(ctx context.Context, shareID string, holderKEMKey []byte) (*sealing.Sealed, error) {
	share, err := e.store.Share(ctx, shareID)
	if err != nil {
		return nil, err
	}
	kit, err := e.store.Kit(ctx, share.KitID)
	if err != nil {
		return nil, err
	}
	if !kit.IsActive {
		return nil, ErrNoActiveKit
	}
	raw, err := json.Marshal(exportOf(share))
	if err != nil {
		return nil, err
	}
	return sealing.Seal(holderKEMKey, raw, SealedExportAAD(kit.ID, share.ShareIndex))
}

func SealedExportAAD(kitID string, index int) []byte {
	return []byte(kitID + "/" + strconv.Itoa(index))
}

func exportOf(s Share) ShareExport {
	return ShareExport{ShareIndex: s.ShareIndex, EncryptedShare: s.EncryptedShare, IssuedAt: s.IssuedAt}
}

func (e *Engine) emit(ctx context.Context, userID, action string, metadata map[string]string) {
	e.audit.Emit(ctx, audit.New(userID, action, metadata, e.now()))
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
