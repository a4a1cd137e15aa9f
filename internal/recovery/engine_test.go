package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"zkvault/go-backend/internal/audit"
	"zkvault/go-backend/internal/credential"
	"zkvault/go-backend/internal/entropy"
	"zkvault/go-backend/internal/sealing"
	"zkvault/go-backend/internal/signature"
	"zkvault/go-backend/internal/vaultcipher"
)

type testEnv struct {
	engine  *Engine
	store   *MemoryStore
	sink    *audit.MemorySink
	gateway *signature.Gateway
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	deriver, err := credential.NewDeriver([]byte("test-pepper"), credential.Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1})
	require.NoError(t, err)
	c, err := vaultcipher.New(vaultcipher.Config{})
	require.NoError(t, err)
	sink := audit.NewMemorySink()
	env := &testEnv{
		store:   NewMemoryStore(),
		sink:    sink,
		gateway: signature.Default(signature.Options{}),
		now:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	env.engine, err = newWithClock(Options{
		Store:    env.store,
		Vault:    vaultcipher.NewVault(c, deriver, vaultcipher.VaultOptions{Audit: sink}),
		Entropy:  entropy.LocalPool(),
		Verifier: env.gateway,
		Audit:    sink,
	}, func() time.Time { return env.now })
	require.NoError(t, err)
	return env
}

func present(shares []Share, indexes ...int) []PresentedShare {
	out := make([]PresentedShare, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, PresentedShare{EncryptedShare: shares[idx-1].EncryptedShare})
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestGenerateKitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, tc := range [][2]int{{1, 1}, {2, 1}, {2, 3}, {6, 3}, {0, 0}} {
		_, _, err := env.engine.GenerateKit(ctx, "user-1", tc[0], tc[1])
		require.ErrorIs(t, err, ErrInvalidThreshold, "total=%d required=%d", tc[0], tc[1])
	}
	_, _, err := env.engine.GenerateKit(ctx, "  ", 3, 2)
	require.ErrorIs(t, err, ErrInvalidUserID)
}

func TestGenerateKitShape(t *testing.T) {
	env := newTestEnv(t)
	kit, shares, err := env.engine.GenerateKit(context.Background(), "user-1", 5, 3)
	require.NoError(t, err)

	assert.True(t, kit.IsActive)
	assert.Equal(t, 5, kit.SharesTotal)
	assert.Equal(t, 3, kit.SharesRequired)
	assert.Equal(t, env.now.Add(DefaultKitTTL), kit.ExpiresAt)
	require.Len(t, shares, 5)
	for i, s := range shares {
		assert.Equal(t, i+1, s.ShareIndex)
		assert.Equal(t, kit.ID, s.KitID)
		assert.Equal(t, StatusPending, s.DistributionStatus)
		_, err := vaultcipher.Parse([]byte(s.EncryptedShare))
		assert.NoError(t, err)
	}

	phrase, err := kit.VerificationPhrase()
	require.NoError(t, err)
	assert.Len(t, strings.Fields(phrase), 12)
	assert.True(t, bip39.IsMnemonicValid(phrase))
	assert.Len(t, env.sink.ByAction(audit.ActionKitGenerated), 1)
}

func TestRecoverScenarioUser1(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 5, 3)
	require.NoError(t, err)

	_, err = env.engine.Recover(ctx, "user-1", present(shares, 1, 3))
	require.ErrorIs(t, err, ErrInsufficientShares)
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	rejected := env.sink.ByAction(audit.ActionRecoveryRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, opErr.CorrelationID, rejected[0].Metadata["correlation_id"])

	session, err := env.engine.Recover(ctx, "user-1", present(shares, 1, 3, 5))
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, kit.ID, session.KitID)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, env.now.Add(DefaultSessionTTL), session.ExpiresAt)

	stored, err := env.store.Shares(ctx, kit.ID)
	require.NoError(t, err)
	for _, s := range stored {
		used := s.ShareIndex == 1 || s.ShareIndex == 3 || s.ShareIndex == 5
		assert.Equal(t, used, s.IsUsed, "share %d", s.ShareIndex)
	}
	assert.Len(t, env.sink.ByAction(audit.ActionRecoverySucceeded), 1)
}

func TestShareEnvelopesUseRecoveryKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)

	sealed, err := vaultcipher.Parse([]byte(shares[0].EncryptedShare))
	require.NoError(t, err)
	id := kitIdentity(kit.UserID, kit.ID)
	_, err = env.engine.vault.Decrypt(ctx, id, sealed)
	require.NoError(t, err)

	root := newRootVault(t)
	_, err = root.Decrypt(ctx, id, sealed)
	require.ErrorIs(t, err, vaultcipher.ErrDecryptionFailed)

	forged, err := root.Encrypt(ctx, id, []byte(`{"kitId":"`+kit.ID+`"}`))
	require.NoError(t, err)
	raw, err := vaultcipher.Marshal(forged)
	require.NoError(t, err)
	_, err = env.engine.Recover(ctx, "user-1", []PresentedShare{
		{EncryptedShare: string(raw)},
		{EncryptedShare: shares[1].EncryptedShare},
	})
	require.ErrorIs(t, err, ErrInsufficientShares)
}

func newRootVault(t *testing.T) *vaultcipher.Vault {
	t.Helper()
	deriver, err := credential.NewDeriver([]byte("test-pepper"), credential.Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1})
	require.NoError(t, err)
	c, err := vaultcipher.New(vaultcipher.Config{})
	require.NoError(t, err)
	return vaultcipher.NewVault(c, deriver, vaultcipher.VaultOptions{})
}

func thresholdSubsets(total, required int) [][]int {
	var out [][]int
	var walk func(start int, cur []int)
	walk = func(start int, cur []int) {
		if len(cur) == required {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i <= total; i++ {
			walk(i+1, append(cur, i))
		}
	}
	walk(1, nil)
	return out
}

func TestEveryThresholdSubsetRecoversOneKit(t *testing.T) {
	subsets := thresholdSubsets(5, 3)
	require.Len(t, subsets, 10)

	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 5, 3)
	require.NoError(t, err)
	for _, subset := range subsets {
		session, err := env.engine.Recover(ctx, "user-1", present(shares, subset...))
		require.NoError(t, err, "subset %v", subset)
		assert.Equal(t, kit.ID, session.KitID)
	}
	assert.Len(t, env.sink.ByAction(audit.ActionRecoverySucceeded), 10)
}

func TestRecoverUsesExactlyRequiredShares(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 5, 2)
	require.NoError(t, err)

	_, err = env.engine.Recover(ctx, "user-1", present(shares, 5, 2, 4))
	require.NoError(t, err)
	stored, _ := env.store.Shares(ctx, kit.ID)
	var used []int
	for _, s := range stored {
		if s.IsUsed {
			used = append(used, s.ShareIndex)
		}
	}
	assert.Equal(t, []int{2, 4}, used)
}

func TestRecoverExcludesInvalidShares(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, other, err := env.engine.GenerateKit(ctx, "user-2", 3, 2)
	require.NoError(t, err)
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 5, 3)
	require.NoError(t, err)

	tamperedEnv, err := vaultcipher.Parse([]byte(shares[0].EncryptedShare))
	require.NoError(t, err)
	tamperedEnv.Ciphertext[0] ^= 0x01
	tampered, _ := vaultcipher.Marshal(tamperedEnv)

	junk := []PresentedShare{
		{EncryptedShare: string(tampered)},
		{EncryptedShare: "not an envelope"},
		{EncryptedShare: other[0].EncryptedShare},
		{EncryptedShare: other[1].EncryptedShare},
		{EncryptedShare: shares[1].EncryptedShare, KitID: "some-other-kit"},
		{EncryptedShare: shares[2].EncryptedShare, ShareIndex: 4},
		{EncryptedShare: shares[3].EncryptedShare},
		{EncryptedShare: shares[3].EncryptedShare},
		{EncryptedShare: shares[4].EncryptedShare},
	}
	_, err = env.engine.Recover(ctx, "user-1", junk)
	require.ErrorIs(t, err, ErrInsufficientShares)

	session, err := env.engine.Recover(ctx, "user-1", append(junk, present(shares, 2)...))
	require.NoError(t, err)
	assert.Equal(t, kit.ID, session.KitID)
}

func TestSharesStayUsableAfterRecovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 5, 3)
	require.NoError(t, err)
	first := env.now

	_, err = env.engine.Recover(ctx, "user-1", present(shares, 1, 3, 5))
	require.NoError(t, err)

	env.now = env.now.Add(time.Hour)
	_, err = env.engine.Recover(ctx, "user-1", present(shares, 1, 3, 5))
	require.NoError(t, err)
	_, err = env.engine.Recover(ctx, "user-1", present(shares, 1, 2, 4))
	require.NoError(t, err)

	active, err := env.engine.ActiveKit(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, kit.ID, active.ID)

	stored, err := env.store.Shares(ctx, kit.ID)
	require.NoError(t, err)
	for _, s := range stored {
		switch s.ShareIndex {
		case 1, 3, 5:
			require.NotNil(t, s.UsedAt, "share %d", s.ShareIndex)
			assert.True(t, s.UsedAt.Equal(first), "share %d keeps its first use time", s.ShareIndex)
		case 2, 4:
			require.NotNil(t, s.UsedAt, "share %d", s.ShareIndex)
			assert.True(t, s.UsedAt.Equal(env.now), "share %d", s.ShareIndex)
		}
	}
}

func TestConcurrentOverlappingRecoveriesSucceed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, shares, err := env.engine.GenerateKit(ctx, "user-1", 5, 3)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.Recover(ctx, "user-1", present(shares, 2, 3, 4))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestRecoverEntropyFailureLeavesSharesUnused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)

	env.engine.entropy = entropy.NewPool(nil, entropy.Options{Local: failingReader{}})
	_, err = env.engine.Recover(ctx, "user-1", present(shares, 1, 2))
	require.ErrorIs(t, err, entropy.ErrEntropyUnavailable)

	stored, err := env.store.Shares(ctx, kit.ID)
	require.NoError(t, err)
	for _, s := range stored {
		assert.False(t, s.IsUsed, "share %d", s.ShareIndex)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy device gone") }

func TestSupersededKitSharesAreRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	oldKit, oldShares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)
	newKit, newShares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)

	stored, err := env.store.Kit(ctx, oldKit.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.RevokedAt)

	_, err = env.engine.Recover(ctx, "user-1", present(oldShares, 1, 2, 3))
	require.ErrorIs(t, err, ErrInsufficientShares)

	session, err := env.engine.Recover(ctx, "user-1", present(newShares, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, newKit.ID, session.KitID)
}

func TestRecoverNeedsActiveUnexpiredKit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Recover(ctx, "user-1", nil)
	require.ErrorIs(t, err, ErrNoActiveKit)

	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)
	env.now = env.now.Add(DefaultKitTTL)
	_, err = env.engine.Recover(ctx, "user-1", present(shares, 1, 2))
	require.ErrorIs(t, err, ErrKitExpired)

	env.now = env.now.Add(-time.Hour)
	revoked, err := env.engine.RevokeKit(ctx, kit.ID)
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	_, err = env.engine.Recover(ctx, "user-1", present(shares, 1, 2))
	require.ErrorIs(t, err, ErrNoActiveKit)
	assert.Len(t, env.sink.ByAction(audit.ActionKitRevoked), 1)

	_, err = env.engine.RevokeKit(ctx, "missing")
	require.ErrorIs(t, err, ErrKitNotFound)
}

func TestDistributeShareForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, shares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)
	id := shares[0].ID

	s, err := env.engine.DistributeShare(ctx, id, StatusSent)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, s.DistributionStatus)
	assert.Equal(t, shares[0].EncryptedShare, s.EncryptedShare)

	s, err = env.engine.DistributeShare(ctx, id, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, s.DistributionStatus)

	_, err = env.engine.DistributeShare(ctx, id, StatusDelivered)
	require.NoError(t, err)
	_, err = env.engine.DistributeShare(ctx, id, StatusSent)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.engine.DistributeShare(ctx, id, "LOST")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.engine.DistributeShare(ctx, "missing", StatusSent)
	require.ErrorIs(t, err, ErrShareNotFound)

	assert.Len(t, env.sink.ByAction(audit.ActionShareDistributed), 2)

	skip, err := env.engine.DistributeShare(ctx, shares[1].ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, skip.DistributionStatus)
}

func TestHolderSignatureRequired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)

	holder, err := env.gateway.Keygen(make([]byte, 32))
	require.NoError(t, err)
	_, err = env.engine.AssignHolder(ctx, shares[0].ID, holder.PublicKey)
	require.NoError(t, err)

	unsigned := present(shares, 1, 2)
	_, err = env.engine.Recover(ctx, "user-1", unsigned)
	require.ErrorIs(t, err, ErrInsufficientShares)

	wrong, err := env.gateway.Sign([]byte("something else"), holder.PrivateKey)
	require.NoError(t, err)
	unsigned[0].Signature = wrong
	_, err = env.engine.Recover(ctx, "user-1", unsigned)
	require.ErrorIs(t, err, ErrInsufficientShares)

	sig, err := env.gateway.Sign(ShareChallenge(kit.ID, 1, shares[0].EncryptedShare), holder.PrivateKey)
	require.NoError(t, err)
	signed := present(shares, 1, 2)
	signed[0].Signature = sig
	_, err = env.engine.Recover(ctx, "user-1", signed)
	require.NoError(t, err)
}

func TestAssignHolderRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, shares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)
	holder, err := env.gateway.Keygen(make([]byte, 32))
	require.NoError(t, err)

	_, err = env.engine.AssignHolder(ctx, shares[0].ID, []byte("short"))
	require.ErrorIs(t, err, ErrInvalidHolderKey)

	_, err = env.engine.DistributeShare(ctx, shares[0].ID, StatusDelivered)
	require.NoError(t, err)
	_, err = env.engine.AssignHolder(ctx, shares[0].ID, holder.PublicKey)
	require.ErrorIs(t, err, ErrShareImmutable)

	s, err := env.engine.AssignHolder(ctx, shares[1].ID, holder.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, holder.PublicKey, s.HolderPublicKey)
	assert.Len(t, env.sink.ByAction(audit.ActionHolderAssigned), 1)
}

func TestExportKit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 4, 2)
	require.NoError(t, err)

	exports, err := env.engine.ExportKit(ctx, kit.ID)
	require.NoError(t, err)
	require.Len(t, exports, 4)
	for i, ex := range exports {
		assert.Equal(t, i+1, ex.ShareIndex)
		assert.Equal(t, shares[i].EncryptedShare, ex.EncryptedShare)
		assert.Equal(t, shares[i].IssuedAt, ex.IssuedAt)
	}

	raw, err := json.Marshal(exports[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"shareIndex":1`)
	assert.Contains(t, string(raw), `"encryptedShare"`)
	assert.Contains(t, string(raw), `"issuedAt"`)

	_, err = env.engine.ExportKit(ctx, "missing")
	require.ErrorIs(t, err, ErrKitNotFound)
	_, err = env.engine.RevokeKit(ctx, kit.ID)
	require.NoError(t, err)
	_, err = env.engine.ExportKit(ctx, kit.ID)
	require.ErrorIs(t, err, ErrNoActiveKit)
}

func TestExportShareSealed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kit, shares, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
	require.NoError(t, err)
	holder, err := sealing.GenerateKeypair(nil)
	require.NoError(t, err)

	sealed, err := env.engine.ExportShareSealed(ctx, shares[2].ID, holder.PublicKey)
	require.NoError(t, err)
	plain, err := sealing.Open(holder.SecretKey, sealed, SealedExportAAD(kit.ID, 3))
	require.NoError(t, err)

	var ex ShareExport
	require.NoError(t, json.Unmarshal(plain, &ex))
	assert.Equal(t, 3, ex.ShareIndex)
	assert.Equal(t, shares[2].EncryptedShare, ex.EncryptedShare)

	_, err = sealing.Open(holder.SecretKey, sealed, SealedExportAAD(kit.ID, 2))
	require.ErrorIs(t, err, sealing.ErrOpenFailed)
}

func TestConcurrentGenerateKeepsOneActiveKit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []string
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kit, _, err := env.engine.GenerateKit(ctx, "user-1", 3, 2)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes = append(successes, kit.ID)
			case errors.Is(err, ErrKitConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.NotEmpty(t, successes)
	assert.Equal(t, 8, len(successes)+conflicts)

	env.store.mu.Lock()
	active := 0
	for _, k := range env.store.kits {
		if k.UserID == "user-1" && k.IsActive {
			active++
		}
	}
	env.store.mu.Unlock()
	assert.Equal(t, 1, active)

	current, err := env.engine.ActiveKit(ctx, "user-1")
	require.NoError(t, err)
	assert.Contains(t, successes, current.ID)
}
