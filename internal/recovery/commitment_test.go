package recovery

import (
	"crypto/rand"
	"testing"

	"github.com/hashicorp/vault/shamir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBelowThresholdNeverMatchesCommitment(t *testing.T) {
	secret := make([]byte, SecretSize)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	kit := Kit{ID: "kit-1", SharesRequired: 3, Commitment: Commitment("kit-1", secret)}

	parts, err := shamir.Split(secret, 5, 3)
	require.NoError(t, err)

	for i := 0; i < len(parts); i++ {
		for j := i + 1; j < len(parts); j++ {
			pair := []validShare{{index: i + 1, part: parts[i]}, {index: j + 1, part: parts[j]}}
			_, err := reconstruct(kit, pair)
			assert.ErrorIs(t, err, ErrReconstructionFailed, "pair %d,%d", i+1, j+1)
		}
	}

	got, err := reconstruct(kit, []validShare{{part: parts[0]}, {part: parts[2]}, {part: parts[4]}})
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestEveryThresholdSubsetYieldsSameSecret(t *testing.T) {
	secret := make([]byte, SecretSize)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	kit := Kit{ID: "kit-1", SharesRequired: 3, Commitment: Commitment("kit-1", secret)}

	parts, err := shamir.Split(secret, 5, 3)
	require.NoError(t, err)

	subsets := thresholdSubsets(5, 3)
	require.Len(t, subsets, 10)
	for _, subset := range subsets {
		chosen := make([]validShare, 0, len(subset))
		for _, idx := range subset {
			chosen = append(chosen, validShare{index: idx, part: parts[idx-1]})
		}
		got, err := reconstruct(kit, chosen)
		require.NoError(t, err, "subset %v", subset)
		assert.Equal(t, secret, got, "subset %v", subset)
	}
}

func TestCommitmentBindsKitID(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	c := Commitment("kit-1", secret)
	assert.True(t, matchesCommitment("kit-1", secret, c))
	assert.False(t, matchesCommitment("kit-2", secret, c))
	assert.False(t, matchesCommitment("kit-1", secret[:31], c))
	assert.False(t, matchesCommitment("kit-1", secret, "not-base58-0OIl"))
}

func TestVerificationPhraseRejectsBadCommitment(t *testing.T) {
	_, err := Kit{Commitment: "abc"}.VerificationPhrase()
	require.ErrorIs(t, err, ErrInvalidCommitment)
}

func TestShareChallengeSeparatesInputs(t *testing.T) {
	a := ShareChallenge("kit-1", 1, "env")
	assert.NotEqual(t, a, ShareChallenge("kit-1", 2, "env"))
	assert.NotEqual(t, a, ShareChallenge("kit-2", 1, "env"))
	assert.NotEqual(t, a, ShareChallenge("kit-1", 1, "env2"))
	assert.Equal(t, a, ShareChallenge("kit-1", 1, "env"))
}
