package recovery

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
)

const (
	commitmentDomain = "zkvault/recovery/commitment/v1"
	challengeDomain  = "zkvault/recovery/share-challenge/v1"
)

// Commitment fingerprints the reconstruction secret of kitID. It reveals
// nothing useful about the secret and lets Recover detect a wrong result.
func Commitment(kitID string, secret []byte) string {
	sum := commitmentDigest(kitID, secret)
	return base58.Encode(sum[:])
}

func commitmentDigest(kitID string, secret []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(commitmentDomain))
	h.Write(lengthPrefixed(kitID))
	h.Write(secret)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func matchesCommitment(kitID string, secret []byte, commitment string) bool {
	want, err := base58.Decode(commitment)
	if err != nil || len(want) != 32 {
		return false
	}
	got := commitmentDigest(kitID, secret)
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

// VerificationPhrase renders the kit commitment as 12 BIP-39 words that
// share holders can compare out of band.
func (k Kit) VerificationPhrase() (string, error) {
	raw, err := base58.Decode(k.Commitment)
	if err != nil || len(raw) != 32 {
		return "", ErrInvalidCommitment
	}
	return bip39.NewMnemonic(raw[:16])
}

// ShareChallenge is the message a holder signs to present a share.
func ShareChallenge(kitID string, index int, encryptedShare string) []byte {
	digest := blake2b.Sum256([]byte(encryptedShare))
	msg := make([]byte, 0, len(challengeDomain)+len(kitID)+48)
	msg = append(msg, challengeDomain...)
	msg = append(msg, lengthPrefixed(kitID)...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(index))
	return append(msg, digest[:]...)
}

func lengthPrefixed(s string) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(s)))
	return append(out, s...)
}
