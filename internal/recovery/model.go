package recovery

import (
	"bytes"
	"time"
)

const (
	MinShares = 2
	MaxShares = 5
	// SecretSize is the length of the reconstruction secret.
	SecretSize = 32
)

type DistributionStatus string

const (
	StatusPending   DistributionStatus = "PENDING"
	StatusSent      DistributionStatus = "SENT"
	StatusDelivered DistributionStatus = "DELIVERED"
)

func (s DistributionStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	default:
		return 0
	}
}

func (s DistributionStatus) Valid() bool {
	return s.rank() > 0
}

type Kit struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	SharesTotal    int        `json:"sharesTotal"`
	SharesRequired int        `json:"sharesRequired"`
	Commitment     string     `json:"commitment"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	IsActive       bool       `json:"isActive"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

func (k Kit) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

func (k Kit) clone() Kit {
	if k.RevokedAt != nil {
		at := *k.RevokedAt
		k.RevokedAt = &at
	}
	return k
}

// Share is one encrypted Shamir share. EncryptedShare holds the JSON wire
// form of a vault envelope; plaintext shares are never stored.
type Share struct {
	ID                 string             `json:"id"`
	KitID              string             `json:"kitId"`
	ShareIndex         int                `json:"shareIndex"`
	EncryptedShare     string             `json:"encryptedShare"`
	DistributionStatus DistributionStatus `json:"distributionStatus"`
	HolderPublicKey    []byte             `json:"holderPublicKey,omitempty"`
	IsUsed             bool               `json:"isUsed"`
	UsedAt             *time.Time         `json:"usedAt,omitempty"`
	IssuedAt           time.Time          `json:"issuedAt"`
}

func (s Share) clone() Share {
	s.HolderPublicKey = bytes.Clone(s.HolderPublicKey)
	if s.UsedAt != nil {
		at := *s.UsedAt
		s.UsedAt = &at
	}
	return s
}

// PresentedShare is what a holder hands back during recovery. KitID and
// ShareIndex are optional hints; the authenticated payload is authoritative.
type PresentedShare struct {
	KitID          string `json:"kitId,omitempty"`
	ShareIndex     int    `json:"shareIndex,omitempty"`
	EncryptedShare string `json:"encryptedShare"`
	Signature      []byte `json:"signature,omitempty"`
}

type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	KitID     string    `json:"kitId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ShareExport struct {
	ShareIndex     int       `json:"shareIndex"`
	EncryptedShare string    `json:"encryptedShare"`
	IssuedAt       time.Time `json:"issuedAt"`
}

// sharePayload is the plaintext sealed inside each share envelope.
type sharePayload struct {
	KitID string `json:"kitId"`
	Index int    `json:"index"`
	Share []byte `json:"share"`
}
