package models

import (
	"strings"
	"time"
)

// Identity is the stable pair of identifiers a credential is derived from.
// It never carries secret material.
type Identity struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

func (i Identity) Valid() bool {
	return strings.TrimSpace(i.UserID) != "" && strings.TrimSpace(i.DeviceID) != ""
}

type SelfTestReport struct {
	Healthy       bool      `json:"healthy"`
	Algorithm     string    `json:"algorithm"`
	PublicKeySize int       `json:"publicKeySize"`
	SignatureSize int       `json:"signatureSize"`
	State         string    `json:"state,omitempty"`
	LastProbeAt   time.Time `json:"lastProbeAt,omitempty"`
}

type AuditEvent struct {
	UserID    string            `json:"userId"`
	Action    string            `json:"action"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
