// Package audit emits append-only audit records for the vault core. Records
// carry identifiers and outcome tags only; callers must never put plaintext,
// key bytes or share contents into Metadata.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"zkvault/go-backend/pkg/models"
)

const (
	ActionDecryptFailed     = "vault.decrypt_failed"
	ActionKitGenerated      = "recovery.kit_generated"
	ActionKitRevoked        = "recovery.kit_revoked"
	ActionShareDistributed  = "recovery.share_distributed"
	ActionHolderAssigned    = "recovery.holder_assigned"
	ActionRecoverySucceeded = "recovery.succeeded"
	ActionRecoveryRejected  = "recovery.rejected"
)

type Sink interface {
	Emit(ctx context.Context, event models.AuditEvent)
}

// New stamps the event time and copies metadata so callers can reuse maps.
func New(userID, action string, metadata map[string]string, now time.Time) models.AuditEvent {
	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}
	return models.AuditEvent{
		UserID:    userID,
		Action:    action,
		Metadata:  md,
		Timestamp: now.UTC(),
	}
}

type LogSink struct {
	logger *slog.Logger
}

// NewLogSink writes events through logger, which is expected to be wrapped by
// privacylog so user ids are fingerprinted.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Emit(ctx context.Context, event models.AuditEvent) {
	attrs := []any{
		"user_id", event.UserID,
		"action", event.Action,
		"ts", event.Timestamp,
	}
	if len(event.Metadata) > 0 {
		group := make([]any, 0, len(event.Metadata)*2)
		for k, v := range event.Metadata {
			group = append(group, k, v)
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}

type MemorySink struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, event models.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *MemorySink) Events() []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEvent(nil), s.events...)
}

func (s *MemorySink) ByAction(action string) []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type nopSink struct{}

func (nopSink) Emit(context.Context, models.AuditEvent) {}

// Nop discards every event.
func Nop() Sink { return nopSink{} }
