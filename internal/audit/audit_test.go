package audit

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"zkvault/go-backend/internal/platform/privacylog"
)

func TestNewCopiesMetadata(t *testing.T) {
	md := map[string]string{"kit": "k1"}
	ev := New("user-1", ActionKitGenerated, md, time.Unix(10, 0))
	md["kit"] = "changed"
	if ev.Metadata["kit"] != "k1" {
		t.Fatal("event metadata must not alias caller map")
	}
	if ev.Timestamp.Location() != time.UTC {
		t.Fatal("timestamp should be UTC")
	}
}

func TestMemorySinkFiltersByAction(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	s.Emit(ctx, New("u", ActionKitGenerated, nil, time.Now()))
	s.Emit(ctx, New("u", ActionRecoveryRejected, nil, time.Now()))
	s.Emit(ctx, New("u", ActionRecoveryRejected, nil, time.Now()))
	if got := len(s.ByAction(ActionRecoveryRejected)); got != 2 {
		t.Fatalf("expected 2 rejected events, got %d", got)
	}
	if got := len(s.Events()); got != 3 {
		t.Fatalf("expected 3 events, got %d", got)
	}
}

func TestLogSinkFingerprintsUser(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(&buf, nil)))
	NewLogSink(logger).Emit(context.Background(), New("user-1", ActionDecryptFailed, map[string]string{"correlation_id": "c1"}, time.Now()))
	out := buf.String()
	if strings.Contains(out, "user-1") {
		t.Fatalf("raw user id leaked into audit log: %s", out)
	}
	if !strings.Contains(out, ActionDecryptFailed) || !strings.Contains(out, "c1") {
		t.Fatalf("audit log missing action or correlation id: %s", out)
	}
}
