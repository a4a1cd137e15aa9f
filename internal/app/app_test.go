package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"zkvault/go-backend/internal/config"
	"zkvault/go-backend/internal/credential"
	"zkvault/go-backend/internal/recovery"
	"zkvault/go-backend/pkg/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Pepper = []byte("0123456789abcdef-test-pepper")
	cfg.Credential = credential.Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildRejectsMissingPepper(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pepper = nil
	if _, err := Build(cfg, discardLogger()); err == nil {
		t.Fatal("expected build to fail without a pepper")
	}
}

func TestBuildServesEndToEnd(t *testing.T) {
	a, err := Build(testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	id := models.Identity{UserID: "user-1", DeviceID: "laptop"}
	env, err := a.Vault.Encrypt(ctx, id, []byte("Tr0ub4dor&3"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := a.Vault.Decrypt(ctx, id, env)
	if err != nil || string(plain) != "Tr0ub4dor&3" {
		t.Fatalf("decrypt failed: %q %v", plain, err)
	}

	kit, _, err := a.Recovery.GenerateKit(ctx, "user-1", 5, 3)
	if err != nil {
		t.Fatalf("generate kit failed: %v", err)
	}

	h := a.Server.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/recovery/kits/"+kit.ID+"/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d body=%s", rec.Code, rec.Body.String())
	}
	var exports []recovery.ShareExport
	if err := json.Unmarshal(rec.Body.Bytes(), &exports); err != nil {
		t.Fatalf("decode export failed: %v", err)
	}
	if len(exports) != 5 {
		t.Fatalf("exported %d shares, want 5", len(exports))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/signature/selftest", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy":true`) {
		t.Fatalf("selftest = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestBuildWithSQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recovery.DBPath = filepath.Join(t.TempDir(), "recovery.db")
	a, err := Build(cfg, discardLogger())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	ctx := context.Background()
	kit, _, err := a.Recovery.GenerateKit(ctx, "user-2", 3, 2)
	if err != nil {
		t.Fatalf("generate kit failed: %v", err)
	}
	if err := a.Ready(ctx); err != nil {
		t.Fatalf("ready failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := Build(cfg, discardLogger())
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	defer reopened.Close()
	active, err := reopened.Recovery.ActiveKit(ctx, "user-2")
	if err != nil {
		t.Fatalf("active kit lost across restart: %v", err)
	}
	if active.ID != kit.ID {
		t.Fatalf("active kit = %s, want %s", active.ID, kit.ID)
	}
}

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "debug", JSON: true}, &buf)
	logger.Debug("derived", "secret", "hunter2", "user_id", "user-1")
	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked into log: %s", out)
	}
	if strings.Contains(out, `"user-1"`) {
		t.Fatalf("user id not fingerprinted: %s", out)
	}
}
