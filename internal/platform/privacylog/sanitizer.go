// Package privacylog keeps identifiers and key material out of log output.
// Secret-looking attributes are replaced with a marker; user, device, kit and
// share identifiers are replaced with per-process fingerprints.
package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	redactedValue     = "[REDACTED]"
	fingerprintPrefix = "fp_"
	fingerprintSuffix = "_fp"
)

var (
	fingerprintKey = randomKey()

	fingerprintedKeys = map[string]struct{}{
		"user_id":   {},
		"device_id": {},
		"kit_id":    {},
		"share_id":  {},
		"holder_id": {},
	}
	// Envelope and share fields. Matched exactly so "share_index" stays readable.
	redactedKeys = map[string]struct{}{
		"key":             {},
		"share":           {},
		"iv":              {},
		"salt":            {},
		"ciphertext":      {},
		"encrypted_share": {},
	}
	redactedKeyParts = []string{
		"token", "secret", "password", "passphrase", "authorization",
		"plaintext", "seed", "pepper", "private", "credential", "mnemonic",
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr resolves LogValuers first, so a type cannot smuggle an
// identifier past the key checks. Groups are sanitized recursively and stay
// groups; raw byte values are reduced to their length.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	value := attr.Value.Resolve()

	switch {
	case isFingerprintedKey(lowerKey):
		return slog.String(fingerprintKeyName(key), FingerprintID(value.String()))
	case isRedactedKey(lowerKey):
		return slog.String(key, redactedValue)
	case value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(value.Group())...)}
	}
	if n, ok := byteLength(value); ok {
		return slog.String(key, fmt.Sprintf("[%d bytes]", n))
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

// SanitizeArgs applies SanitizeAttr to alternating key/value arguments.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		attr := SanitizeAttr(slog.Any(key, args[i+1]))
		out = append(out, attr.Key, attr.Value.Any())
		i++
	}
	return out
}

// FingerprintID maps an identifier to a keyed BLAKE2b digest. The key is drawn
// once per process, so fingerprints join log lines of one run only.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	mac, err := blake2b.New256(fingerprintKey)
	if err != nil {
		return redactedValue
	}
	mac.Write([]byte(trimmed))
	return fingerprintPrefix + hex.EncodeToString(mac.Sum(nil)[:8])
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

// isFingerprintedKey also matches qualified ids such as "holder_user_id".
func isFingerprintedKey(key string) bool {
	if _, ok := fingerprintedKeys[key]; ok {
		return true
	}
	return strings.HasSuffix(key, "_user_id") || strings.HasSuffix(key, "_device_id")
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), fingerprintSuffix) {
		return key
	}
	return key + fingerprintSuffix
}

func isRedactedKey(key string) bool {
	if _, ok := redactedKeys[key]; ok {
		return true
	}
	if strings.HasSuffix(key, "_key") {
		return true
	}
	for _, part := range redactedKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// byteLength reports the length of []byte values, including named byte
// slices such as credential keys.
func byteLength(v slog.Value) (int, bool) {
	if v.Kind() != slog.KindAny || v.Any() == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v.Any())
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() != reflect.Uint8 {
		return 0, false
	}
	return rv.Len(), true
}

func randomKey() []byte {
	key := make([]byte, blake2b.Size256)
	if _, err := rand.Read(key); err != nil {
		return nil
	}
	return key
}
