// Package privacylog keeps key material and wallet identities out of logs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var bootNonce = randomNonce()

// Policy decides which attribute keys are dropped and which are replaced by a
// per-process fingerprint. Matching is case-insensitive.
type Policy struct {
	// RedactParts redacts any key containing one of these substrings.
	RedactParts []string
	// FingerprintKeys are exact keys whose values are hashed with a boot nonce.
	FingerprintKeys []string
}

// DefaultPolicy covers signing material, memo plaintext and account names.
func DefaultPolicy() Policy {
	return Policy{
		RedactParts: []string{
			"password", "passphrase", "private", "wif", "mnemonic",
			"brain_key", "secret", "token", "memo_text", "plaintext",
		},
		FingerprintKeys: []string{"account_name", "from_account", "to_account", "signer"},
	}
}

type SanitizingHandler struct {
	next   slog.Handler
	policy Policy
}

func WrapHandler(next slog.Handler) slog.Handler {
	return WrapHandlerWithPolicy(next, DefaultPolicy())
}

func WrapHandlerWithPolicy(next slog.Handler, policy Policy) slog.Handler {
	if next == nil {
		return nil
	}
	if inner, ok := next.(*SanitizingHandler); ok {
		next = inner.next
	}
	return &SanitizingHandler{next: next, policy: normalizePolicy(policy)}
}

// NewJSONLogger returns a sanitized JSON logger writing to w.
func NewJSONLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// Ensure returns logger wrapped with the default policy, or a discarding
// logger when nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if _, ok := logger.Handler().(*SanitizingHandler); ok {
		return logger
	}
	return slog.New(WrapHandler(logger.Handler()))
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.policy.sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, h.policy.sanitize(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean), policy: h.policy}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), policy: h.policy}
}

// SanitizeAttr applies the default policy to a single attribute.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	return normalizePolicy(DefaultPolicy()).sanitize(attr)
}

func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func (p Policy) sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	if p.redacts(lowerKey) {
		return slog.String(key, redactedValue)
	}
	if p.fingerprints(lowerKey) {
		return slog.String(fingerprintKeyName(key), FingerprintID(valueToString(attr.Value)))
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		clean := make([]any, 0, len(group))
		for _, inner := range group {
			clean = append(clean, p.sanitize(inner))
		}
		return slog.Group(key, clean...)
	}
	return attr
}

func (p Policy) redacts(key string) bool {
	for _, part := range p.RedactParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func (p Policy) fingerprints(key string) bool {
	for _, k := range p.FingerprintKeys {
		if k == key {
			return true
		}
	}
	return false
}

func normalizePolicy(p Policy) Policy {
	out := Policy{}
	for _, part := range p.RedactParts {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out.RedactParts = append(out.RedactParts, part)
		}
	}
	for _, k := range p.FingerprintKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out.FingerprintKeys = append(out.FingerprintKeys, k)
		}
	}
	return out
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
