package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRunRequiresCommand(t *testing.T) {
	if err := run(context.Background(), nil, &bytes.Buffer{}); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestMnemonicPrintsTwentyFourWords(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"mnemonic"}, &out); err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	if words := strings.Fields(out.String()); len(words) != 24 {
		t.Fatalf("expected 24 words, got %d", len(words))
	}
}

func TestKeysPrintsPublicKeysOnly(t *testing.T) {
	t.Setenv(envPassword, "correct horse")
	var out bytes.Buffer
	if err := run(context.Background(), []string{"keys", "alice"}, &out); err != nil {
		t.Fatalf("keys: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, role := range []string{"owner", "active", "posting", "memo"} {
		if !strings.HasPrefix(got[role], "PPY") {
			t.Fatalf("role %s: unexpected key %q", role, got[role])
		}
	}
	if strings.Contains(out.String(), "correct horse") {
		t.Fatal("password leaked into output")
	}
}

func TestKeysRequiresPassword(t *testing.T) {
	t.Setenv(envPassword, "")
	if err := run(context.Background(), []string{"keys", "alice"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected missing password error")
	}
}
