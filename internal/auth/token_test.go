package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureToken(t *testing.T) {
	dir := t.TempDir()

	token, err := EnsureToken(dir)
	if err != nil {
		t.Fatalf("EnsureToken() error = %v", err)
	}
	if len(token) < 32 {
		t.Errorf("token length = %d, want >= 32", len(token))
	}

	// Stable across calls.
	again, err := EnsureToken(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again != token {
		t.Error("EnsureToken() regenerated an existing token")
	}

	info, err := os.Stat(filepath.Join(dir, TokenFile))
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("token file mode = %04o, want 0600", mode)
	}
}

func TestVerify(t *testing.T) {
	if !Verify("abc", "abc") {
		t.Error("Verify() = false for equal tokens")
	}
	if Verify("abc", "abd") {
		t.Error("Verify() = true for different tokens")
	}
	if Verify("abc", "") {
		t.Error("Verify() = true for empty token")
	}
}
