package skill

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, dir, "SKILL.md"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "mailer", "---\nname: mailer\ndescription: Sends mail drafts.\n---\n\n# Mailer\nBody here.\n")
	writeSkill(t, root, "zeta", "no frontmatter at all\n")
	// A directory without SKILL.md is skipped.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0700); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(root)
	catalog, err := r.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("catalog = %+v, want 2 entries", catalog)
	}
	if catalog[0].Name != "mailer" || catalog[0].Description != "Sends mail drafts." {
		t.Errorf("catalog[0] = %+v", catalog[0])
	}
	// Directory name stands in when frontmatter is absent.
	if catalog[1].Name != "zeta" {
		t.Errorf("catalog[1] = %+v", catalog[1])
	}
}

func TestScanMissingDirectory(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "missing"))
	catalog, err := r.Scan()
	if err != nil || len(catalog) != 0 {
		t.Errorf("Scan() = %v, %v; want empty, nil", catalog, err)
	}
}

func TestInstructions(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "mailer", "---\nname: mailer\n---\n\nFull body.\n")

	r := NewRegistry(root)
	body, ok := r.Instructions("mailer")
	if !ok || !strings.Contains(body, "Full body.") {
		t.Errorf("Instructions() = %q, %v", body, ok)
	}
	if _, ok := r.Instructions("nope"); ok {
		t.Error("Instructions() found a missing skill")
	}
}
