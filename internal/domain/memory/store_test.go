package memory

import (
	"strings"
	"testing"
)

func TestWriteReadList(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Write("CORE.md", "# Core\nremember the milk\n"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write("projects/go.md", "carapace notes\n"); err != nil {
		t.Fatal(err)
	}

	content, ok := s.Read("CORE.md")
	if !ok || !strings.Contains(content, "milk") {
		t.Errorf("Read() = %q, %v", content, ok)
	}

	files, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "CORE.md" || files[1] != "projects/go.md" {
		t.Errorf("List() = %v", files)
	}
}

func TestSearch(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Write("CORE.md", "Likes espresso.\nDislikes decaf.\n"); err != nil {
		t.Fatal(err)
	}

	matches, err := s.Search("ESPRESSO")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].File != "CORE.md" {
		t.Fatalf("Search() = %+v", matches)
	}
	if !strings.Contains(matches[0].Matches, "espresso") {
		t.Errorf("matches = %q", matches[0].Matches)
	}

	none, err := s.Search("tea")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("Search(tea) = %+v, want none", none)
	}
}

func TestPathTraversalGuard(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Write("../outside.md", "nope"); err == nil {
		t.Error("Write() escaped the memory directory")
	}
	if _, ok := s.Read("../../etc/passwd"); ok {
		t.Error("Read() escaped the memory directory")
	}
}
