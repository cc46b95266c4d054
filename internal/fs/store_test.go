package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"artisync/internal/artisync"
	"artisync/internal/tree"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func newStore(t *testing.T, root string, ignore ...string) *OSTreeStore {
	t.Helper()
	s, err := NewOSTreeStore(root, ignore, nil)
	if err != nil {
		t.Fatalf("NewOSTreeStore() error = %v", err)
	}
	return s
}

func mustTree(t *testing.T, pairs ...string) *tree.Tree {
	t.Helper()
	var entries []tree.FileEntry
	for i := 0; i+1 < len(pairs); i += 2 {
		entries = append(entries, tree.NewFileEntry(pairs[i], []byte(pairs[i+1])))
	}
	tr, err := tree.New(entries)
	if err != nil {
		t.Fatalf("tree.New() error = %v", err)
	}
	return tr
}

func TestOSTreeStore_ListArtifacts(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"skill/review/SKILL.md":   "a",
		"skill/deploy/SKILL.md":   "b",
		"agent/helper/agent.md":   "c",
		".git/config":             "x",
		"skill/.hidden/SKILL.md":  "x",
		"loose-file-at-type-root": "x",
	})
	s := newStore(t, root)

	refs, err := s.ListArtifacts(context.Background())
	if err != nil {
		t.Fatalf("ListArtifacts() error = %v", err)
	}
	want := []string{"agent/helper", "skill/deploy", "skill/review"}
	if len(refs) != len(want) {
		t.Fatalf("ListArtifacts() = %v, want %v", refs, want)
	}
	for i, r := range refs {
		if r.String() != want[i] {
			t.Errorf("refs[%d] = %s, want %s", i, r, want[i])
		}
	}

	t.Run("missing root is empty", func(t *testing.T) {
		s := newStore(t, filepath.Join(root, "nope"))
		refs, err := s.ListArtifacts(context.Background())
		if err != nil || len(refs) != 0 {
			t.Errorf("ListArtifacts() = %v, %v; want empty, nil", refs, err)
		}
	})
}

func TestOSTreeStore_ReadTree(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"skill/review/SKILL.md":               "# review",
		"skill/review/scripts/run.sh":         "echo hi",
		"skill/review/node_modules/x/index.js": "ignored",
		"skill/review/debug.log":              "ignored by file",
		".artisyncignore":                     "*.log\n",
	})
	s := newStore(t, root, "node_modules")
	ref := artisync.ArtifactRef{Type: "skill", Name: "review"}

	tr, err := s.ReadTree(context.Background(), ref)
	if err != nil {
		t.Fatalf("ReadTree() error = %v", err)
	}
	if tr.Len() != 2 {
		t.Fatalf("ReadTree() files = %v, want 2 files", tr.Hashes())
	}
	f, ok := tr.Get("scripts/run.sh")
	if !ok {
		t.Fatal("scripts/run.sh missing")
	}
	if string(f.Content) != "echo hi" {
		t.Errorf("content = %q, want %q", f.Content, "echo hi")
	}

	t.Run("missing artifact", func(t *testing.T) {
		_, err := s.ReadTree(context.Background(), artisync.ArtifactRef{Type: "skill", Name: "absent"})
		if !errors.Is(err, artisync.ErrArtifactNotFound) {
			t.Errorf("ReadTree() error = %v, want ErrArtifactNotFound", err)
		}
	})
}

func TestOSTreeStore_WriteTree(t *testing.T) {
	root := t.TempDir()
	s := newStore(t, root, ".git")
	ref := artisync.ArtifactRef{Type: "skill", Name: "review"}
	ctx := context.Background()

	if err := s.WriteTree(ctx, ref, mustTree(t, "SKILL.md", "v1", "old/gone.txt", "bye")); err != nil {
		t.Fatalf("WriteTree() error = %v", err)
	}
	writeFiles(t, s.Location(ref), map[string]string{".git/HEAD": "ref: main"})

	if err := s.WriteTree(ctx, ref, mustTree(t, "SKILL.md", "v2", "new.txt", "hi")); err != nil {
		t.Fatalf("second WriteTree() error = %v", err)
	}

	got, err := s.ReadTree(ctx, ref)
	if err != nil {
		t.Fatalf("ReadTree() error = %v", err)
	}
	if got.Len() != 2 {
		t.Errorf("files = %v, want SKILL.md and new.txt", got.Hashes())
	}
	if f, _ := got.Get("SKILL.md"); string(f.Content) != "v2" {
		t.Errorf("SKILL.md = %q, want v2", f.Content)
	}
	if _, ok := got.Get("old/gone.txt"); ok {
		t.Error("old/gone.txt survived replace")
	}
	if data, err := os.ReadFile(filepath.Join(s.Location(ref), ".git", "HEAD")); err != nil || string(data) != "ref: main" {
		t.Errorf("ignored .git/HEAD not preserved: %q, %v", data, err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "skill"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			t.Errorf("staging directory left behind: %s", e.Name())
		}
	}
}

func TestOSTreeStore_WriteEmptyTreeRemoves(t *testing.T) {
	root := t.TempDir()
	s := newStore(t, root)
	ref := artisync.ArtifactRef{Type: "skill", Name: "review"}
	ctx := context.Background()

	if err := s.WriteTree(ctx, ref, mustTree(t, "SKILL.md", "v1")); err != nil {
		t.Fatalf("WriteTree() error = %v", err)
	}
	if err := s.WriteTree(ctx, ref, tree.Empty()); err != nil {
		t.Fatalf("WriteTree(empty) error = %v", err)
	}
	if _, err := os.Stat(s.Location(ref)); !os.IsNotExist(err) {
		t.Errorf("artifact directory still exists: %v", err)
	}
	if err := s.WriteTree(ctx, ref, tree.Empty()); err != nil {
		t.Errorf("removing an absent artifact error = %v", err)
	}
}

func TestOSTreeStore_WriteTreeRejectsBadRefs(t *testing.T) {
	s := newStore(t, t.TempDir())
	for _, ref := range []artisync.ArtifactRef{
		{Type: "skill", Name: ".."},
		{Type: "", Name: "x"},
		{Type: "skill", Name: "a/b"},
		{Type: ".git", Name: "x"},
	} {
		if err := s.WriteTree(context.Background(), ref, mustTree(t, "f", "x")); err == nil {
			t.Errorf("WriteTree(%s) expected error", ref)
		}
	}
}

func TestOSTreeStore_Ignored(t *testing.T) {
	s := newStore(t, t.TempDir(), "node_modules", "*.log")
	tests := []struct {
		rel  string
		want bool
	}{
		{"skill/a/node_modules/x.js", true},
		{"skill/a/debug.log", true},
		{"skill/a/SKILL.md", false},
		{"skill/a", false},
		{"node_modules", false},
	}
	for _, tt := range tests {
		if got := s.Ignored(tt.rel); got != tt.want {
			t.Errorf("Ignored(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}
