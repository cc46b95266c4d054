package tree

import (
	"reflect"
	"strings"
	"testing"
)

func entries(pairs ...string) []FileEntry {
	var out []FileEntry
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, NewFileEntry(pairs[i], []byte(pairs[i+1])))
	}
	return out
}

func mustNew(t *testing.T, in []FileEntry) *Tree {
	t.Helper()
	tr, err := New(in)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr
}

func TestNew_SortsAndIndexes(t *testing.T) {
	tr := mustNew(t, entries("b.md", "bee", "a/z.txt", "zed", "a/b.txt", "bravo"))

	var paths []string
	for _, f := range tr.Files() {
		paths = append(paths, f.Path)
	}
	if want := []string{"a/b.txt", "a/z.txt", "b.md"}; !reflect.DeepEqual(paths, want) {
		t.Errorf("Files() paths = %v, want %v", paths, want)
	}

	f, ok := tr.Get("a/z.txt")
	if !ok {
		t.Fatal("Get(a/z.txt) not found")
	}
	if f.Hash != HashBytes([]byte("zed")) || f.Size != 3 {
		t.Errorf("Get(a/z.txt) = {hash %s size %d}", f.Hash, f.Size)
	}

	if _, ok := tr.Get("missing"); ok {
		t.Error("Get(missing) found an entry")
	}
}

func TestNew_RejectsInvalidPaths(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
	}{
		{"empty", []string{""}},
		{"absolute", []string{"/etc/passwd"}},
		{"unclean", []string{"a/./b"}},
		{"escape", []string{"../x"}},
		{"backslash", []string{"a\\b"}},
		{"duplicate", []string{"a", "a"}},
		{"file and dir", []string{"a", "a/b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in []FileEntry
			for _, p := range tt.paths {
				in = append(in, NewFileEntry(p, nil))
			}
			if _, err := New(in); err == nil {
				t.Errorf("New(%q) error = nil", tt.paths)
			}
		})
	}
}

func TestTree_WalkAndList(t *testing.T) {
	tr := mustNew(t, entries("docs/guide.md", "g", "docs/ref/api.md", "a", "SKILL.md", "s"))

	var visited []string
	tr.Walk(func(p string, dir bool) {
		if dir {
			p += "/"
		}
		visited = append(visited, p)
	})
	if want := []string{"SKILL.md", "docs/", "docs/guide.md", "docs/ref/", "docs/ref/api.md"}; !reflect.DeepEqual(visited, want) {
		t.Errorf("Walk() visited %v, want %v", visited, want)
	}

	names, ok := tr.List("docs")
	if !ok || !reflect.DeepEqual(names, []string{"guide.md", "ref"}) {
		t.Errorf("List(docs) = %v, %v", names, ok)
	}
	if _, ok := tr.List("SKILL.md"); ok {
		t.Error("List() of a file succeeded")
	}
	if _, ok := tr.List("nope"); ok {
		t.Error("List(nope) succeeded")
	}
}

func TestTree_Replace(t *testing.T) {
	tr := mustNew(t, entries("a.md", "one", "b.md", "two"))

	next, err := tr.Replace(entries("a.md", "uno", "c.md", "three"), []string{"b.md"})
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	want := map[string]string{
		"a.md": HashBytes([]byte("uno")),
		"c.md": HashBytes([]byte("three")),
	}
	if got := next.Hashes(); !reflect.DeepEqual(got, want) {
		t.Errorf("Hashes() = %v, want %v", got, want)
	}

	// original is untouched
	if tr.Len() != 2 {
		t.Errorf("original Len() = %d, want 2", tr.Len())
	}
	if f, _ := tr.Get("a.md"); string(f.Content) != "one" {
		t.Errorf("original a.md = %q", f.Content)
	}
}

func TestIsBinary(t *testing.T) {
	if IsBinary([]byte("plain text\n")) {
		t.Error("text reported binary")
	}
	if !IsBinary([]byte{'a', 0, 'b'}) {
		t.Error("NUL byte not reported binary")
	}
	late := []byte(strings.Repeat("x", binarySniffLen) + "\x00")
	if IsBinary(late) {
		t.Error("NUL beyond the sniff window counted")
	}
}

func TestFileEntry_Text(t *testing.T) {
	if !NewFileEntry("a", []byte("hi")).Text() {
		t.Error("text entry not Text()")
	}
	if NewFileEntry("a", []byte{0}).Text() {
		t.Error("binary entry is Text()")
	}
	big := FileEntry{Path: "big", Size: MaxContentSize + 1}
	if !big.Oversize() || big.Text() {
		t.Errorf("oversize entry: Oversize() = %v, Text() = %v", big.Oversize(), big.Text())
	}
}
