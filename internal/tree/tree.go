// Package tree holds the in-memory representation of an artifact's files.
//
// A Tree is immutable once built. Directories are stored in an arena of
// nodes addressed by index; a directory's parent is found by path, never by
// a back-pointer.
package tree

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
)

// MaxContentSize is the largest file whose bytes participate in content
// fingerprints and text diffs. Larger files are still tracked by hash.
const MaxContentSize = 10 * 1024 * 1024

// binarySniffLen is how many leading bytes are inspected for a NUL byte.
const binarySniffLen = 8000

// FileEntry is a single file of an artifact. Entries are values; a change
// to a file produces a new entry.
type FileEntry struct {
	Path    string // slash-separated, relative to the artifact root
	Hash    string // SHA-256 of Content, hex encoded
	Size    int64
	Binary  bool
	Content []byte
}

// NewFileEntry builds an entry for content at the given relative path.
func NewFileEntry(relPath string, content []byte) FileEntry {
	return FileEntry{
		Path:    relPath,
		Hash:    HashBytes(content),
		Size:    int64(len(content)),
		Binary:  IsBinary(content),
		Content: content,
	}
}

// Oversize reports whether the entry exceeds MaxContentSize.
func (e FileEntry) Oversize() bool {
	return e.Size > MaxContentSize
}

// Text reports whether the entry takes part in line diffs and content
// fingerprints.
func (e FileEntry) Text() bool {
	return !e.Binary && !e.Oversize()
}

// HashBytes returns the hex SHA-256 checksum of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsBinary reports whether data looks binary: a NUL byte in the first 8000 bytes.
func IsBinary(data []byte) bool {
	n := len(data)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

type node struct {
	name     string
	file     int // index into Tree.files, -1 for directories
	children []int
}

// Tree is an immutable set of files with a derived directory structure.
type Tree struct {
	nodes []node // nodes[0] is the root directory
	files []FileEntry
	index map[string]int
}

// Empty returns a tree with no files.
func Empty() *Tree {
	t, _ := New(nil)
	return t
}

// New validates entries and builds a tree. Paths must be clean, relative,
// slash-separated and unique, and no file may also be a directory prefix of
// another file.
func New(entries []FileEntry) (*Tree, error) {
	files := make([]FileEntry, len(entries))
	copy(files, entries)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	t := &Tree{
		nodes: []node{{name: "", file: -1}},
		files: files,
		index: make(map[string]int, len(files)),
	}
	dirs := map[string]int{"": 0}

	for i, f := range files {
		if err := validatePath(f.Path); err != nil {
			return nil, err
		}
		if _, dup := t.index[f.Path]; dup {
			return nil, fmt.Errorf("duplicate path: %s", f.Path)
		}
		if _, isDir := dirs[f.Path]; isDir {
			return nil, fmt.Errorf("path is both file and directory: %s", f.Path)
		}
		t.index[f.Path] = i

		parent := 0
		parts := strings.Split(f.Path, "/")
		for depth, part := range parts[:len(parts)-1] {
			dirPath := strings.Join(parts[:depth+1], "/")
			if _, isFile := t.index[dirPath]; isFile {
				return nil, fmt.Errorf("path is both file and directory: %s", dirPath)
			}
			idx, ok := dirs[dirPath]
			if !ok {
				idx = len(t.nodes)
				t.nodes = append(t.nodes, node{name: part, file: -1})
				t.nodes[parent].children = append(t.nodes[parent].children, idx)
				dirs[dirPath] = idx
			}
			parent = idx
		}

		idx := len(t.nodes)
		t.nodes = append(t.nodes, node{name: parts[len(parts)-1], file: i})
		t.nodes[parent].children = append(t.nodes[parent].children, idx)
	}

	for i := range t.nodes {
		children := t.nodes[i].children
		sort.Slice(children, func(a, b int) bool {
			return t.nodes[children[a]].name < t.nodes[children[b]].name
		})
	}

	return t, nil
}

func validatePath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("empty path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("absolute path not allowed: %s", p)
	case strings.Contains(p, "\\"):
		return fmt.Errorf("path must use forward slashes: %s", p)
	case path.Clean(p) != p:
		return fmt.Errorf("path is not clean: %s", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("path escapes artifact root: %s", p)
	}
	return nil
}

// Files returns the entries sorted by path. The slice must not be modified.
func (t *Tree) Files() []FileEntry {
	return t.files
}

// Len returns the number of files.
func (t *Tree) Len() int {
	return len(t.files)
}

// Get returns the entry at path.
func (t *Tree) Get(p string) (FileEntry, bool) {
	i, ok := t.index[p]
	if !ok {
		return FileEntry{}, false
	}
	return t.files[i], true
}

// Hashes returns a path to hash map.
func (t *Tree) Hashes() map[string]string {
	out := make(map[string]string, len(t.files))
	for _, f := range t.files {
		out[f.Path] = f.Hash
	}
	return out
}

// TotalSize returns the sum of file sizes.
func (t *Tree) TotalSize() int64 {
	var total int64
	for _, f := range t.files {
		total += f.Size
	}
	return total
}

// Walk visits every node depth-first in name order. dir is true for
// directories; the root itself is not visited.
func (t *Tree) Walk(fn func(p string, dir bool)) {
	var visit func(idx int, prefix string)
	visit = func(idx int, prefix string) {
		for _, c := range t.nodes[idx].children {
			n := t.nodes[c]
			p := n.name
			if prefix != "" {
				p = prefix + "/" + n.name
			}
			fn(p, n.file < 0)
			if n.file < 0 {
				visit(c, p)
			}
		}
	}
	visit(0, "")
}

// List returns the child names of the directory at dir ("" for the root).
func (t *Tree) List(dir string) ([]string, bool) {
	idx := 0
	if dir != "" {
		for _, part := range strings.Split(dir, "/") {
			found := -1
			for _, c := range t.nodes[idx].children {
				if t.nodes[c].name == part {
					found = c
					break
				}
			}
			if found < 0 || t.nodes[found].file >= 0 {
				return nil, false
			}
			idx = found
		}
	}
	names := make([]string, 0, len(t.nodes[idx].children))
	for _, c := range t.nodes[idx].children {
		names = append(names, t.nodes[c].name)
	}
	return names, true
}

// Replace returns a new tree with the given entries added or overwritten and
// the given paths removed.
func (t *Tree) Replace(upserts []FileEntry, removals []string) (*Tree, error) {
	merged := make(map[string]FileEntry, len(t.files)+len(upserts))
	for _, f := range t.files {
		merged[f.Path] = f
	}
	for _, p := range removals {
		delete(merged, p)
	}
	for _, f := range upserts {
		merged[f.Path] = f
	}
	entries := make([]FileEntry, 0, len(merged))
	for _, f := range merged {
		entries = append(entries, f)
	}
	return New(entries)
}
