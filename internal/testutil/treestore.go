package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"artisync/internal/artisync"
	"artisync/internal/tree"
)

// MemoryTreeStore is an in-memory TreeStore with failure injection.
type MemoryTreeStore struct {
	mu     sync.Mutex
	name   string
	trees  map[artisync.ArtifactRef]*tree.Tree
	writes int

	// FailRead makes ReadTree fail for the listed artifacts.
	FailRead map[artisync.ArtifactRef]error
	// FailWrite makes WriteTree fail for the listed artifacts.
	FailWrite map[artisync.ArtifactRef]error
	// AfterWrite runs after each successful WriteTree while the store is
	// locked. It may edit FailRead or FailWrite but must not call the store.
	AfterWrite func(ref artisync.ArtifactRef)
}

// NewMemoryTreeStore creates an empty store. name appears in Location.
func NewMemoryTreeStore(name string) *MemoryTreeStore {
	return &MemoryTreeStore{
		name:      name,
		trees:     make(map[artisync.ArtifactRef]*tree.Tree),
		FailRead:  make(map[artisync.ArtifactRef]error),
		FailWrite: make(map[artisync.ArtifactRef]error),
	}
}

// Put stores t directly, bypassing failure injection and the write counter.
func (s *MemoryTreeStore) Put(ref artisync.ArtifactRef, t *tree.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[ref] = t
}

// Tree returns the stored tree or nil.
func (s *MemoryTreeStore) Tree(ref artisync.ArtifactRef) *tree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trees[ref]
}

// Writes reports how many successful WriteTree calls were made.
func (s *MemoryTreeStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemoryTreeStore) ListArtifacts(ctx context.Context) ([]artisync.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]artisync.ArtifactRef, 0, len(s.trees))
	for r := range s.trees {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].Name < refs[j].Name
	})
	return refs, nil
}

func (s *MemoryTreeStore) ReadTree(ctx context.Context, ref artisync.ArtifactRef) (*tree.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailRead[ref]; err != nil {
		return nil, err
	}
	t, ok := s.trees[ref]
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", ref, s.name, artisync.ErrArtifactNotFound)
	}
	return t, nil
}

func (s *MemoryTreeStore) WriteTree(ctx context.Context, ref artisync.ArtifactRef, t *tree.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailWrite[ref]; err != nil {
		return err
	}
	s.writes++
	if t.Len() == 0 {
		delete(s.trees, ref)
	} else {
		s.trees[ref] = t
	}
	if s.AfterWrite != nil {
		s.AfterWrite(ref)
	}
	return nil
}

func (s *MemoryTreeStore) Location(ref artisync.ArtifactRef) string {
	return s.name + ":" + ref.String()
}

var _ artisync.TreeStore = (*MemoryTreeStore)(nil)

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("injected failure")

// Tree builds a tree from alternating path/content pairs.
func Tree(t testing.TB, pairs ...string) *tree.Tree {
	t.Helper()
	if len(pairs)%2 != 0 {
		t.Fatalf("Tree: odd number of path/content arguments")
	}
	entries := make([]tree.FileEntry, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		entries = append(entries, tree.NewFileEntry(pairs[i], []byte(pairs[i+1])))
	}
	tr, err := tree.New(entries)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	return tr
}

// Ref parses "type/name" or fails the test.
func Ref(t testing.TB, s string) artisync.ArtifactRef {
	t.Helper()
	ref, err := artisync.ParseArtifactRef(s)
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	return ref
}
