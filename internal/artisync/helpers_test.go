package artisync_test

import (
	"testing"

	"artisync/internal/artisync"
	"artisync/internal/database"
	"artisync/internal/testutil"
	"artisync/internal/vault"
)

type fixture struct {
	svc   *artisync.Service
	db    *database.SQLiteDatabase
	vault *vault.MemoryVault
	clock *testutil.StubClock
	col   *artisync.Collection
	cs    *testutil.MemoryTreeStore
	proj  *artisync.Project
	ps    *testutil.MemoryTreeStore
	src   *artisync.Source
	ss    *testutil.MemoryTreeStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:    testutil.NewTestDatabase(t),
		vault: testutil.NewTestVault(),
		clock: testutil.FixedClock(),
		cs:    testutil.NewMemoryTreeStore("collection"),
		ps:    testutil.NewMemoryTreeStore("project"),
		ss:    testutil.NewMemoryTreeStore("upstream"),
	}
	f.svc = artisync.NewService(f.db, f.vault, nil, artisync.NewNopLogger(), f.clock, testutil.NewStubIDGenerator("dep"))
	f.col = &artisync.Collection{ID: "col-1", Store: f.cs}
	f.proj = &artisync.Project{Name: "web", Store: f.ps}
	f.src = &artisync.Source{Name: "upstream", Store: f.ss}
	return f
}

func content(t *testing.T, s *testutil.MemoryTreeStore, ref artisync.ArtifactRef, path string) string {
	t.Helper()
	tr := s.Tree(ref)
	if tr == nil {
		t.Fatalf("%s not present", ref)
	}
	e, ok := tr.Get(path)
	if !ok {
		t.Fatalf("%s/%s not present", ref, path)
	}
	return string(e.Content)
}
