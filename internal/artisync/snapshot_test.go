package artisync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"artisync/internal/artisync"
	"artisync/internal/config"
	synerr "artisync/internal/errors"
	"artisync/internal/testutil"
	"artisync/internal/vault"
)

func TestCreateSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := testutil.Ref(t, "skill/review")
	b := testutil.Ref(t, "agent/helper")
	f.cs.Put(a, testutil.Tree(t, "SKILL.md", "# review", "scripts/run.sh", "echo"))
	f.cs.Put(b, testutil.Tree(t, "AGENT.md", "# helper"))

	snap, err := f.svc.CreateSnapshot(ctx, f.col, "first")
	require.NoError(t, err)
	require.Equal(t, 2, snap.ArtifactCount)
	require.Equal(t, 3, snap.FileCount)
	require.Equal(t, "manual", snap.Kind)
	require.Empty(t, snap.ParentID)

	// 3 files plus the manifest
	require.Equal(t, 4, f.vault.Len())

	got, manifest, err := f.svc.GetSnapshot(f.col, snap.ID[:10])
	require.NoError(t, err)
	require.Equal(t, snap.ID, got.ID)
	require.Len(t, manifest.Artifacts, 2)
	require.NoError(t, f.svc.VerifySnapshot(f.col, snap.ID))

	f.clock.Advance(time.Minute)
	f.cs.Put(a, testutil.Tree(t, "SKILL.md", "# review v2", "scripts/run.sh", "echo"))
	second, err := f.svc.CreateSnapshot(ctx, f.col, "second")
	require.NoError(t, err)
	require.Equal(t, snap.ID, second.ParentID)
	// one new file plus the manifest; unchanged files are not uploaded again
	require.Equal(t, 6, f.vault.Len())

	list, err := f.svc.ListSnapshots(f.col, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
}

func TestCreateSnapshot_EmptyCollection(t *testing.T) {
	f := newFixture(t)
	snap, err := f.svc.CreateSnapshot(context.Background(), f.col, "empty")
	require.NoError(t, err)
	require.Zero(t, snap.ArtifactCount)
	require.Zero(t, snap.FileCount)
}

func TestGetSnapshot_NotFound(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.GetSnapshot(f.col, "deadbeef")
	require.True(t, synerr.Is(err, synerr.ErrNotFound), "got %v", err)
}

func TestCreateSnapshot_UnreadableTree(t *testing.T) {
	f := newFixture(t)
	ref := testutil.Ref(t, "skill/broken")
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "x"))
	f.cs.FailRead[ref] = testutil.ErrInjected

	_, err := f.svc.CreateSnapshot(context.Background(), f.col, "m")
	require.True(t, synerr.Is(err, synerr.ErrTreeUnavailable), "got %v", err)

	list, err := f.svc.ListSnapshots(f.col, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRollback_ThroughSealedVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sealed, err := vault.Decorate(f.vault, config.CompressionConfig{Type: "zstd"}, testutil.NewTestEncryptor(), func() (string, error) { return "", nil })
	require.NoError(t, err)
	svc := artisync.NewService(f.db, sealed, nil, artisync.NewNopLogger(), f.clock, testutil.NewStubIDGenerator("dep"))

	ref := testutil.Ref(t, "skill/a")
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "v1"))
	snap, err := svc.CreateSnapshot(ctx, f.col, "sealed")
	require.NoError(t, err)
	require.NoError(t, svc.VerifySnapshot(f.col, snap.ID))

	f.clock.Tick()
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "v2"))
	_, err = svc.Rollback(ctx, f.col, snap.ID, artisync.RollbackOptions{Force: true, DiscardLocal: true})
	require.NoError(t, err)
	require.Equal(t, "v1", content(t, f.cs, ref, "SKILL.md"))
}
