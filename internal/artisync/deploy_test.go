package artisync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"artisync/internal/artisync"
	synerr "artisync/internal/errors"
	"artisync/internal/merge"
	"artisync/internal/testutil"
	"artisync/internal/tree"
)

// deployed puts skill/a in the collection and deploys it to the project.
func deployed(t *testing.T) (*fixture, artisync.ArtifactRef) {
	t.Helper()
	f := newFixture(t)
	ref := testutil.Ref(t, "skill/a")
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "v1", "ref.md", "r1"))
	dep, err := f.svc.Deploy(context.Background(), f.col, f.proj, ref, false)
	require.NoError(t, err)
	require.Equal(t, "dep-1", dep.ID)
	return f, ref
}

func driftOf(t *testing.T, f *fixture, ref artisync.ArtifactRef) artisync.ArtifactDrift {
	t.Helper()
	drift, err := f.svc.DriftStatus(context.Background(), f.col, f.proj)
	require.NoError(t, err)
	for _, d := range drift {
		if d.Ref == ref {
			return d
		}
	}
	t.Fatalf("no drift entry for %s", ref)
	return artisync.ArtifactDrift{}
}

func TestDeploy_InSync(t *testing.T) {
	f, ref := deployed(t)
	require.Equal(t, "v1", content(t, f.ps, ref, "SKILL.md"))
	d := driftOf(t, f, ref)
	require.Equal(t, artisync.DriftInSync, d.State)
	require.Empty(t, d.Files)
}

func TestPull_UpstreamChange(t *testing.T) {
	f, ref := deployed(t)
	ctx := context.Background()
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "v2", "ref.md", "r1"))

	d := driftOf(t, f, ref)
	require.Equal(t, artisync.DriftUpstreamModified, d.State)
	require.Len(t, d.Files, 1)
	require.Equal(t, merge.RemoteChanged, d.Files[0].State)

	res, err := f.svc.Pull(ctx, f.col, f.proj, ref, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"SKILL.md"}, res.Applied)
	require.Equal(t, "v2", content(t, f.ps, ref, "SKILL.md"))
	require.Equal(t, artisync.DriftInSync, driftOf(t, f, ref).State)
}

func TestPush_ProjectChange(t *testing.T) {
	f, ref := deployed(t)
	f.ps.Put(ref, testutil.Tree(t, "SKILL.md", "v1", "ref.md", "r1", "extra.md", "e"))

	require.Equal(t, artisync.DriftLocalModified, driftOf(t, f, ref).State)

	res, err := f.svc.Push(context.Background(), f.col, f.proj, ref, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"extra.md"}, res.Applied)
	require.Equal(t, "e", content(t, f.cs, ref, "extra.md"))
	require.Equal(t, artisync.DriftInSync, driftOf(t, f, ref).State)
}

func TestPull_NothingToDo(t *testing.T) {
	f, ref := deployed(t)
	writes := f.ps.Writes()
	res, err := f.svc.Pull(context.Background(), f.col, f.proj, ref, nil)
	require.NoError(t, err)
	require.Empty(t, res.Applied)
	require.Equal(t, writes, f.ps.Writes())
}

// conflicting edits SKILL.md to c2 in the collection and p2 in the project.
func conflicting(t *testing.T) (*fixture, artisync.ArtifactRef) {
	t.Helper()
	f, ref := deployed(t)
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "c2", "ref.md", "r1"))
	f.ps.Put(ref, testutil.Tree(t, "SKILL.md", "p2", "ref.md", "r1"))
	return f, ref
}

func TestPull_ConflictNeedsResolution(t *testing.T) {
	f, ref := conflicting(t)
	require.Equal(t, artisync.DriftConflict, driftOf(t, f, ref).State)
	writes := f.ps.Writes()

	_, err := f.svc.Pull(context.Background(), f.col, f.proj, ref, nil)
	require.True(t, synerr.Is(err, synerr.ErrConflictUnresolved), "got %v", err)
	sErr, _ := synerr.As(err)
	require.Equal(t, []string{"SKILL.md"}, sErr.Details["paths"])
	require.Equal(t, writes, f.ps.Writes())
	require.Equal(t, "p2", content(t, f.ps, ref, "SKILL.md"))
}

func TestPull_ConflictResolutions(t *testing.T) {
	tests := []struct {
		name      string
		strategy  merge.Strategy
		want      string
		wantDrift artisync.DriftState
	}{
		{"use remote", merge.UseRemote, "c2", artisync.DriftInSync},
		{"use local", merge.UseLocal, "p2", artisync.DriftLocalModified},
		{"use base", merge.UseBase, "v1", artisync.DriftLocalModified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ref := conflicting(t)
			res, err := f.svc.Pull(context.Background(), f.col, f.proj, ref, map[string]merge.Resolution{
				"SKILL.md": {Strategy: tt.strategy},
			})
			require.NoError(t, err)
			require.Len(t, res.Resolved, 1)
			require.Equal(t, tt.want, content(t, f.ps, ref, "SKILL.md"))
			require.Equal(t, tt.wantDrift, driftOf(t, f, ref).State)
		})
	}
}

func TestPull_RetainsProjectOnlyChanges(t *testing.T) {
	f, ref := deployed(t)
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "v2", "ref.md", "r1"))
	f.ps.Put(ref, testutil.Tree(t, "SKILL.md", "v1", "ref.md", "r2"))
	require.Equal(t, artisync.DriftConflict, driftOf(t, f, ref).State)

	res, err := f.svc.Pull(context.Background(), f.col, f.proj, ref, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"SKILL.md"}, res.Applied)
	require.Equal(t, []string{"ref.md"}, res.Retained)
	require.Equal(t, "v2", content(t, f.ps, ref, "SKILL.md"))
	require.Equal(t, "r2", content(t, f.ps, ref, "ref.md"))
	require.Equal(t, artisync.DriftLocalModified, driftOf(t, f, ref).State)
}

func TestPush_ConflictResolutions(t *testing.T) {
	t.Run("use local sends the project version", func(t *testing.T) {
		f, ref := conflicting(t)
		res, err := f.svc.Push(context.Background(), f.col, f.proj, ref, map[string]merge.Resolution{
			"SKILL.md": {Strategy: merge.UseLocal},
		})
		require.NoError(t, err)
		require.Len(t, res.Resolved, 1)
		require.Equal(t, "p2", content(t, f.cs, ref, "SKILL.md"))
		require.Equal(t, "p2", content(t, f.ps, ref, "SKILL.md"))
		require.Equal(t, artisync.DriftInSync, driftOf(t, f, ref).State)
	})
	t.Run("use remote keeps the collection version", func(t *testing.T) {
		f, ref := conflicting(t)
		_, err := f.svc.Push(context.Background(), f.col, f.proj, ref, map[string]merge.Resolution{
			"SKILL.md": {Strategy: merge.UseRemote},
		})
		require.NoError(t, err)
		require.Equal(t, "c2", content(t, f.cs, ref, "SKILL.md"))
		require.Equal(t, "c2", content(t, f.ps, ref, "SKILL.md"))
		require.Equal(t, artisync.DriftInSync, driftOf(t, f, ref).State)
	})
}

func TestDeploy_OverLocalEdits(t *testing.T) {
	f, ref := deployed(t)
	ctx := context.Background()
	f.ps.Put(ref, testutil.Tree(t, "SKILL.md", "mine", "ref.md", "r1"))

	_, err := f.svc.Deploy(ctx, f.col, f.proj, ref, false)
	require.True(t, synerr.Is(err, synerr.ErrConflictUnresolved), "got %v", err)
	require.Equal(t, "mine", content(t, f.ps, ref, "SKILL.md"))

	dep, err := f.svc.Deploy(ctx, f.col, f.proj, ref, true)
	require.NoError(t, err)
	require.Equal(t, "dep-1", dep.ID, "redeploy keeps the deployment record")
	require.Equal(t, "v1", content(t, f.ps, ref, "SKILL.md"))
}

func TestDeploy_UnknownArtifact(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deploy(context.Background(), f.col, f.proj, testutil.Ref(t, "skill/none"), false)
	require.True(t, synerr.Is(err, synerr.ErrNotFound), "got %v", err)
}

func TestPull_NotDeployed(t *testing.T) {
	f := newFixture(t)
	ref := testutil.Ref(t, "skill/a")
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "v1"))
	_, err := f.svc.Pull(context.Background(), f.col, f.proj, ref, nil)
	require.True(t, synerr.Is(err, synerr.ErrNotFound), "got %v", err)
}

func TestDriftStatus_Missing(t *testing.T) {
	f, ref := deployed(t)
	require.NoError(t, f.ps.WriteTree(context.Background(), ref, tree.Empty()))
	require.Equal(t, artisync.DriftMissing, driftOf(t, f, ref).State)
}

func TestDriftStatus_UnreadableProject(t *testing.T) {
	f, ref := deployed(t)
	f.ps.FailRead[ref] = testutil.ErrInjected
	_, err := f.svc.DriftStatus(context.Background(), f.col, f.proj)
	require.True(t, synerr.Is(err, synerr.ErrTreeUnavailable), "got %v", err)
}

func TestDiffProject(t *testing.T) {
	f, ref := deployed(t)
	ctx := context.Background()

	res, err := f.svc.DiffProject(ctx, f.col, f.proj, ref, 3)
	require.NoError(t, err)
	require.False(t, res.HasChanges())

	f.ps.Put(ref, testutil.Tree(t, "SKILL.md", "v1\nmore", "ref.md", "r1"))
	res, err = f.svc.DiffProject(ctx, f.col, f.proj, ref, 3)
	require.NoError(t, err)
	require.True(t, res.HasChanges())
	require.Equal(t, "collection/skill/a", res.LeftLabel)
	require.Equal(t, "project:web/skill/a", res.RightLabel)
	require.Equal(t, 1, res.Summary.Modified)
	require.Equal(t, 1, res.Summary.Unchanged)
}

func TestCompareSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := testutil.Ref(t, "skill/a")

	_, err := f.svc.CompareSource(ctx, f.col, f.src, ref, 3)
	require.True(t, synerr.Is(err, synerr.ErrNotFound), "got %v", err)

	f.ss.Put(ref, testutil.Tree(t, "SKILL.md", "upstream"))
	res, err := f.svc.CompareSource(ctx, f.col, f.src, ref, 3)
	require.NoError(t, err)
	require.Equal(t, "source:upstream/skill/a", res.RightLabel)
	require.Equal(t, 1, res.Summary.Added)

	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "upstream"))
	res, err = f.svc.CompareSource(ctx, f.col, f.src, ref, 3)
	require.NoError(t, err)
	require.False(t, res.HasChanges())
}

func TestCompareSourceToProject(t *testing.T) {
	f, ref := deployed(t)
	f.ss.Put(ref, testutil.Tree(t, "SKILL.md", "s2", "ref.md", "r1"))

	states, err := f.svc.CompareSourceToProject(context.Background(), f.src, f.proj, ref)
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, "SKILL.md", states[0].Path)
	require.Equal(t, merge.RemoteChanged, states[0].State)
	require.Equal(t, merge.InSync, states[1].State)

	_, err = f.svc.CompareSourceToProject(context.Background(), f.src, f.proj, testutil.Ref(t, "skill/none"))
	require.True(t, synerr.Is(err, synerr.ErrNotFound), "got %v", err)
}
