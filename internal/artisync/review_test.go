package artisync_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"artisync/internal/artisync"
	synerr "artisync/internal/errors"
	"artisync/internal/fingerprint"
	"artisync/internal/merge"
	"artisync/internal/model"
	"artisync/internal/testutil"
)

// seedDuplicates fills the collection and the source so that three source
// artifacts match exactly and seven share only type and name.
func seedDuplicates(t *testing.T, f *fixture) {
	t.Helper()
	for i := 0; i < 3; i++ {
		ref := testutil.Ref(t, fmt.Sprintf("skill/e%d", i))
		tr := testutil.Tree(t, "SKILL.md", fmt.Sprintf("exact %d", i))
		f.cs.Put(ref, tr)
		f.ss.Put(ref, tr)
	}
	for i := 0; i < 7; i++ {
		ref := testutil.Ref(t, fmt.Sprintf("skill/n%d", i))
		f.cs.Put(ref, testutil.Tree(t, "SKILL.md", fmt.Sprintf("old %d", i)))
		f.ss.Put(ref, testutil.Tree(t, "SKILL.md", fmt.Sprintf("new %d", i)))
	}
}

func TestDiscover_ClassifiesCandidates(t *testing.T) {
	f := newFixture(t)
	seedDuplicates(t, f)

	batch, err := f.svc.Discover(context.Background(), f.col, f.src, artisync.DiscoverOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, batch.ID)
	require.Equal(t, "upstream", batch.Source)

	exact, nameType, none := batch.Counts()
	require.Equal(t, 3, exact)
	require.Equal(t, 7, nameType)
	require.Zero(t, none)

	for _, it := range batch.Items {
		switch it.Match.Type {
		case fingerprint.MatchExact:
			require.Equal(t, artisync.ActionLink, it.Suggested)
			require.True(t, it.Hidden)
			require.Equal(t, it.Ref.String(), it.Match.CollectionID)
		case fingerprint.MatchNameType:
			require.Equal(t, artisync.ActionNone, it.Suggested)
			require.False(t, it.Hidden)
		}
		require.Equal(t, "upstream:"+it.Ref.String(), it.Path)
	}
}

func TestApplyDuplicateDecisions_LinkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedDuplicates(t, f)

	batch, err := f.svc.Discover(ctx, f.col, f.src, artisync.DiscoverOptions{})
	require.NoError(t, err)
	var decisions []artisync.Decision
	for _, it := range batch.Items {
		if it.Suggested == artisync.ActionLink {
			decisions = append(decisions, artisync.Decision{Ref: it.Ref, Action: it.Suggested})
		}
	}
	require.Len(t, decisions, 3)

	res, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, batch.ID, decisions)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Equal(t, 3, res.Linked)

	again, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, batch.ID, decisions)
	require.NoError(t, err)
	require.NoError(t, again.Err())
	require.Zero(t, again.Linked)

	links, err := f.db.ListSourceLinks("upstream")
	require.NoError(t, err)
	require.Len(t, links, 3)

	next, err := f.svc.Discover(ctx, f.col, f.src, artisync.DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, next.Items, 7, "decided candidates are not offered again")

	all, err := f.svc.Discover(ctx, f.col, f.src, artisync.DiscoverOptions{IncludeReviewed: true})
	require.NoError(t, err)
	require.Len(t, all.Items, 10)
}

func TestApplyDuplicateDecisions_Import(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := testutil.Ref(t, "skill/s0")
	f.ss.Put(ref, testutil.Tree(t, "SKILL.md", "fresh", "run.sh", "echo"))

	batch, err := f.svc.Discover(ctx, f.col, f.src, artisync.DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Items, 1)
	item := batch.Items[0]
	require.Equal(t, fingerprint.MatchNone, item.Match.Type)
	require.Equal(t, artisync.ActionImport, item.Suggested)
	require.True(t, item.Staged)

	decisions := []artisync.Decision{{Ref: ref, Action: artisync.ActionImport}}
	res, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, batch.ID, decisions)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Equal(t, 1, res.Imported)
	require.Equal(t, "fresh", content(t, f.cs, ref, "SKILL.md"))
	writes := f.cs.Writes()

	again, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, batch.ID, decisions)
	require.NoError(t, err)
	require.NoError(t, again.Err())
	require.Zero(t, again.Imported)
	require.Equal(t, writes, f.cs.Writes())

	baseline, err := f.db.GetBaselines("collection:col-1", "skill", "s0")
	require.NoError(t, err)
	require.Len(t, baseline, 2)

	d, err := f.db.FindSyncDecision("upstream", "upstream:skill/s0")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "import", d.Action)
	require.Equal(t, "skill/s0", d.ArtifactID)
}

func TestApplyDuplicateDecisions_ImportAvoidsNameClash(t *testing.T) {
	f := newFixture(t)
	ref := testutil.Ref(t, "skill/s0")
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "ours"))
	f.ss.Put(ref, testutil.Tree(t, "SKILL.md", "theirs"))

	res, err := f.svc.ApplyDuplicateDecisions(context.Background(), f.col, f.src, "b1", []artisync.Decision{
		{Ref: ref, Action: artisync.ActionImport},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Imported)
	require.Equal(t, "ours", content(t, f.cs, ref, "SKILL.md"))
	require.Equal(t, "theirs", content(t, f.cs, testutil.Ref(t, "skill/s0-2"), "SKILL.md"))
}

func TestApplyDuplicateDecisions_SkipHidesCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := testutil.Ref(t, "skill/s0")
	f.ss.Put(ref, testutil.Tree(t, "SKILL.md", "fresh"))

	res, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, "b1", []artisync.Decision{
		{Ref: ref, Action: artisync.ActionSkip},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Zero(t, f.cs.Writes())

	batch, err := f.svc.Discover(ctx, f.col, f.src, artisync.DiscoverOptions{})
	require.NoError(t, err)
	require.Empty(t, batch.Items)

	batch, err = f.svc.Discover(ctx, f.col, f.src, artisync.DiscoverOptions{IncludeReviewed: true})
	require.NoError(t, err)
	require.Len(t, batch.Items, 1)
}

func TestApplyDuplicateDecisions_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lonely := testutil.Ref(t, "skill/lonely")
	other := testutil.Ref(t, "skill/other")
	f.ss.Put(lonely, testutil.Tree(t, "SKILL.md", "no match"))
	f.ss.Put(other, testutil.Tree(t, "SKILL.md", "skip me"))

	res, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, "b1", []artisync.Decision{
		{Ref: lonely, Action: artisync.ActionLink},
		{Ref: other, Action: artisync.ActionSkip},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 1)
	require.Equal(t, lonely, res.Errors[0].Ref)
	require.True(t, synerr.Is(res.Err(), synerr.ErrPartialApplyFailure))

	decided, err := f.db.ListSyncDecisions("upstream")
	require.NoError(t, err)
	require.Len(t, decided, 1)
	require.Equal(t, "skip", decided[0].Action)
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"link", "import", "skip"} {
		a, err := artisync.ParseAction(s)
		require.NoError(t, err)
		require.Equal(t, s, a.String())
	}
	_, err := artisync.ParseAction("merge")
	require.Error(t, err)
}

func TestFingerprintArtifact(t *testing.T) {
	f := newFixture(t)
	ref := testutil.Ref(t, "skill/a")
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "---\nname: Alpha\ntags: [x]\n---\nbody"))

	fp, err := f.svc.FingerprintArtifact(context.Background(), f.col, ref)
	require.NoError(t, err)
	require.Equal(t, 1, fp.FileCount)
	require.Equal(t, "alpha", fp.Metadata.Title)

	_, err = f.svc.FingerprintArtifact(context.Background(), f.col, testutil.Ref(t, "skill/none"))
	require.True(t, synerr.Is(err, synerr.ErrNotFound), "got %v", err)
}

func TestApplyDuplicateDecisions_MixedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var decisions []artisync.Decision
	add := func(name string, collection, source string, action artisync.Action) {
		ref := testutil.Ref(t, "skill/"+name)
		if collection != "" {
			f.cs.Put(ref, testutil.Tree(t, "SKILL.md", collection))
		}
		f.ss.Put(ref, testutil.Tree(t, "SKILL.md", source))
		decisions = append(decisions, artisync.Decision{Ref: ref, Action: action})
	}
	for i := 0; i < 3; i++ {
		body := fmt.Sprintf("exact %d", i)
		add(fmt.Sprintf("e%d", i), body, body, artisync.ActionLink)
	}
	for i := 0; i < 2; i++ {
		add(fmt.Sprintf("n%d", i), fmt.Sprintf("old %d", i), fmt.Sprintf("new %d", i), artisync.ActionImport)
	}
	for i := 0; i < 5; i++ {
		add(fmt.Sprintf("s%d", i), "", fmt.Sprintf("fresh %d", i), artisync.ActionImport)
	}

	batch, err := f.svc.Discover(ctx, f.col, f.src, artisync.DiscoverOptions{})
	require.NoError(t, err)
	exact, nameType, none := batch.Counts()
	require.Equal(t, []int{3, 2, 5}, []int{exact, nameType, none})

	first, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, batch.ID, decisions)
	require.NoError(t, err)
	require.NoError(t, first.Err())
	require.Equal(t, []int{3, 7, 0}, []int{first.Linked, first.Imported, first.Skipped})
	require.Equal(t, "new 0", content(t, f.cs, testutil.Ref(t, "skill/n0-2"), "SKILL.md"))
	require.Equal(t, "old 0", content(t, f.cs, testutil.Ref(t, "skill/n0"), "SKILL.md"))
	writes := f.cs.Writes()

	second, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, batch.ID, decisions)
	require.NoError(t, err)
	require.NoError(t, second.Err())
	require.Equal(t, []int{0, 0, 0}, []int{second.Linked, second.Imported, second.Skipped})
	require.Equal(t, writes, f.cs.Writes())
	require.Nil(t, f.cs.Tree(testutil.Ref(t, "skill/n0-3")))
}

func TestApplyDuplicateDecisions_ImporterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var decisions []artisync.Decision
	for i := 0; i < 3; i++ {
		ref := testutil.Ref(t, fmt.Sprintf("skill/s%d", i))
		f.ss.Put(ref, testutil.Tree(t, "SKILL.md", fmt.Sprintf("fresh %d", i)))
		decisions = append(decisions, artisync.Decision{Ref: ref, Action: artisync.ActionImport})
	}
	broken := testutil.Ref(t, "skill/s1")
	f.cs.FailWrite[broken] = testutil.ErrInjected

	res, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, "b1", decisions)
	require.NoError(t, err)
	require.Equal(t, 2, res.Imported)
	require.Len(t, res.Errors, 1)
	require.Equal(t, broken, res.Errors[0].Ref)
	require.True(t, synerr.Is(res.Err(), synerr.ErrPartialApplyFailure))
	require.Nil(t, f.cs.Tree(broken))

	d, err := f.db.FindSyncDecision("upstream", "upstream:skill/s1")
	require.NoError(t, err)
	require.Nil(t, d, "failed decisions stay open for review")
}

// decisionFailure fails RecordSyncDecision for the listed source paths.
type decisionFailure struct {
	artisync.Database
	paths map[string]bool
}

func (d decisionFailure) RecordSyncDecision(rec *model.SyncDecision) error {
	if d.paths[rec.SourcePath] {
		return testutil.ErrInjected
	}
	return d.Database.RecordSyncDecision(rec)
}

func TestApplyDuplicateDecisions_RecordFailureAfterImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := testutil.Ref(t, "skill/x")
	y := testutil.Ref(t, "skill/y")
	f.ss.Put(x, testutil.Tree(t, "SKILL.md", "same"))
	f.ss.Put(y, testutil.Tree(t, "SKILL.md", "same"))
	db := decisionFailure{Database: f.db, paths: map[string]bool{"upstream:skill/x": true}}
	svc := artisync.NewService(db, f.vault, nil, artisync.NewNopLogger(), f.clock, testutil.NewStubIDGenerator("dep"))

	res, err := svc.ApplyDuplicateDecisions(ctx, f.col, f.src, "b1", []artisync.Decision{
		{Ref: x, Action: artisync.ActionImport},
		{Ref: y, Action: artisync.ActionImport},
	})
	require.NoError(t, err)
	require.Zero(t, res.Imported, "an item is never both imported and failed")
	require.Len(t, res.Errors, 1)
	require.Equal(t, x, res.Errors[0].Ref)

	require.Equal(t, 1, f.cs.Writes())
	require.Equal(t, "same", content(t, f.cs, x, "SKILL.md"))
	require.Nil(t, f.cs.Tree(y), "identical candidate matches the earlier import")
}

func TestDiscover_CollisionFallsBackToNameType(t *testing.T) {
	f := newFixture(t)
	ref := testutil.Ref(t, "skill/pdf")
	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "x", "logo.png", string(make([]byte, 100))))
	f.ss.Put(ref, testutil.Tree(t, "SKILL.md", "x", "logo.png", string(make([]byte, 200))))

	batch, err := f.svc.Discover(context.Background(), f.col, f.src, artisync.DiscoverOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Items, 1)
	item := batch.Items[0]
	require.True(t, synerr.Is(item.Collision, synerr.ErrHashCollisionSuspected))
	require.Equal(t, fingerprint.MatchNameType, item.Match.Type)
	require.Equal(t, "skill/pdf", item.Match.CollectionID)
	require.Equal(t, artisync.ActionNone, item.Suggested)
	require.False(t, item.Staged)
}

func TestRollback_ImportedArtifactRevertsToBase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s0, err := f.svc.CreateSnapshot(ctx, f.col, "empty")
	require.NoError(t, err)
	f.clock.Tick()

	ref := testutil.Ref(t, "skill/s0")
	f.ss.Put(ref, testutil.Tree(t, "SKILL.md", "fresh"))
	res, err := f.svc.ApplyDuplicateDecisions(ctx, f.col, f.src, "b1", []artisync.Decision{
		{Ref: ref, Action: artisync.ActionImport},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Imported)

	f.cs.Put(ref, testutil.Tree(t, "SKILL.md", "edited"))
	_, err = f.svc.Rollback(ctx, f.col, s0.ID, artisync.RollbackOptions{
		Resolutions: map[string]merge.Resolution{"skill/s0/SKILL.md": {Strategy: merge.UseBase}},
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", content(t, f.cs, ref, "SKILL.md"))
}
