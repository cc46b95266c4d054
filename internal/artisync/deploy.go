package artisync

import (
	"context"
	"fmt"

	"artisync/internal/diff"
	synerr "artisync/internal/errors"
	"artisync/internal/merge"
	"artisync/internal/model"
	"artisync/internal/tree"
)

// Locks are always taken collection first, then project.

// DriftState summarizes how a deployed artifact relates to the collection.
type DriftState int

const (
	DriftInSync DriftState = iota
	// DriftLocalModified: the project copy was edited; push-safe.
	DriftLocalModified
	// DriftUpstreamModified: the collection moved on; pull-safe.
	DriftUpstreamModified
	// DriftConflict: both sides changed the same file, or each changed different ones.
	DriftConflict
	// DriftMissing: the artifact is gone from the project or the collection.
	DriftMissing
)

func (d DriftState) String() string {
	switch d {
	case DriftInSync:
		return "in_sync"
	case DriftLocalModified:
		return "local_modified"
	case DriftUpstreamModified:
		return "upstream_modified"
	case DriftConflict:
		return "conflict"
	case DriftMissing:
		return "missing"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// ArtifactDrift is the status of one deployed artifact. Files holds only
// paths that are not in sync.
type ArtifactDrift struct {
	Ref   ArtifactRef
	State DriftState
	Files []merge.FileState
}

// SyncResult reports what a pull or push wrote.
type SyncResult struct {
	Ref     ArtifactRef
	Applied []string
	// Resolved conflicts, in path order.
	Resolved []merge.ConflictRecord
	// Retained paths were changed only on the destination side and left alone.
	Retained []string
}

// Deploy copies an artifact from the collection into a project and records
// the deployed hashes as the project's baseline. A project copy with edits
// since its last sync is only overwritten when overwrite is set; otherwise
// the edited paths are returned as ConflictUnresolved.
func (s *Service) Deploy(ctx context.Context, col *Collection, proj *Project, ref ArtifactRef, overwrite bool) (*model.Deployment, error) {
	cl := s.lockFor(collectionLock(col))
	cl.RLock()
	defer cl.RUnlock()
	pl := s.lockFor(projectLock(proj))
	pl.Lock()
	defer pl.Unlock()

	src, ok, err := readTree(ctx, col.Store, "collection", ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, synerr.NewNotFound("artifact", ref.String())
	}

	if !overwrite {
		local, err := readTreeOrEmpty(ctx, proj.Store, "project", ref)
		if err != nil {
			return nil, err
		}
		baseline, err := s.database.GetBaselines(projectScope(proj), ref.Type, ref.Name)
		if err != nil {
			return nil, fmt.Errorf("loading baselines: %w", err)
		}
		if edited := locallyEdited(baseline, local, src); len(edited) > 0 {
			return nil, synerr.NewConflictUnresolved(edited)
		}
	}

	if err := s.storeTree(src); err != nil {
		return nil, err
	}
	if err := proj.Store.WriteTree(ctx, ref, src); err != nil {
		return nil, fmt.Errorf("writing %s to project %s: %w", ref, proj.Name, err)
	}

	now := s.clock.Now()
	dep, err := s.database.FindDeployment(proj.Name, ref.Type, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("finding deployment: %w", err)
	}
	if dep == nil {
		dep = &model.Deployment{
			ID:           s.idgen.New(),
			CollectionID: col.ID,
			Project:      proj.Name,
			ArtifactType: ref.Type,
			ArtifactName: ref.Name,
			DeployedAt:   now,
		}
	}
	dep.SyncedAt = now
	if err := s.database.UpsertDeployment(dep); err != nil {
		return nil, fmt.Errorf("recording deployment: %w", err)
	}
	if err := s.database.ReplaceBaselines(projectScope(proj), map[ArtifactRef]map[string]string{ref: src.Hashes()}); err != nil {
		return nil, fmt.Errorf("recording baselines: %w", err)
	}

	s.logger.Info("artifact deployed", "artifact", ref.String(), "project", proj.Name, "files", src.Len())
	return dep, nil
}

// locallyEdited lists paths where the project differs from both its
// baseline and the incoming tree.
func locallyEdited(baseline map[string]string, local, incoming *tree.Tree) []string {
	var out []string
	for _, fs := range merge.Analyze(baseline, local, incoming) {
		if fs.State == merge.LocalChanged || fs.State == merge.Conflict {
			out = append(out, fs.Path)
		}
	}
	return out
}

// DriftStatus reports every artifact deployed to a project.
func (s *Service) DriftStatus(ctx context.Context, col *Collection, proj *Project) ([]ArtifactDrift, error) {
	deps, err := s.database.ListDeployments(proj.Name)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	refs := make([]ArtifactRef, 0, len(deps))
	for _, d := range deps {
		if d.CollectionID == col.ID {
			refs = append(refs, ArtifactRef{Type: d.ArtifactType, Name: d.ArtifactName})
		}
	}
	return s.DriftStatusFor(ctx, col, proj, refs)
}

// DriftStatusFor reports the given artifacts, in sorted order.
func (s *Service) DriftStatusFor(ctx context.Context, col *Collection, proj *Project, refs []ArtifactRef) ([]ArtifactDrift, error) {
	cl := s.lockFor(collectionLock(col))
	cl.RLock()
	defer cl.RUnlock()
	pl := s.lockFor(projectLock(proj))
	pl.RLock()
	defer pl.RUnlock()

	sorted := append([]ArtifactRef(nil), refs...)
	sortRefs(sorted)

	remotes, err := readTrees(ctx, col.Store, "collection", sorted)
	if err != nil {
		return nil, err
	}
	locals, err := readTrees(ctx, proj.Store, "project", sorted)
	if err != nil {
		return nil, err
	}

	out := make([]ArtifactDrift, 0, len(sorted))
	for i, ref := range sorted {
		if remotes[i] == nil || locals[i] == nil {
			out = append(out, ArtifactDrift{Ref: ref, State: DriftMissing})
			continue
		}
		baseline, err := s.database.GetBaselines(projectScope(proj), ref.Type, ref.Name)
		if err != nil {
			return nil, fmt.Errorf("loading baselines for %s: %w", ref, err)
		}
		out = append(out, driftOf(ref, merge.Analyze(baseline, locals[i], remotes[i])))
	}
	return out, nil
}

func driftOf(ref ArtifactRef, states []merge.FileState) ArtifactDrift {
	d := ArtifactDrift{Ref: ref}
	var local, remote, conflict bool
	for _, fs := range states {
		switch fs.State {
		case merge.InSync:
			continue
		case merge.LocalChanged:
			local = true
		case merge.RemoteChanged:
			remote = true
		case merge.Conflict:
			conflict = true
		}
		d.Files = append(d.Files, fs)
	}
	switch {
	case conflict || (local && remote):
		d.State = DriftConflict
	case local:
		d.State = DriftLocalModified
	case remote:
		d.State = DriftUpstreamModified
	default:
		d.State = DriftInSync
	}
	return d
}

// Pull brings collection changes into a project. Files changed only in the
// collection are copied; files changed only in the project are retained.
// Conflicts need a resolution keyed by path; if any is missing nothing is
// written and ConflictUnresolved is returned.
func (s *Service) Pull(ctx context.Context, col *Collection, proj *Project, ref ArtifactRef, resolutions map[string]merge.Resolution) (*SyncResult, error) {
	cl := s.lockFor(collectionLock(col))
	cl.RLock()
	defer cl.RUnlock()
	pl := s.lockFor(projectLock(proj))
	pl.Lock()
	defer pl.Unlock()

	remote, local, baseline, err := s.loadDeployed(ctx, col, proj, ref)
	if err != nil {
		return nil, err
	}

	plan, err := s.planSync(ctx, baseline, local, remote, merge.RemoteChanged, resolutions)
	if err != nil {
		return nil, err
	}
	plan.result.Ref = ref
	if len(plan.result.Applied) == 0 && len(plan.result.Resolved) == 0 {
		return plan.result, nil
	}

	next, err := local.Replace(plan.upserts, plan.removals)
	if err != nil {
		return nil, err
	}
	if err := s.storeTree(remote); err != nil {
		return nil, err
	}
	if err := proj.Store.WriteTree(ctx, ref, next); err != nil {
		return nil, fmt.Errorf("writing %s to project %s: %w", ref, proj.Name, err)
	}
	if err := s.recordSync(proj, ref, baseline, next, remote, plan.result.Resolved); err != nil {
		return nil, err
	}

	s.logger.Info("pulled", "artifact", ref.String(), "project", proj.Name, "applied", len(plan.result.Applied), "resolved", len(plan.result.Resolved))
	return plan.result, nil
}

// Push sends project edits back to the collection. Files changed only in the
// project are copied; conflicts need a resolution keyed by path, and the
// resolved content is written to both tiers. The collection baseline is
// refreshed to the pushed state.
func (s *Service) Push(ctx context.Context, col *Collection, proj *Project, ref ArtifactRef, resolutions map[string]merge.Resolution) (*SyncResult, error) {
	cl := s.lockFor(collectionLock(col))
	cl.Lock()
	defer cl.Unlock()
	pl := s.lockFor(projectLock(proj))
	pl.Lock()
	defer pl.Unlock()

	remote, local, baseline, err := s.loadDeployed(ctx, col, proj, ref)
	if err != nil {
		return nil, err
	}

	// Swap sides: for a push the collection is the destination.
	plan, err := s.planSync(ctx, baseline, remote, local, merge.RemoteChanged, flip(resolutions))
	if err != nil {
		return nil, err
	}
	plan.result.Ref = ref
	if len(plan.result.Applied) == 0 && len(plan.result.Resolved) == 0 {
		return plan.result, nil
	}

	nextCol, err := remote.Replace(plan.upserts, plan.removals)
	if err != nil {
		return nil, err
	}
	var projUpserts []tree.FileEntry
	var projRemovals []string
	for _, c := range plan.result.Resolved {
		if e, ok := nextCol.Get(c.Path); ok {
			projUpserts = append(projUpserts, e)
		} else {
			projRemovals = append(projRemovals, c.Path)
		}
	}
	nextProj, err := local.Replace(projUpserts, projRemovals)
	if err != nil {
		return nil, err
	}

	if err := s.storeTree(nextCol); err != nil {
		return nil, err
	}
	if err := col.Store.WriteTree(ctx, ref, nextCol); err != nil {
		return nil, fmt.Errorf("writing %s to collection: %w", ref, err)
	}
	if len(projUpserts)+len(projRemovals) > 0 {
		if err := proj.Store.WriteTree(ctx, ref, nextProj); err != nil {
			if cerr := col.Store.WriteTree(context.WithoutCancel(ctx), ref, remote); cerr != nil {
				sErr := synerr.NewPartialApplyFailure(1, 1)
				sErr.Err = fmt.Errorf("writing project: %w; restoring collection: %v", err, cerr)
				return nil, sErr
			}
			return nil, fmt.Errorf("writing %s to project %s (collection restored): %w", ref, proj.Name, err)
		}
	}

	if err := s.database.ReplaceBaselines(collectionScope(col), map[ArtifactRef]map[string]string{ref: nextCol.Hashes()}); err != nil {
		return nil, fmt.Errorf("recording baselines: %w", err)
	}
	if err := s.recordSync(proj, ref, baseline, nextProj, nextCol, nil); err != nil {
		return nil, err
	}

	s.logger.Info("pushed", "artifact", ref.String(), "project", proj.Name, "applied", len(plan.result.Applied), "resolved", len(plan.result.Resolved))
	return plan.result, nil
}

// flip swaps local and remote strategies so resolutions stay phrased from
// the project's point of view when the sides are swapped for a push.
func flip(resolutions map[string]merge.Resolution) map[string]merge.Resolution {
	out := make(map[string]merge.Resolution, len(resolutions))
	for p, r := range resolutions {
		switch r.Strategy {
		case merge.UseLocal:
			r.Strategy = merge.UseRemote
		case merge.UseRemote:
			r.Strategy = merge.UseLocal
		}
		out[p] = r
	}
	return out
}

func (s *Service) loadDeployed(ctx context.Context, col *Collection, proj *Project, ref ArtifactRef) (remote, local *tree.Tree, baseline map[string]string, err error) {
	dep, err := s.database.FindDeployment(proj.Name, ref.Type, ref.Name)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("finding deployment: %w", err)
	}
	if dep == nil {
		return nil, nil, nil, synerr.NewNotFound("deployment", proj.Name+":"+ref.String())
	}
	remote, err = readTreeOrEmpty(ctx, col.Store, "collection", ref)
	if err != nil {
		return nil, nil, nil, err
	}
	local, err = readTreeOrEmpty(ctx, proj.Store, "project", ref)
	if err != nil {
		return nil, nil, nil, err
	}
	baseline, err = s.database.GetBaselines(projectScope(proj), ref.Type, ref.Name)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading baselines: %w", err)
	}
	return remote, local, baseline, nil
}

type syncPlan struct {
	upserts  []tree.FileEntry
	removals []string
	result   *SyncResult
}

// planSync computes the writes that move dst toward src. Files in state
// take src's version; conflicts go through merge.Resolve with dst as local.
func (s *Service) planSync(ctx context.Context, baseline map[string]string, dst, src *tree.Tree, take merge.State, resolutions map[string]merge.Resolution) (*syncPlan, error) {
	plan := &syncPlan{result: &SyncResult{}}
	var conflicts []merge.ConflictRecord
	for _, fs := range merge.Analyze(baseline, dst, src) {
		switch {
		case fs.State == take:
			if e, ok := src.Get(fs.Path); ok {
				plan.upserts = append(plan.upserts, e)
			} else {
				plan.removals = append(plan.removals, fs.Path)
			}
			plan.result.Applied = append(plan.result.Applied, fs.Path)
		case fs.State == merge.Conflict:
			conflicts = append(conflicts, merge.ConflictRecord{
				Path:         fs.Path,
				BaselineHash: fs.BaselineHash,
				LocalHash:    fs.LocalHash,
				RemoteHash:   fs.RemoteHash,
			})
		case fs.State != merge.InSync:
			plan.result.Retained = append(plan.result.Retained, fs.Path)
		}
	}
	if len(conflicts) == 0 {
		return plan, nil
	}

	applied, err := merge.Resolve(ctx, conflicts, resolutions, dst, src, vaultSource{s})
	if err != nil {
		return nil, err
	}
	plan.upserts = append(plan.upserts, applied.Upserts...)
	plan.removals = append(plan.removals, applied.Removals...)
	plan.result.Resolved = applied.Resolved
	return plan, nil
}

// recordSync updates a project's baseline after a write. Paths where both
// tiers agree take the shared hash. Resolved conflicts take the collection's
// hash so a kept local edit shows up as push-safe. Every other path keeps
// its previous baseline.
func (s *Service) recordSync(proj *Project, ref ArtifactRef, previous map[string]string, local, remote *tree.Tree, resolved []merge.ConflictRecord) error {
	next := make(map[string]string, len(previous))
	for p, h := range previous {
		next[p] = h
	}
	remoteHashes := remote.Hashes()
	for _, c := range resolved {
		if h, ok := remoteHashes[c.Path]; ok {
			next[c.Path] = h
		} else {
			delete(next, c.Path)
		}
	}
	for _, fs := range merge.Analyze(nil, local, remote) {
		if fs.LocalHash != fs.RemoteHash {
			continue
		}
		if fs.LocalHash == "" {
			delete(next, fs.Path)
		} else {
			next[fs.Path] = fs.LocalHash
		}
	}
	for p := range next {
		_, inLocal := local.Get(p)
		_, inRemote := remote.Get(p)
		if !inLocal && !inRemote {
			delete(next, p)
		}
	}
	if err := s.database.ReplaceBaselines(projectScope(proj), map[ArtifactRef]map[string]string{ref: next}); err != nil {
		return fmt.Errorf("recording baselines: %w", err)
	}

	dep, err := s.database.FindDeployment(proj.Name, ref.Type, ref.Name)
	if err != nil {
		return fmt.Errorf("finding deployment: %w", err)
	}
	if dep != nil {
		dep.SyncedAt = s.clock.Now()
		if err := s.database.UpsertDeployment(dep); err != nil {
			return fmt.Errorf("recording deployment: %w", err)
		}
	}
	return nil
}

// DiffProject diffs the collection copy (left) against the project copy (right).
func (s *Service) DiffProject(ctx context.Context, col *Collection, proj *Project, ref ArtifactRef, contextLines int) (*diff.Result, error) {
	cl := s.lockFor(collectionLock(col))
	cl.RLock()
	defer cl.RUnlock()
	pl := s.lockFor(projectLock(proj))
	pl.RLock()
	defer pl.RUnlock()

	return s.diffTiers(ctx, col.Store, "collection", proj.Store, "project:"+proj.Name, ref, contextLines)
}

// CompareSource diffs the collection copy (left) against an upstream source (right).
func (s *Service) CompareSource(ctx context.Context, col *Collection, src *Source, ref ArtifactRef, contextLines int) (*diff.Result, error) {
	cl := s.lockFor(collectionLock(col))
	cl.RLock()
	defer cl.RUnlock()

	return s.diffTiers(ctx, col.Store, "collection", src.Store, "source:"+src.Name, ref, contextLines)
}

// diffTiers treats an artifact missing from one tier as an empty tree. A
// tier that cannot be read fails the diff.
func (s *Service) diffTiers(ctx context.Context, left TreeStore, leftTier string, right TreeStore, rightTier string, ref ArtifactRef, contextLines int) (*diff.Result, error) {
	l, lok, err := readTree(ctx, left, leftTier, ref)
	if err != nil {
		return nil, err
	}
	r, rok, err := readTree(ctx, right, rightTier, ref)
	if err != nil {
		return nil, err
	}
	if !lok && !rok {
		return nil, synerr.NewNotFound("artifact", ref.String())
	}
	if !lok {
		l = tree.Empty()
	}
	if !rok {
		r = tree.Empty()
	}
	return diff.Trees(l, r, diff.Options{
		LeftLabel:  leftTier + "/" + ref.String(),
		RightLabel: rightTier + "/" + ref.String(),
		Context:    contextLines,
	})
}

// CompareSourceToProject classifies a project copy (local) against an
// upstream source (remote). The baseline is the hash recorded when the
// project was last deployed or synced.
func (s *Service) CompareSourceToProject(ctx context.Context, src *Source, proj *Project, ref ArtifactRef) ([]merge.FileState, error) {
	pl := s.lockFor(projectLock(proj))
	pl.RLock()
	defer pl.RUnlock()

	remote, ok, err := readTree(ctx, src.Store, "source:"+src.Name, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, synerr.NewNotFound("artifact", src.Name+":"+ref.String())
	}
	local, err := readTreeOrEmpty(ctx, proj.Store, "project:"+proj.Name, ref)
	if err != nil {
		return nil, err
	}
	baseline, err := s.database.GetBaselines(projectScope(proj), ref.Type, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("loading baselines: %w", err)
	}
	return merge.Analyze(baseline, local, remote), nil
}
