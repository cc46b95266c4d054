package artisync

import (
	"context"
	"fmt"
	"strings"

	synerr "artisync/internal/errors"
	"artisync/internal/merge"
	"artisync/internal/snapshot"
	"artisync/internal/tree"
)

// Conflict is a merge.ConflictRecord located in a specific artifact.
type Conflict struct {
	Ref ArtifactRef
	merge.ConflictRecord
}

// Key returns "type/name/path", the form used to address resolutions.
func (c Conflict) Key() string {
	return ConflictKey(c.Ref, c.Path)
}

// ConflictKey builds the resolution key for a file of an artifact.
func ConflictKey(ref ArtifactRef, path string) string {
	return ref.String() + "/" + path
}

// ParseConflictKey splits "type/name/path".
func ParseConflictKey(key string) (ArtifactRef, string, error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ArtifactRef{}, "", fmt.Errorf("conflict key must be TYPE/NAME/PATH: %q", key)
	}
	return ArtifactRef{Type: parts[0], Name: parts[1]}, parts[2], nil
}

// ArtifactRestore is the safety analysis of one artifact.
type ArtifactRestore struct {
	Ref           ArtifactRef
	SafeToRestore []string
	Conflicts     []merge.ConflictRecord
	Unchanged     int
}

// RollbackAnalysis describes what restoring a snapshot would do.
type RollbackAnalysis struct {
	SnapshotID string
	Artifacts  []ArtifactRestore
}

// SafeToRestore returns the number of files that restore without losing local edits.
func (a *RollbackAnalysis) SafeToRestore() int {
	n := 0
	for _, ar := range a.Artifacts {
		n += len(ar.SafeToRestore)
	}
	return n
}

// Conflicts lists every locally edited file the rollback would overwrite.
func (a *RollbackAnalysis) Conflicts() []Conflict {
	var out []Conflict
	for _, ar := range a.Artifacts {
		for _, c := range ar.Conflicts {
			out = append(out, Conflict{Ref: ar.Ref, ConflictRecord: c})
		}
	}
	return out
}

// RollbackOptions control a rollback.
type RollbackOptions struct {
	// Force proceeds even when conflicts have no resolution.
	Force bool
	// DiscardLocal gives unresolved conflicts the snapshot's version. By
	// default they keep the local edit.
	DiscardLocal bool
	// Resolutions keyed by ConflictKey.
	Resolutions map[string]merge.Resolution
}

// RollbackResult summarizes a completed rollback.
type RollbackResult struct {
	SnapshotID       string
	SafetySnapshotID string
	FilesRestored    int
	FilesMerged      int
	// Conflicts were settled by the default policy rather than an explicit
	// resolution and should be reviewed.
	Conflicts []Conflict
}

// AnalyzeRollback compares the current collection with a snapshot. The
// baseline is the hash recorded at the last sync: files still at their
// baseline are safe to restore, files edited since are conflicts.
func (s *Service) AnalyzeRollback(ctx context.Context, col *Collection, snapshotID string) (*RollbackAnalysis, error) {
	lock := s.lockFor(collectionLock(col))
	lock.RLock()
	defer lock.RUnlock()

	_, analysis, _, _, err := s.analyzeLocked(ctx, col, snapshotID)
	return analysis, err
}

type targetState map[ArtifactRef]snapshot.Artifact

func (s *Service) analyzeLocked(ctx context.Context, col *Collection, snapshotID string) (*snapshot.Manifest, *RollbackAnalysis, State, targetState, error) {
	snap, manifest, err := s.GetSnapshot(col, snapshotID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	current, err := loadState(ctx, col.Store, "collection")
	if err != nil {
		return nil, nil, nil, nil, err
	}

	target := make(targetState, len(manifest.Artifacts))
	refSet := make(map[ArtifactRef]bool)
	for _, a := range manifest.Artifacts {
		ref := ArtifactRef{Type: a.Type, Name: a.Name}
		target[ref] = a
		refSet[ref] = true
	}
	for ref := range current {
		refSet[ref] = true
	}
	refs := make([]ArtifactRef, 0, len(refSet))
	for ref := range refSet {
		refs = append(refs, ref)
	}
	sortRefs(refs)

	analysis := &RollbackAnalysis{SnapshotID: snap.ID}
	for _, ref := range refs {
		baseline, err := s.database.GetBaselines(collectionScope(col), ref.Type, ref.Name)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("loading baselines for %s: %w", ref, err)
		}
		cur := current[ref]
		if cur == nil {
			cur = tree.Empty()
		}
		tgt, err := hashOnlyTree(target[ref])
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("reading manifest entry %s: %w", ref, err)
		}
		plan := merge.PlanRestore(baseline, cur, tgt)
		analysis.Artifacts = append(analysis.Artifacts, ArtifactRestore{
			Ref:           ref,
			SafeToRestore: plan.SafeToRestore,
			Conflicts:     plan.Conflicts,
			Unchanged:     len(plan.Unchanged),
		})
	}
	return manifest, analysis, current, target, nil
}

// hashOnlyTree builds a tree from manifest entries without loading content.
func hashOnlyTree(a snapshot.Artifact) (*tree.Tree, error) {
	entries := make([]tree.FileEntry, len(a.Files))
	for i, f := range a.Files {
		entries[i] = tree.FileEntry{Path: f.Path, Hash: f.Hash, Size: f.Size, Binary: f.Binary}
	}
	return tree.New(entries)
}

// Rollback restores the collection to a snapshot.
//
// Unless opts.Force is set, a conflict without a resolution aborts with
// RollbackAborted before anything is written. Otherwise a safety snapshot of
// the current state is always taken first, then safe files are restored and
// conflicts are resolved. If writing fails part way, every artifact is put
// back to the safety state.
func (s *Service) Rollback(ctx context.Context, col *Collection, snapshotID string, opts RollbackOptions) (*RollbackResult, error) {
	lock := s.lockFor(collectionLock(col))
	lock.Lock()
	defer lock.Unlock()

	manifest, analysis, current, target, err := s.analyzeLocked(ctx, col, snapshotID)
	if err != nil {
		return nil, err
	}
	log := withAttrs(s.logger, "collection", col.ID, "snapshot", shortID(analysis.SnapshotID))

	var unresolved []Conflict
	for _, c := range analysis.Conflicts() {
		if _, ok := opts.Resolutions[c.Key()]; !ok {
			unresolved = append(unresolved, c)
		}
	}
	if len(unresolved) > 0 && !opts.Force {
		log.Warn("rollback aborted", "conflicts", len(unresolved))
		return nil, synerr.NewRollbackAborted(analysis.SnapshotID, len(unresolved), analysis)
	}

	safety, err := s.createSnapshotLocked(ctx, col, current, snapshot.KindSafety, "before rollback to "+shortID(analysis.SnapshotID))
	if err != nil {
		return nil, fmt.Errorf("creating safety snapshot: %w", err)
	}

	defaultStrategy := merge.UseLocal
	if opts.DiscardLocal {
		defaultStrategy = merge.UseRemote
	}

	result := &RollbackResult{SnapshotID: analysis.SnapshotID, SafetySnapshotID: safety.ID}
	next := make(State)
	for _, ar := range analysis.Artifacts {
		if len(ar.SafeToRestore) == 0 && len(ar.Conflicts) == 0 {
			continue
		}
		cur := current[ar.Ref]
		if cur == nil {
			cur = tree.Empty()
		}
		restored, merged, defaulted, err := s.planArtifact(ctx, ar, cur, target[ar.Ref], opts.Resolutions, defaultStrategy)
		if err != nil {
			return nil, fmt.Errorf("preparing %s: %w", ar.Ref, err)
		}
		next[ar.Ref] = restored
		result.FilesRestored += len(ar.SafeToRestore)
		result.FilesMerged += merged
		result.Conflicts = append(result.Conflicts, defaulted...)
	}

	if err := s.writeCollection(ctx, col, next, current); err != nil {
		return nil, err
	}

	final := make(State, len(current))
	for ref, t := range current {
		final[ref] = t
	}
	for ref, t := range next {
		final[ref] = t
	}
	if err := s.database.ResetBaselines(collectionScope(col), nonEmpty(final)); err != nil {
		log.Error("recording baselines failed, restoring safety state", "error", err)
		if cerr := s.compensate(context.WithoutCancel(ctx), col, next.Refs(), current); cerr != nil {
			sErr := synerr.NewPartialApplyFailure(1, len(next))
			sErr.Err = fmt.Errorf("recording baselines: %w; restoring: %v", err, cerr)
			return nil, sErr
		}
		return nil, fmt.Errorf("recording baselines (collection restored): %w", err)
	}

	log.Info("rollback complete",
		"message", manifest.Message,
		"id", analysis.SnapshotID,
		"safety", safety.ID,
		"restored", result.FilesRestored,
		"merged", result.FilesMerged,
		"flagged", len(result.Conflicts),
	)
	return result, nil
}

// planArtifact computes the post-rollback tree of one artifact. Safe files
// take the snapshot version; conflicts take their resolution or the default.
func (s *Service) planArtifact(ctx context.Context, ar ArtifactRestore, cur *tree.Tree, target snapshot.Artifact, resolutions map[string]merge.Resolution, def merge.Strategy) (*tree.Tree, int, []Conflict, error) {
	targetFiles := make(map[string]snapshot.File, len(target.Files))
	for _, f := range target.Files {
		targetFiles[f.Path] = f
	}

	var upserts []tree.FileEntry
	var removals []string
	for _, p := range ar.SafeToRestore {
		f, ok := targetFiles[p]
		if !ok {
			removals = append(removals, p)
			continue
		}
		data, err := s.fetchContent(f.Hash)
		if err != nil {
			return nil, 0, nil, err
		}
		upserts = append(upserts, tree.NewFileEntry(p, data))
	}

	var remoteEntries []tree.FileEntry
	byPath := make(map[string]merge.Resolution, len(ar.Conflicts))
	var defaulted []Conflict
	for _, c := range ar.Conflicts {
		key := ConflictKey(ar.Ref, c.Path)
		res, explicit := resolutions[key]
		if !explicit {
			res = merge.Resolution{Strategy: def}
			defaulted = append(defaulted, Conflict{Ref: ar.Ref, ConflictRecord: c})
		}
		byPath[c.Path] = res
		if res.Strategy == merge.UseRemote && c.RemoteHash != "" {
			data, err := s.fetchContent(c.RemoteHash)
			if err != nil {
				return nil, 0, nil, err
			}
			remoteEntries = append(remoteEntries, tree.NewFileEntry(c.Path, data))
		}
	}
	remote, err := tree.New(remoteEntries)
	if err != nil {
		return nil, 0, nil, err
	}

	applied, err := merge.Resolve(ctx, ar.Conflicts, byPath, cur, remote, vaultSource{s})
	if err != nil {
		return nil, 0, nil, err
	}

	next, err := cur.Replace(append(upserts, applied.Upserts...), append(removals, applied.Removals...))
	if err != nil {
		return nil, 0, nil, err
	}
	return next, len(applied.Resolved), defaulted, nil
}

// writeCollection writes next over the collection. On failure it writes
// previous back for every artifact already written; the failed write itself
// left its artifact untouched.
func (s *Service) writeCollection(ctx context.Context, col *Collection, next, previous State) error {
	var written []ArtifactRef
	for _, ref := range next.Refs() {
		if err := col.Store.WriteTree(ctx, ref, next[ref]); err != nil {
			s.logger.Error("write failed, restoring safety state", "artifact", ref.String(), "error", err)
			if cerr := s.compensate(context.WithoutCancel(ctx), col, written, previous); cerr != nil {
				sErr := synerr.NewPartialApplyFailure(len(written), len(next)-len(written))
				sErr.Err = fmt.Errorf("writing %s: %w; restoring: %v", ref, err, cerr)
				return sErr
			}
			return fmt.Errorf("writing %s (collection restored): %w", ref, err)
		}
		written = append(written, ref)
	}
	return nil
}

func (s *Service) compensate(ctx context.Context, col *Collection, refs []ArtifactRef, previous State) error {
	var firstErr error
	for _, ref := range refs {
		prev := previous[ref]
		if prev == nil {
			prev = tree.Empty()
		}
		if err := col.Store.WriteTree(ctx, ref, prev); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restoring %s: %w", ref, err)
		}
	}
	return firstErr
}

func nonEmpty(state State) map[ArtifactRef]map[string]string {
	out := make(map[ArtifactRef]map[string]string, len(state))
	for ref, t := range state {
		if t.Len() > 0 {
			out[ref] = t.Hashes()
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
