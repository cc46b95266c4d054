package artisync

import (
	"bytes"
	"context"
	"fmt"

	synerr "artisync/internal/errors"
	"artisync/internal/model"
	"artisync/internal/snapshot"
)

// CreateSnapshot records the full state of the collection. File contents
// and the manifest are stored in the vault; the database indexes the
// snapshot. A manual snapshot also becomes the collection's sync baseline.
func (s *Service) CreateSnapshot(ctx context.Context, col *Collection, message string) (*model.Snapshot, error) {
	lock := s.lockFor(collectionLock(col))
	lock.Lock()
	defer lock.Unlock()

	state, err := loadState(ctx, col.Store, "collection")
	if err != nil {
		return nil, err
	}
	return s.createSnapshotLocked(ctx, col, state, snapshot.KindManual, message)
}

// createSnapshotLocked requires the caller to hold the collection's exclusive lock.
func (s *Service) createSnapshotLocked(ctx context.Context, col *Collection, state State, kind snapshot.Kind, message string) (*model.Snapshot, error) {
	var artifacts []snapshot.Artifact
	for _, ref := range state.Refs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := state[ref]
		for _, f := range t.Files() {
			if err := s.storeContent(f); err != nil {
				return nil, fmt.Errorf("storing %s/%s: %w", ref, f.Path, err)
			}
		}
		artifacts = append(artifacts, snapshot.ArtifactFromTree(ref.Type, ref.Name, t))
	}

	now := s.clock.Now()
	manifest := snapshot.New(col.ID, kind, message, now, artifacts)
	parent, err := s.database.LatestSnapshot(col.ID)
	if err != nil {
		return nil, fmt.Errorf("finding parent snapshot: %w", err)
	}
	if parent != nil {
		manifest.Parent = parent.ID
	}

	id, data, err := manifest.Seal()
	if err != nil {
		return nil, err
	}
	if err := s.vault.PutContent(id, bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, fmt.Errorf("uploading manifest: %w", err)
	}
	if err := s.database.CreateContent(id, int64(len(data))); err != nil {
		return nil, fmt.Errorf("recording manifest content: %w", err)
	}

	snap := &model.Snapshot{
		ID:            id,
		CollectionID:  col.ID,
		Kind:          string(kind),
		Message:       message,
		ParentID:      manifest.Parent,
		ArtifactCount: len(manifest.Artifacts),
		FileCount:     manifest.FileCount(),
		CreatedAt:     now,
	}
	if err := s.database.CreateSnapshot(snap); err != nil {
		return nil, fmt.Errorf("recording snapshot: %w", err)
	}

	if kind == snapshot.KindManual {
		if err := s.database.ResetBaselines(collectionScope(col), refBaselines(state)); err != nil {
			return nil, fmt.Errorf("recording baselines: %w", err)
		}
	}

	s.logger.Info("snapshot created", "id", id, "kind", kind, "artifacts", snap.ArtifactCount, "files", snap.FileCount)
	return snap, nil
}

// ListSnapshots returns the collection's snapshots, newest first.
func (s *Service) ListSnapshots(col *Collection, limit int) ([]*model.Snapshot, error) {
	snaps, err := s.database.ListSnapshots(col.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snaps, nil
}

// GetSnapshot resolves an ID or unique ID prefix and loads its manifest.
func (s *Service) GetSnapshot(col *Collection, idPrefix string) (*model.Snapshot, *snapshot.Manifest, error) {
	snap, err := s.database.FindSnapshot(col.ID, idPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("finding snapshot: %w", err)
	}
	if snap == nil {
		return nil, nil, synerr.NewNotFound("snapshot", idPrefix)
	}
	m, err := s.loadManifest(snap.ID)
	if err != nil {
		return nil, nil, err
	}
	return snap, m, nil
}

// VerifySnapshot checks that the manifest re-hashes to its ID and that every
// referenced blob is present and intact.
func (s *Service) VerifySnapshot(col *Collection, idPrefix string) error {
	_, m, err := s.GetSnapshot(col, idPrefix)
	if err != nil {
		return err
	}
	for _, h := range m.Hashes() {
		if _, err := s.fetchContent(h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) loadManifest(id string) (*snapshot.Manifest, error) {
	var buf bytes.Buffer
	if err := s.vault.GetContent(id, &buf); err != nil {
		return nil, fmt.Errorf("fetching manifest %s: %w", id, err)
	}
	if err := snapshot.Verify(id, buf.Bytes()); err != nil {
		return nil, err
	}
	return snapshot.Decode(buf.Bytes())
}
