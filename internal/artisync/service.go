package artisync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	synerr "artisync/internal/errors"
	"artisync/internal/tree"
)

// Service coordinates fingerprinting, diffing, snapshots, rollback,
// deployments and duplicate review across the three tiers.
type Service struct {
	database Database
	vault    Vault
	importer Importer
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	batchIDs IDGenerator

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewService creates a Service. A nil importer selects TreeImporter.
func NewService(database Database, vault Vault, importer Importer, logger Logger, clock Clock, idgen IDGenerator) *Service {
	if importer == nil {
		importer = &TreeImporter{}
	}
	return &Service{
		database: database,
		vault:    vault,
		importer: importer,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		batchIDs: ULIDGenerator{Clock: clock},
		locks:    make(map[string]*sync.RWMutex),
	}
}

// lockFor returns the lock guarding a collection or project. Snapshot,
// rollback and writes take it exclusively; reads share it.
func (s *Service) lockFor(key string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

func collectionLock(col *Collection) string { return "collection:" + col.ID }
func projectLock(p *Project) string         { return "project:" + p.Name }

func collectionScope(col *Collection) string { return "collection:" + col.ID }
func projectScope(p *Project) string         { return "project:" + p.Name }

func sortRefs(refs []ArtifactRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].Name < refs[j].Name
	})
}

// readTree loads one artifact. A missing artifact is reported as
// (nil, false, nil); any other failure is TreeUnavailable.
func readTree(ctx context.Context, store TreeStore, tier string, ref ArtifactRef) (*tree.Tree, bool, error) {
	t, err := store.ReadTree(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			return nil, false, nil
		}
		return nil, false, synerr.NewTreeUnavailable(tier, ref.String(), err)
	}
	return t, true, nil
}

// readTreeOrEmpty is readTree with missing artifacts mapped to an empty tree.
func readTreeOrEmpty(ctx context.Context, store TreeStore, tier string, ref ArtifactRef) (*tree.Tree, error) {
	t, ok, err := readTree(ctx, store, tier, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return tree.Empty(), nil
	}
	return t, nil
}

// loadState reads every artifact of a store concurrently.
func loadState(ctx context.Context, store TreeStore, tier string) (State, error) {
	refs, err := store.ListArtifacts(ctx)
	if err != nil {
		return nil, synerr.NewTreeUnavailable(tier, "*", err)
	}
	trees, err := readTrees(ctx, store, tier, refs)
	if err != nil {
		return nil, err
	}
	state := make(State, len(refs))
	for i, ref := range refs {
		if trees[i] != nil {
			state[ref] = trees[i]
		}
	}
	return state, nil
}

// readTrees reads refs on a worker pool bounded by the number of CPUs.
// Artifacts that vanished between listing and reading come back nil.
func readTrees(ctx context.Context, store TreeStore, tier string, refs []ArtifactRef) ([]*tree.Tree, error) {
	out := make([]*tree.Tree, len(refs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, ref := range refs {
		g.Go(func() error {
			t, _, err := readTree(ctx, store, tier, ref)
			if err != nil {
				return err
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// storeContent uploads a file's bytes to the vault unless the database
// already records them.
func (s *Service) storeContent(f tree.FileEntry) error {
	existing, err := s.database.FindContentByChecksum(f.Hash)
	if err != nil {
		return fmt.Errorf("checking content %s: %w", f.Hash, err)
	}
	if existing != nil {
		return nil
	}
	if err := s.vault.PutContent(f.Hash, bytes.NewReader(f.Content), int64(len(f.Content))); err != nil {
		return fmt.Errorf("uploading content %s: %w", f.Hash, err)
	}
	if err := s.database.CreateContent(f.Hash, f.Size); err != nil {
		return fmt.Errorf("recording content %s: %w", f.Hash, err)
	}
	return nil
}

// storeTree uploads every file of t that the vault does not yet hold, so
// baselines recorded from t can later be resolved to content.
func (s *Service) storeTree(t *tree.Tree) error {
	for _, f := range t.Files() {
		if err := s.storeContent(f); err != nil {
			return err
		}
	}
	return nil
}

// fetchContent downloads a blob and verifies its checksum.
func (s *Service) fetchContent(checksum string) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.vault.GetContent(checksum, &buf); err != nil {
		return nil, fmt.Errorf("fetching content %s: %w", checksum, err)
	}
	if got := tree.HashBytes(buf.Bytes()); got != checksum {
		return nil, fmt.Errorf("content %s failed verification: got %s", checksum, got)
	}
	return buf.Bytes(), nil
}

// vaultSource exposes the vault as a merge.ContentSource.
type vaultSource struct {
	s *Service
}

func (v vaultSource) Content(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.s.fetchContent(hash)
}

// refBaselines converts a state into the per-artifact hash maps stored as baselines.
func refBaselines(state State) map[ArtifactRef]map[string]string {
	out := make(map[ArtifactRef]map[string]string, len(state))
	for ref, t := range state {
		out[ref] = t.Hashes()
	}
	return out
}
