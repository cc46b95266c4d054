package artisync

import (
	"context"
	"fmt"

	synerr "artisync/internal/errors"
	"artisync/internal/fingerprint"
	"artisync/internal/model"
	"artisync/internal/tree"
)

// Action is a reviewer's decision for a discovered candidate.
type Action int

const (
	// ActionNone means no decision has been suggested or made.
	ActionNone Action = iota
	ActionLink
	ActionImport
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionLink:
		return "link"
	case ActionImport:
		return "import"
	case ActionSkip:
		return "skip"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ParseAction parses "link", "import" or "skip".
func ParseAction(s string) (Action, error) {
	switch s {
	case "link":
		return ActionLink, nil
	case "import":
		return ActionImport, nil
	case "skip":
		return ActionSkip, nil
	default:
		return ActionNone, fmt.Errorf("unknown action: %q", s)
	}
}

// Importer brings a source artifact into the collection and returns the
// collection artifact ID ("type/name") it was stored under.
type Importer interface {
	Import(ctx context.Context, col *Collection, src *Source, ref ArtifactRef) (string, error)
}

// DiscoverOptions tune a discovery run.
type DiscoverOptions struct {
	// IncludeReviewed also returns candidates that already have a decision.
	IncludeReviewed bool
}

// DiscoveryItem is one classified candidate.
type DiscoveryItem struct {
	Ref         ArtifactRef
	Path        string
	Fingerprint fingerprint.Fingerprint
	Match       fingerprint.Match
	// Suggested is the default decision: link for exact matches, import for
	// new artifacts and none for name_type matches, which need review.
	Suggested Action
	// Hidden items are exact matches kept out of the "ready to import" list.
	Hidden bool
	// Staged items are new artifacts queued for import.
	Staged bool
	// Collision is set when a content hash matched but size or layout did not.
	Collision error
}

// DiscoveryBatch is the result of one discovery run.
type DiscoveryBatch struct {
	ID     string
	Source string
	Items  []DiscoveryItem
}

// Counts returns the number of exact, name_type and new candidates.
func (b *DiscoveryBatch) Counts() (exact, nameType, none int) {
	for _, it := range b.Items {
		switch it.Match.Type {
		case fingerprint.MatchExact:
			exact++
		case fingerprint.MatchNameType:
			nameType++
		default:
			none++
		}
	}
	return exact, nameType, none
}

// Decision is a reviewer's choice for one candidate. ArtifactID names the
// collection artifact to link to; when empty the current match is used.
type Decision struct {
	Ref        ArtifactRef
	Action     Action
	ArtifactID string
}

// DecisionError reports a candidate that could not be applied.
type DecisionError struct {
	Ref     ArtifactRef
	Action  Action
	Message string
}

// ReviewResult counts what a batch of decisions changed. Re-applying the
// same batch reports zero links and imports.
type ReviewResult struct {
	Linked   int
	Imported int
	Skipped  int
	Errors   []DecisionError
}

// Err returns a PartialApplyFailure when any decision failed.
func (r *ReviewResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return synerr.NewPartialApplyFailure(len(r.Errors), r.Linked+r.Imported+r.Skipped)
}

// Discover fingerprints every artifact in a source and classifies it against
// the collection. Candidates that already have a recorded decision are left
// out unless opts.IncludeReviewed is set. Nothing is written besides log lines.
func (s *Service) Discover(ctx context.Context, col *Collection, src *Source, opts DiscoverOptions) (*DiscoveryBatch, error) {
	refs, err := src.Store.ListArtifacts(ctx)
	if err != nil {
		return nil, synerr.NewTreeUnavailable("source:"+src.Name, "*", err)
	}

	if !opts.IncludeReviewed {
		decided, err := s.database.ListSyncDecisions(src.Name)
		if err != nil {
			return nil, fmt.Errorf("listing decisions: %w", err)
		}
		reviewed := make(map[string]bool, len(decided))
		for _, d := range decided {
			reviewed[d.SourcePath] = true
		}
		kept := refs[:0:0]
		for _, ref := range refs {
			if !reviewed[src.Store.Location(ref)] {
				kept = append(kept, ref)
			}
		}
		refs = kept
	}

	candidates, err := s.fingerprintSource(ctx, src, refs)
	if err != nil {
		return nil, err
	}
	entries, err := s.collectionEntries(ctx, col)
	if err != nil {
		return nil, err
	}
	results, err := fingerprint.ClassifyAll(ctx, candidates, entries)
	if err != nil {
		return nil, err
	}

	batch := &DiscoveryBatch{ID: s.batchIDs.New(), Source: src.Name}
	for i, c := range candidates {
		m, cerr := results[i].Match, results[i].Err
		if cerr != nil {
			s.logger.Warn("hash collision suspected", "candidate", c.Ref.String(), "path", c.Ref.Path, "error", cerr)
		}
		item := DiscoveryItem{
			Ref:         ArtifactRef{Type: c.Ref.Type, Name: c.Ref.Name},
			Path:        c.Ref.Path,
			Fingerprint: c.Fingerprint,
			Match:       m,
			Collision:   cerr,
		}
		switch m.Type {
		case fingerprint.MatchExact:
			item.Suggested = ActionLink
			item.Hidden = true
		case fingerprint.MatchNameType:
			item.Suggested = ActionNone
		default:
			item.Suggested = ActionImport
			item.Staged = true
		}
		batch.Items = append(batch.Items, item)
	}

	exact, nameType, none := batch.Counts()
	s.logger.Info("discovery complete", "batch", batch.ID, "source", src.Name, "exact", exact, "name_type", nameType, "new", none)
	return batch, nil
}

// fingerprintSource reads and fingerprints source artifacts in parallel.
// Artifacts that disappear between listing and reading are dropped.
func (s *Service) fingerprintSource(ctx context.Context, src *Source, refs []ArtifactRef) ([]fingerprint.Candidate, error) {
	trees, err := readTrees(ctx, src.Store, "source:"+src.Name, refs)
	if err != nil {
		return nil, err
	}
	var present []*tree.Tree
	var presentRefs []ArtifactRef
	for i, t := range trees {
		if t != nil {
			present = append(present, t)
			presentRefs = append(presentRefs, refs[i])
		}
	}
	fps, err := fingerprint.ComputeAll(ctx, present)
	if err != nil {
		return nil, err
	}
	out := make([]fingerprint.Candidate, len(fps))
	for i, fp := range fps {
		ref := presentRefs[i]
		out[i] = fingerprint.Candidate{
			Ref:         fingerprint.Ref{Type: ref.Type, Name: ref.Name, Path: src.Store.Location(ref)},
			Fingerprint: fp,
		}
	}
	return out, nil
}

// collectionEntries fingerprints the whole collection under a read lock.
func (s *Service) collectionEntries(ctx context.Context, col *Collection) ([]fingerprint.Entry, error) {
	lock := s.lockFor(collectionLock(col))
	lock.RLock()
	defer lock.RUnlock()

	state, err := loadState(ctx, col.Store, "collection")
	if err != nil {
		return nil, err
	}
	return indexEntries(ctx, state)
}

func indexEntries(ctx context.Context, state State) ([]fingerprint.Entry, error) {
	refs := state.Refs()
	trees := make([]*tree.Tree, len(refs))
	for i, ref := range refs {
		trees[i] = state[ref]
	}
	fps, err := fingerprint.ComputeAll(ctx, trees)
	if err != nil {
		return nil, err
	}
	entries := make([]fingerprint.Entry, len(refs))
	for i, ref := range refs {
		entries[i] = fingerprint.Entry{ID: ref.String(), Type: ref.Type, Name: ref.Name, Fingerprint: fps[i]}
	}
	return entries, nil
}

// ApplyDuplicateDecisions applies reviewed decisions for a source. Each
// decision is independent: a failure is reported in the result and the rest
// of the batch still runs. Every applied decision is recorded so the
// candidate no longer appears in discovery.
//
// Links are deduplicated by source path. An import whose content already
// exists in the collection becomes a no-op. Applying the same batch twice
// therefore leaves the collection unchanged and reports no new links or imports.
func (s *Service) ApplyDuplicateDecisions(ctx context.Context, col *Collection, src *Source, batchID string, decisions []Decision) (*ReviewResult, error) {
	lock := s.lockFor(collectionLock(col))
	lock.Lock()
	defer lock.Unlock()

	state, err := loadState(ctx, col.Store, "collection")
	if err != nil {
		return nil, err
	}
	entries, err := indexEntries(ctx, state)
	if err != nil {
		return nil, err
	}
	idx := fingerprint.NewIndex(entries)

	log := withAttrs(s.logger, "collection", col.ID, "source", src.Name, "batch", batchID)
	res := &ReviewResult{}
	for _, d := range decisions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, changed, err := s.applyDecision(ctx, col, src, idx, d)
		if d.Action == ActionImport && changed {
			var rerr error
			idx, entries, rerr = s.refreshIndex(ctx, col, entries, rec.ArtifactID)
			if rerr != nil {
				return res, rerr
			}
		}
		if err != nil {
			log.Warn("decision failed", "candidate", d.Ref.String(), "action", d.Action, "error", err)
			res.Errors = append(res.Errors, DecisionError{Ref: d.Ref, Action: d.Action, Message: err.Error()})
			continue
		}

		rec.BatchID = batchID
		rec.DecidedAt = s.clock.Now()
		if err := s.database.RecordSyncDecision(rec); err != nil {
			log.Warn("recording decision failed", "candidate", d.Ref.String(), "action", d.Action, "error", err)
			res.Errors = append(res.Errors, DecisionError{Ref: d.Ref, Action: d.Action, Message: fmt.Sprintf("recording decision: %v", err)})
			continue
		}

		if changed {
			switch d.Action {
			case ActionLink:
				res.Linked++
			case ActionImport:
				res.Imported++
			case ActionSkip:
				res.Skipped++
			}
		}
	}

	log.Info("decisions applied",
		"linked", res.Linked, "imported", res.Imported, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

// applyDecision carries out one decision. changed reports whether it created
// a new link, import or skip rather than repeating an earlier one. An import
// that lands in the collection reports changed even when a later step fails.
func (s *Service) applyDecision(ctx context.Context, col *Collection, src *Source, idx *fingerprint.Index, d Decision) (rec *model.SyncDecision, changed bool, err error) {
	path := src.Store.Location(d.Ref)
	rec = &model.SyncDecision{
		Source:       src.Name,
		SourcePath:   path,
		ArtifactType: d.Ref.Type,
		ArtifactName: d.Ref.Name,
		Action:       d.Action.String(),
	}

	if d.Action == ActionSkip {
		rec.MatchType = fingerprint.MatchNone.String()
		return rec, true, nil
	}

	t, ok, err := readTree(ctx, src.Store, "source:"+src.Name, d.Ref)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, synerr.NewNotFound("artifact", src.Name+":"+d.Ref.String())
	}
	m, cerr := idx.Classify(fingerprint.Candidate{
		Ref:         fingerprint.Ref{Type: d.Ref.Type, Name: d.Ref.Name, Path: path},
		Fingerprint: fingerprint.Compute(t),
	})
	if cerr != nil {
		s.logger.Warn("hash collision suspected", "candidate", d.Ref.String(), "error", cerr)
	}
	rec.MatchType = m.Type.String()

	switch d.Action {
	case ActionLink:
		target := d.ArtifactID
		if target == "" {
			target = m.CollectionID
		}
		if target == "" {
			return nil, false, synerr.NewInvalidRequest(fmt.Sprintf("%s has no matching collection artifact to link", d.Ref))
		}
		created, err := s.database.CreateSourceLink(&model.SourceLink{
			Source:       src.Name,
			SourcePath:   path,
			CollectionID: col.ID,
			ArtifactID:   target,
			CreatedAt:    s.clock.Now(),
		})
		if err != nil {
			return nil, false, fmt.Errorf("creating link: %w", err)
		}
		rec.ArtifactID = target
		return rec, created, nil

	case ActionImport:
		if m.Type == fingerprint.MatchExact {
			s.logger.Debug("already imported", "candidate", d.Ref.String(), "artifact", m.CollectionID)
			rec.ArtifactID = m.CollectionID
			return rec, false, nil
		}
		id, err := s.importer.Import(ctx, col, src, d.Ref)
		if err != nil {
			return nil, false, fmt.Errorf("importing: %w", err)
		}
		if _, err := s.database.CreateSourceLink(&model.SourceLink{
			Source:       src.Name,
			SourcePath:   path,
			CollectionID: col.ID,
			ArtifactID:   id,
			CreatedAt:    s.clock.Now(),
		}); err != nil {
			rec.ArtifactID = id
			return rec, true, fmt.Errorf("linking imported artifact: %w", err)
		}
		rec.ArtifactID = id
		return rec, true, nil

	default:
		return nil, false, synerr.NewInvalidRequest(fmt.Sprintf("no action decided for %s", d.Ref))
	}
}

// refreshIndex adds a newly imported artifact to the index, uploads its files
// and records its hashes as the collection baseline.
func (s *Service) refreshIndex(ctx context.Context, col *Collection, entries []fingerprint.Entry, artifactID string) (*fingerprint.Index, []fingerprint.Entry, error) {
	ref, err := ParseArtifactRef(artifactID)
	if err != nil {
		return nil, nil, err
	}
	t, ok, err := readTree(ctx, col.Store, "collection", ref)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return fingerprint.NewIndex(entries), entries, nil
	}
	if err := s.storeTree(t); err != nil {
		return nil, nil, fmt.Errorf("storing %s: %w", ref, err)
	}
	if err := s.database.ReplaceBaselines(collectionScope(col), map[ArtifactRef]map[string]string{ref: t.Hashes()}); err != nil {
		return nil, nil, fmt.Errorf("recording baselines: %w", err)
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if e.ID != artifactID {
			kept = append(kept, e)
		}
	}
	kept = append(kept, fingerprint.Entry{ID: artifactID, Type: ref.Type, Name: ref.Name, Fingerprint: fingerprint.Compute(t)})
	return fingerprint.NewIndex(kept), kept, nil
}

// FingerprintArtifact fingerprints one collection artifact.
func (s *Service) FingerprintArtifact(ctx context.Context, col *Collection, ref ArtifactRef) (fingerprint.Fingerprint, error) {
	lock := s.lockFor(collectionLock(col))
	lock.RLock()
	defer lock.RUnlock()

	t, ok, err := readTree(ctx, col.Store, "collection", ref)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	if !ok {
		return fingerprint.Fingerprint{}, synerr.NewNotFound("artifact", ref.String())
	}
	return fingerprint.Compute(t), nil
}

// TreeImporter copies a source tree into the collection. When the name is
// taken it appends "-2", "-3" and so on.
type TreeImporter struct{}

var _ Importer = (*TreeImporter)(nil)

func (TreeImporter) Import(ctx context.Context, col *Collection, src *Source, ref ArtifactRef) (string, error) {
	t, ok, err := readTree(ctx, src.Store, "source:"+src.Name, ref)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", synerr.NewNotFound("artifact", src.Name+":"+ref.String())
	}
	if t.Len() == 0 {
		return "", synerr.NewInvalidRequest(fmt.Sprintf("%s has no files", ref))
	}

	target := ref
	for n := 2; ; n++ {
		_, exists, err := readTree(ctx, col.Store, "collection", target)
		if err != nil {
			return "", err
		}
		if !exists {
			break
		}
		target = ArtifactRef{Type: ref.Type, Name: fmt.Sprintf("%s-%d", ref.Name, n)}
	}

	if err := col.Store.WriteTree(ctx, target, t); err != nil {
		return "", fmt.Errorf("writing %s: %w", target, err)
	}
	return target.String(), nil
}
