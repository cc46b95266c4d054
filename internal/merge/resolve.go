package merge

import (
	"context"
	"fmt"

	synerr "artisync/internal/errors"
	"artisync/internal/tree"
)

// Strategy selects which version of a conflicting file wins.
type Strategy int

const (
	UseLocal Strategy = iota
	UseRemote
	UseBase
	Custom
)

func (s Strategy) String() string {
	switch s {
	case UseLocal:
		return "use_local"
	case UseRemote:
		return "use_remote"
	case UseBase:
		return "use_base"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStrategy accepts "use_local", "use_remote", "use_base" and the short
// forms "local", "remote", "base".
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "use_local", "local":
		return UseLocal, nil
	case "use_remote", "remote":
		return UseRemote, nil
	case "use_base", "base":
		return UseBase, nil
	case "custom":
		return Custom, nil
	default:
		return 0, fmt.Errorf("unknown resolution strategy: %q", s)
	}
}

// Resolution decides one conflict. Content is only read for Custom.
type Resolution struct {
	Strategy Strategy
	Content  []byte
}

// ContentSource fetches file bytes by hash, typically from the vault.
type ContentSource interface {
	Content(ctx context.Context, hash string) ([]byte, error)
}

// ApplyResult is the outcome of a resolved batch, ready to be written as one
// tree update.
type ApplyResult struct {
	Upserts  []tree.FileEntry
	Removals []string
	Resolved []ConflictRecord
}

// Apply returns t with the batch applied.
func (r *ApplyResult) Apply(t *tree.Tree) (*tree.Tree, error) {
	return t.Replace(r.Upserts, r.Removals)
}

// Resolve decides every conflict using its own Resolution or the one in
// resolutions keyed by path. The batch is all-or-nothing: a missing
// resolution yields ConflictUnresolved and a failed fetch yields an error,
// and in both cases no result is produced.
func Resolve(ctx context.Context, conflicts []ConflictRecord, resolutions map[string]Resolution, local, remote *tree.Tree, base ContentSource) (*ApplyResult, error) {
	var missing []string
	decided := make([]ConflictRecord, len(conflicts))
	for i, c := range conflicts {
		decided[i] = c
		if c.Resolution != nil {
			continue
		}
		if r, ok := resolutions[c.Path]; ok {
			decided[i].Resolution = &r
			continue
		}
		missing = append(missing, c.Path)
	}
	if len(missing) > 0 {
		return nil, synerr.NewConflictUnresolved(missing)
	}

	res := &ApplyResult{Resolved: decided}
	for _, c := range decided {
		entry, present, err := outcome(ctx, c, local, remote, base)
		if err != nil {
			return nil, fmt.Errorf("resolving %s with %s: %w", c.Path, c.Resolution.Strategy, err)
		}
		if present {
			res.Upserts = append(res.Upserts, entry)
		} else {
			res.Removals = append(res.Removals, c.Path)
		}
	}
	return res, nil
}

func outcome(ctx context.Context, c ConflictRecord, local, remote *tree.Tree, base ContentSource) (tree.FileEntry, bool, error) {
	switch c.Resolution.Strategy {
	case UseLocal:
		return side(local, c.Path, c.LocalHash)
	case UseRemote:
		return side(remote, c.Path, c.RemoteHash)
	case UseBase:
		if c.BaselineHash == "" {
			return tree.FileEntry{}, false, nil
		}
		if base == nil {
			return tree.FileEntry{}, false, fmt.Errorf("no baseline content source")
		}
		data, err := base.Content(ctx, c.BaselineHash)
		if err != nil {
			return tree.FileEntry{}, false, err
		}
		entry := tree.NewFileEntry(c.Path, data)
		if entry.Hash != c.BaselineHash {
			return tree.FileEntry{}, false, fmt.Errorf("baseline content hash mismatch: got %s, want %s", entry.Hash, c.BaselineHash)
		}
		return entry, true, nil
	case Custom:
		return tree.NewFileEntry(c.Path, c.Resolution.Content), true, nil
	default:
		return tree.FileEntry{}, false, synerr.NewInvalidRequest(fmt.Sprintf("unknown strategy %d", int(c.Resolution.Strategy)))
	}
}

func side(t *tree.Tree, path, wantHash string) (tree.FileEntry, bool, error) {
	if wantHash == "" {
		return tree.FileEntry{}, false, nil
	}
	if t == nil {
		return tree.FileEntry{}, false, fmt.Errorf("tree not supplied")
	}
	e, ok := t.Get(path)
	if !ok || e.Hash != wantHash {
		return tree.FileEntry{}, false, fmt.Errorf("file changed since conflicts were detected")
	}
	return e, true, nil
}
