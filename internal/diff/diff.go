// Package diff computes file-level differences between two trees of the
// same logical artifact.
package diff

import (
	"fmt"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	synerr "artisync/internal/errors"
	"artisync/internal/tree"
)

// Status is the per-file outcome of a diff.
type Status int

const (
	Unchanged Status = iota
	Added
	Modified
	Deleted
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// FileDiff describes one path. LeftHash is empty for Added and RightHash is
// empty for Deleted. UnifiedDiff is only set for Modified text files.
type FileDiff struct {
	Path        string
	Status      Status
	LeftHash    string
	RightHash   string
	Binary      bool
	UnifiedDiff string
}

// Summary counts files per status.
type Summary struct {
	Added     int
	Modified  int
	Deleted   int
	Unchanged int
}

// Result is the diff of two trees. Files are sorted by path.
type Result struct {
	LeftLabel  string
	RightLabel string
	Files      []FileDiff
	Summary    Summary
}

// HasChanges reports whether any file is not Unchanged.
func (r *Result) HasChanges() bool {
	return r.Summary.Added+r.Summary.Modified+r.Summary.Deleted > 0
}

// Changed returns only the files whose status is not Unchanged.
func (r *Result) Changed() []FileDiff {
	var out []FileDiff
	for _, f := range r.Files {
		if f.Status != Unchanged {
			out = append(out, f)
		}
	}
	return out
}

// Options tune a diff. Labels name the two sides in unified diff headers.
type Options struct {
	LeftLabel  string
	RightLabel string
	Context    int
}

// DefaultOptions returns labels "left"/"right" with three lines of context.
func DefaultOptions() Options {
	return Options{LeftLabel: "left", RightLabel: "right", Context: 3}
}

// Trees diffs left against right. A nil side means the tree could not be
// read and yields TreeUnavailable rather than an all-added or all-deleted result.
func Trees(left, right *tree.Tree, opts Options) (*Result, error) {
	if left == nil {
		return nil, synerr.NewTreeUnavailable(opts.LeftLabel, "left", nil)
	}
	if right == nil {
		return nil, synerr.NewTreeUnavailable(opts.RightLabel, "right", nil)
	}

	paths := make(map[string]struct{}, left.Len()+right.Len())
	for _, f := range left.Files() {
		paths[f.Path] = struct{}{}
	}
	for _, f := range right.Files() {
		paths[f.Path] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	res := &Result{LeftLabel: opts.LeftLabel, RightLabel: opts.RightLabel, Files: make([]FileDiff, 0, len(sorted))}
	for _, p := range sorted {
		l, inLeft := left.Get(p)
		r, inRight := right.Get(p)
		fd := FileDiff{Path: p}
		switch {
		case inLeft && !inRight:
			fd.Status, fd.LeftHash, fd.Binary = Deleted, l.Hash, !l.Text()
			res.Summary.Deleted++
		case !inLeft && inRight:
			fd.Status, fd.RightHash, fd.Binary = Added, r.Hash, !r.Text()
			res.Summary.Added++
		case l.Hash == r.Hash:
			fd.Status, fd.LeftHash, fd.RightHash, fd.Binary = Unchanged, l.Hash, r.Hash, !l.Text()
			res.Summary.Unchanged++
		default:
			fd.Status, fd.LeftHash, fd.RightHash = Modified, l.Hash, r.Hash
			fd.Binary = !l.Text() || !r.Text()
			if !fd.Binary {
				ud, err := unified(p, l.Content, r.Content, opts)
				if err != nil {
					return nil, fmt.Errorf("diffing %s: %w", p, err)
				}
				fd.UnifiedDiff = ud
			}
			res.Summary.Modified++
		}
		res.Files = append(res.Files, fd)
	}
	return res, nil
}

func unified(p string, a, b []byte, opts Options) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: opts.LeftLabel + "/" + p,
		ToFile:   opts.RightLabel + "/" + p,
		Context:  opts.Context,
	})
}
