package fingerprint

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	synerr "artisync/internal/errors"
)

// MatchType is the outcome of classifying a discovered artifact.
type MatchType int

const (
	MatchNone MatchType = iota
	MatchNameType
	MatchExact
)

func (m MatchType) String() string {
	switch m {
	case MatchNone:
		return "none"
	case MatchNameType:
		return "name_type"
	case MatchExact:
		return "exact"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMatchType parses the string form produced by MatchType.String.
func ParseMatchType(s string) (MatchType, error) {
	switch s {
	case "none":
		return MatchNone, nil
	case "name_type":
		return MatchNameType, nil
	case "exact":
		return MatchExact, nil
	default:
		return 0, fmt.Errorf("unknown match type: %q", s)
	}
}

// Confidence returns the fixed confidence attached to a match type.
func (m MatchType) Confidence() float64 {
	switch m {
	case MatchExact:
		return 1.0
	case MatchNameType:
		return 0.85
	default:
		return 0.0
	}
}

// Ref identifies an artifact found at a discovery path.
type Ref struct {
	Type string
	Name string
	Path string
}

func (r Ref) String() string {
	return r.Type + "/" + r.Name
}

// Candidate is a discovered artifact with its fingerprint.
type Candidate struct {
	Ref         Ref
	Fingerprint Fingerprint
}

// Entry is a collection artifact available for matching.
type Entry struct {
	ID          string
	Type        string
	Name        string
	Fingerprint Fingerprint
}

// Match is the classification of a candidate. CollectionID is empty for MatchNone.
type Match struct {
	Candidate    Ref
	Type         MatchType
	CollectionID string
	Confidence   float64
}

type typeName struct{ typ, name string }

// Index answers classification queries against a fixed set of collection entries.
type Index struct {
	entries    []Entry
	byContent  map[string][]int
	byTypeName map[typeName][]int
}

// NewIndex builds an index. Entries are ordered by ID so ties resolve the
// same way on every run.
func NewIndex(entries []Entry) *Index {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	idx := &Index{
		entries:    sorted,
		byContent:  make(map[string][]int),
		byTypeName: make(map[typeName][]int),
	}
	for i, e := range sorted {
		idx.byContent[e.Fingerprint.ContentHash] = append(idx.byContent[e.Fingerprint.ContentHash], i)
		k := typeName{e.Type, e.Name}
		idx.byTypeName[k] = append(idx.byTypeName[k], i)
	}
	return idx
}

// Classify matches a candidate: exact when a same-type entry has the same
// content hash, otherwise name_type when type and name agree, otherwise none.
// An equal content hash whose file count, size or layout disagrees is never
// exact. Classification carries on to name_type and the match is returned
// together with a HashCollisionSuspected error.
func (idx *Index) Classify(c Candidate) (Match, error) {
	var collision error
	for _, i := range idx.byContent[c.Fingerprint.ContentHash] {
		e := idx.entries[i]
		if e.Type != c.Ref.Type {
			continue
		}
		if !sameShape(e.Fingerprint, c.Fingerprint) {
			if collision == nil {
				collision = synerr.NewHashCollisionSuspected(c.Ref.String(), e.ID)
			}
			continue
		}
		return newMatch(c.Ref, MatchExact, e.ID), nil
	}

	if hits := idx.byTypeName[typeName{c.Ref.Type, c.Ref.Name}]; len(hits) > 0 {
		return newMatch(c.Ref, MatchNameType, idx.entries[hits[0]].ID), collision
	}

	return newMatch(c.Ref, MatchNone, ""), collision
}

func sameShape(a, b Fingerprint) bool {
	return a.FileCount == b.FileCount &&
		a.TotalSize == b.TotalSize &&
		a.StructureHash == b.StructureHash
}

func newMatch(ref Ref, typ MatchType, id string) Match {
	return Match{Candidate: ref, Type: typ, CollectionID: id, Confidence: typ.Confidence()}
}

// Classify is a convenience for a single query against entries.
func Classify(c Candidate, entries []Entry) (Match, error) {
	return NewIndex(entries).Classify(c)
}

// Result pairs a match with the error raised while classifying it.
type Result struct {
	Match Match
	Err   error
}

// ClassifyAll classifies candidates concurrently. A failing candidate does
// not stop the others; its error is reported in its Result.
func ClassifyAll(ctx context.Context, candidates []Candidate, entries []Entry) ([]Result, error) {
	idx := NewIndex(entries)
	out := make([]Result, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, c := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := idx.Classify(c)
			out[i] = Result{Match: m, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
