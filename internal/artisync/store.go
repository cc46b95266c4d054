package artisync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"artisync/internal/tree"
)

// ErrArtifactNotFound is returned by TreeStore.ReadTree when the artifact
// does not exist in the store. Any other read error means the tree is
// unavailable.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactRef identifies a logical artifact by type and name.
type ArtifactRef struct {
	Type string
	Name string
}

func (r ArtifactRef) String() string {
	return r.Type + "/" + r.Name
}

// ParseArtifactRef parses "type/name".
func ParseArtifactRef(s string) (ArtifactRef, error) {
	typ, name, ok := strings.Cut(s, "/")
	if !ok || typ == "" || name == "" || strings.Contains(name, "/") {
		return ArtifactRef{}, fmt.Errorf("artifact reference must be TYPE/NAME: %q", s)
	}
	return ArtifactRef{Type: typ, Name: name}, nil
}

// TreeStore gives byte-level access to the artifacts of one tier.
type TreeStore interface {
	// ListArtifacts returns every artifact in the store, sorted by type then name.
	ListArtifacts(ctx context.Context) ([]ArtifactRef, error)

	// ReadTree loads all files of an artifact.
	// Returns an error wrapping ErrArtifactNotFound if it does not exist.
	ReadTree(ctx context.Context, ref ArtifactRef) (*tree.Tree, error)

	// WriteTree replaces the artifact's files with t in one step: readers
	// see either the old tree or the new one. An empty tree removes the artifact.
	WriteTree(ctx context.Context, ref ArtifactRef, t *tree.Tree) error

	// Location describes where an artifact lives, for display and discovery records.
	Location(ref ArtifactRef) string
}

// Collection is the canonical local store. Every operation takes the
// collection explicitly.
type Collection struct {
	ID    string
	Store TreeStore
}

// Project is a working copy that artifacts are deployed into.
type Project struct {
	Name  string
	Store TreeStore
}

// Source is an upstream origin that artifacts are discovered in.
type Source struct {
	Name  string
	Store TreeStore
}

// State maps every artifact of a tier to its tree.
type State map[ArtifactRef]*tree.Tree

// Refs returns the artifacts in sorted order.
func (s State) Refs() []ArtifactRef {
	refs := make([]ArtifactRef, 0, len(s))
	for r := range s {
		refs = append(refs, r)
	}
	sortRefs(refs)
	return refs
}
