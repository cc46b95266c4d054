// Package snapshot defines the content-addressed manifest describing a
// collection at a point in time.
//
// A manifest is encoded with CBOR core deterministic encoding, so the same
// logical manifest always yields the same bytes, and its ID is the SHA-256
// of those bytes.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"artisync/internal/tree"
)

// FormatVersion is written into every manifest.
const FormatVersion = 1

// Kind distinguishes snapshots taken on request from those taken
// automatically before a rollback.
type Kind string

const (
	KindManual Kind = "manual"
	KindSafety Kind = "safety"
)

// File is one file in a manifest. Content lives in the vault under Hash.
type File struct {
	Path   string `cbor:"path"`
	Hash   string `cbor:"hash"`
	Size   int64  `cbor:"size"`
	Binary bool   `cbor:"binary,omitempty"`
}

// Artifact is one artifact's file list.
type Artifact struct {
	Type  string `cbor:"type"`
	Name  string `cbor:"name"`
	Files []File `cbor:"files"`
}

// Key returns "type/name".
func (a Artifact) Key() string { return a.Type + "/" + a.Name }

// Manifest records the full state of a collection.
type Manifest struct {
	Version      int        `cbor:"version"`
	CollectionID string     `cbor:"collection_id"`
	Kind         Kind       `cbor:"kind"`
	Message      string     `cbor:"message"`
	CreatedAt    int64      `cbor:"created_at"` // unix nanoseconds, UTC
	Parent       string     `cbor:"parent,omitempty"`
	Artifacts    []Artifact `cbor:"artifacts"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// New builds a manifest with artifacts and their files sorted.
func New(collectionID string, kind Kind, message string, createdAt time.Time, artifacts []Artifact) *Manifest {
	m := &Manifest{
		Version:      FormatVersion,
		CollectionID: collectionID,
		Kind:         kind,
		Message:      message,
		CreatedAt:    createdAt.UTC().UnixNano(),
		Artifacts:    make([]Artifact, len(artifacts)),
	}
	for i, a := range artifacts {
		files := make([]File, len(a.Files))
		copy(files, a.Files)
		sort.Slice(files, func(x, y int) bool { return files[x].Path < files[y].Path })
		m.Artifacts[i] = Artifact{Type: a.Type, Name: a.Name, Files: files}
	}
	sort.Slice(m.Artifacts, func(i, j int) bool { return m.Artifacts[i].Key() < m.Artifacts[j].Key() })
	return m
}

// ArtifactFromTree lists a tree's files for a manifest.
func ArtifactFromTree(typ, name string, t *tree.Tree) Artifact {
	a := Artifact{Type: typ, Name: name, Files: make([]File, 0, t.Len())}
	for _, f := range t.Files() {
		a.Files = append(a.Files, File{Path: f.Path, Hash: f.Hash, Size: f.Size, Binary: f.Binary})
	}
	return a
}

// Time returns CreatedAt as a time.Time.
func (m *Manifest) Time() time.Time {
	return time.Unix(0, m.CreatedAt).UTC()
}

// Find returns the artifact with the given type and name.
func (m *Manifest) Find(typ, name string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Type == typ && a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// FileCount returns the number of files across all artifacts.
func (m *Manifest) FileCount() int {
	n := 0
	for _, a := range m.Artifacts {
		n += len(a.Files)
	}
	return n
}

// Hashes returns the distinct content hashes referenced by the manifest.
func (m *Manifest) Hashes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range m.Artifacts {
		for _, f := range a.Files {
			if !seen[f.Hash] {
				seen[f.Hash] = true
				out = append(out, f.Hash)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Encode returns the deterministic encoding of m.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}

// Decode parses an encoded manifest.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// ID returns the content address of encoded manifest bytes.
func ID(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// Seal encodes m and returns its ID along with the bytes.
func (m *Manifest) Seal() (string, []byte, error) {
	data, err := m.Encode()
	if err != nil {
		return "", nil, err
	}
	return ID(data), data, nil
}

// Verify checks that encoded hashes to id.
func Verify(id string, encoded []byte) error {
	if got := ID(encoded); got != id {
		return fmt.Errorf("manifest hash mismatch: got %s, want %s", got, id)
	}
	return nil
}
