// Package fingerprint computes hash-based identity summaries of artifacts and
// classifies discovered artifacts against a collection.
package fingerprint

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"artisync/internal/tree"
)

type domainKey [32]byte

// Domain keys keep the three hashes apart even when their inputs coincide.
// They are ASCII names zero-padded to 32 bytes; changing one invalidates
// every stored fingerprint.
var (
	contentDomainKey = domainKey{
		'a', 'r', 't', 'i', 's', 'y', 'n', 'c', '.', 'f', 'p', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't',
	}
	structureDomainKey = domainKey{
		'a', 'r', 't', 'i', 's', 'y', 'n', 'c', '.', 'f', 'p', '.',
		's', 't', 'r', 'u', 'c', 't', 'u', 'r', 'e',
	}
	metadataDomainKey = domainKey{
		'a', 'r', 't', 'i', 's', 'y', 'n', 'c', '.', 'f', 'p', '.',
		'm', 'e', 't', 'a', 'd', 'a', 't', 'a',
	}
)

// Fingerprint summarizes an artifact's files. It is derived data and is
// recomputed whenever the files change.
type Fingerprint struct {
	ContentHash   string
	StructureHash string
	MetadataHash  string
	FileCount     int
	TotalSize     int64
	Metadata      Metadata
}

// Compute fingerprints a tree, reading metadata from its descriptor file.
// The result does not depend on the order files were added to the tree.
func Compute(t *tree.Tree) Fingerprint {
	return ComputeWithMetadata(t, ParseMetadata(t))
}

// ComputeWithMetadata fingerprints a tree using externally supplied metadata.
func ComputeWithMetadata(t *tree.Tree, meta Metadata) Fingerprint {
	meta = Normalize(meta)
	return Fingerprint{
		ContentHash:   contentHash(t),
		StructureHash: structureHash(t),
		MetadataHash:  metadataHash(meta),
		FileCount:     t.Len(),
		TotalSize:     t.TotalSize(),
		Metadata:      meta,
	}
}

// ComputeAll fingerprints trees concurrently, bounded by the number of CPUs.
// Results are returned in input order.
func ComputeAll(ctx context.Context, trees []*tree.Tree) ([]Fingerprint, error) {
	out := make([]Fingerprint, len(trees))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, t := range trees {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = Compute(t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// contentHash covers path and bytes of every text file. Binary and oversize
// files only count toward FileCount and TotalSize.
func contentHash(t *tree.Tree) string {
	h := newHasher(contentDomainKey)
	var lenBuf [8]byte
	for _, f := range t.Files() {
		if !f.Text() {
			continue
		}
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f.Path)))
		h.Write(lenBuf[:])
		h.Write([]byte(f.Path))
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f.Content)))
		h.Write(lenBuf[:])
		h.Write(f.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func structureHash(t *tree.Tree) string {
	h := newHasher(structureDomainKey)
	t.Walk(func(p string, dir bool) {
		if dir {
			p += "/"
		}
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	})
	return hex.EncodeToString(h.Sum(nil))
}

func metadataHash(m Metadata) string {
	h := newHasher(metadataDomainKey)
	h.Write([]byte(m.Title))
	h.Write([]byte{0})
	h.Write([]byte(m.Description))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(m.Tags, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

func newHasher(key domainKey) *blake3.Hasher {
	// NewKeyed only fails on a key that is not 32 bytes.
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

// Similarity scores two fingerprints in [0, 1]: content identity 50%,
// structure identity 20%, metadata 20% and file-count closeness 10%.
func Similarity(a, b Fingerprint) float64 {
	var score float64
	if a.ContentHash == b.ContentHash {
		score += 0.5
	}
	if a.StructureHash == b.StructureHash {
		score += 0.2
	}
	score += 0.2 * metadataSimilarity(a.Metadata, b.Metadata)
	score += 0.1 * countCloseness(a.FileCount, b.FileCount)
	if score > 1 {
		score = 1
	}
	return score
}

func metadataSimilarity(a, b Metadata) float64 {
	s := 0.5 * jaccard(a.Tags, b.Tags)
	if a.Title == b.Title {
		s += 0.25
	}
	if a.Description == b.Description {
		s += 0.25
	}
	return s
}

func countCloseness(a, b int) float64 {
	hi, lo := a, b
	if lo > hi {
		hi, lo = lo, hi
	}
	if hi == 0 {
		return 1
	}
	return 1 - float64(hi-lo)/float64(hi)
}
