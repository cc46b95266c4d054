package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"artisync/internal/artisync"
	"artisync/internal/tree"
)

// IgnoreFileName is read from a tier root; its patterns apply to every artifact in the tier.
const IgnoreFileName = ".artisyncignore"

// stagingPrefix marks scratch directories created during WriteTree.
const stagingPrefix = ".artisync-"

// OSTreeStore is a TreeStore over a directory laid out as
//
//	<root>/<type>/<name>/<files...>
//
// Hidden top-level entries are never treated as artifact types.
type OSTreeStore struct {
	root   string
	ignore *IgnoreMatcher
	logger artisync.Logger
}

// NewOSTreeStore creates a store rooted at root. extraIgnore patterns
// (typically from config) are applied before the tier's .artisyncignore.
func NewOSTreeStore(root string, extraIgnore []string, logger artisync.Logger) (*OSTreeStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}
	fromFile, err := ParseIgnoreFile(filepath.Join(abs, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = artisync.NewNopLogger()
	}
	patterns := append(append(append([]string{}, defaultIgnorePatterns...), extraIgnore...), fromFile...)
	return &OSTreeStore{root: abs, ignore: NewIgnoreMatcher(patterns), logger: logger}, nil
}

// Root returns the absolute tier directory.
func (s *OSTreeStore) Root() string { return s.root }

// Ignored reports whether a root-relative path falls under the ignore rules
// of its artifact. Paths above the artifact level are never ignored.
func (s *OSTreeStore) Ignored(rel string) bool {
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 3)
	if len(parts) < 3 || parts[2] == "" {
		return false
	}
	return s.ignore.Match(parts[2])
}

func (s *OSTreeStore) Location(ref artisync.ArtifactRef) string {
	return filepath.Join(s.root, ref.Type, ref.Name)
}

func (s *OSTreeStore) ListArtifacts(ctx context.Context) ([]artisync.ArtifactRef, error) {
	types, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.root, err)
	}

	var refs []artisync.ArtifactRef
	for _, typ := range types {
		if !typ.IsDir() || hidden(typ.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		names, err := os.ReadDir(filepath.Join(s.root, typ.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", typ.Name(), err)
		}
		for _, name := range names {
			if !name.IsDir() || hidden(name.Name()) {
				continue
			}
			refs = append(refs, artisync.ArtifactRef{Type: typ.Name(), Name: name.Name()})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].Name < refs[j].Name
	})
	return refs, nil
}

// ReadTree loads every regular, non-ignored file of an artifact. Files that
// cannot be read are skipped with a warning; special files are skipped silently.
func (s *OSTreeStore) ReadTree(ctx context.Context, ref artisync.ArtifactRef) (*tree.Tree, error) {
	dir := s.Location(ref)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s at %s: %w", ref, dir, artisync.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact path is not a directory: %s", dir)
	}

	var entries []tree.FileEntry
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			s.logger.Warn("skipping unreadable path", "path", p, "error", err)
			return nil
		}
		if p == dir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if s.ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			s.logger.Debug("skipping special file", "path", p, "mode", d.Type().String())
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", p, "error", err)
			return nil
		}
		entries = append(entries, tree.NewFileEntry(filepath.ToSlash(rel), data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return tree.New(entries)
}

// WriteTree stages t in a scratch directory beside the artifact and swaps
// it in with renames. Ignored files already present in the artifact are
// carried over into the new directory. An empty tree removes the artifact.
func (s *OSTreeStore) WriteTree(ctx context.Context, ref artisync.ArtifactRef, t *tree.Tree) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	dest := s.Location(ref)
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", parent, err)
	}

	if t.Len() == 0 {
		return s.remove(dest)
	}

	staging, err := os.MkdirTemp(parent, stagingPrefix+"new-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	for _, f := range t.Files() {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(staging, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, f.Content, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", f.Path, err)
		}
	}
	if err := s.carryIgnored(dest, staging); err != nil {
		return err
	}

	var old string
	if _, err := os.Stat(dest); err == nil {
		old, err = os.MkdirTemp(parent, stagingPrefix+"old-*")
		if err != nil {
			return fmt.Errorf("creating backup directory: %w", err)
		}
		old = filepath.Join(old, "tree")
		if err := os.Rename(dest, old); err != nil {
			return fmt.Errorf("moving current tree aside: %w", err)
		}
	}
	if err := os.Rename(staging, dest); err != nil {
		if old != "" {
			if rerr := os.Rename(old, dest); rerr != nil {
				s.logger.Error("failed to restore previous tree", "path", dest, "error", rerr)
			}
		}
		return fmt.Errorf("moving new tree into place: %w", err)
	}
	committed = true
	if old != "" {
		if err := os.RemoveAll(filepath.Dir(old)); err != nil {
			s.logger.Warn("failed to clean up previous tree", "path", old, "error", err)
		}
	}
	return nil
}

// carryIgnored copies files that the ignore rules hide from ReadTree into
// the staging directory so a rewrite does not lose them.
func (s *OSTreeStore) carryIgnored(dest, staging string) error {
	if _, err := os.Stat(dest); err != nil {
		return nil
	}
	return filepath.WalkDir(dest, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == dest {
			return err
		}
		rel, err := filepath.Rel(dest, p)
		if err != nil {
			return err
		}
		if !s.ignore.Match(rel) {
			return nil
		}
		target := filepath.Join(staging, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyPath(p, target); err != nil {
			return fmt.Errorf("preserving ignored %s: %w", rel, err)
		}
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
}

func (s *OSTreeStore) remove(dest string) error {
	if _, err := os.Stat(dest); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	trash, err := os.MkdirTemp(filepath.Dir(dest), stagingPrefix+"del-*")
	if err != nil {
		return fmt.Errorf("creating removal directory: %w", err)
	}
	if err := os.Rename(dest, filepath.Join(trash, "tree")); err != nil {
		os.Remove(trash)
		return fmt.Errorf("removing %s: %w", dest, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warn("failed to clean up removed tree", "path", trash, "error", err)
	}
	return nil
}

// copyPath copies a file or directory tree from src to dst.
func copyPath(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

func validateRef(ref artisync.ArtifactRef) error {
	for _, part := range []string{ref.Type, ref.Name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) || hidden(part) {
			return fmt.Errorf("invalid artifact reference: %s", ref)
		}
	}
	return nil
}

func hidden(name string) bool { return strings.HasPrefix(name, ".") }

var _ artisync.TreeStore = (*OSTreeStore)(nil)
