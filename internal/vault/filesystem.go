package vault

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"artisync/internal/artisync"
)

// FileSystemVault stores blobs on a local or mounted filesystem:
//
//	<root>/
//	  content/<ab>/<checksum>
//	  metadata/<collectionID>/<name>
//	  metadata/<collectionID>/<name>.version
//
// Content is sharded on the first two characters of the checksum so large
// collections do not put every blob in a single directory.
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

// NewFileSystemVault creates the directory layout under root if needed.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	v := &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  filepath.Join(root, "content"),
		metadataDir: filepath.Join(root, "metadata"),
	}
	for _, dir := range []string{v.contentDir, v.metadataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating vault directory %s: %w", dir, err)
		}
	}
	return v, nil
}

func (v *FileSystemVault) contentPath(checksum string) string {
	if len(checksum) < 2 {
		return filepath.Join(v.contentDir, "_", checksum)
	}
	return filepath.Join(v.contentDir, checksum[:2], checksum)
}

func (v *FileSystemVault) metadataPath(collectionID, name string) string {
	return filepath.Join(v.metadataDir, collectionID, name)
}

func (v *FileSystemVault) PutContent(checksum string, r io.Reader, size int64) error {
	dest := v.contentPath(checksum)
	if _, err := os.Stat(dest); err == nil {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}
		if n != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
		}
		return nil
	}
	return writeAtomic(dest, r, size)
}

func (v *FileSystemVault) GetContent(checksum string, w io.Writer) error {
	return copyFrom(v.contentPath(checksum), w, "content "+checksum)
}

func (v *FileSystemVault) PutMetadata(collectionID, name string, r io.Reader, size int64, version int64) error {
	dest := v.metadataPath(collectionID, name)
	if err := writeAtomic(dest, r, size); err != nil {
		return err
	}
	ver := strconv.FormatInt(version, 10)
	return writeAtomic(dest+".version", strings.NewReader(ver), int64(len(ver)))
}

func (v *FileSystemVault) GetMetadata(collectionID, name string, w io.Writer) error {
	return copyFrom(v.metadataPath(collectionID, name), w, "metadata "+collectionID+"/"+name)
}

func (v *FileSystemVault) GetMetadataVersion(collectionID, name string) (int64, error) {
	data, err := os.ReadFile(v.metadataPath(collectionID, name) + ".version")
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks that the vault directories exist and are writable.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.contentDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	tmp, err := os.CreateTemp(v.root, ".writable-*")
	if err != nil {
		return fmt.Errorf("vault root not writable: %w", err)
	}
	tmp.Close()
	return os.Remove(tmp.Name())
}

// writeAtomic writes r to dest through a temp file in the same directory,
// renaming it into place only when exactly size bytes were written.
func writeAtomic(dest string, r io.Reader, size int64) (err error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

func copyFrom(path string, w io.Writer, what string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", what, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading %s: %w", what, err)
	}
	return nil
}

var _ artisync.Vault = (*FileSystemVault)(nil)
