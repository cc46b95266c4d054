package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"artisync/internal/artisync"
)

// ErrNotFound is returned (wrapped) when a blob or metadata item is absent.
var ErrNotFound = errors.New("not found in vault")

// MemoryVault keeps blobs and metadata in maps. It is used by tests and by
// the "memory" vault type. Safe for concurrent use.
type MemoryVault struct {
	name     string
	mu       sync.RWMutex
	blobs    map[string][]byte
	meta     map[metaKey][]byte
	versions map[metaKey]int64
}

type metaKey struct {
	collectionID string
	name         string
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		blobs:    make(map[string][]byte),
		meta:     make(map[metaKey][]byte),
		versions: make(map[metaKey]int64),
	}
}

// Name returns the configured vault name.
func (m *MemoryVault) Name() string { return m.name }

// Len returns the number of stored content blobs.
func (m *MemoryVault) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

func (m *MemoryVault) PutContent(checksum string, r io.Reader, size int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[checksum]; !ok {
		m.blobs[checksum] = data
	}
	return nil
}

func (m *MemoryVault) GetContent(checksum string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.blobs[checksum]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("content %s: %w", checksum, ErrNotFound)
	}
	_, err := w.Write(data)
	return err
}

func (m *MemoryVault) PutMetadata(collectionID, name string, r io.Reader, size int64, version int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	k := metaKey{collectionID, name}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[k] = data
	m.versions[k] = version
	return nil
}

func (m *MemoryVault) GetMetadata(collectionID, name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.meta[metaKey{collectionID, name}]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata %s/%s: %w", collectionID, name, ErrNotFound)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (m *MemoryVault) GetMetadataVersion(collectionID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[metaKey{collectionID, name}], nil
}

func (m *MemoryVault) ValidateSetup() error { return nil }

// readExactly reads all of r and checks it produced size bytes.
func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

var _ artisync.Vault = (*MemoryVault)(nil)
