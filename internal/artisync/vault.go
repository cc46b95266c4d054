package artisync

import "io"

// Vault stores content-addressed blobs and per-collection metadata.
// All operations use io.Reader/io.Writer so backends can stream.
type Vault interface {
	// PutContent stores content identified by its checksum.
	// Storing the same checksum twice is a no-op.
	// size is the number of bytes that will be read from r.
	PutContent(checksum string, r io.Reader, size int64) error

	// GetContent retrieves content by checksum and writes it to w.
	GetContent(checksum string, w io.Writer) error

	// PutMetadata stores a named metadata item for a collection.
	// version is stored alongside for consistency checks.
	// Known names: "db" (SQLite database), "public_key", "private_key".
	PutMetadata(collectionID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadata retrieves a named metadata item for a collection and writes it to w.
	GetMetadata(collectionID string, name string, w io.Writer) error

	// GetMetadataVersion returns the metadata version for a named item.
	// Returns 0 if nothing has been stored.
	GetMetadataVersion(collectionID string, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
