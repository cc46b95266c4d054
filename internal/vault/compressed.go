package vault

import (
	"bytes"
	"fmt"
	"io"

	"artisync/internal/artisync"
	"artisync/internal/compress"
)

// CompressedVault frames every blob with internal/compress before handing it
// to the wrapped vault. Checksums and metadata names pass through unchanged.
type CompressedVault struct {
	inner artisync.Vault
	tag   compress.Tag
}

// NewCompressedVault wraps inner, compressing new writes with tag.
// Reads accept frames written with any tag.
func NewCompressedVault(inner artisync.Vault, tag compress.Tag) *CompressedVault {
	return &CompressedVault{inner: inner, tag: tag}
}

func (v *CompressedVault) PutContent(checksum string, r io.Reader, size int64) error {
	frame, err := v.encode(r, size)
	if err != nil {
		return err
	}
	return v.inner.PutContent(checksum, bytes.NewReader(frame), int64(len(frame)))
}

func (v *CompressedVault) GetContent(checksum string, w io.Writer) error {
	var buf bytes.Buffer
	if err := v.inner.GetContent(checksum, &buf); err != nil {
		return err
	}
	return decodeTo(buf.Bytes(), w)
}

func (v *CompressedVault) PutMetadata(collectionID, name string, r io.Reader, size int64, version int64) error {
	frame, err := v.encode(r, size)
	if err != nil {
		return err
	}
	return v.inner.PutMetadata(collectionID, name, bytes.NewReader(frame), int64(len(frame)), version)
}

func (v *CompressedVault) GetMetadata(collectionID, name string, w io.Writer) error {
	var buf bytes.Buffer
	if err := v.inner.GetMetadata(collectionID, name, &buf); err != nil {
		return err
	}
	return decodeTo(buf.Bytes(), w)
}

func (v *CompressedVault) GetMetadataVersion(collectionID, name string) (int64, error) {
	return v.inner.GetMetadataVersion(collectionID, name)
}

func (v *CompressedVault) ValidateSetup() error { return v.inner.ValidateSetup() }

func (v *CompressedVault) encode(r io.Reader, size int64) ([]byte, error) {
	data, err := readExactly(r, size)
	if err != nil {
		return nil, err
	}
	frame, err := compress.Encode(data, v.tag)
	if err != nil {
		return nil, fmt.Errorf("compressing blob: %w", err)
	}
	return frame, nil
}

func decodeTo(frame []byte, w io.Writer) error {
	data, err := compress.Decode(frame)
	if err != nil {
		return fmt.Errorf("decompressing blob: %w", err)
	}
	_, err = w.Write(data)
	return err
}

var _ artisync.Vault = (*CompressedVault)(nil)
