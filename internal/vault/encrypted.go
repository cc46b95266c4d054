package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"artisync/internal/artisync"
)

// PassphraseFunc supplies the passphrase that unlocks the private key.
type PassphraseFunc func() (string, error)

// EncryptedVault encrypts blobs with the public key on write. The private key
// is unlocked on the first read and kept for the life of the vault.
type EncryptedVault struct {
	inner      artisync.Vault
	enc        artisync.Encryptor
	passphrase PassphraseFunc

	mu  sync.Mutex
	dec artisync.DecryptionContext
}

// NewEncryptedVault wraps inner. passphrase is only called if a read happens.
func NewEncryptedVault(inner artisync.Vault, enc artisync.Encryptor, passphrase PassphraseFunc) *EncryptedVault {
	return &EncryptedVault{inner: inner, enc: enc, passphrase: passphrase}
}

func (v *EncryptedVault) PutContent(checksum string, r io.Reader, size int64) error {
	sealed, err := v.seal(r, size)
	if err != nil {
		return err
	}
	return v.inner.PutContent(checksum, bytes.NewReader(sealed), int64(len(sealed)))
}

func (v *EncryptedVault) GetContent(checksum string, w io.Writer) error {
	var buf bytes.Buffer
	if err := v.inner.GetContent(checksum, &buf); err != nil {
		return err
	}
	return v.open(&buf, w)
}

func (v *EncryptedVault) PutMetadata(collectionID, name string, r io.Reader, size int64, version int64) error {
	sealed, err := v.seal(r, size)
	if err != nil {
		return err
	}
	return v.inner.PutMetadata(collectionID, name, bytes.NewReader(sealed), int64(len(sealed)), version)
}

func (v *EncryptedVault) GetMetadata(collectionID, name string, w io.Writer) error {
	var buf bytes.Buffer
	if err := v.inner.GetMetadata(collectionID, name, &buf); err != nil {
		return err
	}
	return v.open(&buf, w)
}

func (v *EncryptedVault) GetMetadataVersion(collectionID, name string) (int64, error) {
	return v.inner.GetMetadataVersion(collectionID, name)
}

// ValidateSetup additionally requires the key pair to exist.
func (v *EncryptedVault) ValidateSetup() error {
	if !v.enc.IsConfigured() {
		return fmt.Errorf("encryption keys not found; run 'artisync config init' with encryption enabled")
	}
	return v.inner.ValidateSetup()
}

func (v *EncryptedVault) seal(r io.Reader, size int64) ([]byte, error) {
	data, err := readExactly(r, size)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := v.enc.Encrypt(bytes.NewReader(data), &out); err != nil {
		return nil, fmt.Errorf("encrypting blob: %w", err)
	}
	return out.Bytes(), nil
}

func (v *EncryptedVault) open(r io.Reader, w io.Writer) error {
	dec, err := v.unlock()
	if err != nil {
		return err
	}
	if err := dec.Decrypt(r, w); err != nil {
		return fmt.Errorf("decrypting blob: %w", err)
	}
	return nil
}

func (v *EncryptedVault) unlock() (artisync.DecryptionContext, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dec != nil {
		return v.dec, nil
	}
	if v.passphrase == nil {
		return nil, fmt.Errorf("vault is encrypted and no passphrase source is configured")
	}
	pass, err := v.passphrase()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	dec, err := v.enc.Unlock(pass)
	if err != nil {
		return nil, fmt.Errorf("unlocking private key: %w", err)
	}
	v.dec = dec
	return dec, nil
}

var _ artisync.Vault = (*EncryptedVault)(nil)
