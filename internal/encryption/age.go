package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"artisync/internal/artisync"
	"artisync/internal/config"
)

// ErrKeyMismatch is returned by Unlock when the private key does not belong
// to the vault public key, and by Decrypt when a blob was sealed for another key.
var ErrKeyMismatch = errors.New("vault key mismatch")

// AgeEncryptor seals vault blobs with filippo.io/age using one X25519 key pair
// per collection. The public key sits in plaintext next to the config so
// snapshots can be written without a passphrase. The private key is wrapped
// with the passphrase using age's scrypt recipient and is only needed to read
// blobs back (rollback, use_base resolutions, verification).
type AgeEncryptor struct {
	publicKeyPath  string
	privateKeyPath string

	mu        sync.Mutex
	recipient *age.X25519Recipient
}

var _ artisync.Encryptor = (*AgeEncryptor)(nil)

func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates the vault key pair. An existing pair is never replaced:
// blobs sealed with it would become unreadable.
func (e *AgeEncryptor) Setup(passphrase string) error {
	if e.IsConfigured() {
		return fmt.Errorf("vault keys already exist at %s", e.privateKeyPath)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating vault key pair: %w", err)
	}

	var sealed bytes.Buffer
	wrap, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("deriving passphrase key: %w", err)
	}
	w, err := age.Encrypt(&sealed, wrap)
	if err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}

	if err := writeKeyFile(e.privateKeyPath, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := writeKeyFile(e.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	e.mu.Lock()
	e.recipient = identity.Recipient()
	e.mu.Unlock()
	return nil
}

// Encrypt seals one blob for the vault public key.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := e.publicKey()
	if err != nil {
		return err
	}
	sealer, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("opening blob for %s: %w", recipient, err)
	}
	if _, err := io.Copy(sealer, r); err != nil {
		return fmt.Errorf("sealing blob: %w", err)
	}
	if err := sealer.Close(); err != nil {
		return fmt.Errorf("sealing blob: %w", err)
	}
	return nil
}

// Unlock opens the private key with the passphrase and checks that it pairs
// with the vault public key.
func (e *AgeEncryptor) Unlock(passphrase string) (artisync.DecryptionContext, error) {
	sealed, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	unwrap, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), unwrap)
	if err != nil {
		return nil, fmt.Errorf("opening private key (wrong passphrase?): %w", err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("opening private key: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	recipient, err := e.publicKey()
	if err != nil {
		return nil, err
	}
	if identity.Recipient().String() != recipient.String() {
		return nil, fmt.Errorf("%s does not open blobs for %s: %w", e.privateKeyPath, recipient, ErrKeyMismatch)
	}
	return &AgeDecryptionContext{identity: identity}, nil
}

// IsConfigured reports whether both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	for _, p := range []string{e.publicKeyPath, e.privateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func (e *AgeEncryptor) publicKey() (*age.X25519Recipient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recipient != nil {
		return e.recipient, nil
	}
	data, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading vault public key: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing vault public key %s: %w", e.publicKeyPath, err)
	}
	e.recipient = recipient
	return recipient, nil
}

// writeKeyFile writes data through a temp file so a crash never leaves half a key.
func writeKeyFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".key-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// AgeDecryptionContext holds the unlocked vault identity for one session.
type AgeDecryptionContext struct {
	identity *age.X25519Identity
}

var _ artisync.DecryptionContext = (*AgeDecryptionContext)(nil)

// Decrypt opens one sealed blob.
func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	opened, err := age.Decrypt(r, c.identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return fmt.Errorf("blob not sealed for %s: %w", c.identity.Recipient(), ErrKeyMismatch)
		}
		return fmt.Errorf("opening blob: %w", err)
	}
	if _, err := io.Copy(w, opened); err != nil {
		return fmt.Errorf("opening blob: %w", err)
	}
	return nil
}
