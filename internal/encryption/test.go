package encryption

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"artisync/internal/artisync"
)

// testMagic opens every blob sealed by TestEncryptor.
var testMagic = []byte("ASTEST1\x00")

// ErrWrongPassphrase is returned by TestEncryptor.Unlock when Setup was
// given a different passphrase.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// TestEncryptor seals vault blobs without cryptography so tests can inspect
// them. A sealed blob is the magic, the plaintext length as a big-endian
// uint64 and the plaintext itself. The length lets Decrypt reject truncated
// blobs the way a real cipher would.
type TestEncryptor struct {
	passphrase string
	setup      bool
}

var _ artisync.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

// Setup remembers the passphrase so Unlock can check it.
func (e *TestEncryptor) Setup(passphrase string) error {
	e.passphrase = passphrase
	e.setup = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	plain, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading blob: %w", err)
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(plain)))
	for _, part := range [][]byte{testMagic, size[:], plain} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("writing sealed blob: %w", err)
		}
	}
	return nil
}

// Unlock accepts any passphrase until Setup has been called.
func (e *TestEncryptor) Unlock(passphrase string) (artisync.DecryptionContext, error) {
	if e.setup && passphrase != e.passphrase {
		return nil, ErrWrongPassphrase
	}
	return &TestDecryptionContext{}, nil
}

// IsConfigured is always true: there are no key files.
func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext opens blobs sealed by TestEncryptor.
type TestDecryptionContext struct{}

var _ artisync.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	sealed, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading sealed blob: %w", err)
	}
	head := len(testMagic) + 8
	if len(sealed) < head || !bytes.Equal(sealed[:len(testMagic)], testMagic) {
		return fmt.Errorf("not a test-sealed blob")
	}
	size := binary.BigEndian.Uint64(sealed[len(testMagic):head])
	if uint64(len(sealed)-head) != size {
		return fmt.Errorf("sealed blob holds %d bytes, header says %d", len(sealed)-head, size)
	}
	if _, err := w.Write(sealed[head:]); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	return nil
}
