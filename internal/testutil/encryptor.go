package testutil

import (
	"artisync/internal/artisync"
	"artisync/internal/encryption"
)

// NewTestEncryptor returns a deterministic, key-less encryptor.
func NewTestEncryptor() artisync.Encryptor {
	return encryption.NewTestEncryptor()
}
