package encryption

import (
	"fmt"

	"artisync/internal/artisync"
	"artisync/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// Type "none" (or empty) returns a nil Encryptor: vault blobs are stored in the clear.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (artisync.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
