package vault

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"artisync/internal/artisync"
	"artisync/internal/compress"
	"artisync/internal/config"
)

// Environment variables that override the default AWS credential chain.
const (
	envS3AccessKeyID     = "ARTISYNC_S3_ACCESS_KEY_ID"
	envS3SecretAccessKey = "ARTISYNC_S3_SECRET_ACCESS_KEY"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (artisync.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		return NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Vault(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, client), nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}

func newS3Client(ctx context.Context, cfg config.VaultConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if id, secret := os.Getenv(envS3AccessKeyID), os.Getenv(envS3SecretAccessKey); id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Decorate layers compression and encryption over base. Blobs are compressed
// before they are encrypted. A nil enc leaves blobs in the clear.
func Decorate(base artisync.Vault, comp config.CompressionConfig, enc artisync.Encryptor, passphrase PassphraseFunc) (artisync.Vault, error) {
	v := base
	if enc != nil {
		v = NewEncryptedVault(v, enc, passphrase)
	}
	tag, err := compress.ParseTag(comp.Type)
	if err != nil {
		return nil, err
	}
	if tag != compress.None {
		v = NewCompressedVault(v, tag)
	}
	return v, nil
}
