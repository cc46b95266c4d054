package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"artisync/internal/artisync"
	"artisync/internal/config"
	"artisync/internal/database"
	"artisync/internal/diff"
	"artisync/internal/encryption"
	"artisync/internal/fingerprint"
	"artisync/internal/fs"
	"artisync/internal/merge"
	"artisync/internal/model"
	"artisync/internal/snapshot"
	"artisync/internal/vault"
	"artisync/internal/watch"
)

// ArtisyncApp is the application layer between the CLI and the sync service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw names and references, and manages the DB lifecycle on Close.
type ArtisyncApp struct {
	cfg        *config.Config
	db         *database.SQLiteDatabase
	vault      artisync.Vault
	encryptor  artisync.Encryptor
	collection *artisync.Collection
	service    *artisync.Service
	logger     artisync.Logger
	op         *SyncOperation
	logFile    *os.File
}

type options struct {
	passphrase   vault.PassphraseFunc
	console      io.Writer
	consoleLevel slog.Level
}

// Option customizes NewArtisyncApp.
type Option func(*options)

// WithPassphrase supplies the passphrase used to unlock encrypted vault blobs.
// By default it is read from ARTISYNC_PASSPHRASE or prompted for.
func WithPassphrase(fn vault.PassphraseFunc) Option {
	return func(o *options) { o.passphrase = fn }
}

// WithConsole sets where log records at level or above are echoed.
func WithConsole(w io.Writer, level slog.Level) Option {
	return func(o *options) {
		o.console = w
		o.consoleLevel = level
	}
}

// NewArtisyncApp creates a fully wired ArtisyncApp from the given config.
// operation identifies the CLI command being run (e.g. "Deploy", "Rollback")
// and parameters its arguments. The caller must call Close when done.
func NewArtisyncApp(ctx context.Context, cfg *config.Config, operation, parameters string, opts ...Option) (*ArtisyncApp, error) {
	o := options{
		passphrase:   func() (string, error) { return ReadPassphrase("Passphrase: ") },
		console:      os.Stderr,
		consoleLevel: slog.LevelWarn,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.CollectionID == "" {
		return nil, fmt.Errorf("collection_id is not set")
	}
	if len(cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, o.console, o.consoleLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}
	fail := func(err error) (*ArtisyncApp, error) {
		logFile.Close()
		return nil, err
	}

	base, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return fail(fmt.Errorf("creating vault: %w", err))
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fail(fmt.Errorf("creating encryptor: %w", err))
	}
	v, err := vault.Decorate(base, cfg.Compression, enc, o.passphrase)
	if err != nil {
		return fail(fmt.Errorf("configuring vault: %w", err))
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.CollectionID)
	if err != nil {
		return fail(fmt.Errorf("creating database: %w", err))
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return fail(fmt.Errorf("database schema out of date: %w", err))
	}

	// Check local DB version against remote vault version.
	remoteVersion, err := v.GetMetadataVersion(cfg.CollectionID, "db")
	if err != nil {
		db.Close()
		return fail(fmt.Errorf("checking remote metadata version: %w", err))
	}
	localMax, err := db.MaxOperationID()
	if err != nil {
		db.Close()
		return fail(fmt.Errorf("checking local metadata version: %w", err))
	}
	if remoteVersion > localMax {
		db.Close()
		return fail(fmt.Errorf("local database is behind remote (local=%d, remote=%d): restore from vault or re-initialize", localMax, remoteVersion))
	}

	store, err := fs.NewOSTreeStore(cfg.Collection.Root, cfg.Filesystem.Ignore, logger)
	if err != nil {
		db.Close()
		return fail(fmt.Errorf("opening collection: %w", err))
	}

	svc := artisync.NewService(db, v, nil, logger, artisync.RealClock{}, artisync.UUIDGenerator{})

	return &ArtisyncApp{
		cfg:        cfg,
		db:         db,
		vault:      v,
		encryptor:  enc,
		collection: &artisync.Collection{ID: cfg.CollectionID, Store: store},
		service:    svc,
		logger:     logger,
		op:         NewSyncOperation(operation, parameters),
		logFile:    logFile,
	}, nil
}

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Only state-changing commands call it.
func (a *ArtisyncApp) persistOperation() error {
	if a.op.Persisted() {
		return nil
	}
	dbOp, err := a.db.CreateOperation(a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting sync operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// Fail marks the current operation as failed.
func (a *ArtisyncApp) Fail() {
	a.op.Fail()
}

func (a *ArtisyncApp) project(name string) (*artisync.Project, *fs.OSTreeStore, error) {
	tc, err := a.cfg.Project(name)
	if err != nil {
		return nil, nil, err
	}
	store, err := fs.NewOSTreeStore(tc.Root, a.cfg.Filesystem.Ignore, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening project %s: %w", name, err)
	}
	return &artisync.Project{Name: tc.Name, Store: store}, store, nil
}

func (a *ArtisyncApp) source(name string) (*artisync.Source, error) {
	tc, err := a.cfg.Source(name)
	if err != nil {
		return nil, err
	}
	store, err := fs.NewOSTreeStore(tc.Root, a.cfg.Filesystem.Ignore, a.logger)
	if err != nil {
		return nil, fmt.Errorf("opening source %s: %w", name, err)
	}
	return &artisync.Source{Name: tc.Name, Store: store}, nil
}

// CreateSnapshot records the current collection.
func (a *ArtisyncApp) CreateSnapshot(ctx context.Context, message string) (*model.Snapshot, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	return a.service.CreateSnapshot(ctx, a.collection, message)
}

// ListSnapshots returns the newest snapshots first.
func (a *ArtisyncApp) ListSnapshots(limit int) ([]*model.Snapshot, error) {
	return a.service.ListSnapshots(a.collection, limit)
}

// ShowSnapshot loads a snapshot and its manifest, verifying every blob when verify is set.
func (a *ArtisyncApp) ShowSnapshot(id string, verify bool) (*model.Snapshot, *snapshot.Manifest, error) {
	if verify {
		if err := a.service.VerifySnapshot(a.collection, id); err != nil {
			return nil, nil, err
		}
	}
	return a.service.GetSnapshot(a.collection, id)
}

// AnalyzeRollback reports what a rollback to id would do.
func (a *ArtisyncApp) AnalyzeRollback(ctx context.Context, id string) (*artisync.RollbackAnalysis, error) {
	return a.service.AnalyzeRollback(ctx, a.collection, id)
}

// Rollback restores the collection to snapshot id.
func (a *ArtisyncApp) Rollback(ctx context.Context, id string, opts artisync.RollbackOptions) (*artisync.RollbackResult, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	return a.service.Rollback(ctx, a.collection, id, opts)
}

// DiffProject diffs the collection copy of rawRef against a project.
func (a *ArtisyncApp) DiffProject(ctx context.Context, rawRef, projectName string, contextLines int) (*diff.Result, error) {
	ref, err := artisync.ParseArtifactRef(rawRef)
	if err != nil {
		return nil, err
	}
	proj, _, err := a.project(projectName)
	if err != nil {
		return nil, err
	}
	return a.service.DiffProject(ctx, a.collection, proj, ref, contextLines)
}

// CompareSource diffs the collection copy of rawRef against a source.
func (a *ArtisyncApp) CompareSource(ctx context.Context, rawRef, sourceName string, contextLines int) (*diff.Result, error) {
	ref, err := artisync.ParseArtifactRef(rawRef)
	if err != nil {
		return nil, err
	}
	src, err := a.source(sourceName)
	if err != nil {
		return nil, err
	}
	return a.service.CompareSource(ctx, a.collection, src, ref, contextLines)
}

// Status reports drift for every artifact deployed to a project.
func (a *ArtisyncApp) Status(ctx context.Context, projectName string) ([]artisync.ArtifactDrift, error) {
	proj, _, err := a.project(projectName)
	if err != nil {
		return nil, err
	}
	return a.service.DriftStatus(ctx, a.collection, proj)
}

// Deploy copies rawRef from the collection into a project.
func (a *ArtisyncApp) Deploy(ctx context.Context, rawRef, projectName string, overwrite bool) (*model.Deployment, error) {
	ref, err := artisync.ParseArtifactRef(rawRef)
	if err != nil {
		return nil, err
	}
	proj, _, err := a.project(projectName)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	return a.service.Deploy(ctx, a.collection, proj, ref, overwrite)
}

// Pull brings collection changes to rawRef into a project.
func (a *ArtisyncApp) Pull(ctx context.Context, rawRef, projectName string, resolutions map[string]merge.Resolution) (*artisync.SyncResult, error) {
	ref, err := artisync.ParseArtifactRef(rawRef)
	if err != nil {
		return nil, err
	}
	proj, _, err := a.project(projectName)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	return a.service.Pull(ctx, a.collection, proj, ref, resolutions)
}

// Push sends project edits to rawRef back to the collection.
func (a *ArtisyncApp) Push(ctx context.Context, rawRef, projectName string, resolutions map[string]merge.Resolution) (*artisync.SyncResult, error) {
	ref, err := artisync.ParseArtifactRef(rawRef)
	if err != nil {
		return nil, err
	}
	proj, _, err := a.project(projectName)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	return a.service.Push(ctx, a.collection, proj, ref, resolutions)
}

// Discover classifies a source's artifacts against the collection.
func (a *ArtisyncApp) Discover(ctx context.Context, sourceName string, includeReviewed bool) (*artisync.DiscoveryBatch, error) {
	src, err := a.source(sourceName)
	if err != nil {
		return nil, err
	}
	return a.service.Discover(ctx, a.collection, src, artisync.DiscoverOptions{IncludeReviewed: includeReviewed})
}

// ApplyReview applies reviewed decisions for a source.
func (a *ArtisyncApp) ApplyReview(ctx context.Context, sourceName, batchID string, decisions []artisync.Decision) (*artisync.ReviewResult, error) {
	src, err := a.source(sourceName)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	return a.service.ApplyDuplicateDecisions(ctx, a.collection, src, batchID, decisions)
}

// Fingerprint fingerprints one collection artifact.
func (a *ArtisyncApp) Fingerprint(ctx context.Context, rawRef string) (fingerprint.Fingerprint, error) {
	ref, err := artisync.ParseArtifactRef(rawRef)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return a.service.FingerprintArtifact(ctx, a.collection, ref)
}

// GetHistory returns the most recent sync operations.
func (a *ArtisyncApp) GetHistory(limit int) ([]*model.Operation, error) {
	return a.service.GetHistory(limit)
}

// Watch reports drift for each project artifact that changes on disk until
// ctx is cancelled.
func (a *ArtisyncApp) Watch(ctx context.Context, projectName string, report func([]artisync.ArtifactDrift, error)) error {
	proj, store, err := a.project(projectName)
	if err != nil {
		return err
	}
	debounce := time.Duration(a.cfg.Watch.DebounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w, err := watch.New(store.Root(), debounce, func(ref artisync.ArtifactRef) {
		report(a.service.DriftStatusFor(ctx, a.collection, proj, []artisync.ArtifactRef{ref}))
	}, watch.WithSkip(store.Ignored), watch.WithLogger(a.logger))
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Close()
		return err
	}
	a.logger.Info("watching project", "project", proj.Name, "root", store.Root())

	<-ctx.Done()
	return w.Close()
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, backs up the DB, and uploads it to the vault.
// For non-persisted operations: just closes the database.
func (a *ArtisyncApp) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status); err != nil {
			keep(fmt.Errorf("finishing sync operation: %w", err))
		}

		tmpPath, err := a.snapshotDatabase()
		keep(err)

		if err := a.db.Close(); err != nil {
			keep(fmt.Errorf("closing database: %w", err))
		}

		// The DB copy is versioned by operation ID.
		if tmpPath != "" {
			keep(a.uploadMetadata(tmpPath, a.op.ID))
			os.Remove(tmpPath)
		}
	} else if err := a.db.Close(); err != nil {
		keep(fmt.Errorf("closing database: %w", err))
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// snapshotDatabase copies the database into a temp file and returns its path.
func (a *ArtisyncApp) snapshotDatabase() (string, error) {
	tmpFile, err := os.CreateTemp("", "artisync-db-*.db")
	if err != nil {
		return "", fmt.Errorf("creating temp file for db backup: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(tmpPath)

	if err := a.db.BackupTo(tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// uploadMetadata opens the DB copy and uploads it to the vault as metadata.
func (a *ArtisyncApp) uploadMetadata(path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db backup: %w", err)
	}

	if err := a.vault.PutMetadata(a.cfg.CollectionID, "db", f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading metadata to vault: %w", err)
	}
	return nil
}

// SetupEncryption generates the age key pair when encryption is enabled and
// no keys exist yet. It returns false when nothing was generated.
func SetupEncryption(cfg config.EncryptionConfig, passphrase func() (string, error)) (bool, error) {
	enc, err := encryption.NewEncryptorFromConfig(cfg)
	if err != nil {
		return false, err
	}
	if enc == nil || enc.IsConfigured() {
		return false, nil
	}
	p, err := passphrase()
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(p) == "" {
		return false, fmt.Errorf("passphrase must not be empty")
	}
	if err := enc.Setup(p); err != nil {
		return false, fmt.Errorf("generating keys: %w", err)
	}
	return true, nil
}
