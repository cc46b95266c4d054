package artisync

import "artisync/internal/model"

// Database provides metadata storage. Methods returning a single row return
// nil and no error when the row does not exist.
type Database interface {
	// Content operations

	// CreateContent records that a blob is in the vault. Recording an existing
	// checksum is a no-op.
	CreateContent(checksum string, size int64) error

	// FindContentByChecksum returns content metadata by checksum.
	FindContentByChecksum(checksum string) (*model.Content, error)

	// Snapshot operations

	CreateSnapshot(s *model.Snapshot) error

	// FindSnapshot returns the snapshot whose ID equals or starts with idPrefix.
	// An ambiguous prefix is an error.
	FindSnapshot(collectionID, idPrefix string) (*model.Snapshot, error)

	// ListSnapshots returns snapshots newest first.
	ListSnapshots(collectionID string, limit int) ([]*model.Snapshot, error)

	// LatestSnapshot returns the newest snapshot or nil.
	LatestSnapshot(collectionID string) (*model.Snapshot, error)

	// Baseline operations

	// GetBaselines returns path to hash for one artifact in a scope.
	GetBaselines(scope, artifactType, artifactName string) (map[string]string, error)

	// ReplaceBaselines atomically replaces the baselines of the given artifacts
	// in a scope. An empty map clears the artifact.
	ReplaceBaselines(scope string, baselines map[ArtifactRef]map[string]string) error

	// ResetBaselines atomically clears a scope and records baselines.
	ResetBaselines(scope string, baselines map[ArtifactRef]map[string]string) error

	// Deployment operations

	UpsertDeployment(d *model.Deployment) error
	FindDeployment(project, artifactType, artifactName string) (*model.Deployment, error)
	ListDeployments(project string) ([]*model.Deployment, error)

	// Source link operations

	// CreateSourceLink inserts a link unless an identical one exists.
	// Returns true when a new row was written.
	CreateSourceLink(link *model.SourceLink) (bool, error)
	ListSourceLinks(source string) ([]*model.SourceLink, error)

	// Sync decision operations

	// RecordSyncDecision inserts or replaces the decision for (source, path).
	RecordSyncDecision(d *model.SyncDecision) error
	FindSyncDecision(source, sourcePath string) (*model.SyncDecision, error)
	ListSyncDecisions(source string) ([]*model.SyncDecision, error)

	// Operation tracking

	CreateOperation(operation, parameters string) (*model.Operation, error)
	FinishOperation(id int64, status string) error
	ListOperations(limit int) ([]*model.Operation, error)
	MaxOperationID() (int64, error)

	// Close closes the database connection.
	Close() error
}
