package model

import (
	"database/sql"
	"time"
)

// Content records a blob stored in the vault.
// The ID is the SHA-256 checksum of the plaintext content.
type Content struct {
	ID        string // SHA-256 checksum (not a UUID)
	Size      int64
	CreatedAt time.Time
}

// Snapshot indexes a manifest stored in the vault.
// The ID is the SHA-256 of the encoded manifest, which is also its vault checksum.
type Snapshot struct {
	ID            string
	CollectionID  string
	Kind          string // "manual" or "safety"
	Message       string
	ParentID      string // empty for the first snapshot
	ArtifactCount int
	FileCount     int
	CreatedAt     time.Time
}

// Baseline is the hash of one file at the last point a scope was known to be in sync.
// Scope is "collection:<id>" for the collection's own history and
// "project:<name>" for a deployment.
type Baseline struct {
	Scope        string
	ArtifactType string
	ArtifactName string
	Path         string
	ContentID    string
	RecordedAt   time.Time
}

// Deployment records an artifact copied from the collection into a project.
type Deployment struct {
	ID           string // UUID
	CollectionID string
	Project      string
	ArtifactType string
	ArtifactName string
	DeployedAt   time.Time
	SyncedAt     time.Time
}

// SourceLink is a back-reference from an upstream discovery path to a
// collection artifact.
type SourceLink struct {
	Source       string
	SourcePath   string
	CollectionID string
	ArtifactID   string
	CreatedAt    time.Time
}

// SyncDecision is a reviewed duplicate candidate. (Source, SourcePath) is unique.
type SyncDecision struct {
	Source       string
	SourcePath   string
	ArtifactType string
	ArtifactName string
	Action       string // "link", "import" or "skip"
	MatchType    string
	ArtifactID   string // matched or imported collection artifact, if any
	BatchID      string
	DecidedAt    time.Time
}

// Operation tracks a CLI operation that mutated state.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	Status     string
}
