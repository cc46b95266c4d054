package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"artisync/internal/artisync"
	"artisync/internal/database/migrations"
	"artisync/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:   db,
		path: path,
	}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{
		db:   db,
		path: "",
	}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// MigrateUp applies all pending migrations.
func (s *SQLiteDatabase) MigrateUp() error {
	return migrations.Up(s.db)
}

// Content operations

func (s *SQLiteDatabase) CreateContent(checksum string, size int64) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO contents (id, size, created_at) VALUES (?, ?, ?)",
		checksum, size, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("creating content: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindContentByChecksum(checksum string) (*model.Content, error) {
	var c model.Content
	err := s.db.QueryRow("SELECT id, size, created_at FROM contents WHERE id = ?", checksum).
		Scan(&c.ID, &c.Size, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding content by checksum: %w", err)
	}
	return &c, nil
}

// Snapshot operations

const snapshotColumns = "id, collection_id, kind, message, parent_id, artifact_count, file_count, created_at"

func scanSnapshot(row interface{ Scan(...any) error }) (*model.Snapshot, error) {
	var snap model.Snapshot
	var parent sql.NullString
	if err := row.Scan(&snap.ID, &snap.CollectionID, &snap.Kind, &snap.Message, &parent,
		&snap.ArtifactCount, &snap.FileCount, &snap.CreatedAt); err != nil {
		return nil, err
	}
	snap.ParentID = parent.String
	return &snap, nil
}

func (s *SQLiteDatabase) CreateSnapshot(snap *model.Snapshot) error {
	parent := sql.NullString{String: snap.ParentID, Valid: snap.ParentID != ""}
	_, err := s.db.Exec(
		"INSERT INTO snapshots ("+snapshotColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		snap.ID, snap.CollectionID, snap.Kind, snap.Message, parent,
		snap.ArtifactCount, snap.FileCount, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindSnapshot(collectionID, idPrefix string) (*model.Snapshot, error) {
	if idPrefix == "" {
		return nil, nil
	}
	rows, err := s.db.Query(
		"SELECT "+snapshotColumns+" FROM snapshots WHERE collection_id = ? AND substr(id, 1, ?) = ? LIMIT 2",
		collectionID, len(idPrefix), idPrefix,
	)
	if err != nil {
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	defer rows.Close()

	var found []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		found = append(found, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("snapshot prefix %q is ambiguous", idPrefix)
	}
}

func (s *SQLiteDatabase) ListSnapshots(collectionID string, limit int) ([]*model.Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		"SELECT "+snapshotColumns+" FROM snapshots WHERE collection_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?",
		collectionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var result []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) LatestSnapshot(collectionID string) (*model.Snapshot, error) {
	snaps, err := s.ListSnapshots(collectionID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[0], nil
}

// Baseline operations

func (s *SQLiteDatabase) GetBaselines(scope, artifactType, artifactName string) (map[string]string, error) {
	rows, err := s.db.Query(
		"SELECT path, content_id FROM baselines WHERE scope = ? AND artifact_type = ? AND artifact_name = ?",
		scope, artifactType, artifactName,
	)
	if err != nil {
		return nil, fmt.Errorf("getting baselines: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var path, contentID string
		if err := rows.Scan(&path, &contentID); err != nil {
			return nil, fmt.Errorf("scanning baseline: %w", err)
		}
		result[path] = contentID
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) ReplaceBaselines(scope string, baselines map[artisync.ArtifactRef]map[string]string) error {
	return s.writeBaselines(scope, baselines, false)
}

func (s *SQLiteDatabase) ResetBaselines(scope string, baselines map[artisync.ArtifactRef]map[string]string) error {
	return s.writeBaselines(scope, baselines, true)
}

func (s *SQLiteDatabase) writeBaselines(scope string, baselines map[artisync.ArtifactRef]map[string]string, reset bool) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if reset {
		if _, err := tx.ExecContext(ctx, "DELETE FROM baselines WHERE scope = ?", scope); err != nil {
			return fmt.Errorf("clearing baselines: %w", err)
		}
	}

	now := time.Now()
	for ref, hashes := range baselines {
		if !reset {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM baselines WHERE scope = ? AND artifact_type = ? AND artifact_name = ?",
				scope, ref.Type, ref.Name,
			); err != nil {
				return fmt.Errorf("clearing baselines for %s: %w", ref, err)
			}
		}
		for path, hash := range hashes {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO baselines (scope, artifact_type, artifact_name, path, content_id, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
				scope, ref.Type, ref.Name, path, hash, now,
			); err != nil {
				return fmt.Errorf("recording baseline %s/%s: %w", ref, path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Deployment operations

const deploymentColumns = "id, collection_id, project, artifact_type, artifact_name, deployed_at, synced_at"

func scanDeployment(row interface{ Scan(...any) error }) (*model.Deployment, error) {
	var d model.Deployment
	if err := row.Scan(&d.ID, &d.CollectionID, &d.Project, &d.ArtifactType, &d.ArtifactName, &d.DeployedAt, &d.SyncedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteDatabase) UpsertDeployment(d *model.Deployment) error {
	_, err := s.db.Exec(
		"INSERT INTO deployments ("+deploymentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT(project, artifact_type, artifact_name) DO UPDATE SET "+
			"collection_id = excluded.collection_id, synced_at = excluded.synced_at",
		d.ID, d.CollectionID, d.Project, d.ArtifactType, d.ArtifactName, d.DeployedAt, d.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting deployment: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindDeployment(project, artifactType, artifactName string) (*model.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(
		"SELECT "+deploymentColumns+" FROM deployments WHERE project = ? AND artifact_type = ? AND artifact_name = ?",
		project, artifactType, artifactName,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding deployment: %w", err)
	}
	return d, nil
}

func (s *SQLiteDatabase) ListDeployments(project string) ([]*model.Deployment, error) {
	rows, err := s.db.Query(
		"SELECT "+deploymentColumns+" FROM deployments WHERE project = ? ORDER BY artifact_type, artifact_name",
		project,
	)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	defer rows.Close()

	var result []*model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Source link operations

func (s *SQLiteDatabase) CreateSourceLink(link *model.SourceLink) (bool, error) {
	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO source_links (source, source_path, collection_id, artifact_id, created_at) VALUES (?, ?, ?, ?, ?)",
		link.Source, link.SourcePath, link.CollectionID, link.ArtifactID, link.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("creating source link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creating source link: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteDatabase) ListSourceLinks(source string) ([]*model.SourceLink, error) {
	rows, err := s.db.Query(
		"SELECT source, source_path, collection_id, artifact_id, created_at FROM source_links WHERE source = ? ORDER BY source_path, artifact_id",
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("listing source links: %w", err)
	}
	defer rows.Close()

	var result []*model.SourceLink
	for rows.Next() {
		var l model.SourceLink
		if err := rows.Scan(&l.Source, &l.SourcePath, &l.CollectionID, &l.ArtifactID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning source link: %w", err)
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}

// Sync decision operations

const decisionColumns = "source, source_path, artifact_type, artifact_name, action, match_type, artifact_id, batch_id, decided_at"

func scanDecision(row interface{ Scan(...any) error }) (*model.SyncDecision, error) {
	var d model.SyncDecision
	if err := row.Scan(&d.Source, &d.SourcePath, &d.ArtifactType, &d.ArtifactName, &d.Action,
		&d.MatchType, &d.ArtifactID, &d.BatchID, &d.DecidedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteDatabase) RecordSyncDecision(d *model.SyncDecision) error {
	_, err := s.db.Exec(
		"INSERT INTO sync_decisions ("+decisionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT(source, source_path) DO UPDATE SET "+
			"artifact_type = excluded.artifact_type, artifact_name = excluded.artifact_name, "+
			"action = excluded.action, match_type = excluded.match_type, artifact_id = excluded.artifact_id, "+
			"batch_id = excluded.batch_id, decided_at = excluded.decided_at",
		d.Source, d.SourcePath, d.ArtifactType, d.ArtifactName, d.Action, d.MatchType, d.ArtifactID, d.BatchID, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("recording sync decision: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindSyncDecision(source, sourcePath string) (*model.SyncDecision, error) {
	d, err := scanDecision(s.db.QueryRow(
		"SELECT "+decisionColumns+" FROM sync_decisions WHERE source = ? AND source_path = ?",
		source, sourcePath,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding sync decision: %w", err)
	}
	return d, nil
}

func (s *SQLiteDatabase) ListSyncDecisions(source string) ([]*model.SyncDecision, error) {
	rows, err := s.db.Query(
		"SELECT "+decisionColumns+" FROM sync_decisions WHERE source = ? ORDER BY source_path",
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sync decisions: %w", err)
	}
	defer rows.Close()

	var result []*model.SyncDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync decision: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Sync operation tracking

func (s *SQLiteDatabase) CreateOperation(operation string, parameters string) (*model.Operation, error) {
	op := &model.Operation{
		StartedAt:  time.Now(),
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
	}
	res, err := s.db.Exec(
		"INSERT INTO sync_operations (started_at, operation, parameters, status) VALUES (?, ?, ?, ?)",
		op.StartedAt, op.Operation, op.Parameters, op.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	op.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteDatabase) FinishOperation(id int64, status string) error {
	_, err := s.db.Exec(
		"UPDATE sync_operations SET finished_at = ?, status = ? WHERE id = ?",
		sql.NullTime{Time: time.Now(), Valid: true}, status, id,
	)
	if err != nil {
		return fmt.Errorf("finishing sync operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(limit int) ([]*model.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		"SELECT id, started_at, finished_at, operation, parameters, status FROM sync_operations ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	defer rows.Close()

	var result []*model.Operation
	for rows.Next() {
		var op model.Operation
		if err := rows.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning sync operation: %w", err)
		}
		result = append(result, &op)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) MaxOperationID() (int64, error) {
	var id int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM sync_operations").Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max sync operation ID: %w", err)
	}
	return id, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Check(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements artisync.Database interface
var _ artisync.Database = (*SQLiteDatabase)(nil)
