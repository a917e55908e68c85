// Package store provides SQLite-backed durable persistence shared by the
// configuration store, deployment orchestrator, iteration engine, and
// voting-results exporter.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for DAL core state.
type Store struct {
	db *sql.DB
}

// ConfigurationRecord is a versioned, project-scoped Configuration snapshot.
type ConfigurationRecord struct {
	ID          int64
	Project     string
	Version     int
	State       string // draft, active, superseded
	Body        string // canonical JSON encoding of the Configuration
	CreatedAt   time.Time
	ActivatedAt sql.NullTime
}

// DeploymentIntent tracks the idempotent, resumable deployment state machine.
type DeploymentIntent struct {
	ID             int64
	Project        string
	BundleDigest   string
	IdempotencyKey string
	State          string // pending, bundling, publishing, announcing, confirmed, failed
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IterationCheckpoint records the durable phase state for one iteration round.
type IterationCheckpoint struct {
	ID         int64
	Project    string
	Round      int
	Phase      string // training, querying, voting, accumulating, finalized
	WorkflowID string
	Detail     string // JSON blob of phase-specific progress
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExportRecord tracks each voting-results export attempt for idempotent
// resumption. Payload holds the last successfully posted artifact JSON so a
// resumed export can compute its superset merge without re-reading
// anything from the ML service, which owns the file itself once posted.
type ExportRecord struct {
	ID         int64
	Project    string
	Round      int
	OutputPath string
	Checksum   string
	Payload    string
	State      string // pending, written, failed
	CreatedAt  time.Time
}

// EventLogEntry is an append-only record of a published event bus message,
// kept for replay and audit after delivery.
type EventLogEntry struct {
	ID        int64
	Topic     string
	Project   string
	Payload   string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS configurations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	version INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT 'draft',
	body TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	activated_at DATETIME
);

CREATE TABLE IF NOT EXISTS deployment_intents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	bundle_digest TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS iteration_checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	round INTEGER NOT NULL,
	phase TEXT NOT NULL,
	workflow_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS export_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	round INTEGER NOT NULL,
	output_path TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_configurations_project_version ON configurations(project, version);
CREATE INDEX IF NOT EXISTS idx_configurations_project_state ON configurations(project, state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_deployment_intents_idempotency ON deployment_intents(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_deployment_intents_project ON deployment_intents(project);
CREATE UNIQUE INDEX IF NOT EXISTS idx_iteration_checkpoints_project_round ON iteration_checkpoints(project, round);
CREATE INDEX IF NOT EXISTS idx_export_records_project_round ON export_records(project, round);
CREATE INDEX IF NOT EXISTS idx_event_log_topic ON event_log(topic);
`

// Open creates or opens a SQLite database at the given path and ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('deployment_intents') WHERE name = 'bundle_digest'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check bundle_digest column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE deployment_intents ADD COLUMN bundle_digest TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add bundle_digest column: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertConfiguration records a new draft configuration version for a project.
func (s *Store) InsertConfiguration(project string, version int, body string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO configurations (project, version, state, body) VALUES (?, ?, 'draft', ?)`,
		project, version, body,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert configuration: %w", err)
	}
	return res.LastInsertId()
}

// ActivateConfiguration marks a version active and supersedes any prior active version.
func (s *Store) ActivateConfiguration(project string, version int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: activate configuration: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE configurations SET state = 'superseded' WHERE project = ? AND state = 'active'`,
		project,
	); err != nil {
		return fmt.Errorf("store: activate configuration: supersede: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE configurations SET state = 'active', activated_at = datetime('now') WHERE project = ? AND version = ?`,
		project, version,
	)
	if err != nil {
		return fmt.Errorf("store: activate configuration: activate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: activate configuration: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("store: activate configuration: project %s version %d not found", project, version)
	}

	return tx.Commit()
}

// GetActiveConfiguration returns the active configuration for a project, if any.
func (s *Store) GetActiveConfiguration(project string) (*ConfigurationRecord, error) {
	records, err := s.queryConfigurations(
		`SELECT id, project, version, state, body, created_at, activated_at FROM configurations WHERE project = ? AND state = 'active' LIMIT 1`,
		project,
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// GetConfigurationVersion returns a specific version of a project's configuration.
func (s *Store) GetConfigurationVersion(project string, version int) (*ConfigurationRecord, error) {
	records, err := s.queryConfigurations(
		`SELECT id, project, version, state, body, created_at, activated_at FROM configurations WHERE project = ? AND version = ? LIMIT 1`,
		project, version,
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ListActiveProjects returns every project with a currently active
// configuration, for restoring in-memory state after a restart.
func (s *Store) ListActiveProjects() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT project FROM configurations WHERE state = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("store: list active projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var project string
		if err := rows.Scan(&project); err != nil {
			return nil, fmt.Errorf("store: list active projects: scan: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// ListConfigurationVersions returns every version recorded for a project, newest first.
func (s *Store) ListConfigurationVersions(project string) ([]ConfigurationRecord, error) {
	return s.queryConfigurations(
		`SELECT id, project, version, state, body, created_at, activated_at FROM configurations WHERE project = ? ORDER BY version DESC`,
		project,
	)
}

func (s *Store) queryConfigurations(query string, args ...any) ([]ConfigurationRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query configurations: %w", err)
	}
	defer rows.Close()

	var records []ConfigurationRecord
	for rows.Next() {
		var r ConfigurationRecord
		if err := rows.Scan(&r.ID, &r.Project, &r.Version, &r.State, &r.Body, &r.CreatedAt, &r.ActivatedAt); err != nil {
			return nil, fmt.Errorf("store: scan configuration: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// NextConfigurationVersion returns the next version number to use for a project.
func (s *Store) NextConfigurationVersion(project string) (int, error) {
	var max int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM configurations WHERE project = ?`, project).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: next configuration version: %w", err)
	}
	return max + 1, nil
}

// InsertDeploymentIntent records a new deployment intent, keyed by an idempotency key
// supplied by the caller so repeated requests don't create duplicate deployments.
func (s *Store) InsertDeploymentIntent(project, idempotencyKey string) (*DeploymentIntent, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return nil, fmt.Errorf("store: insert deployment intent: idempotency key is required")
	}

	res, err := s.db.Exec(
		`INSERT INTO deployment_intents (project, idempotency_key, state) VALUES (?, ?, 'pending')
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		project, idempotencyKey,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert deployment intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: insert deployment intent: rows affected: %w", err)
	}
	if affected == 0 {
		return s.GetDeploymentIntentByKey(idempotencyKey)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: insert deployment intent: last insert id: %w", err)
	}
	return s.GetDeploymentIntent(id)
}

// GetDeploymentIntent loads a deployment intent by ID.
func (s *Store) GetDeploymentIntent(id int64) (*DeploymentIntent, error) {
	intents, err := s.queryDeploymentIntents(
		`SELECT id, project, bundle_digest, idempotency_key, state, attempts, last_error, created_at, updated_at FROM deployment_intents WHERE id = ?`,
		id,
	)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, fmt.Errorf("store: deployment intent %d not found", id)
	}
	return &intents[0], nil
}

// GetLatestDeploymentIntent returns the most recently created deployment
// intent for a project, if any, for status reporting.
func (s *Store) GetLatestDeploymentIntent(project string) (*DeploymentIntent, error) {
	intents, err := s.queryDeploymentIntents(
		`SELECT id, project, bundle_digest, idempotency_key, state, attempts, last_error, created_at, updated_at FROM deployment_intents WHERE project = ? ORDER BY id DESC LIMIT 1`,
		project,
	)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, nil
	}
	return &intents[0], nil
}

// GetDeploymentIntentByKey loads a deployment intent by its idempotency key.
func (s *Store) GetDeploymentIntentByKey(idempotencyKey string) (*DeploymentIntent, error) {
	intents, err := s.queryDeploymentIntents(
		`SELECT id, project, bundle_digest, idempotency_key, state, attempts, last_error, created_at, updated_at FROM deployment_intents WHERE idempotency_key = ?`,
		idempotencyKey,
	)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, nil
	}
	return &intents[0], nil
}

// AdvanceDeploymentIntent transitions a deployment intent to a new state,
// optionally recording the bundle digest once it becomes known.
func (s *Store) AdvanceDeploymentIntent(id int64, state, bundleDigest string) error {
	_, err := s.db.Exec(
		`UPDATE deployment_intents
		 SET state = ?,
		     bundle_digest = CASE WHEN ? != '' THEN ? ELSE bundle_digest END,
		     attempts = attempts + 1,
		     updated_at = datetime('now')
		 WHERE id = ?`,
		state, bundleDigest, bundleDigest, id,
	)
	if err != nil {
		return fmt.Errorf("store: advance deployment intent: %w", err)
	}
	return nil
}

// FailDeploymentIntent records a failure and its message without advancing attempts twice.
func (s *Store) FailDeploymentIntent(id int64, lastError string) error {
	_, err := s.db.Exec(
		`UPDATE deployment_intents SET state = 'failed', last_error = ?, updated_at = datetime('now') WHERE id = ?`,
		lastError, id,
	)
	if err != nil {
		return fmt.Errorf("store: fail deployment intent: %w", err)
	}
	return nil
}

func (s *Store) queryDeploymentIntents(query string, args ...any) ([]DeploymentIntent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query deployment intents: %w", err)
	}
	defer rows.Close()

	var intents []DeploymentIntent
	for rows.Next() {
		var d DeploymentIntent
		if err := rows.Scan(&d.ID, &d.Project, &d.BundleDigest, &d.IdempotencyKey, &d.State, &d.Attempts, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan deployment intent: %w", err)
		}
		intents = append(intents, d)
	}
	return intents, rows.Err()
}

// UpsertIterationCheckpoint records or advances the phase checkpoint for a round.
func (s *Store) UpsertIterationCheckpoint(project string, round int, phase, workflowID, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO iteration_checkpoints (project, round, phase, workflow_id, detail)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project, round) DO UPDATE SET
		   phase=excluded.phase,
		   workflow_id=excluded.workflow_id,
		   detail=excluded.detail,
		   updated_at=datetime('now')`,
		project, round, phase, workflowID, detail,
	)
	if err != nil {
		return fmt.Errorf("store: upsert iteration checkpoint: %w", err)
	}
	return nil
}

// GetIterationCheckpoint returns the checkpoint for a project/round, if any.
func (s *Store) GetIterationCheckpoint(project string, round int) (*IterationCheckpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, project, round, phase, workflow_id, detail, created_at, updated_at FROM iteration_checkpoints WHERE project = ? AND round = ?`,
		project, round,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get iteration checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var c IterationCheckpoint
	if err := rows.Scan(&c.ID, &c.Project, &c.Round, &c.Phase, &c.WorkflowID, &c.Detail, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: scan iteration checkpoint: %w", err)
	}
	return &c, nil
}

// GetLatestIterationRound returns the highest recorded round number for a project.
func (s *Store) GetLatestIterationRound(project string) (int, error) {
	var round int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(round), 0) FROM iteration_checkpoints WHERE project = ?`, project).Scan(&round)
	if err != nil {
		return 0, fmt.Errorf("store: get latest iteration round: %w", err)
	}
	return round, nil
}

// InsertExportRecord records a pending export for a project/round pair.
func (s *Store) InsertExportRecord(project string, round int, outputPath string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO export_records (project, round, output_path, state) VALUES (?, ?, ?, 'pending')`,
		project, round, outputPath,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert export record: %w", err)
	}
	return res.LastInsertId()
}

// CompleteExportRecord marks an export written and stores its checksum and
// the posted artifact payload, the latter letting a future export compute
// its superset merge without a round trip to the ML service.
func (s *Store) CompleteExportRecord(id int64, checksum, payload string) error {
	_, err := s.db.Exec(
		`UPDATE export_records SET state = 'written', checksum = ?, payload = ? WHERE id = ?`,
		checksum, payload, id,
	)
	if err != nil {
		return fmt.Errorf("store: complete export record: %w", err)
	}
	return nil
}

// FailExportRecord marks an export attempt failed.
func (s *Store) FailExportRecord(id int64) error {
	_, err := s.db.Exec(`UPDATE export_records SET state = 'failed' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: fail export record: %w", err)
	}
	return nil
}

// GetLatestExportRecord returns the most recent export record for a project/round.
func (s *Store) GetLatestExportRecord(project string, round int) (*ExportRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, project, round, output_path, checksum, payload, state, created_at FROM export_records WHERE project = ? AND round = ? ORDER BY id DESC LIMIT 1`,
		project, round,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get latest export record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var r ExportRecord
	if err := rows.Scan(&r.ID, &r.Project, &r.Round, &r.OutputPath, &r.Checksum, &r.Payload, &r.State, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: scan export record: %w", err)
	}
	return &r, nil
}

// AppendEventLog records a published event for replay and audit.
func (s *Store) AppendEventLog(topic, project, payload string) error {
	_, err := s.db.Exec(
		`INSERT INTO event_log (topic, project, payload) VALUES (?, ?, ?)`,
		topic, project, payload,
	)
	if err != nil {
		return fmt.Errorf("store: append event log: %w", err)
	}
	return nil
}

// GetRecentEvents returns event log entries for a topic within the last N hours.
func (s *Store) GetRecentEvents(topic string, hours int) ([]EventLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, topic, project, payload, created_at FROM event_log WHERE topic = ? AND created_at >= datetime('now', ? || ' hours') ORDER BY created_at DESC`,
		topic, fmt.Sprintf("-%d", hours),
	)
	if err != nil {
		return nil, fmt.Errorf("store: get recent events: %w", err)
	}
	defer rows.Close()

	var events []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Project, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event log entry: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
