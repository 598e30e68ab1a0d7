package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openverge/openverge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration. Zero pool fields select the
// defaults (25 open, 5 idle, 5m lifetime).
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateSession persists a session, its domain configuration and its
// creation audit entry in one transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *engine.OrchestrationSession, cfg engine.DomainConfig, audit *engine.AuditEntry) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode domain config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, domain, customer, environment, current_phase, status, dry_run, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.Domain,
		session.Customer,
		session.Environment,
		string(session.CurrentPhase),
		string(session.Status),
		session.DryRun,
		string(configJSON),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	return tx.Commit()
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*engine.OrchestrationSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain, customer, environment, current_phase, status, dry_run, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	session := &engine.OrchestrationSession{}
	var phase, status string
	err := row.Scan(
		&session.ID,
		&session.Domain,
		&session.Customer,
		&session.Environment,
		&phase,
		&status,
		&session.DryRun,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.CurrentPhase = engine.Phase(phase)
	session.Status = engine.SessionStatus(status)
	return session, nil
}

// GetDomainConfig retrieves the configuration a session was created with.
func (s *SQLiteStore) GetDomainConfig(ctx context.Context, sessionID string) (*engine.DomainConfig, error) {
	var configJSON string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM sessions WHERE id = ?`, sessionID).Scan(&configJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session config: %w", err)
	}

	cfg := &engine.DomainConfig{}
	if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
		return nil, fmt.Errorf("failed to decode session config: %w", err)
	}
	return cfg, nil
}

// UpdateSession persists a session mutation and its audit entry atomically.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *engine.OrchestrationSession, audit *engine.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET current_phase = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(session.CurrentPhase),
		string(session.Status),
		session.UpdatedAt,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", session.ID, engine.ErrNotFound)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	return tx.Commit()
}

// ListSessions lists sessions, optionally filtered by status.
func (s *SQLiteStore) ListSessions(ctx context.Context, status *engine.SessionStatus) ([]*engine.OrchestrationSession, error) {
	query := `
		SELECT id, domain, customer, environment, current_phase, status, dry_run, created_at, updated_at
		FROM sessions
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at ASC`

	var statusStr *string
	if status != nil {
		v := string(*status)
		statusStr = &v
	}

	rows, err := s.db.QueryContext(ctx, query, statusStr, statusStr)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*engine.OrchestrationSession{}
	for rows.Next() {
		session := &engine.OrchestrationSession{}
		var phase, st string
		if err := rows.Scan(
			&session.ID,
			&session.Domain,
			&session.Customer,
			&session.Environment,
			&phase,
			&st,
			&session.DryRun,
			&session.CreatedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		session.CurrentPhase = engine.Phase(phase)
		session.Status = engine.SessionStatus(st)
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// ClaimSession takes the per-session advisory lock. The upsert only
// succeeds when the claim is free or already held by the same owner, which
// serializes concurrent resume attempts: the first resumer wins.
func (s *SQLiteStore) ClaimSession(ctx context.Context, id, owner string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO session_claims (session_id, owner, claimed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET claimed_at = excluded.claimed_at
		WHERE session_claims.owner = excluded.owner`,
		id, owner, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ReleaseSession releases the advisory lock held by owner.
func (s *SQLiteStore) ReleaseSession(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_claims WHERE session_id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}
	return nil
}

// AppendPhaseRecord appends one phase attempt record.
func (s *SQLiteStore) AppendPhaseRecord(ctx context.Context, record *engine.PhaseRecord) error {
	var output *string
	if len(record.Output) > 0 {
		v := string(record.Output)
		output = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_records (session_id, phase, attempt, outcome, output, error_detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		string(record.Phase),
		record.Attempt,
		string(record.Outcome),
		output,
		record.ErrorDetail,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append phase record: %w", err)
	}
	return nil
}

// ListPhaseRecords lists all phase records for a session in append order.
func (s *SQLiteStore) ListPhaseRecords(ctx context.Context, sessionID string) ([]*engine.PhaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, phase, attempt, outcome, output, error_detail, started_at, finished_at
		FROM phase_records
		WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase records: %w", err)
	}
	defer rows.Close()

	records := []*engine.PhaseRecord{}
	for rows.Next() {
		record := &engine.PhaseRecord{}
		var phase, outcome string
		var output, errDetail sql.NullString
		if err := rows.Scan(
			&record.SessionID,
			&phase,
			&record.Attempt,
			&outcome,
			&output,
			&errDetail,
			&record.StartedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan phase record: %w", err)
		}
		record.Phase = engine.Phase(phase)
		record.Outcome = engine.PhaseOutcome(outcome)
		if output.Valid {
			record.Output = json.RawMessage(output.String)
		}
		record.ErrorDetail = errDetail.String
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase records: %w", err)
	}

	return records, nil
}

// PutBridgeEntry writes a versioned phase output and returns the version.
// Version assignment and insert happen in one transaction so versions are
// strictly monotonic per session+phase.
func (s *SQLiteStore) PutBridgeEntry(ctx context.Context, sessionID string, phase engine.Phase, payload json.RawMessage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM bridge_entries
		WHERE session_id = ? AND phase = ?`, sessionID, string(phase)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate bridge version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bridge_entries (session_id, phase, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(phase), version, string(payload), time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to put bridge entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bridge entry: %w", err)
	}
	return version, nil
}

// GetBridgeEntry reads a phase output. Version 0 means latest.
func (s *SQLiteStore) GetBridgeEntry(ctx context.Context, sessionID string, phase engine.Phase, version int64) (json.RawMessage, error) {
	var payload string
	var err error
	if version == 0 {
		err = s.db.QueryRowContext(ctx, `
			SELECT payload FROM bridge_entries
			WHERE session_id = ? AND phase = ?
			ORDER BY version DESC LIMIT 1`, sessionID, string(phase)).Scan(&payload)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT payload FROM bridge_entries
			WHERE session_id = ? AND phase = ? AND version = ?`,
			sessionID, string(phase), version).Scan(&payload)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bridge entry %s/%s: %w", sessionID, phase, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge entry: %w", err)
	}

	return json.RawMessage(payload), nil
}

// LatestCompletedPhase returns the last phase with a persisted bridge entry
// for the session, in lifecycle order.
func (s *SQLiteStore) LatestCompletedPhase(ctx context.Context, sessionID string) (engine.Phase, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT phase FROM bridge_entries WHERE session_id = ?`, sessionID)
	if err != nil {
		return "", false, fmt.Errorf("failed to query completed phases: %w", err)
	}
	defer rows.Close()

	latest := -1
	for rows.Next() {
		var phase string
		if err := rows.Scan(&phase); err != nil {
			return "", false, fmt.Errorf("failed to scan phase: %w", err)
		}
		if idx := engine.Phase(phase).Index(); idx > latest {
			latest = idx
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("error iterating phases: %w", err)
	}

	if latest < 0 {
		return "", false, nil
	}
	return engine.Lifecycle[latest], true, nil
}

// PushRollbackAction appends a rollback action with the next sequence
// number for the session.
func (s *SQLiteStore) PushRollbackAction(ctx context.Context, action *engine.RollbackAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM rollback_actions
		WHERE session_id = ?`, action.SessionID).Scan(&action.Sequence)
	if err != nil {
		return fmt.Errorf("failed to allocate rollback sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rollback_actions (session_id, sequence, kind, payload, executed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		action.SessionID,
		action.Sequence,
		string(action.Kind),
		string(action.Payload),
		action.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to push rollback action: %w", err)
	}

	return tx.Commit()
}

// ListRollbackActions lists a session's rollback actions in ascending
// sequence order.
func (s *SQLiteStore) ListRollbackActions(ctx context.Context, sessionID string, includeExecuted bool) ([]*engine.RollbackAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, kind, payload, executed, created_at
		FROM rollback_actions
		WHERE session_id = ? AND (? OR executed = 0)
		ORDER BY sequence ASC`, sessionID, includeExecuted)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback actions: %w", err)
	}
	defer rows.Close()

	actions := []*engine.RollbackAction{}
	for rows.Next() {
		action := &engine.RollbackAction{}
		var kind, payload string
		if err := rows.Scan(
			&action.SessionID,
			&action.Sequence,
			&kind,
			&payload,
			&action.Executed,
			&action.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rollback action: %w", err)
		}
		action.Kind = engine.ActionKind(kind)
		action.Payload = json.RawMessage(payload)
		actions = append(actions, action)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollback actions: %w", err)
	}

	return actions, nil
}

// MarkRollbackExecuted marks one action as executed.
func (s *SQLiteStore) MarkRollbackExecuted(ctx context.Context, sessionID string, sequence int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rollback_actions SET executed = 1
		WHERE session_id = ? AND sequence = ?`, sessionID, sequence)
	if err != nil {
		return fmt.Errorf("failed to mark rollback action executed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rollback action %s/%d: %w", sessionID, sequence, engine.ErrNotFound)
	}
	return nil
}

// AppendAudit appends one audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (session_id, timestamp, actor, action, detail)
		VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID,
		entry.Timestamp,
		entry.Actor,
		entry.Action,
		entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAudit returns the full audit trail for a session in append order.
func (s *SQLiteStore) ListAudit(ctx context.Context, sessionID string) ([]*engine.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, timestamp, actor, action, detail
		FROM audit
		WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		var detail sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.Timestamp,
			&entry.Actor,
			&entry.Action,
			&detail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Detail = detail.String
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry *engine.AuditEntry) error {
	if entry == nil {
		return nil
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO audit (session_id, timestamp, actor, action, detail)
		VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID,
		entry.Timestamp,
		entry.Actor,
		entry.Action,
		entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}
