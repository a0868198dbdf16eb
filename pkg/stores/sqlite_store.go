package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/tgworker/pkg/progress"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config

	// now is replaced in tests
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// RecordTimeout bounds history writes made outside a caller's context.
	RecordTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.RecordTimeout == 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	if isMemory(cfg.Path) {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite", s.cfg.Path+sep+pragmas)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
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

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// PutFile stores a file object. CreatedAt defaults to now.
func (s *SQLiteStore) PutFile(ctx context.Context, file *FileObject) error {
	if file.CreatedAt.IsZero() {
		file.CreatedAt = s.now().UTC()
	}
	query := `
		INSERT INTO files (id, bucket, account_id, name, size, checksum, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		file.ID,
		file.Bucket,
		file.AccountID,
		file.Name,
		file.Size,
		file.Checksum,
		file.Content,
		file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store file: %w", err)
	}

	return nil
}

// GetFile retrieves a file by bucket and ID
func (s *SQLiteStore) GetFile(ctx context.Context, bucket, id string) (*FileObject, error) {
	query := `
		SELECT id, bucket, account_id, name, size, checksum, content, created_at
		FROM files
		WHERE bucket = ? AND id = ?
	`

	f := &FileObject{}
	err := s.db.QueryRowContext(ctx, query, bucket, id).Scan(
		&f.ID,
		&f.Bucket,
		&f.AccountID,
		&f.Name,
		&f.Size,
		&f.Checksum,
		&f.Content,
		&f.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s/%s: %w", bucket, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return f, nil
}

// DeleteFile deletes a file by bucket and ID
func (s *SQLiteStore) DeleteFile(ctx context.Context, bucket, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE bucket = ? AND id = ?`, bucket, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return expectRows(result, fmt.Errorf("file %s/%s: %w", bucket, id, ErrNotFound))
}

// PutSecret stores ciphertext under (manager, name), which must be unused.
func (s *SQLiteStore) PutSecret(ctx context.Context, secret *SecretBlob) error {
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = s.now().UTC()
	}
	query := `
		INSERT INTO secrets (id, name, manager, account_id, key_id, salt, nonce, ciphertext, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		secret.ID,
		secret.Name,
		secret.Manager,
		secret.AccountID,
		secret.KeyID,
		secret.Salt,
		secret.Nonce,
		secret.Ciphertext,
		secret.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}

	return nil
}

// GetSecret retrieves a secret by manager and name
func (s *SQLiteStore) GetSecret(ctx context.Context, manager, name string) (*SecretBlob, error) {
	query := `
		SELECT id, name, manager, account_id, key_id, salt, nonce, ciphertext, created_at
		FROM secrets
		WHERE manager = ? AND name = ?
	`

	sb := &SecretBlob{}
	err := s.db.QueryRowContext(ctx, query, manager, name).Scan(
		&sb.ID,
		&sb.Name,
		&sb.Manager,
		&sb.AccountID,
		&sb.KeyID,
		&sb.Salt,
		&sb.Nonce,
		&sb.Ciphertext,
		&sb.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("secret %s in %s: %w", name, manager, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	return sb, nil
}

// DeleteSecret removes a secret. It reports false when nothing was deleted.
func (s *SQLiteStore) DeleteSecret(ctx context.Context, manager, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE manager = ? AND name = ?`, manager, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete secret: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// StartTaskRun records a running task. A retried task ID restarts its row.
func (s *SQLiteStore) StartTaskRun(ctx context.Context, run *TaskRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now().UTC()
	}
	if run.Status == "" {
		run.Status = TaskRunStatusRunning
	}
	query := `
		INSERT INTO task_runs (task_id, kind, run_type, account_id, entity_id, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			error_kind = NULL,
			error = NULL,
			response = NULL,
			started_at = excluded.started_at,
			completed_at = NULL
	`

	_, err := s.db.ExecContext(ctx, query,
		run.TaskID,
		run.Kind,
		run.RunType,
		run.AccountID,
		run.EntityID,
		run.Status,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to start task run: %w", err)
	}

	return nil
}

// FinishTaskRun sets the final status of a task run
func (s *SQLiteStore) FinishTaskRun(ctx context.Context, taskID string, status TaskRunStatus, errKind, errMsg, response *string) error {
	query := `
		UPDATE task_runs
		SET status = ?, error_kind = ?, error = ?, response = ?, completed_at = ?
		WHERE task_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errKind, errMsg, response, s.now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to finish task run: %w", err)
	}
	return expectRows(result, fmt.Errorf("task run %s: %w", taskID, ErrNotFound))
}

const taskRunColumns = `task_id, kind, run_type, account_id, entity_id, status, error_kind, error, response, started_at, completed_at`

func scanTaskRun(row interface{ Scan(...any) error }) (*TaskRun, error) {
	run := &TaskRun{}
	err := row.Scan(
		&run.TaskID,
		&run.Kind,
		&run.RunType,
		&run.AccountID,
		&run.EntityID,
		&run.Status,
		&run.ErrorKind,
		&run.Error,
		&run.Response,
		&run.StartedAt,
		&run.CompletedAt,
	)
	return run, err
}

// GetTaskRun retrieves a task run by task ID
func (s *SQLiteStore) GetTaskRun(ctx context.Context, taskID string) (*TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE task_id = ?`, taskID)
	run, err := scanTaskRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task run %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	return run, nil
}

// ListTaskRuns lists runs newest first. Empty accountID or entityID match any.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, accountID, entityID string, limit, offset int) ([]*TaskRun, error) {
	query := `SELECT ` + taskRunColumns + ` FROM task_runs WHERE 1=1`
	args := []interface{}{}

	if accountID != "" {
		query += " AND account_id = ?"
		args = append(args, accountID)
	}
	if entityID != "" {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}

	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	runs := []*TaskRun{}
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}

	return runs, nil
}

// AppendUnit records a unit transition
func (s *SQLiteStore) AppendUnit(ctx context.Context, rec *UnitRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now().UTC()
	}
	query := `
		INSERT INTO unit_history (task_id, unit, status, started_at, ended_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.TaskID,
		rec.Unit,
		rec.Status,
		rec.StartedAt,
		rec.EndedAt,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append unit: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	rec.ID = id

	return nil
}

// ListUnits returns the unit transitions of a task in recording order
func (s *SQLiteStore) ListUnits(ctx context.Context, taskID string) ([]*UnitRecord, error) {
	query := `
		SELECT id, task_id, unit, status, started_at, ended_at, recorded_at
		FROM unit_history
		WHERE task_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	recs := []*UnitRecord{}
	for rows.Next() {
		rec := &UnitRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.TaskID,
			&rec.Unit,
			&rec.Status,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating units: %w", err)
	}

	return recs, nil
}

// RecordUnit implements progress.Recorder on top of AppendUnit.
func (s *SQLiteStore) RecordUnit(taskID string, up progress.UnitProgress) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecordTimeout)
	defer cancel()

	rec := &UnitRecord{
		TaskID:    taskID,
		Unit:      up.Unit,
		Status:    up.Status,
		StartedAt: up.StartedAt,
	}
	if !up.EndedAt.IsZero() {
		ended := up.EndedAt
		rec.EndedAt = &ended
	}
	return s.AppendUnit(ctx, rec)
}

var _ progress.Recorder = (*SQLiteStore)(nil)

// HealthCheck verifies the database is accessible
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func expectRows(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
