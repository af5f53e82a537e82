package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crypta.vault/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

//go:embed schema/postgres.sql
var postgresSchema string

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var _ Store = (*SQLStore)(nil)

type SQLConfig struct {
	Driver          string
	Path            string // sqlite3
	DSN             string // postgres
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// NewSQLStore opens the database, applies the pool settings and creates the
// schema if it does not exist.
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, errors.New("sqlite path is required")
		}
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err = sqlx.Open(DriverSQLite, sqliteDSN(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	case DriverPostgres, "postgresql":
		db, err = sqlx.Open(DriverPostgres, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		cfg.Driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: cfg.Driver}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN enables foreign keys on every pooled connection and makes
// BeginTx take the write lock up front.
func sqliteDSN(cfg SQLConfig) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", fmt.Sprint(busy.Milliseconds()))
	return "file:" + cfg.Path + "?" + q.Encode()
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if s.driver == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		return nil
	}

	for _, stmt := range strings.Split(postgresSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Projects

func (s *SQLStore) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO projects (id, name, slug, owner_id, status, created_at, updated_at)
		VALUES (:id, :name, :slug, :owner_id, :status, :created_at, :updated_at)`, p)
	return translate(err)
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT * FROM projects WHERE id = ?`), id)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *SQLStore) ListProjectsByOwner(ctx context.Context, ownerID string) ([]*models.Project, error) {
	out := []*models.Project{}
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT * FROM projects WHERE owner_id = ? ORDER BY id DESC`), ownerID)
	return out, translate(err)
}

func (s *SQLStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	return affected(res, err)
}

// Secrets

func (s *SQLStore) CreateSecret(ctx context.Context, secret *models.Secret) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO secrets (id, project_id, name, labels, created_by, status, created_at, updated_at)
		VALUES (:id, :project_id, :name, :labels, :created_by, :status, :created_at, :updated_at)`, secret)
	return translate(err)
}

func (s *SQLStore) CreateSecretWithVersion(ctx context.Context, secret *models.Secret, v *models.SecretVersion) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO secrets (id, project_id, name, labels, created_by, status, created_at, updated_at)
			VALUES (:id, :project_id, :name, :labels, :created_by, :status, :created_at, :updated_at)`, secret); err != nil {
			return err
		}

		row := *v
		row.SecretID = secret.ID
		row.Version = 1
		row.Status = models.VersionEnabled
		if err := insertVersion(ctx, tx, &row); err != nil {
			return err
		}

		v.SecretID = row.SecretID
		v.Version = row.Version
		v.Status = row.Status
		return nil
	})
}

func (s *SQLStore) GetSecret(ctx context.Context, id string) (*models.Secret, error) {
	var secret models.Secret
	err := s.db.GetContext(ctx, &secret, s.db.Rebind(`SELECT * FROM secrets WHERE id = ?`), id)
	if err != nil {
		return nil, translate(err)
	}
	return &secret, nil
}

func (s *SQLStore) GetSecretByName(ctx context.Context, projectID, name string) (*models.Secret, error) {
	var secret models.Secret
	err := s.db.GetContext(ctx, &secret,
		s.db.Rebind(`SELECT * FROM secrets WHERE project_id = ? AND name = ?`), projectID, name)
	if err != nil {
		return nil, translate(err)
	}
	return &secret, nil
}

func (s *SQLStore) ListSecrets(ctx context.Context, projectID string) ([]*models.Secret, error) {
	out := []*models.Secret{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM secrets WHERE project_id = ? AND status <> ? ORDER BY id DESC`),
		projectID, models.LifecycleDeleted)
	return out, translate(err)
}

func (s *SQLStore) DeleteSecret(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		status, err := s.lockSecret(ctx, tx, id)
		if err != nil {
			return err
		}
		if status == models.LifecycleDeleted {
			return ErrInvalidState
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE secret_versions SET status = ? WHERE secret_id = ? AND status = ?`),
			models.VersionDisabled, id, models.VersionEnabled); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE secrets SET status = ?, updated_at = ?, deleted_at = ? WHERE id = ?`),
			models.LifecycleDeleted, at, at, id)
		return err
	})
}

// Versions

func (s *SQLStore) AppendVersion(ctx context.Context, v *models.SecretVersion) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		status, err := s.lockSecret(ctx, tx, v.SecretID)
		if err != nil {
			return err
		}
		if status != models.LifecycleActive {
			return ErrInvalidState
		}

		var next int
		if err := tx.GetContext(ctx, &next, tx.Rebind(`
			SELECT COALESCE(MAX(version), 0) + 1 FROM secret_versions WHERE secret_id = ?`),
			v.SecretID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE secret_versions SET status = ? WHERE secret_id = ? AND status = ?`),
			models.VersionDisabled, v.SecretID, models.VersionEnabled); err != nil {
			return err
		}

		row := *v
		row.Version = next
		row.Status = models.VersionEnabled
		if err := insertVersion(ctx, tx, &row); err != nil {
			return err
		}

		v.Version = row.Version
		v.Status = row.Status
		return nil
	})
}

func insertVersion(ctx context.Context, tx *sqlx.Tx, v *models.SecretVersion) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO secret_versions
			(id, secret_id, version, status, ciphertext, data_iv, data_tag, wrapped_dek, dek_iv, dek_tag, created_at)
		VALUES
			(:id, :secret_id, :version, :status, :ciphertext, :data_iv, :data_tag, :wrapped_dek, :dek_iv, :dek_tag, :created_at)`,
		v)
	return err
}

func (s *SQLStore) GetLatestEnabledVersion(ctx context.Context, secretID string) (*models.SecretVersion, error) {
	var v models.SecretVersion
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`
		SELECT * FROM secret_versions WHERE secret_id = ? AND status = ?
		ORDER BY version DESC LIMIT 1`), secretID, models.VersionEnabled)
	if err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

func (s *SQLStore) ListVersions(ctx context.Context, secretID string) ([]models.VersionMetadata, error) {
	out := []models.VersionMetadata{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT id, secret_id, version, status, created_at FROM secret_versions
		WHERE secret_id = ? ORDER BY version DESC`), secretID)
	return out, translate(err)
}

// Service accounts

func (s *SQLStore) CreateServiceAccount(ctx context.Context, sa *models.ServiceAccount) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO service_accounts (id, project_id, name, client_id, public_key, status, created_at, updated_at)
		VALUES (:id, :project_id, :name, :client_id, :public_key, :status, :created_at, :updated_at)`, sa)
	return translate(err)
}

func (s *SQLStore) GetServiceAccount(ctx context.Context, id string) (*models.ServiceAccount, error) {
	var sa models.ServiceAccount
	err := s.db.GetContext(ctx, &sa, s.db.Rebind(`SELECT * FROM service_accounts WHERE id = ?`), id)
	if err != nil {
		return nil, translate(err)
	}
	return &sa, nil
}

func (s *SQLStore) GetActiveServiceAccountByClientID(ctx context.Context, clientID string) (*models.ServiceAccount, error) {
	var sa models.ServiceAccount
	err := s.db.GetContext(ctx, &sa, s.db.Rebind(`
		SELECT * FROM service_accounts WHERE client_id = ? AND status = ?`),
		clientID, models.LifecycleActive)
	if err != nil {
		return nil, translate(err)
	}
	return &sa, nil
}

func (s *SQLStore) ListServiceAccounts(ctx context.Context, projectID string) ([]*models.ServiceAccount, error) {
	out := []*models.ServiceAccount{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM service_accounts WHERE project_id = ? AND status <> ? ORDER BY id DESC`),
		projectID, models.LifecycleDeleted)
	return out, translate(err)
}

func (s *SQLStore) DeleteServiceAccount(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE service_accounts SET status = ?, updated_at = ?, deleted_at = ?
		WHERE id = ? AND status <> ?`),
		models.LifecycleDeleted, at, at, id, models.LifecycleDeleted)
	if err := affected(res, err); !errors.Is(err, ErrNotFound) {
		return err
	}
	// Distinguish a missing row from one that is already deleted.
	if _, err := s.GetServiceAccount(ctx, id); err != nil {
		return err
	}
	return ErrInvalidState
}

// Bindings

func (s *SQLStore) CreateBinding(ctx context.Context, b *models.IamBinding) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO iam_bindings (id, subject_type, subject_id, resource_type, resource_id, role, created_at)
		VALUES (:id, :subject_type, :subject_id, :resource_type, :resource_id, :role, :created_at)`, b)
	return translate(err)
}

func (s *SQLStore) GetBinding(ctx context.Context, id string) (*models.IamBinding, error) {
	var b models.IamBinding
	err := s.db.GetContext(ctx, &b, s.db.Rebind(`SELECT * FROM iam_bindings WHERE id = ?`), id)
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (s *SQLStore) HasBinding(ctx context.Context, b models.Binding) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(1) FROM iam_bindings
		WHERE subject_type = ? AND subject_id = ? AND resource_type = ? AND resource_id = ? AND role = ?`),
		b.SubjectType, b.SubjectID, b.ResourceType, b.ResourceID, b.Role)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ListBindings(ctx context.Context, f models.BindingFilter) ([]*models.IamBinding, error) {
	query := `SELECT * FROM iam_bindings WHERE 1 = 1`
	var args []any
	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if f.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, f.ResourceID)
	}
	query += ` ORDER BY id DESC`

	out := []*models.IamBinding{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...)
	return out, translate(err)
}

func (s *SQLStore) DeleteBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM iam_bindings WHERE id = ?`), id)
	return affected(res, err)
}

// Audit logs

func (s *SQLStore) AppendAuditLog(ctx context.Context, entry *models.AuditLog) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs
			(id, subject_type, subject_id, action, secret_id, secret_version, ip_address, user_agent, status, error_message, created_at)
		VALUES
			(:id, :subject_type, :subject_id, :action, :secret_id, :secret_version, :ip_address, :user_agent, :status, :error_message, :created_at)`,
		entry)
	return err
}

func (s *SQLStore) ListAuditLogs(ctx context.Context, f models.AuditFilter) ([]*models.AuditLog, error) {
	query := `SELECT * FROM audit_logs WHERE 1 = 1`
	var args []any
	if f.SecretID != "" {
		query += ` AND secret_id = ?`
		args = append(args, f.SecretID)
	}
	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	out := []*models.AuditLog{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...)
	return out, translate(err)
}

// Helpers

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return translate(err)
	}
	return tx.Commit()
}

// lockSecret reads the secret status while holding its row lock. SQLite has
// no row locks; the immediate transaction already holds the write lock.
func (s *SQLStore) lockSecret(ctx context.Context, tx *sqlx.Tx, id string) (models.Lifecycle, error) {
	query := `SELECT status FROM secrets WHERE id = ?`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var status models.Lifecycle
	if err := tx.GetContext(ctx, &status, tx.Rebind(query), id); err != nil {
		return "", translate(err)
	}
	return status, nil
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "23503":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}
