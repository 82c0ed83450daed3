package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/internal/logging"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrDuplicateEmail = errors.New("directory: email already registered")
	ErrInvalidUser    = errors.New("directory: invalid user")
)

// Directory is what the engine and the permission evaluator read.
type Directory interface {
	portalguard.UserProvider
	Grants(ctx context.Context, userID string) ([]permission.Permission, error)
}

// ChangeFunc is called after a user's role, grants or existence changed.
type ChangeFunc func(ctx context.Context, userID string)

// SQLDirectory implements [Directory] over database/sql.
type SQLDirectory struct {
	db       *sql.DB
	driver   string
	log      logrus.FieldLogger
	onChange ChangeFunc
}

var _ Directory = (*SQLDirectory)(nil)

// Option configures a [SQLDirectory].
type Option func(*SQLDirectory)

func WithLogger(log logrus.FieldLogger) Option {
	return func(d *SQLDirectory) { d.log = log }
}

// WithChangeHook registers fn to run after every mutation, typically to
// invalidate the permission cache.
func WithChangeHook(fn ChangeFunc) Option {
	return func(d *SQLDirectory) { d.onChange = fn }
}

// Open connects with driver and dsn and verifies the connection.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*SQLDirectory, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("directory: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}
	if driver == DriverSQLite {
		// One writer; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: ping: %w", err)
	}
	return New(db, driver, opts...), nil
}

// New wraps an existing handle. driver selects the placeholder style.
func New(db *sql.DB, driver string, opts ...Option) *SQLDirectory {
	d := &SQLDirectory{db: db, driver: driver}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	d.log = logging.WithComponent(d.log, "directory")
	return d
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_grants (
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		PRIMARY KEY (user_id, action, subject)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_grants_user ON user_grants(user_id)`,
}

// Migrate creates the schema when missing.
func (d *SQLDirectory) Migrate(ctx context.Context) error {
	if d.driver == DriverSQLite {
		if _, err := d.db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			return fmt.Errorf("directory: enable foreign keys: %w", err)
		}
	}
	for i, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("directory: migration %d: %w", i+1, err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders as $n for PostgreSQL.
func (d *SQLDirectory) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NewUser is the input of [SQLDirectory.AddUser]. Role is stored verbatim.
type NewUser struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
}

// AddUser inserts u and returns its ID, generating one when u.ID is empty.
func (d *SQLDirectory) AddUser(ctx context.Context, u NewUser) (string, error) {
	email := normalizeEmail(u.Email)
	if email == "" || u.PasswordHash == "" || strings.TrimSpace(u.Role) == "" {
		return "", ErrInvalidUser
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	if _, err := d.lookup(ctx, "email", email); err == nil {
		return "", ErrDuplicateEmail
	} else if !errors.Is(err, portalguard.ErrUserNotFound) {
		return "", err
	}

	_, err := d.db.ExecContext(ctx,
		d.rebind(`INSERT INTO users (id, email, password_hash, role) VALUES (?, ?, ?, ?)`),
		u.ID, email, u.PasswordHash, u.Role,
	)
	if err != nil {
		return "", fmt.Errorf("directory: insert user: %w", err)
	}
	d.log.WithFields(logrus.Fields{"user_id": u.ID, "role": u.Role}).Info("user added")
	return u.ID, nil
}

// SetRole replaces the stored role of userID.
func (d *SQLDirectory) SetRole(ctx context.Context, userID, raw string) error {
	res, err := d.db.ExecContext(ctx, d.rebind(`UPDATE users SET role = ? WHERE id = ?`), raw, userID)
	if err != nil {
		return fmt.Errorf("directory: update role: %w", err)
	}
	if err := requireRow(res, userID); err != nil {
		return err
	}
	d.changed(ctx, userID)
	return nil
}

// RemoveUser deletes userID together with its grants.
func (d *SQLDirectory) RemoveUser(ctx context.Context, userID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM user_grants WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("directory: delete grants: %w", err)
	}
	res, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM users WHERE id = ?`), userID)
	if err != nil {
		return fmt.Errorf("directory: delete user: %w", err)
	}
	if err := requireRow(res, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("directory: commit: %w", err)
	}
	d.changed(ctx, userID)
	return nil
}

// Grant adds explicit permissions to userID. Existing grants are kept.
func (d *SQLDirectory) Grant(ctx context.Context, userID string, perms ...permission.Permission) error {
	stmt := `INSERT INTO user_grants (user_id, action, subject) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	for _, p := range perms {
		if !p.Valid() {
			return fmt.Errorf("directory: invalid permission %q", p.String())
		}
		if _, err := d.db.ExecContext(ctx, d.rebind(stmt), userID, p.Action, p.Subject); err != nil {
			return fmt.Errorf("directory: grant %s: %w", p, err)
		}
	}
	d.changed(ctx, userID)
	return nil
}

// Revoke removes explicit permissions from userID.
func (d *SQLDirectory) Revoke(ctx context.Context, userID string, perms ...permission.Permission) error {
	stmt := `DELETE FROM user_grants WHERE user_id = ? AND action = ? AND subject = ?`
	for _, p := range perms {
		if _, err := d.db.ExecContext(ctx, d.rebind(stmt), userID, p.Action, p.Subject); err != nil {
			return fmt.Errorf("directory: revoke %s: %w", p, err)
		}
	}
	d.changed(ctx, userID)
	return nil
}

func (d *SQLDirectory) UserByEmail(ctx context.Context, email string) (portalguard.UserRecord, error) {
	return d.lookup(ctx, "email", normalizeEmail(email))
}

func (d *SQLDirectory) UserByID(ctx context.Context, userID string) (portalguard.UserRecord, error) {
	return d.lookup(ctx, "id", userID)
}

func (d *SQLDirectory) lookup(ctx context.Context, column, value string) (portalguard.UserRecord, error) {
	query := d.rebind(`SELECT id, email, password_hash, role FROM users WHERE ` + column + ` = ?`)

	var (
		rec     portalguard.UserRecord
		rawRole string
	)
	err := d.db.QueryRowContext(ctx, query, value).Scan(&rec.UserID, &rec.Email, &rec.PasswordHash, &rawRole)
	if errors.Is(err, sql.ErrNoRows) {
		return portalguard.UserRecord{}, fmt.Errorf("%w: %s", portalguard.ErrUserNotFound, value)
	}
	if err != nil {
		return portalguard.UserRecord{}, fmt.Errorf("directory: query user: %w", err)
	}
	rec.Role = rawRole
	return rec, nil
}

// Grants lists the explicit permissions of userID, without role-derived ones.
func (d *SQLDirectory) Grants(ctx context.Context, userID string) ([]permission.Permission, error) {
	rows, err := d.db.QueryContext(ctx,
		d.rebind(`SELECT action, subject FROM user_grants WHERE user_id = ? ORDER BY action, subject`), userID)
	if err != nil {
		return nil, fmt.Errorf("directory: query grants: %w", err)
	}
	defer rows.Close()

	var out []permission.Permission
	for rows.Next() {
		var p permission.Permission
		if err := rows.Scan(&p.Action, &p.Subject); err != nil {
			return nil, fmt.Errorf("directory: scan grant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Users lists every account ordered by email. Role is normalized with
// role.None for unrecognised values.
func (d *SQLDirectory) Users(ctx context.Context) ([]User, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, email, role FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("directory: list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.RawRole); err != nil {
			return nil, fmt.Errorf("directory: scan user: %w", err)
		}
		u.Role, _ = role.Normalize(u.RawRole)
		out = append(out, u)
	}
	return out, rows.Err()
}

// User is a listing row.
type User struct {
	ID      string
	Email   string
	RawRole string
	Role    role.Role
}

func (d *SQLDirectory) changed(ctx context.Context, userID string) {
	if d.onChange != nil {
		d.onChange(ctx, userID)
	}
}

func requireRow(res sql.Result, userID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("directory: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", portalguard.ErrUserNotFound, userID)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
