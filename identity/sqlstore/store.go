package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/password"
	"github.com/go-sql-driver/mysql"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driverName() (string, error) {
	switch d {
	case Postgres:
		return "pgx", nil
	case MySQL:
		return "mysql", nil
	case SQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", d)
	}
}

type Config struct {
	Dialect         Dialect       `toml:"dialect"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	PingTimeout     time.Duration `toml:"ping_timeout"`
}

// Store is a SQL-backed identity store. It implements
// gatekeeper.CredentialVerifier and gatekeeper.IdentityStore.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	verifier *password.Verifier
	now      func() time.Time
}

var (
	_ gatekeeper.CredentialVerifier = (*Store)(nil)
	_ gatekeeper.IdentityStore      = (*Store)(nil)
)

// Open connects, pings and returns a Store. Migrations are not applied; call
// Migrate.
func Open(ctx context.Context, cfg Config, verifier *password.Verifier) (*Store, error) {
	driver, err := cfg.Dialect.driverName()
	if err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if cfg.Dialect == MySQL {
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", cfg.Dialect, err)
	}
	if cfg.Dialect == SQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Dialect, err)
	}

	return New(db, cfg.Dialect, verifier), nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect, verifier *password.Verifier) *Store {
	return &Store{db: db, dialect: dialect, verifier: verifier, now: time.Now}
}

// mysqlDSN forces the options the schema and migrations rely on.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.MultiStatements = true
	cfg.ParseTime = true
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["charset"] = "utf8mb4"
	return cfg.FormatDSN(), nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
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

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const identityColumns = `id, tenant_id, identifier, password_hash, roles, mfa_status, totp_secret, totp_pending_secret, totp_last_counter`

func scanIdentity(row interface{ Scan(...any) error }) (*gatekeeper.Identity, string, error) {
	var (
		ident        gatekeeper.Identity
		passwordHash string
		roles        string
		status       string
	)
	err := row.Scan(
		&ident.UserID,
		&ident.TenantID,
		&ident.Identifier,
		&passwordHash,
		&roles,
		&status,
		&ident.TOTPSecret,
		&ident.PendingTOTPSecret,
		&ident.LastTOTPCounter,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", gatekeeper.ErrIdentityNotFound
		}
		return nil, "", err
	}
	ident.Roles = splitRoles(roles)
	ident.MFA = gatekeeper.MFAState(status)
	return &ident, passwordHash, nil
}

func splitRoles(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// NewIdentity is the input to CreateIdentity.
type NewIdentity struct {
	UserID     string
	TenantID   string
	Identifier string
	Password   string
	Roles      []string
}

func (s *Store) CreateIdentity(ctx context.Context, in NewIdentity) (*gatekeeper.Identity, error) {
	if in.UserID == "" || in.TenantID == "" || in.Identifier == "" {
		return nil, gatekeeper.ErrInvalidRequest
	}
	hash, err := s.verifier.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatekeeper.ErrInvalidRequest, err)
	}
	now := s.now().UnixMilli()
	identifier := normalizeIdentifier(in.Identifier)
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO identities
		(id, tenant_id, identifier, password_hash, roles, mfa_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		in.UserID, in.TenantID, identifier, hash, strings.Join(in.Roles, ","), string(gatekeeper.MFADisabled), now, now,
	)
	if err != nil {
		return nil, err
	}
	return &gatekeeper.Identity{
		UserID:     in.UserID,
		TenantID:   in.TenantID,
		Identifier: identifier,
		Roles:      in.Roles,
		MFA:        gatekeeper.MFADisabled,
	}, nil
}

func normalizeIdentifier(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// VerifyCredentials checks password against the stored hash and upgrades
// legacy or weak hashes in place after a match.
func (s *Store) VerifyCredentials(ctx context.Context, identifier, pw string) (*gatekeeper.Identity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+identityColumns+` FROM identities WHERE identifier = ?`), normalizeIdentifier(identifier))
	ident, hash, err := scanIdentity(row)
	if errors.Is(err, gatekeeper.ErrIdentityNotFound) {
		return nil, gatekeeper.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, rehash, err := s.verifier.Verify(pw, hash)
	if err != nil || !ok {
		return nil, gatekeeper.ErrInvalidCredentials
	}
	if rehash {
		if upgraded, err := s.verifier.Hash(pw); err == nil {
			_, _ = s.db.ExecContext(ctx, s.rebind(`UPDATE identities SET password_hash = ?, updated_at = ? WHERE id = ?`),
				upgraded, s.now().UnixMilli(), ident.UserID)
		}
	}
	return ident, nil
}

func (s *Store) GetIdentity(ctx context.Context, userID string) (*gatekeeper.Identity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+identityColumns+` FROM identities WHERE id = ?`), userID)
	ident, _, err := scanIdentity(row)
	return ident, err
}

func (s *Store) BeginTOTPSetup(ctx context.Context, userID, secret string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE identities
		SET totp_pending_secret = ?, mfa_status = ?, updated_at = ?
		WHERE id = ? AND mfa_status <> ?`),
		secret, string(gatekeeper.MFAPendingSetup), s.now().UnixMilli(), userID, string(gatekeeper.MFAEnabled),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	ident, err := s.GetIdentity(ctx, userID)
	if err != nil {
		return err
	}
	if ident.MFA == gatekeeper.MFAEnabled {
		return gatekeeper.ErrMFAAlreadyEnabled
	}
	return nil
}

// EnableTOTP promotes the pending secret and installs the backup codes in
// one transaction.
func (s *Store) EnableTOTP(ctx context.Context, userID string, counter int64, backupCodeHashes []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE identities
			SET mfa_status = ?, totp_secret = totp_pending_secret, totp_pending_secret = '', totp_last_counter = ?, updated_at = ?
			WHERE id = ? AND mfa_status = ? AND totp_pending_secret <> ''`),
			string(gatekeeper.MFAEnabled), counter, now, userID, string(gatekeeper.MFAPendingSetup),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return gatekeeper.ErrMFASetupNotStarted
		}
		return s.replaceBackupCodes(ctx, tx, userID, backupCodeHashes, now)
	})
}

func (s *Store) DisableMFA(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE identities
			SET mfa_status = ?, totp_secret = '', totp_pending_secret = '', totp_last_counter = 0, updated_at = ?
			WHERE id = ?`),
			string(gatekeeper.MFADisabled), s.now().UnixMilli(), userID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return gatekeeper.ErrIdentityNotFound
		}
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM backup_codes WHERE user_id = ?`), userID)
		return err
	})
}

// AdvanceTOTPCounter stores counter only if it is newer than the last
// accepted one, so a replayed step loses.
func (s *Store) AdvanceTOTPCounter(ctx context.Context, userID string, counter int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE identities
		SET totp_last_counter = ?, updated_at = ?
		WHERE id = ? AND mfa_status = ? AND totp_last_counter < ?`),
		counter, s.now().UnixMilli(), userID, string(gatekeeper.MFAEnabled), counter,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ConsumeBackupCode deletes the matching row; only the caller that actually
// deleted it gets true.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM backup_codes WHERE user_id = ? AND code_hash = ?`), userID, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CountBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM backup_codes WHERE user_id = ?`), userID).Scan(&n)
	return n, err
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.replaceBackupCodes(ctx, tx, userID, codeHashes, s.now().UnixMilli())
	})
}

func (s *Store) replaceBackupCodes(ctx context.Context, tx *sql.Tx, userID string, hashes []string, now int64) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM backup_codes WHERE user_id = ?`), userID); err != nil {
		return err
	}
	insert := s.rebind(`INSERT INTO backup_codes (user_id, code_hash, created_at) VALUES (?, ?, ?)`)
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, insert, userID, h, now); err != nil {
			return err
		}
	}
	return nil
}
