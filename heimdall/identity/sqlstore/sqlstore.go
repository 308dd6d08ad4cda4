// Package sqlstore is the database/sql-backed identity.Storage, grounded on
// this codebase's storage/sql package: a single canonical (Postgres-flavored) query
// set translated per-driver via regexp replacers, one *sql.DB connection
// pool, and the identity schema of spec.md §6.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
)

const pgErrUniqueViolation = "23505"

const mysqlErrDupEntry = 1062

type flavor struct {
	name              string
	queryReplacers    []replacer
	supportsTimezones bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	flavorPostgres = flavor{name: "postgres", supportsTimezones: true}

	flavorMySQL = flavor{
		name: "mysql",
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
		},
	}

	flavorSQLite3 = flavor{
		name: "sqlite3",
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("true"), "1"},
			{matchLiteral("false"), "0"},
			{matchLiteral("boolean"), "integer"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
			{matchLiteral("varchar"), "text"},
		},
	}
)

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

// conn wraps a *sql.DB with its flavor's query translation.
type conn struct {
	db     *sql.DB
	flavor flavor
}

func (c *conn) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.flavor.translate(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, c.flavor.translate(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.flavor.translate(query), args...)
}

func isUniqueViolation(flavorName string, err error) bool {
	switch flavorName {
	case "postgres":
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return string(pqErr.Code) == pgErrUniqueViolation
		}
	case "mysql":
		// github.com/go-sql-driver/mysql's *MySQLError carries Number;
		// string-matching here keeps this file free of its import, since
		// only Postgres and SQLite error shapes are otherwise needed.
		return err != nil && regexp.MustCompile(`Error 1062`).MatchString(err.Error())
	case "sqlite3":
		return err != nil && regexp.MustCompile(`UNIQUE constraint failed`).MatchString(err.Error())
	}
	return false
}

var _ identity.Storage = (*Storage)(nil)

// Storage is the SQL-backed identity.Storage.
type Storage struct {
	c *conn
}

func newStorage(db *sql.DB, f flavor) (*Storage, error) {
	s := &Storage{c: &conn{db: db, flavor: f}}

	// The database may still be starting up alongside this process (a
	// common race under container orchestration); spec.md §7 classifies
	// this as Storage I/O, retried with bounded backoff before surfacing.
	connect := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(connect, bo); err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}

	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Storage) Close() error { return s.c.db.Close() }

func wrapUnique(flavorName string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(flavorName, err) {
		return identity.ErrAlreadyExists
	}
	return err
}

func (s *Storage) CreateDevice(ctx context.Context, d identity.Device) error {
	_, err := s.c.exec(ctx, `insert into devices (device_id, user_id, public_key, name, type, created_at) values ($1, $2, $3, $4, $5, $6)`,
		d.DeviceID, d.UserID, d.PublicKey, d.Name, d.Type, d.CreatedAt.UTC())
	return wrapUnique(s.c.flavor.name, err)
}

func (s *Storage) GetDevice(ctx context.Context, deviceID string) (identity.Device, error) {
	var d identity.Device
	var createdAt time.Time
	row := s.c.queryRow(ctx, `select device_id, user_id, public_key, name, type, created_at from devices where device_id = $1`, deviceID)
	if err := row.Scan(&d.DeviceID, &d.UserID, &d.PublicKey, &d.Name, &d.Type, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Device{}, identity.ErrNotFound
		}
		return identity.Device{}, err
	}
	d.CreatedAt = createdAt.UTC()
	return d, nil
}

func (s *Storage) ListDevicesByUser(ctx context.Context, userID string) ([]identity.Device, error) {
	rows, err := s.c.query(ctx, `select device_id, user_id, public_key, name, type, created_at from devices where user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Device
	for rows.Next() {
		var d identity.Device
		var createdAt time.Time
		if err := rows.Scan(&d.DeviceID, &d.UserID, &d.PublicKey, &d.Name, &d.Type, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt = createdAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Storage) CreateMeshDevice(ctx context.Context, m identity.MeshDevice) error {
	_, err := s.c.exec(ctx, `insert into mesh_devices (device_id, mesh_public_key, role, owner_user_id, is_active, last_seen) values ($1, $2, $3, $4, $5, $6)`,
		m.DeviceID, m.MeshPublicKey, string(m.Role), m.OwnerUserID, m.IsActive, m.LastSeen.UTC())
	return wrapUnique(s.c.flavor.name, err)
}

func (s *Storage) getMeshDeviceTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, deviceID string) (identity.MeshDevice, error) {
	var m identity.MeshDevice
	var role string
	var lastSeen time.Time
	row := q.QueryRowContext(ctx, s.c.flavor.translate(`select device_id, mesh_public_key, role, owner_user_id, is_active, last_seen from mesh_devices where device_id = $1`), deviceID)
	if err := row.Scan(&m.DeviceID, &m.MeshPublicKey, &role, &m.OwnerUserID, &m.IsActive, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.MeshDevice{}, identity.ErrNotFound
		}
		return identity.MeshDevice{}, err
	}
	m.Role = identity.MeshRole(role)
	m.LastSeen = lastSeen.UTC()
	return m, nil
}

func (s *Storage) GetMeshDevice(ctx context.Context, deviceID string) (identity.MeshDevice, error) {
	return s.getMeshDeviceTx(ctx, s.c.db, deviceID)
}

func (s *Storage) UpdateMeshDevice(ctx context.Context, deviceID string, updater func(identity.MeshDevice) (identity.MeshDevice, error)) error {
	tx, err := s.c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := s.getMeshDeviceTx(ctx, tx, deviceID)
	if err != nil {
		return err
	}
	updated, err := updater(old)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.c.flavor.translate(`update mesh_devices set mesh_public_key = $1, role = $2, owner_user_id = $3, is_active = $4, last_seen = $5 where device_id = $6`),
		updated.MeshPublicKey, string(updated.Role), updated.OwnerUserID, updated.IsActive, updated.LastSeen.UTC(), deviceID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) DeleteMeshDevice(ctx context.Context, deviceID string) error {
	res, err := s.c.exec(ctx, `delete from mesh_devices where device_id = $1`, deviceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Storage) CreateRole(ctx context.Context, r identity.Role) error {
	_, err := s.c.exec(ctx, `insert into roles (role_name, parent_role_name, description) values ($1, $2, $3)`,
		r.Name, r.ParentName, r.Description)
	return wrapUnique(s.c.flavor.name, err)
}

func (s *Storage) GetRole(ctx context.Context, name string) (identity.Role, error) {
	var r identity.Role
	row := s.c.queryRow(ctx, `select role_name, parent_role_name, description from roles where role_name = $1`, name)
	if err := row.Scan(&r.Name, &r.ParentName, &r.Description); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Role{}, identity.ErrNotFound
		}
		return identity.Role{}, err
	}
	return r, nil
}

func (s *Storage) ListRoles(ctx context.Context) ([]identity.Role, error) {
	rows, err := s.c.query(ctx, `select role_name, parent_role_name, description from roles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Role
	for rows.Next() {
		var r identity.Role
		if err := rows.Scan(&r.Name, &r.ParentName, &r.Description); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Storage) AssignRole(ctx context.Context, deviceID, roleName string) error {
	if _, err := s.GetRole(ctx, roleName); err != nil {
		return err
	}
	_, err := s.c.exec(ctx, `insert into device_roles (device_id, role_name) values ($1, $2)`, deviceID, roleName)
	if err != nil && isUniqueViolation(s.c.flavor.name, err) {
		return nil // assign is idempotent
	}
	return err
}

func (s *Storage) RemoveRole(ctx context.Context, deviceID, roleName string) error {
	_, err := s.c.exec(ctx, `delete from device_roles where device_id = $1 and role_name = $2`, deviceID, roleName)
	return err
}

func (s *Storage) RolesOfDevice(ctx context.Context, deviceID string) ([]string, error) {
	rows, err := s.c.query(ctx, `select role_name from device_roles where device_id = $1`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Storage) CreateSession(ctx context.Context, sess identity.Session) error {
	_, err := s.c.exec(ctx, `insert into sessions (session_id, device_id, user_id, created_at, last_activity, expires_at, is_active) values ($1, $2, $3, $4, $5, $6, $7)`,
		sess.SessionID, sess.DeviceID, sess.UserID, sess.CreatedAt.UTC(), sess.LastActivity.UTC(), sess.ExpiresAt.UTC(), sess.IsActive)
	return wrapUnique(s.c.flavor.name, err)
}

func (s *Storage) getSessionTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, sessionID string) (identity.Session, error) {
	var sess identity.Session
	var createdAt, lastActivity, expiresAt time.Time
	row := q.QueryRowContext(ctx, s.c.flavor.translate(`select session_id, device_id, user_id, created_at, last_activity, expires_at, is_active from sessions where session_id = $1`), sessionID)
	if err := row.Scan(&sess.SessionID, &sess.DeviceID, &sess.UserID, &createdAt, &lastActivity, &expiresAt, &sess.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Session{}, identity.ErrNotFound
		}
		return identity.Session{}, err
	}
	sess.CreatedAt, sess.LastActivity, sess.ExpiresAt = createdAt.UTC(), lastActivity.UTC(), expiresAt.UTC()
	return sess, nil
}

func (s *Storage) GetSession(ctx context.Context, sessionID string) (identity.Session, error) {
	return s.getSessionTx(ctx, s.c.db, sessionID)
}

func (s *Storage) UpdateSession(ctx context.Context, sessionID string, updater func(identity.Session) (identity.Session, error)) error {
	tx, err := s.c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := s.getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	updated, err := updater(old)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.c.flavor.translate(`update sessions set last_activity = $1, expires_at = $2, is_active = $3 where session_id = $4`),
		updated.LastActivity.UTC(), updated.ExpiresAt.UTC(), updated.IsActive, sessionID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) ListSessionsByDevice(ctx context.Context, deviceID string) ([]identity.Session, error) {
	rows, err := s.c.query(ctx, `select session_id, device_id, user_id, created_at, last_activity, expires_at, is_active from sessions where device_id = $1`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Session
	for rows.Next() {
		var sess identity.Session
		var createdAt, lastActivity, expiresAt time.Time
		if err := rows.Scan(&sess.SessionID, &sess.DeviceID, &sess.UserID, &createdAt, &lastActivity, &expiresAt, &sess.IsActive); err != nil {
			return nil, err
		}
		sess.CreatedAt, sess.LastActivity, sess.ExpiresAt = createdAt.UTC(), lastActivity.UTC(), expiresAt.UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Storage) CreateTokenRecord(ctx context.Context, t identity.TokenRecord) error {
	_, err := s.c.exec(ctx, `insert into tokens (token_id, device_id, user_id, token_kind, issued_at, expires_at, is_revoked) values ($1, $2, $3, $4, $5, $6, $7)`,
		t.TokenID, t.DeviceID, t.UserID, string(t.Kind), t.IssuedAt.UTC(), t.ExpiresAt.UTC(), t.IsRevoked)
	return wrapUnique(s.c.flavor.name, err)
}

func (s *Storage) getTokenRecordTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, tokenID string) (identity.TokenRecord, error) {
	var t identity.TokenRecord
	var kind string
	var issuedAt, expiresAt time.Time
	row := q.QueryRowContext(ctx, s.c.flavor.translate(`select token_id, device_id, user_id, token_kind, issued_at, expires_at, is_revoked from tokens where token_id = $1`), tokenID)
	if err := row.Scan(&t.TokenID, &t.DeviceID, &t.UserID, &kind, &issuedAt, &expiresAt, &t.IsRevoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.TokenRecord{}, identity.ErrNotFound
		}
		return identity.TokenRecord{}, err
	}
	t.Kind = identity.TokenKind(kind)
	t.IssuedAt, t.ExpiresAt = issuedAt.UTC(), expiresAt.UTC()
	return t, nil
}

func (s *Storage) GetTokenRecord(ctx context.Context, tokenID string) (identity.TokenRecord, error) {
	return s.getTokenRecordTx(ctx, s.c.db, tokenID)
}

func (s *Storage) UpdateTokenRecord(ctx context.Context, tokenID string, updater func(identity.TokenRecord) (identity.TokenRecord, error)) error {
	tx, err := s.c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := s.getTokenRecordTx(ctx, tx, tokenID)
	if err != nil {
		return err
	}
	updated, err := updater(old)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.c.flavor.translate(`update tokens set is_revoked = $1 where token_id = $2`), updated.IsRevoked, tokenID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) ListTokenRecordsByDevice(ctx context.Context, deviceID string) ([]identity.TokenRecord, error) {
	rows, err := s.c.query(ctx, `select token_id, device_id, user_id, token_kind, issued_at, expires_at, is_revoked from tokens where device_id = $1`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.TokenRecord
	for rows.Next() {
		var t identity.TokenRecord
		var kind string
		var issuedAt, expiresAt time.Time
		if err := rows.Scan(&t.TokenID, &t.DeviceID, &t.UserID, &kind, &issuedAt, &expiresAt, &t.IsRevoked); err != nil {
			return nil, err
		}
		t.Kind = identity.TokenKind(kind)
		t.IssuedAt, t.ExpiresAt = issuedAt.UTC(), expiresAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Storage) GarbageCollect(ctx context.Context, now time.Time) (identity.GCResult, error) {
	var result identity.GCResult

	sessRes, err := s.c.exec(ctx, `delete from sessions where expires_at < $1 and is_active = $2`, now.UTC(), false)
	if err != nil {
		return result, err
	}
	result.Sessions, _ = sessRes.RowsAffected()

	tokRes, err := s.c.exec(ctx, `delete from tokens where expires_at < $1 and is_revoked = $2`, now.UTC(), true)
	if err != nil {
		return result, err
	}
	result.Tokens, _ = tokRes.RowsAffected()

	return result, nil
}
