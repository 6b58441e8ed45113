// Package store provides dual SQLite/PostgreSQL persistence for the bridge's
// Object, User and Follower entities, grounded directly on klistr's
// internal/db.Store: the same Open/detectDriver/ph() driver-bridging
// approach, the same WAL pragmas, the same sync.Map hot-path caches, and the
// same append-only migrations list — generalized from klistr's two-protocol
// objects/follows schema to the full cross-protocol model package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"

	"github.com/klppl/bridge/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store wraps a database connection and provides every data access method
// the bridge core and protocol plugins need.
type Store struct {
	db     *sql.DB
	driver string

	// objectCache and userCache mirror klistr's objectsByAP/objectsByNostr
	// sync.Maps: a best-effort read-through cache for the hottest lookups
	// (object-by-id, user-by-key), invalidated on write.
	objectCache sync.Map // id → *model.Object
	userCache   sync.Map // "protocol|key" → *model.User
}

// Open opens a database connection, detecting SQLite vs PostgreSQL from the
// URL shape exactly as klistr's db.Open does.
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		const sqliteMaxConns = 8
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &Store{db: db, driver: driver}, nil
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// commonMigrations lists DDL shared between SQLite and PostgreSQL. New
// migrations are appended here, never edited in place.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		id              TEXT PRIMARY KEY,
		source_protocol TEXT NOT NULL,
		our_as1         TEXT NOT NULL DEFAULT '{}',
		native          TEXT NOT NULL DEFAULT '{}',
		notify          TEXT NOT NULL DEFAULT '[]',
		feed            TEXT NOT NULL DEFAULT '[]',
		status          TEXT NOT NULL DEFAULT 'new',
		undelivered     TEXT NOT NULL DEFAULT '[]',
		delivered       TEXT NOT NULL DEFAULT '[]',
		failed          TEXT NOT NULL DEFAULT '[]',
		deleted         INTEGER NOT NULL DEFAULT 0,
		updated         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS objects_source_protocol ON objects(source_protocol)`,
	// object_users backs the required secondary index on Object.users: JSON
	// array membership isn't indexable directly, so ownership is denormalized
	// into its own join table, kept in sync on every object write.
	`CREATE TABLE IF NOT EXISTS object_users (
		object_id TEXT NOT NULL,
		user_key  TEXT NOT NULL,
		UNIQUE(object_id, user_key)
	)`,
	`CREATE INDEX IF NOT EXISTS object_users_user ON object_users(user_key)`,
	`CREATE TABLE IF NOT EXISTS users (
		protocol          TEXT NOT NULL,
		key               TEXT NOT NULL,
		handle            TEXT NOT NULL DEFAULT '',
		copies            TEXT NOT NULL DEFAULT '[]',
		enabled_protocols TEXT NOT NULL DEFAULT '[]',
		status            TEXT NOT NULL DEFAULT '',
		use_instead       TEXT NOT NULL DEFAULT '',
		manual_opt_out    INTEGER NOT NULL DEFAULT 0,
		direct            INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY(protocol, key)
	)`,
	`CREATE INDEX IF NOT EXISTS users_handle ON users(protocol, handle)`,
	// user_copies backs the required secondary index on User.copies.uri, used
	// by protocol resolution to map a bridged-copy URI back to its owner.
	`CREATE TABLE IF NOT EXISTS user_copies (
		owner_protocol TEXT NOT NULL,
		owner_key      TEXT NOT NULL,
		copy_protocol  TEXT NOT NULL,
		copy_uri       TEXT NOT NULL,
		UNIQUE(copy_protocol, copy_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS user_copies_uri ON user_copies(copy_protocol, copy_uri)`,
	`CREATE TABLE IF NOT EXISTS followers (
		from_key      TEXT NOT NULL,
		to_key        TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'active',
		follow_obj_id TEXT NOT NULL DEFAULT '',
		updated       TEXT NOT NULL,
		PRIMARY KEY(from_key, to_key)
	)`,
	`CREATE INDEX IF NOT EXISTS followers_to ON followers(to_key, status)`,
	`CREATE INDEX IF NOT EXISTS followers_from ON followers(from_key, status)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		ts     TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_ts ON audit_log(ts)`,
}

// Migrate runs every pending migration, tolerating "already exists" on
// PostgreSQL the same way klistr's migratePostgres does.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// ph returns the nth placeholder token for this driver (1-indexed), so
// multi-argument statements can be built without duplicating every query
// for both drivers.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func userCacheKey(protocol, key string) string { return protocol + "|" + key }

// ─── Objects ────────────────────────────────────────────────────────────

// GetObject loads an Object by id, or (nil, false) if unknown.
func (s *Store) GetObject(ctx context.Context, id string) (*model.Object, bool) {
	if v, ok := s.objectCache.Load(id); ok {
		return v.(*model.Object), true
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, source_protocol, our_as1, native, notify, feed,
		status, undelivered, delivered, failed, deleted, updated FROM objects WHERE id = `+s.ph(1), id)
	obj, err := scanObject(row)
	if err != nil {
		return nil, false
	}
	s.objectCache.Store(id, obj)
	return obj, true
}

// ObjectSourceProtocol implements protocol.LocalObjectSource.
func (s *Store) ObjectSourceProtocol(ctx context.Context, id string) (string, bool) {
	if obj, ok := s.GetObject(ctx, id); ok {
		return obj.SourceProtocol, true
	}
	return "", false
}

// NativeBlobFor returns the cached protocol-native blob for id under
// protocolLabel without decoding the rest of the native-blobs JSON object,
// so a plugin checking for its own previously-stored representation doesn't
// pay to unmarshal every other bridged protocol's blob too.
func (s *Store) NativeBlobFor(ctx context.Context, id, protocolLabel string) (string, bool) {
	var native string
	row := s.db.QueryRowContext(ctx, `SELECT native FROM objects WHERE id = `+s.ph(1), id)
	if err := row.Scan(&native); err != nil {
		return "", false
	}
	result := gjson.Get(native, protocolLabel)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}

func scanObject(row *sql.Row) (*model.Object, error) {
	var obj model.Object
	var ourAS1, native, notify, feed, undelivered, delivered, failed, updated string
	var deleted int
	if err := row.Scan(&obj.ID, &obj.SourceProtocol, &ourAS1, &native, &notify, &feed,
		&obj.Status, &undelivered, &delivered, &failed, &deleted, &updated); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(ourAS1), &obj.OurAS1)
	_ = json.Unmarshal([]byte(native), &obj.Native)
	_ = json.Unmarshal([]byte(notify), &obj.Notify)
	_ = json.Unmarshal([]byte(feed), &obj.Feed)
	_ = json.Unmarshal([]byte(undelivered), &obj.Undelivered)
	_ = json.Unmarshal([]byte(delivered), &obj.Delivered)
	_ = json.Unmarshal([]byte(failed), &obj.Failed)
	obj.Deleted = deleted != 0
	obj.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	return &obj, nil
}

// PutObject upserts obj and its object_users rows inside one transaction.
// Callers that need the authed_as ownership check should use
// GetOrCreateObject instead; PutObject is the unconditional write used once
// ownership has already been established.
func (s *Store) PutObject(ctx context.Context, obj *model.Object) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.writeObjectTx(ctx, tx, obj); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.objectCache.Store(obj.ID, obj)
	return nil
}

func (s *Store) writeObjectTx(ctx context.Context, tx *sql.Tx, obj *model.Object) error {
	ourAS1, _ := json.Marshal(obj.OurAS1)
	native, _ := json.Marshal(obj.Native)
	notify, _ := json.Marshal(obj.Notify)
	feed, _ := json.Marshal(obj.Feed)
	undelivered, _ := json.Marshal(obj.Undelivered)
	delivered, _ := json.Marshal(obj.Delivered)
	failed, _ := json.Marshal(obj.Failed)
	if obj.Updated.IsZero() {
		obj.Updated = time.Now().UTC()
	}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO objects (id, source_protocol, our_as1, native, notify, feed, status,
			undelivered, delivered, failed, deleted, updated)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				source_protocol=excluded.source_protocol, our_as1=excluded.our_as1,
				native=excluded.native, notify=excluded.notify, feed=excluded.feed,
				status=excluded.status, undelivered=excluded.undelivered,
				delivered=excluded.delivered, failed=excluded.failed,
				deleted=excluded.deleted, updated=excluded.updated`
	} else {
		q = `INSERT INTO objects (id, source_protocol, our_as1, native, notify, feed, status,
			undelivered, delivered, failed, deleted, updated)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT(id) DO UPDATE SET
				source_protocol=EXCLUDED.source_protocol, our_as1=EXCLUDED.our_as1,
				native=EXCLUDED.native, notify=EXCLUDED.notify, feed=EXCLUDED.feed,
				status=EXCLUDED.status, undelivered=EXCLUDED.undelivered,
				delivered=EXCLUDED.delivered, failed=EXCLUDED.failed,
				deleted=EXCLUDED.deleted, updated=EXCLUDED.updated`
	}
	if _, err := tx.ExecContext(ctx, q, obj.ID, obj.SourceProtocol, string(ourAS1), string(native),
		string(notify), string(feed), string(obj.Status), string(undelivered), string(delivered),
		string(failed), boolToInt(obj.Deleted), obj.Updated.Format(time.RFC3339Nano)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM object_users WHERE object_id = `+s.ph(1), obj.ID); err != nil {
		return err
	}
	for _, u := range obj.Users {
		var iq string
		if s.driver == "sqlite" {
			iq = `INSERT OR IGNORE INTO object_users (object_id, user_key) VALUES (?, ?)`
		} else {
			iq = `INSERT INTO object_users (object_id, user_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		}
		if _, err := tx.ExecContext(ctx, iq, obj.ID, u); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreateObject is the idempotent "get-or-create with authed_as owner
// check" primitive: if an Object with this id already exists and authedAs
// is non-empty and not among its Users, the write is refused so one user's
// activity can never overwrite another user's object of the same id.
func (s *Store) GetOrCreateObject(ctx context.Context, id, authedAs string, create func() *model.Object) (obj *model.Object, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, found, err := s.queryObjectTx(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if found {
		if authedAs != "" && len(existing.Users) > 0 && !containsStr(existing.Users, authedAs) {
			return nil, false, fmt.Errorf("object %s is owned by another user, refusing overwrite by %s", id, authedAs)
		}
		return existing, false, tx.Commit()
	}

	obj = create()
	obj.ID = id
	if err := s.writeObjectTx(ctx, tx, obj); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	s.objectCache.Store(id, obj)
	return obj, true, nil
}

func (s *Store) queryObjectTx(ctx context.Context, tx *sql.Tx, id string) (*model.Object, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, source_protocol, our_as1, native, notify, feed,
		status, undelivered, delivered, failed, deleted, updated FROM objects WHERE id = `+s.ph(1), id)
	var obj model.Object
	var ourAS1, native, notify, feed, undelivered, delivered, failed, updated string
	var deleted int
	err := row.Scan(&obj.ID, &obj.SourceProtocol, &ourAS1, &native, &notify, &feed,
		&obj.Status, &undelivered, &delivered, &failed, &deleted, &updated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	_ = json.Unmarshal([]byte(ourAS1), &obj.OurAS1)
	_ = json.Unmarshal([]byte(native), &obj.Native)
	_ = json.Unmarshal([]byte(notify), &obj.Notify)
	_ = json.Unmarshal([]byte(feed), &obj.Feed)
	_ = json.Unmarshal([]byte(undelivered), &obj.Undelivered)
	_ = json.Unmarshal([]byte(delivered), &obj.Delivered)
	_ = json.Unmarshal([]byte(failed), &obj.Failed)
	obj.Deleted = deleted != 0
	obj.Updated, _ = time.Parse(time.RFC3339Nano, updated)

	rows, err := tx.QueryContext(ctx, `SELECT user_key FROM object_users WHERE object_id = `+s.ph(1), id)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var u string
			if rows.Scan(&u) == nil {
				obj.Users = append(obj.Users, u)
			}
		}
	}
	return &obj, true, nil
}

// ObjectsByUser returns every object id owned by userKey, via object_users.
func (s *Store) ObjectsByUser(ctx context.Context, userKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT object_id FROM object_users WHERE user_key = `+s.ph(1), userKey)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// ─── Users ──────────────────────────────────────────────────────────────

// GetUser loads a User by (protocol, key).
func (s *Store) GetUser(ctx context.Context, protocol, key string) (*model.User, bool) {
	ck := userCacheKey(protocol, key)
	if v, ok := s.userCache.Load(ck); ok {
		return v.(*model.User), true
	}
	u, ok := s.queryUser(ctx, protocol, key)
	if ok {
		s.userCache.Store(ck, u)
	}
	return u, ok
}

// GetUserByKey loads a User by its bare key alone, scanning across
// protocols. Used where only a user key is on hand (e.g. a Follower edge),
// not the owning protocol label.
func (s *Store) GetUserByKey(ctx context.Context, key string) (*model.User, bool) {
	row := s.db.QueryRowContext(ctx, `SELECT protocol, key, handle, copies, enabled_protocols, status,
		use_instead, manual_opt_out, direct FROM users WHERE key = `+s.ph(1), key)
	var u model.User
	var copies, enabled string
	var manualOptOut, direct int
	if err := row.Scan(&u.Protocol, &u.ID, &u.Handle, &copies, &enabled, &u.Status,
		&u.UseInstead, &manualOptOut, &direct); err != nil {
		return nil, false
	}
	_ = json.Unmarshal([]byte(copies), &u.Copies)
	_ = json.Unmarshal([]byte(enabled), &u.EnabledProtocols)
	u.ManualOptOut = manualOptOut != 0
	u.Direct = direct != 0
	s.userCache.Store(userCacheKey(u.Protocol, u.ID), &u)
	return &u, true
}

func (s *Store) queryUser(ctx context.Context, protocol, key string) (*model.User, bool) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT protocol, key, handle, copies, enabled_protocols, status, use_instead,
			manual_opt_out, direct FROM users WHERE protocol = ? AND key = ?`
	} else {
		q = `SELECT protocol, key, handle, copies, enabled_protocols, status, use_instead,
			manual_opt_out, direct FROM users WHERE protocol = $1 AND key = $2`
	}
	row := s.db.QueryRowContext(ctx, q, protocol, key)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*model.User, bool) {
	var u model.User
	var copies, enabled string
	var manualOptOut, direct int
	if err := row.Scan(&u.Protocol, &u.ID, &u.Handle, &copies, &enabled, &u.Status,
		&u.UseInstead, &manualOptOut, &direct); err != nil {
		return nil, false
	}
	_ = json.Unmarshal([]byte(copies), &u.Copies)
	_ = json.Unmarshal([]byte(enabled), &u.EnabledProtocols)
	u.ManualOptOut = manualOptOut != 0
	u.Direct = direct != 0
	return &u, true
}

// UserByHandle implements protocol.HandleLookup.
func (s *Store) UserByHandle(ctx context.Context, protocolLabel, handle string) (*model.User, bool) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT protocol, key, handle, copies, enabled_protocols, status, use_instead,
			manual_opt_out, direct FROM users WHERE protocol = ? AND handle = ?`
	} else {
		q = `SELECT protocol, key, handle, copies, enabled_protocols, status, use_instead,
			manual_opt_out, direct FROM users WHERE protocol = $1 AND handle = $2`
	}
	row := s.db.QueryRowContext(ctx, q, protocolLabel, handle)
	return scanUser(row)
}

// UserByCopyURI looks up the owning user of a bridged-copy URI in the given
// protocol, via the user_copies secondary index.
func (s *Store) UserByCopyURI(ctx context.Context, copyProtocol, copyURI string) (*model.User, bool) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT owner_protocol, owner_key FROM user_copies WHERE copy_protocol = ? AND copy_uri = ?`
	} else {
		q = `SELECT owner_protocol, owner_key FROM user_copies WHERE copy_protocol = $1 AND copy_uri = $2`
	}
	var ownerProtocol, ownerKey string
	if err := s.db.QueryRowContext(ctx, q, copyProtocol, copyURI).Scan(&ownerProtocol, &ownerKey); err != nil {
		return nil, false
	}
	return s.GetUser(ctx, ownerProtocol, ownerKey)
}

// PutUser upserts u and its user_copies rows inside one transaction.
func (s *Store) PutUser(ctx context.Context, u *model.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	copies, _ := json.Marshal(u.Copies)
	enabled, _ := json.Marshal(u.EnabledProtocols)

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO users (protocol, key, handle, copies, enabled_protocols, status,
			use_instead, manual_opt_out, direct)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(protocol, key) DO UPDATE SET
				handle=excluded.handle, copies=excluded.copies,
				enabled_protocols=excluded.enabled_protocols, status=excluded.status,
				use_instead=excluded.use_instead, manual_opt_out=excluded.manual_opt_out,
				direct=excluded.direct`
	} else {
		q = `INSERT INTO users (protocol, key, handle, copies, enabled_protocols, status,
			use_instead, manual_opt_out, direct)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT(protocol, key) DO UPDATE SET
				handle=EXCLUDED.handle, copies=EXCLUDED.copies,
				enabled_protocols=EXCLUDED.enabled_protocols, status=EXCLUDED.status,
				use_instead=EXCLUDED.use_instead, manual_opt_out=EXCLUDED.manual_opt_out,
				direct=EXCLUDED.direct`
	}
	if _, err := tx.ExecContext(ctx, q, u.Protocol, u.ID, u.Handle, string(copies), string(enabled),
		u.Status, u.UseInstead, boolToInt(u.ManualOptOut), boolToInt(u.Direct)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_copies WHERE owner_protocol = `+s.ph(1)+` AND owner_key = `+s.ph(2),
		u.Protocol, u.ID); err != nil {
		return err
	}
	for _, c := range u.Copies {
		var iq string
		if s.driver == "sqlite" {
			iq = `INSERT OR IGNORE INTO user_copies (owner_protocol, owner_key, copy_protocol, copy_uri) VALUES (?,?,?,?)`
		} else {
			iq = `INSERT INTO user_copies (owner_protocol, owner_key, copy_protocol, copy_uri) VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`
		}
		if _, err := tx.ExecContext(ctx, iq, u.Protocol, u.ID, c.Protocol, c.URI); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.userCache.Store(userCacheKey(u.Protocol, u.ID), u)
	return nil
}

// ─── Followers ──────────────────────────────────────────────────────────

// PutFollower upserts a follower edge, enforcing the at-most-one-active
// invariant: from_key+to_key is the primary key, so re-following or
// unfollowing updates the same row instead of creating a second one.
func (s *Store) PutFollower(ctx context.Context, f *model.Follower) error {
	if f.Updated.IsZero() {
		f.Updated = time.Now().UTC()
	}
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO followers (from_key, to_key, status, follow_obj_id, updated)
			VALUES (?,?,?,?,?)
			ON CONFLICT(from_key, to_key) DO UPDATE SET
				status=excluded.status, follow_obj_id=excluded.follow_obj_id, updated=excluded.updated`
	} else {
		q = `INSERT INTO followers (from_key, to_key, status, follow_obj_id, updated)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT(from_key, to_key) DO UPDATE SET
				status=EXCLUDED.status, follow_obj_id=EXCLUDED.follow_obj_id, updated=EXCLUDED.updated`
	}
	_, err := s.db.ExecContext(ctx, q, f.From, f.To, string(f.Status), f.FollowObjID, f.Updated.Format(time.RFC3339Nano))
	return err
}

// FollowersOf returns the followers of toKey (active-only, if activeOnly).
func (s *Store) FollowersOf(ctx context.Context, toKey string, activeOnly bool) ([]model.Follower, error) {
	return s.queryFollowers(ctx, "to_key", toKey, activeOnly)
}

// FollowingOf returns who fromKey follows (active-only, if activeOnly).
func (s *Store) FollowingOf(ctx context.Context, fromKey string, activeOnly bool) ([]model.Follower, error) {
	return s.queryFollowers(ctx, "from_key", fromKey, activeOnly)
}

func (s *Store) queryFollowers(ctx context.Context, filterCol, key string, activeOnly bool) ([]model.Follower, error) {
	q := fmt.Sprintf(`SELECT from_key, to_key, status, follow_obj_id, updated
		FROM followers WHERE %s = %s`, filterCol, s.ph(1))
	args := []any{key}
	if activeOnly {
		q += fmt.Sprintf(" AND status = %s", s.ph(2))
		args = append(args, string(model.FollowerActive))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Follower
	for rows.Next() {
		var f model.Follower
		var status, updated string
		if err := rows.Scan(&f.From, &f.To, &status, &f.FollowObjID, &updated); err != nil {
			return nil, err
		}
		f.Status = model.FollowerStatus(status)
		f.Updated, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ─── KV and audit log ─────────────────────────────────────────────────────

// SetKV upserts a key-value pair, used for polling cursors and resync state.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.ExecContext(ctx, q, key, value)
	return err
}

// GetKV retrieves a value by key.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool) {
	var value string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&value); err != nil {
		return "", false
	}
	return value, true
}

// WriteAuditLog appends a best-effort entry to the admin audit log.
func (s *Store) WriteAuditLog(ctx context.Context, action, detail string) error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO audit_log (ts, action, detail) VALUES (?, ?, ?)`
	} else {
		q = `INSERT INTO audit_log (ts, action, detail) VALUES ($1, $2, $3)`
	}
	_, err := s.db.ExecContext(ctx, q, ts, action, detail)
	return err
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
