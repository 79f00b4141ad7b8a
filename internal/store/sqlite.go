package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

// SqliteStore keeps every entity type in its own table: meta columns for the
// engine's predicates plus the serialized payload. Timestamps are stored as
// fixed-width UTC text so lexicographic comparison matches time order.
type SqliteStore struct {
	conn     *sql.DB
	registry *sync.Registry
}

// OpenSqlite opens (or creates) a sqlite store at path using the given
// driver name. Production uses "sqlite"; tests use "sqlite3".
func OpenSqlite(driver, path string, registry *sync.Registry) (*SqliteStore, error) {
	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent reads while writes are serialized.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SqliteStore{conn: conn, registry: registry}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *SqliteStore) Close() error { return s.conn.Close() }

func (s *SqliteStore) migrate() error {
	for _, name := range s.registry.TypeNames() {
		table := tableName(name)
		_, err := s.conn.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sync_id TEXT NOT NULL UNIQUE,
			created_on TEXT NOT NULL,
			modified_on TEXT NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			keys TEXT NOT NULL DEFAULT '{}'
		)`, table))
		if err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		_, err = s.conn.Exec(fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_modified ON %s (modified_on, id)`, table, table))
		if err != nil {
			return fmt.Errorf("create index on %s: %w", table, err)
		}
	}
	_, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS sync_state (
		sync_type TEXT PRIMARY KEY,
		last_synced_on_client TEXT NOT NULL DEFAULT '',
		last_synced_on_server TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("create sync_state: %w", err)
	}
	return nil
}

func tableName(typeName string) string {
	out := make([]rune, 0, len(typeName))
	for _, r := range typeName {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			out = append(out, r)
		}
	}
	return "sync_" + string(out)
}

// stampLayout keeps the fractional part at a fixed nine digits. RFC3339Nano
// trims trailing zeros, which breaks lexicographic ordering between stamps
// of different fractional widths ("…00.5123Z" sorts before "…00.5Z").
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// parseStamp tries common SQLite timestamp formats.
func parseStamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339Nano, Value: s}
}

// Watermarks reads the stored sync boundaries for a sync type. Zero times
// mean never synced.
func (s *SqliteStore) Watermarks(syncType string) (client, server time.Time, err error) {
	var rawClient, rawServer string
	row := s.conn.QueryRow(
		`SELECT last_synced_on_client, last_synced_on_server FROM sync_state WHERE sync_type = ?`, syncType)
	if scanErr := row.Scan(&rawClient, &rawServer); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return time.Time{}, time.Time{}, nil
		}
		return time.Time{}, time.Time{}, fmt.Errorf("read sync state: %w", scanErr)
	}
	if client, err = parseStamp(rawClient); err != nil {
		return
	}
	server, err = parseStamp(rawServer)
	return
}

// SaveWatermarks advances the stored boundaries after a successful session.
func (s *SqliteStore) SaveWatermarks(syncType string, client, server time.Time) error {
	_, err := s.conn.Exec(`
		INSERT INTO sync_state (sync_type, last_synced_on_client, last_synced_on_server, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sync_type) DO UPDATE SET
			last_synced_on_client = excluded.last_synced_on_client,
			last_synced_on_server = excluded.last_synced_on_server,
			updated_at = excluded.updated_at
	`, syncType, formatStamp(client), formatStamp(server), formatStamp(time.Now()))
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// GetDatabase implements sync.DatabaseProvider. Each handle is one
// transaction; Save commits, Close without Save rolls back.
func (s *SqliteStore) GetDatabase() (sync.Database, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqliteSession{store: s, tx: tx}, nil
}

type sqliteSession struct {
	store *SqliteStore
	tx    *sql.Tx
	done  bool
}

func (t *sqliteSession) Repository(typeName string) sync.Repository {
	if t.store.registry.Lookup(typeName) == nil {
		return nil
	}
	return &sqliteRepository{session: t, typeName: typeName, table: tableName(typeName)}
}

func (t *sqliteSession) Save() error {
	if t.done {
		return fmt.Errorf("session closed")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqliteSession) Close() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func marshalEntity(e sync.Entity) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("serialize entity: %w", err)
	}
	return string(data), nil
}

// localKeys captures relationship local keys, which the wire shape excludes
// but the store must keep.
func localKeys(d *sync.TypeDescriptor, e sync.Entity) (string, error) {
	if len(d.Relationships) == 0 {
		return "{}", nil
	}
	keys := make(map[string]int64, len(d.Relationships))
	for _, rel := range d.Relationships {
		if id := rel.LocalID(e); id != 0 {
			keys[rel.Name] = id
		}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("serialize relationship keys: %w", err)
	}
	return string(data), nil
}

func applyLocalKeys(d *sync.TypeDescriptor, e sync.Entity, raw string) error {
	if raw == "" || raw == "{}" || len(d.Relationships) == 0 {
		return nil
	}
	var keys map[string]int64
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return fmt.Errorf("parse relationship keys: %w", err)
	}
	for _, rel := range d.Relationships {
		if id, ok := keys[rel.Name]; ok {
			rel.SetLocalID(e, id)
		}
	}
	return nil
}

type sqliteRepository struct {
	session  *sqliteSession
	typeName string
	table    string
}

func (r *sqliteRepository) TypeName() string { return r.typeName }

type row struct {
	id         int64
	syncID     string
	createdOn  string
	modifiedOn string
	isDeleted  bool
	data       string
	keys       string
}

func (r *sqliteRepository) entityFromRow(rw row) (sync.Entity, error) {
	e, err := r.session.store.registry.ToEntity(sync.Object{TypeName: r.typeName, Data: rw.data})
	if err != nil {
		return nil, err
	}
	m := e.SyncMeta()
	m.ID = rw.id
	if m.SyncID, err = uuid.Parse(rw.syncID); err != nil {
		return nil, fmt.Errorf("parse sync id %q: %w", rw.syncID, err)
	}
	if m.CreatedOn, err = parseStamp(rw.createdOn); err != nil {
		return nil, err
	}
	if m.ModifiedOn, err = parseStamp(rw.modifiedOn); err != nil {
		return nil, err
	}
	m.IsDeleted = rw.isDeleted
	if d := r.session.store.registry.Lookup(r.typeName); d != nil {
		if err := applyLocalKeys(d, e, rw.keys); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// changedRows reads the whole window ordered by (modified_on, id). Go-func
// filters cannot run in SQL, so filtering and skip/take both happen here and
// the count and page predicates always agree.
func (r *sqliteRepository) changedRows(since, until time.Time, filter *sync.RepositoryFilter) ([]sync.Entity, error) {
	rows, err := r.session.tx.Query(fmt.Sprintf(`
		SELECT id, sync_id, created_on, modified_on, is_deleted, data, keys FROM %s
		WHERE (created_on >= ? AND created_on < ?) OR (modified_on >= ? AND modified_on < ?)
		ORDER BY modified_on, id
	`, r.table), formatStamp(since), formatStamp(until), formatStamp(since), formatStamp(until))
	if err != nil {
		return nil, fmt.Errorf("query changes for %s: %w", r.typeName, err)
	}
	defer rows.Close()

	var out []sync.Entity
	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.id, &rw.syncID, &rw.createdOn, &rw.modifiedOn, &rw.isDeleted, &rw.data, &rw.keys); err != nil {
			return nil, err
		}
		e, err := r.entityFromRow(rw)
		if err != nil {
			return nil, err
		}
		if filter != nil && filter.SkipDeletedOnInitial && since.IsZero() && e.SyncMeta().IsDeleted {
			continue
		}
		if !filter.AllowsOutgoing(e) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *sqliteRepository) ChangeCount(since, until time.Time, filter *sync.RepositoryFilter) (int, error) {
	entities, err := r.changedRows(since, until, filter)
	if err != nil {
		return 0, err
	}
	return len(entities), nil
}

func (r *sqliteRepository) Changes(since, until time.Time, skip, take int, filter *sync.RepositoryFilter) ([]sync.Object, error) {
	entities, err := r.changedRows(since, until, filter)
	if err != nil {
		return nil, err
	}
	if skip >= len(entities) {
		return nil, nil
	}
	entities = entities[skip:]
	if take > 0 && take < len(entities) {
		entities = entities[:take]
	}
	out := make([]sync.Object, 0, len(entities))
	for _, e := range entities {
		o, err := sync.ToObject(r.typeName, e)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *sqliteRepository) readOne(where string, arg any) (sync.Entity, error) {
	var rw row
	err := r.session.tx.QueryRow(fmt.Sprintf(
		`SELECT id, sync_id, created_on, modified_on, is_deleted, data, keys FROM %s WHERE %s`, r.table, where), arg).
		Scan(&rw.id, &rw.syncID, &rw.createdOn, &rw.modifiedOn, &rw.isDeleted, &rw.data, &rw.keys)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.typeName, err)
	}
	return r.entityFromRow(rw)
}

func (r *sqliteRepository) ReadByPrimaryID(id int64) (sync.Entity, error) {
	return r.readOne("id = ?", id)
}

func (r *sqliteRepository) ReadBySyncID(id uuid.UUID) (sync.Entity, error) {
	return r.readOne("sync_id = ?", id.String())
}

func (r *sqliteRepository) ReadMatch(incoming sync.Entity, filter *sync.RepositoryFilter) (sync.Entity, error) {
	if !filter.HasLookup() {
		return r.ReadBySyncID(incoming.SyncMeta().SyncID)
	}
	match := filter.Lookup(incoming)

	rows, err := r.session.tx.Query(fmt.Sprintf(
		`SELECT id, sync_id, created_on, modified_on, is_deleted, data, keys FROM %s`, r.table))
	if err != nil {
		return nil, fmt.Errorf("scan %s for match: %w", r.typeName, err)
	}
	defer rows.Close()

	var found sync.Entity
	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.id, &rw.syncID, &rw.createdOn, &rw.modifiedOn, &rw.isDeleted, &rw.data, &rw.keys); err != nil {
			return nil, err
		}
		e, err := r.entityFromRow(rw)
		if err != nil {
			return nil, err
		}
		if !match(e) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("lookup matched multiple %s rows, want at most one", r.typeName)
		}
		found = e
	}
	return found, rows.Err()
}

func (r *sqliteRepository) Add(e sync.Entity) error {
	m := e.SyncMeta()
	data, err := marshalEntity(e)
	if err != nil {
		return err
	}
	keys, err := localKeys(r.session.store.registry.Lookup(r.typeName), e)
	if err != nil {
		return err
	}
	res, err := r.session.tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (sync_id, created_on, modified_on, is_deleted, data, keys)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.table), m.SyncID.String(), formatStamp(m.CreatedOn), formatStamp(m.ModifiedOn), m.IsDeleted, data, keys)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.typeName, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

func (r *sqliteRepository) Update(e sync.Entity) error {
	m := e.SyncMeta()
	if m.ID == 0 {
		return fmt.Errorf("update %s without primary key", r.typeName)
	}
	data, err := marshalEntity(e)
	if err != nil {
		return err
	}
	keys, err := localKeys(r.session.store.registry.Lookup(r.typeName), e)
	if err != nil {
		return err
	}
	_, err = r.session.tx.Exec(fmt.Sprintf(`
		UPDATE %s SET sync_id = ?, created_on = ?, modified_on = ?, is_deleted = ?, data = ?, keys = ?
		WHERE id = ?
	`, r.table), m.SyncID.String(), formatStamp(m.CreatedOn), formatStamp(m.ModifiedOn), m.IsDeleted, data, keys, m.ID)
	if err != nil {
		return fmt.Errorf("update %s: %w", r.typeName, err)
	}
	return nil
}

func (r *sqliteRepository) Remove(e sync.Entity) error {
	m := e.SyncMeta()
	if m.ID == 0 {
		return fmt.Errorf("remove %s without primary key", r.typeName)
	}
	if _, err := r.session.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.table), m.ID); err != nil {
		return fmt.Errorf("delete %s: %w", r.typeName, err)
	}
	return nil
}
