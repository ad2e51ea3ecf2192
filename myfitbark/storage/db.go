package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/tokens"
)

const authStateKey = "auth"

// timeLayout has a fixed width, so that stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Storage is the hub's local state: a key/value settings table holding the
// authorization state, the registry of linked entities and their attribute snapshots.
type Storage struct {
	db  *sqlx.DB
	log logr.Logger
}

// entity is the database row of a myfitbark.LinkedEntity.
type entity struct {
	ExternalId   string `db:"external_id"`
	DisplayName  string `db:"display_name"`
	Relationship string `db:"relationship"`
	RegisteredAt string `db:"registered_at"`
}

func NewStorage(log logr.Logger, dbName string) (*Storage, error) {
	db, err := sqlx.Connect("sqlite3", dbName)
	if err != nil {
		log.Error(err, "Failed to connect to database", "dbType", "sqlite3", "dbName", dbName)
		return nil, err
	}

	storage := &Storage{
		db:  db,
		log: log.WithName("Storage"),
	}
	err = storage.createTables()
	if err != nil {
		log.Error(err, "Failed to create tables")
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *Storage) createTables() error {
	schema := `
    CREATE TABLE IF NOT EXISTS settings (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS entities (
        external_id TEXT PRIMARY KEY,
        display_name TEXT NOT NULL,
        relationship TEXT NOT NULL,  -- OWNER or FOLLOWER, fixed at creation
        registered_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS snapshots (
        external_id TEXT PRIMARY KEY,
        data TEXT NOT NULL,  -- JSON encoded myfitbark.Snapshot
        updated_at TEXT NOT NULL
    );
`
	_, err := s.db.Exec(schema)
	if err != nil {
		s.log.Error(err, "Failed to execute create table query")
		return err
	}
	s.log.V(1).Info("Created tables")
	return nil
}

// Close closes the database connection & syncs it to persistent storage.
func (s *Storage) Close() {
	s.log.Info("Closing database connection")
	s.db.Close()
}

func (s *Storage) getSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		s.log.Error(err, "Failed to read setting", "key", key)
		return "", false, err
	}
	return value, true, nil
}

func (s *Storage) setSetting(ctx context.Context, key string, value string) error {
	query := `
    INSERT INTO settings (key, value) VALUES (:key, :value)
    ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.NamedExecContext(ctx, query, map[string]any{
		"key":   key,
		"value": value,
	})
	if err != nil {
		s.log.Error(err, "Failed to write setting", "key", key)
	}
	return err
}

// LoadAuthState implements tokens.Persister.
func (s *Storage) LoadAuthState(ctx context.Context) (*tokens.State, error) {
	value, ok, err := s.getSetting(ctx, authStateKey)
	if err != nil || !ok {
		return nil, err
	}
	var state tokens.State
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return nil, fmt.Errorf("corrupted authorization state: %w", err)
	}
	return &state, nil
}

// SaveAuthState implements tokens.Persister.
func (s *Storage) SaveAuthState(ctx context.Context, state tokens.State) error {
	out, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.setSetting(ctx, authStateKey, string(out))
}

// InsertEntity registers a new entity; an existing external id is never overwritten.
func (s *Storage) InsertEntity(ctx context.Context, e myfitbark.LinkedEntity) error {
	row := entity{
		ExternalId:   e.ExternalId,
		DisplayName:  e.DisplayName,
		Relationship: string(e.Relationship),
		RegisteredAt: e.RegisteredAt.UTC().Format(timeLayout),
	}
	query := `
    INSERT INTO entities (external_id, display_name, relationship, registered_at)
    VALUES (:external_id, :display_name, :relationship, :registered_at)`
	_, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", myfitbark.ErrAlreadyRegistered, e.ExternalId)
		}
		s.log.Error(err, "Failed to insert entity", "external_id", e.ExternalId)
		return err
	}
	return nil
}

func (s *Storage) GetEntity(ctx context.Context, externalId string) (*myfitbark.LinkedEntity, error) {
	var row entity
	err := s.db.GetContext(ctx, &row, `SELECT * FROM entities WHERE external_id = $1`, externalId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", myfitbark.ErrNotFound, externalId)
	}
	if err != nil {
		s.log.Error(err, "Failed to get entity", "external_id", externalId)
		return nil, err
	}
	return unmarshallEntity(row)
}

// ListEntities returns every registered entity, oldest first.
func (s *Storage) ListEntities(ctx context.Context) ([]myfitbark.LinkedEntity, error) {
	rows := make([]entity, 0)
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM entities ORDER BY registered_at, external_id`)
	if err != nil {
		s.log.Error(err, "Failed to list entities")
		return nil, err
	}
	out := make([]myfitbark.LinkedEntity, 0, len(rows))
	for _, row := range rows {
		e, err := unmarshallEntity(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// DeleteEntity removes an entity and its snapshot.
func (s *Storage) DeleteEntity(ctx context.Context, externalId string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE external_id = $1`, externalId); err != nil {
		s.log.Error(err, "Failed to delete snapshot", "external_id", externalId)
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE external_id = $1`, externalId)
	if err != nil {
		s.log.Error(err, "Failed to delete entity", "external_id", externalId)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entity %s", myfitbark.ErrNotFound, externalId)
	}
	return tx.Commit()
}

// LoadSnapshot returns nil when the entity was never synced.
func (s *Storage) LoadSnapshot(ctx context.Context, externalId string) (*myfitbark.Snapshot, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data FROM snapshots WHERE external_id = $1`, externalId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.log.Error(err, "Failed to load snapshot", "external_id", externalId)
		return nil, err
	}
	var snap myfitbark.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		s.log.Error(err, "Failed to unmarshal snapshot", "external_id", externalId, "data", data)
		return nil, err
	}
	return &snap, nil
}

func (s *Storage) SaveSnapshot(ctx context.Context, externalId string, snap myfitbark.Snapshot) error {
	out, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	query := `
    INSERT INTO snapshots (external_id, data, updated_at) VALUES (:external_id, :data, :updated_at)
    ON CONFLICT(external_id) DO UPDATE SET
        data = excluded.data,
        updated_at = excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, query, map[string]any{
		"external_id": externalId,
		"data":        string(out),
		"updated_at":  snap.UpdatedAt.UTC().Format(timeLayout),
	})
	if err != nil {
		s.log.Error(err, "Failed to save snapshot", "external_id", externalId)
	}
	return err
}

func unmarshallEntity(row entity) (*myfitbark.LinkedEntity, error) {
	registeredAt, err := time.Parse(timeLayout, row.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("entity %s: bad registered_at %q: %w", row.ExternalId, row.RegisteredAt, err)
	}
	return &myfitbark.LinkedEntity{
		ExternalId:   row.ExternalId,
		DisplayName:  row.DisplayName,
		Relationship: myfitbark.RelationshipKind(row.Relationship),
		RegisteredAt: registeredAt,
	}, nil
}
