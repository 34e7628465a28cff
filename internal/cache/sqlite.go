package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// SQLiteStorage keeps generations and their entries in a SQLite database.
type SQLiteStorage struct {
	sqlDB *sql.DB
}

type sqliteGeneration struct {
	storage *SQLiteStorage
	name    string
}

// NewSQLite opens the database at path and applies the schema.
func NewSQLite(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applySchema(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logrus.WithField("path", path).Debug("Opened SQLite cache storage")
	return &SQLiteStorage{sqlDB: sqlDB}, nil
}

func applySchema(sqlDB *sql.DB) error {
	files, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := fs.ReadFile(schemaFS, file)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", file, err)
		}
		if _, err := sqlDB.Exec(upSection(string(content))); err != nil {
			return fmt.Errorf("exec schema %s: %w", file, err)
		}
	}
	return nil
}

// upSection returns the SQL in the -- +migrate Up section.
func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, up)
	if start == -1 {
		return content
	}
	start += len(up)
	end := strings.Index(content, down)
	if end == -1 || end < start {
		return content[start:]
	}
	return content[start:end]
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM generations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return names, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (GenericCache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &sqliteGeneration{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM generations WHERE name = ?`, name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check generation %s: %w", name, err)
	}
	return true, nil
}

// Close releases the underlying SQLite connection.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (g *sqliteGeneration) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := g.storage.sqlDB.QueryRowContext(
		ctx,
		`SELECT payload FROM entries WHERE generation = ? AND cache_key = ?`,
		g.name,
		key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return payload, nil
}

func (g *sqliteGeneration) Set(ctx context.Context, key string, value []byte) error {
	res, err := g.storage.sqlDB.ExecContext(
		ctx,
		`INSERT INTO entries (generation, cache_key, payload, stored_at)
		 SELECT name, ?, ?, ? FROM generations WHERE name = ?
		 ON CONFLICT(generation, cache_key) DO UPDATE SET
		    payload = excluded.payload,
		    stored_at = excluded.stored_at`,
		key,
		value,
		time.Now().UTC().UnixMilli(),
		g.name,
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	if n == 0 {
		return ErrGenerationDeleted
	}
	return nil
}
