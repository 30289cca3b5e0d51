package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation  TEXT NOT NULL REFERENCES generations(name) ON DELETE CASCADE,
	request_key TEXT NOT NULL,
	status      INTEGER NOT NULL,
	header_json TEXT NOT NULL,
	body        BLOB NOT NULL,
	stored_at   INTEGER NOT NULL,
	PRIMARY KEY (generation, request_key)
);`

const sqliteUpsert = `
INSERT INTO entries (generation, request_key, status, header_json, body, stored_at)
SELECT ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)
ON CONFLICT (generation, request_key) DO UPDATE SET
	status = excluded.status,
	header_json = excluded.header_json,
	body = excluded.body,
	stored_at = excluded.stored_at`

// sqliteStorage 把所有代际放进单个 SQLite 文件，代际删除在一个事务内完成。
type sqliteStorage struct {
	sqlDB *sql.DB
}

type sqliteCache struct {
	storage *sqliteStorage
	name    string
}

// OpenSQLite 打开（必要时创建）SQLite 缓存库。path 可以是目录或 .db 文件路径。
func OpenSQLite(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}

	cleanPath := filepath.Clean(path)
	if !strings.HasSuffix(cleanPath, ".db") {
		if err := os.MkdirAll(cleanPath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		cleanPath = filepath.Join(cleanPath, "cache.db")
	} else if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStorage{sqlDB: sqlDB}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
	}
	return &sqliteCache{storage: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM generations WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup generation: %w", err)
	}
	return true, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM generations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key string) (*Response, error) {
	row := c.storage.sqlDB.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at FROM entries WHERE generation = ? AND request_key = ?`,
		c.name, key,
	)

	var (
		resp       = &Response{URL: key}
		headerJSON string
		storedAt   int64
	)
	if err := row.Scan(&resp.Status, &headerJSON, &resp.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match entry: %w", err)
	}
	resp.Header = http.Header{}
	if err := json.Unmarshal([]byte(headerJSON), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode entry header: %w", err)
	}
	resp.StoredAt = time.UnixMilli(storedAt).UTC()
	return resp, nil
}

func (c *sqliteCache) Put(ctx context.Context, key string, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 在单个事务中写入；代际行不存在时 INSERT ... SELECT 不会插入任何行，
// 由此识别出代际已被删除。
func (c *sqliteCache) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := c.storage.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return fmt.Errorf("prepare put: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if entry.Response == nil {
			return errors.New("nil response")
		}
		headerJSON, err := json.Marshal(entry.Response.Header)
		if err != nil {
			return fmt.Errorf("encode entry header: %w", err)
		}
		storedAt := entry.Response.StoredAt
		if storedAt.IsZero() {
			storedAt = nowUTC()
		}
		body := entry.Response.Body
		if body == nil {
			body = []byte{}
		}
		res, err := stmt.ExecContext(ctx,
			c.name, entry.Key, entry.Response.Status, string(headerJSON), body, storedAt.UnixMilli(), c.name,
		)
		if err != nil {
			return fmt.Errorf("put entry: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrGenerationDeleted, c.name)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.storage.sqlDB.QueryContext(ctx,
		`SELECT request_key FROM entries WHERE generation = ? ORDER BY request_key`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
