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
CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	bucket        TEXT NOT NULL,
	cache_key     TEXT NOT NULL,
	method        TEXT NOT NULL,
	url           TEXT NOT NULL,
	status        INTEGER NOT NULL,
	status_text   TEXT NOT NULL DEFAULT '',
	response_type TEXT NOT NULL,
	final_url     TEXT NOT NULL DEFAULT '',
	redirected    INTEGER NOT NULL DEFAULT 0,
	headers       TEXT NOT NULL DEFAULT '{}',
	body          BLOB,
	stored_at     INTEGER NOT NULL,
	PRIMARY KEY (bucket, cache_key)
);
`

// SQLiteStorage 将缓存桶保存在单个 SQLite 文件中，桶顺序由 buckets 表的 rowid 决定。
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite 打开（或创建）path 指向的数据库并初始化表结构。
// path 为目录时使用 <path>/cache.db。
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	cleanPath := filepath.Clean(path)
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		cleanPath = filepath.Join(cleanPath, "cache.db")
	}
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close 关闭数据库句柄。
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteBucket{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Match(ctx context.Context, key Key) (*Response, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.status, e.status_text, e.response_type, e.final_url, e.redirected, e.headers, e.body, e.stored_at
		  FROM entries e
		  JOIN buckets b ON b.name = e.bucket
		 WHERE e.cache_key = ?
		 ORDER BY b.rowid
		 LIMIT 1`, key.String())
	return scanResponse(row)
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) handle(name string) Bucket {
	return &sqliteBucket{storage: s, name: name}
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStorage) ensureBucket(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixNano())
	return err
}

type sqliteBucket struct {
	storage *SQLiteStorage
	name    string
}

func (b *sqliteBucket) Name() string { return b.name }

func (b *sqliteBucket) Match(ctx context.Context, key Key) (*Response, error) {
	row := b.storage.db.QueryRowContext(ctx, `
		SELECT status, status_text, response_type, final_url, redirected, headers, body, stored_at
		  FROM entries
		 WHERE bucket = ? AND cache_key = ?`, b.name, key.String())
	return scanResponse(row)
}

func (b *sqliteBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	headers, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := b.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := b.storage.ensureBucket(ctx, tx, b.name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (bucket, cache_key, method, url, status, status_text, response_type, final_url, redirected, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket, cache_key) DO UPDATE SET
			status = excluded.status,
			status_text = excluded.status_text,
			response_type = excluded.response_type,
			final_url = excluded.final_url,
			redirected = excluded.redirected,
			headers = excluded.headers,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		b.name, key.String(), key.Method, key.URL,
		resp.Status, resp.StatusText, string(resp.Type), resp.URL, resp.Redirected,
		string(headers), body, storedAt.UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]Key, error) {
	rows, err := b.storage.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE bucket = ? ORDER BY rowid`, b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *sqliteBucket) Delete(ctx context.Context, key Key) (bool, error) {
	result, err := b.storage.db.ExecContext(ctx,
		`DELETE FROM entries WHERE bucket = ? AND cache_key = ?`, b.name, key.String())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanResponse(row *sql.Row) (*Response, error) {
	var (
		resp       Response
		respType   string
		redirected bool
		headers    string
		storedAt   int64
	)
	err := row.Scan(&resp.Status, &resp.StatusText, &respType, &resp.URL, &redirected, &headers, &resp.Body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp.Type = ResponseType(respType)
	resp.Redirected = redirected
	resp.StoredAt = time.Unix(0, storedAt).UTC()
	if headers != "" && headers != "null" {
		resp.Header = http.Header{}
		if err := json.Unmarshal([]byte(headers), &resp.Header); err != nil {
			return nil, fmt.Errorf("decode cached headers: %w", err)
		}
	}
	return &resp, nil
}
