package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteLedger 将命名空间报告持久化到单个 SQLite 文件。
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger 打开（必要时创建）path 处的数据库并初始化表结构。
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 报告写入频率很低，单连接即可避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	l := &SQLiteLedger{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

func (l *SQLiteLedger) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS namespace_reports (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		namespace TEXT NOT NULL,
		closed_by TEXT NOT NULL,
		errors TEXT NOT NULL,
		used TEXT NOT NULL,
		orphans TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_namespace_reports_target ON namespace_reports(target, created_at);
	`
	_, err := l.db.Exec(query)
	return err
}

// Append 写入一条报告，缺省时补齐 ID 与 CreatedAt。
func (l *SQLiteLedger) Append(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	errs, err := encodeList(entry.Errors)
	if err != nil {
		return err
	}
	used, err := encodeList(entry.Used)
	if err != nil {
		return err
	}
	orphans, err := encodeList(entry.Orphans)
	if err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO namespace_reports (id, target, namespace, closed_by, errors, used, orphans, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Target, entry.Namespace, entry.ClosedBy, errs, used, orphans, entry.CreatedAt)
	return err
}

// List 按时间倒序返回报告，target 为空时返回全部 Target。
func (l *SQLiteLedger) List(ctx context.Context, target string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, target, namespace, closed_by, errors, used, orphans, created_at
		FROM namespace_reports
	`
	args := []interface{}{}
	if target != "" {
		query += " WHERE target = ?"
		args = append(args, target)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var errs, used, orphans string
		if err := rows.Scan(&e.ID, &e.Target, &e.Namespace, &e.ClosedBy, &errs, &used, &orphans, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Errors, err = decodeList(errs); err != nil {
			return nil, err
		}
		if e.Used, err = decodeList(used); err != nil {
			return nil, err
		}
		if e.Orphans, err = decodeList(orphans); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close 关闭底层数据库连接。
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeList(raw string) ([]string, error) {
	values := []string{}
	if raw == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode ledger list: %w", err)
	}
	return values, nil
}
