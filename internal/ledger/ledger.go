// Package ledger persists namespace reports so orphan and error diagnostics
// survive the process that produced them.
package ledger

import (
	"context"
	"time"
)

// Closer 标识报告的来源。
const (
	ClosedByReset    = "reset"
	ClosedByShutdown = "shutdown"
)

// Entry 是一条已落库的命名空间报告。
type Entry struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Namespace string    `json:"namespace"`
	ClosedBy  string    `json:"closed_by"`
	Errors    []string  `json:"errors"`
	Used      []string  `json:"used"`
	Orphans   []string  `json:"orphans"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger 保存与查询命名空间报告。
type Ledger interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, target string, limit int) ([]*Entry, error)
	Close() error
}
