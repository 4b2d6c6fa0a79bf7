// Package namespace tracks the active recording namespace of a target and the
// per-namespace bookkeeping (served tapes, unresolved requests, orphans) used to
// report unused fixtures when a namespace is closed.
package namespace

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Default 是进程启动时的活动命名空间，对应磁带根目录。
const Default = ""

// ErrInvalidNamespace 表示 set-namespace 请求缺少或携带了非法的命名空间参数。
var ErrInvalidNamespace = errors.New("invalid namespace request")

// Lister 列出命名空间目录中实际存在的磁带文件名，目录不存在时返回空列表。
type Lister interface {
	List(namespace string) ([]string, error)
}

// Confirmation 是 Set 成功后的确认载荷。
type Confirmation struct {
	Namespace string
	Message   string
}

// Report 是关闭命名空间时的统计快照，JSON 字段与管理接口输出一致。
type Report struct {
	Namespace string   `json:"-"`
	Errors    []string `json:"errors"`
	Used      []string `json:"used"`
	Orphans   []string `json:"orphans"`
}

type stats struct {
	errors  []string
	used    map[string]struct{}
	orphans []string
	// dirty 表示自上次 Reset 以来有新的记录，供关闭进程时补齐报告。
	dirty bool
}

func newStats() *stats {
	return &stats{used: make(map[string]struct{})}
}

// Registry 保存单个 Target 的活动命名空间指针与各命名空间的统计，可并发调用。
type Registry struct {
	lister Lister

	mu     sync.Mutex
	active string
	stats  map[string]*stats
}

// NewRegistry 构建以 Default 为活动命名空间的注册表。
func NewRegistry(lister Lister) *Registry {
	return &Registry{
		lister: lister,
		active: Default,
		stats:  map[string]*stats{Default: newStats()},
	}
}

// RequestError 携带面向客户端的原因描述，errors.Is 可匹配 ErrInvalidNamespace。
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string {
	return ErrInvalidNamespace.Error() + ": " + e.Reason
}

func (e *RequestError) Unwrap() error {
	return ErrInvalidNamespace
}

// Validate 校验命名空间可以作为单层目录名使用。
func Validate(id string) error {
	if id == "" {
		return &RequestError{Reason: "No namespace given. Pass `?namespace=something` to set one."}
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return &RequestError{Reason: fmt.Sprintf("Namespace %q must be a single path segment.", id)}
	}
	return nil
}

// Active 返回当前活动命名空间。
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Set 切换活动命名空间。已有统计保持不变，仅移动指针。
func (r *Registry) Set(id string) (Confirmation, error) {
	if err := Validate(id); err != nil {
		return Confirmation{}, err
	}

	r.mu.Lock()
	r.active = id
	r.ensure(id)
	r.mu.Unlock()

	return Confirmation{Namespace: id, Message: "Namespace set to: " + id}, nil
}

// Reset 将活动命名空间恢复为 Default，并返回被关闭命名空间的统计快照。
// orphans 以调用时刻的目录列表减去 used 集合得到。
func (r *Registry) Reset() (Report, error) {
	r.mu.Lock()
	previous := r.active
	r.active = Default
	r.mu.Unlock()

	return r.close(previous)
}

// Close 计算任意命名空间的报告而不改变活动指针，供进程退出时补齐未 Reset 的命名空间。
func (r *Registry) Close(id string) (Report, error) {
	return r.close(id)
}

func (r *Registry) close(id string) (Report, error) {
	var listed []string
	if r.lister != nil {
		names, err := r.lister.List(id)
		if err != nil {
			return Report{Namespace: id}, fmt.Errorf("list tapes for namespace %q: %w", id, err)
		}
		listed = names
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.ensure(id)
	orphans := make([]string, 0, len(listed))
	for _, name := range listed {
		if _, ok := s.used[name]; !ok {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	s.orphans = orphans
	s.dirty = false

	return s.report(id), nil
}

// RecordUsed 记录一次成功回放的磁带标识。
func (r *Registry) RecordUsed(id, tapeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.ensure(id)
	s.used[tapeID] = struct{}{}
	s.dirty = true
}

// RecordError 追加一条在禁止录制模式下无法解析的请求 URL。
func (r *Registry) RecordError(id, requestURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.ensure(id)
	s.errors = append(s.errors, requestURL)
	s.dirty = true
}

// Snapshot 返回所有命名空间的只读统计，orphans 为最近一次关闭时的结果。
func (r *Registry) Snapshot() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.stats))
	for id := range r.stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	reports := make([]Report, 0, len(ids))
	for _, id := range ids {
		reports = append(reports, r.stats[id].report(id))
	}
	return reports
}

// Pending 返回自上次关闭后仍有新记录的命名空间。
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, s := range r.stats {
		if s.dirty {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ensure 必须在持有 mu 时调用。
func (r *Registry) ensure(id string) *stats {
	s, ok := r.stats[id]
	if !ok {
		s = newStats()
		r.stats[id] = s
	}
	return s
}

func (s *stats) report(id string) Report {
	used := make([]string, 0, len(s.used))
	for name := range s.used {
		used = append(used, name)
	}
	sort.Strings(used)

	return Report{
		Namespace: id,
		Errors:    append([]string{}, s.errors...),
		Used:      used,
		Orphans:   append([]string{}, s.orphans...),
	}
}
