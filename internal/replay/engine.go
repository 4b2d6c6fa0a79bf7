package replay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tapehub/tapehub/internal/fingerprint"
	"github.com/tapehub/tapehub/internal/ledger"
	"github.com/tapehub/tapehub/internal/logging"
	"github.com/tapehub/tapehub/internal/namespace"
	"github.com/tapehub/tapehub/internal/tape"
)

// Request 是进入决策引擎的入站请求，正文已完整缓冲。
type Request struct {
	Method string
	// URI 为原始 path + query。
	URI    string
	Host   string
	Header http.Header
	Body   []byte
	// ClientIP/Scheme 仅用于生成 X-Forwarded-* 头，不参与指纹计算。
	ClientIP string
	Scheme   string
}

// Response 是上游返回的完整响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// URL 为实际请求的上游地址，写入磁带便于排查。
	URL string
}

// Forwarder 将请求转发给真实上游，超时与重试由实现负责。
type Forwarder interface {
	Forward(ctx context.Context, req Request) (*Response, error)
}

// Loader 将磁带文件加载为可回放的交互；不存在时必须返回 tape.ErrNotFound。
type Loader func(path string) (*tape.Tape, error)

// Outcome 描述一次成功的回放。
type Outcome struct {
	Tape        *tape.Tape
	Handle      tape.Handle
	Namespace   string
	Fingerprint string
	// Recorded 为 true 表示本次请求触发了录制（包括等待同一录制完成的跟随请求）。
	Recorded bool
}

// Options 汇总 Engine 的依赖，便于测试注入替身。
type Options struct {
	Target    string
	Domain    string
	Store     tape.Store
	Registry  *namespace.Registry
	Forwarder Forwarder
	Generator *fingerprint.Generator
	Loader    Loader
	Ledger    ledger.Ledger
	Logger    *logrus.Logger
	NoRecord  bool
	Verbose   bool
}

// Engine 是单个 Target 的录制/回放状态机。
type Engine struct {
	target    string
	domain    string
	store     tape.Store
	registry  *namespace.Registry
	forwarder Forwarder
	generator *fingerprint.Generator
	loader    Loader
	ledger    ledger.Ledger
	logger    *logrus.Logger
	noRecord  bool
	verbose   bool

	flights singleflight.Group
}

type recordResult struct {
	handle  tape.Handle
	written bool
}

// NewEngine 校验依赖并构建 Engine。
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("tape store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("namespace registry is required")
	}
	if opts.Forwarder == nil && !opts.NoRecord {
		return nil, errors.New("forwarder is required when recording is enabled")
	}
	if opts.Generator == nil {
		opts.Generator = fingerprint.New(nil)
	}
	if opts.Loader == nil {
		opts.Loader = tape.Load
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	return &Engine{
		target:    opts.Target,
		domain:    opts.Domain,
		store:     opts.Store,
		registry:  opts.Registry,
		forwarder: opts.Forwarder,
		generator: opts.Generator,
		loader:    opts.Loader,
		ledger:    opts.Ledger,
		logger:    opts.Logger,
		noRecord:  opts.NoRecord,
		verbose:   opts.Verbose,
	}, nil
}

// Target 返回引擎所属 Target 名称。
func (e *Engine) Target() string {
	return e.target
}

// NoRecord 报告引擎是否处于禁止录制模式。
func (e *Engine) NoRecord() bool {
	return e.noRecord
}

// Fingerprint 计算请求指纹。
func (e *Engine) Fingerprint(req Request) string {
	return e.generator.Generate(fingerprint.Request{
		Method: req.Method,
		URI:    req.URI,
		Header: req.Header,
		Body:   req.Body,
	})
}

// Serve 执行 LOOKUP → REPLAY | RECORD | REJECT。命名空间在 LOOKUP 时确定，
// 之后的 used/errors 记账都落在该命名空间上。
func (e *Engine) Serve(ctx context.Context, req Request) (*Outcome, error) {
	ns := e.registry.Active()
	fp := e.Fingerprint(req)

	handle, err := e.store.Resolve(ctx, ns, fp)
	switch {
	case err == nil:
		outcome, replayErr := e.replay(ns, handle, false)
		if !errors.Is(replayErr, tape.ErrNotFound) {
			return outcome, replayErr
		}
		// 磁带在检查与加载之间消失，按未命中继续。
	case errors.Is(err, tape.ErrNotFound):
	default:
		return nil, fmt.Errorf("resolve tape: %w", err)
	}

	if e.noRecord {
		e.reject(ns, req)
		return nil, ErrRecordingDisabled
	}

	result, err := e.record(ctx, ns, fp, req)
	if err != nil {
		e.logger.WithFields(e.fields(ns, fp+tape.Extension, false)).
			WithField("action", "record").
			WithError(err).
			Error("record_failed")
		return nil, err
	}

	outcome, err := e.replay(ns, result.handle, result.written)
	if errors.Is(err, tape.ErrNotFound) {
		return nil, fmt.Errorf("%w: freshly recorded tape vanished: %s", ErrTapeLoad, result.handle.Path)
	}
	return outcome, err
}

// record 在单个 (namespace, fingerprint) 上至多保留一个进行中的录制，后到的请求等待其结果。
func (e *Engine) record(ctx context.Context, ns, fp string, req Request) (recordResult, error) {
	key := ns + "/" + fp
	// 录制结果会被所有跟随请求共享，不随发起请求的取消而中断。
	flightCtx := context.WithoutCancel(ctx)

	v, err, _ := e.flights.Do(key, func() (interface{}, error) {
		if handle, err := e.store.Resolve(flightCtx, ns, fp); err == nil {
			return recordResult{handle: handle}, nil
		} else if !errors.Is(err, tape.ErrNotFound) {
			return nil, fmt.Errorf("resolve tape: %w", err)
		}

		started := time.Now()
		resp, err := e.forwarder.Forward(flightCtx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		handle, err := e.store.Persist(flightCtx, tape.Recording{
			Namespace:      ns,
			Fingerprint:    fp,
			Method:         req.Method,
			URI:            req.URI,
			Upstream:       resp.URL,
			RequestHeader:  req.Header,
			RequestBody:    req.Body,
			Status:         resp.Status,
			ResponseHeader: resp.Header,
			ResponseBody:   resp.Body,
		}, e.verbose)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}

		fields := e.fields(ns, handle.ID(), false)
		fields["action"] = "record"
		fields["upstream"] = resp.URL
		fields["upstream_status"] = resp.Status
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		fields["path"] = handle.Path
		e.logger.WithFields(fields).Info("tape_recorded")

		return recordResult{handle: handle, written: true}, nil
	})
	if err != nil {
		return recordResult{}, err
	}

	return v.(recordResult), nil
}

// replay 加载磁带并登记 used。tape.ErrNotFound 原样返回，其它加载失败归为 ErrTapeLoad。
func (e *Engine) replay(ns string, handle tape.Handle, recorded bool) (*Outcome, error) {
	t, err := e.loader(handle.Path)
	if err != nil {
		if errors.Is(err, tape.ErrNotFound) {
			return nil, err
		}
		e.logger.WithFields(e.fields(ns, handle.ID(), !recorded)).
			WithField("action", "replay").
			WithField("path", handle.Path).
			WithError(err).
			Error("tape_load_failed")
		return nil, fmt.Errorf("%w: %v", ErrTapeLoad, err)
	}

	e.registry.RecordUsed(ns, handle.ID())

	fields := e.fields(ns, handle.ID(), !recorded)
	fields["action"] = "replay"
	e.logger.WithFields(fields).Debug("tape_replayed")

	return &Outcome{
		Tape:        t,
		Handle:      handle,
		Namespace:   ns,
		Fingerprint: handle.Fingerprint,
		Recorded:    recorded,
	}, nil
}

// reject 输出便于复现的诊断信息，并在响应前把 URL 记入命名空间 errors。
func (e *Engine) reject(ns string, req Request) {
	e.registry.RecordError(ns, req.URI)

	fields := logging.NamespaceFields("reject", e.target, ns)
	fields["method"] = req.Method
	fields["url"] = req.URI
	fields["curl"] = CurlCommand(req)
	e.logger.WithFields(fields).Warn("request_rejected")
}

func (e *Engine) fields(ns, tapeID string, replayed bool) logrus.Fields {
	return logging.RequestFields(e.target, e.domain, ns, tapeID, replayed)
}
