package tape

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// Extension 是磁带文件的扩展名。
const Extension = ".json"

const formatVersion = 1

var (
	// ErrNotFound 表示指定位置不存在磁带。
	ErrNotFound = errors.New("tape not found")
	// ErrCorrupt 表示磁带文件存在但无法解析为可回放的交互。
	ErrCorrupt = errors.New("tape corrupt")
	// ErrInvalidLocation 表示 namespace/fingerprint 组合无法映射为磁带根目录内的路径。
	ErrInvalidLocation = errors.New("invalid tape location")
)

// Tape 是一次 HTTP 交互的持久化记录，写入后不再修改。
type Tape struct {
	Version     int            `json:"version"`
	Namespace   string         `json:"namespace"`
	Fingerprint string         `json:"fingerprint"`
	RecordedAt  time.Time      `json:"recorded_at"`
	Request     RequestRecord  `json:"request"`
	Response    ResponseRecord `json:"response"`
}

// RequestRecord 描述被录制的请求；Body 仅在 verbose 模式下写入。
type RequestRecord struct {
	Method   string      `json:"method"`
	URI      string      `json:"uri"`
	Upstream string      `json:"upstream,omitempty"`
	Header   http.Header `json:"header,omitempty"`
	Body     *Body       `json:"body,omitempty"`
}

// ResponseRecord 描述回放时需要写回客户端的响应。
type ResponseRecord struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   Body        `json:"body"`
}

// Body 以 utf8 原文或 base64 保存正文，保证二进制内容逐字节还原。
type Body struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

const (
	encodingUTF8   = "utf8"
	encodingBase64 = "base64"
)

// EncodeBody 对可读文本保留原文，其余内容使用 base64。
func EncodeBody(raw []byte) Body {
	if utf8.Valid(raw) {
		return Body{Encoding: encodingUTF8, Data: string(raw)}
	}
	return Body{Encoding: encodingBase64, Data: base64.StdEncoding.EncodeToString(raw)}
}

// Bytes 还原正文字节。
func (b Body) Bytes() ([]byte, error) {
	switch b.Encoding {
	case encodingUTF8, "":
		return []byte(b.Data), nil
	case encodingBase64:
		return base64.StdEncoding.DecodeString(b.Data)
	default:
		return nil, fmt.Errorf("unknown body encoding %q", b.Encoding)
	}
}

// Handle 指向磁盘上的一卷磁带。
type Handle struct {
	Namespace   string
	Fingerprint string
	Path        string
}

// ID 返回命名空间统计中使用的磁带标识（文件名）。
func (h Handle) ID() string {
	return filepath.Base(h.Path)
}

// Load 读取并校验磁带文件。文件不存在返回 ErrNotFound，内容无法解析返回 ErrCorrupt。
func Load(path string) (*Tape, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var t Tape
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if t.Version != formatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, path, t.Version)
	}
	if t.Response.Status < 100 || t.Response.Status > 999 {
		return nil, fmt.Errorf("%w: %s: invalid status %d", ErrCorrupt, path, t.Response.Status)
	}
	if _, err := t.Response.Body.Bytes(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return &t, nil
}

// ResponseBody 返回已校验过的响应正文。
func (t *Tape) ResponseBody() []byte {
	body, _ := t.Response.Body.Bytes()
	return body
}

// Recording 是 Recorder 写入一卷新磁带所需的全部输入。
type Recording struct {
	Namespace      string
	Fingerprint    string
	Method         string
	URI            string
	Upstream       string
	RequestHeader  http.Header
	RequestBody    []byte
	Status         int
	ResponseHeader http.Header
	ResponseBody   []byte
	RecordedAt     time.Time
}

// render 将录制结果转换为磁带结构；verbose 时额外保存请求正文。
func render(rec Recording, verbose bool) *Tape {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	t := &Tape{
		Version:     formatVersion,
		Namespace:   rec.Namespace,
		Fingerprint: rec.Fingerprint,
		RecordedAt:  recordedAt,
		Request: RequestRecord{
			Method:   rec.Method,
			URI:      rec.URI,
			Upstream: rec.Upstream,
			Header:   cloneHeader(rec.RequestHeader),
		},
		Response: ResponseRecord{
			Status: rec.Status,
			Header: cloneHeader(rec.ResponseHeader),
			Body:   EncodeBody(rec.ResponseBody),
		},
	}
	if verbose {
		body := EncodeBody(rec.RequestBody)
		t.Request.Body = &body
	}
	return t
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	return h.Clone()
}
