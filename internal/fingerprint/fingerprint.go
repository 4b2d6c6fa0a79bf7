// Package fingerprint derives the stable tape identifier for an inbound request.
// The digest covers the method, the request URI exactly as received, a filtered
// header subset and the raw body bytes. Nothing is re-serialised: two requests
// whose bodies differ only in whitespace or key order get different fingerprints.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/tapehub/tapehub/internal/httpheader"
)

const version = "tapehub-fingerprint-v1"

// Request 是计算指纹所需的最小请求视图，与具体 HTTP 框架解耦。
type Request struct {
	Method string
	// URI 为原始请求行中的 path + query，不做 Clean 或参数排序。
	URI    string
	Header http.Header
	Body   []byte
}

// Generator 持有编译后的忽略头集合，可在多个 goroutine 间共享。
type Generator struct {
	ignore map[string]struct{}
}

// New 构建 Generator，ignore 中的头名大小写不敏感。
func New(ignore []string) *Generator {
	set := make(map[string]struct{}, len(ignore))
	for _, name := range ignore {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return &Generator{ignore: set}
}

// Generate 返回 64 位小写十六进制的 SHA-256 指纹。
func (g *Generator) Generate(req Request) string {
	h := sha256.New()
	h.Write([]byte(version + "\n"))
	writeField(h, strings.ToUpper(req.Method))
	writeField(h, req.URI)

	names, values := g.headerSubset(req.Header)
	writeField(h, strconv.Itoa(len(names)))
	for _, name := range names {
		vals := values[name]
		writeField(h, name)
		writeField(h, strconv.Itoa(len(vals)))
		for _, v := range vals {
			writeField(h, v)
		}
	}

	writeField(h, string(req.Body))
	return hex.EncodeToString(h.Sum(nil))
}

// Included 报告 name 是否参与指纹计算。
func (g *Generator) Included(name string) bool {
	key := strings.ToLower(strings.TrimSpace(name))
	// 逐跳头与由正文派生的 Content-Length 不参与指纹计算。
	if key == "content-length" || httpheader.IsHopByHop(key) {
		return false
	}
	if g != nil {
		if _, skip := g.ignore[key]; skip {
			return false
		}
	}
	return true
}

func (g *Generator) headerSubset(header http.Header) ([]string, map[string][]string) {
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make(map[string][]string, len(keys))
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		if !g.Included(key) {
			continue
		}
		lower := strings.ToLower(key)
		if _, seen := values[lower]; !seen {
			names = append(names, lower)
		}
		values[lower] = append(values[lower], header[key]...)
	}
	sort.Strings(names)
	return names, values
}

// writeField 以 "<len>:<bytes>\n" 形式写入，避免字段边界被拼接混淆。
func writeField(w io.Writer, value string) {
	w.Write([]byte(strconv.Itoa(len(value))))
	w.Write([]byte{':'})
	w.Write([]byte(value))
	w.Write([]byte{'\n'})
}
