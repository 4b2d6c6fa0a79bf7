// Package httpheader holds header classification shared by the upstream
// forwarder, the tape writer and the fingerprint filter.
package httpheader

import "net/textproto"

// hopByHop 定义 RFC 7230 中禁止代理转发的头部。
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// IsHopByHop reports whether key names a hop-by-hop header, case-insensitively.
func IsHopByHop(key string) bool {
	_, ok := hopByHop[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
