package replay

import (
	"sort"
	"strings"
)

// CurlCommand 将请求渲染为可直接执行的 curl 命令，用于禁止录制时的诊断输出。
func CurlCommand(req Request) string {
	var b strings.Builder
	b.WriteString("curl -X ")
	b.WriteString(req.Method)
	b.WriteString(" ")
	b.WriteString(shellQuote("http://" + req.Host + req.URI))

	keys := make([]string, 0, len(req.Header))
	for key := range req.Header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range req.Header[key] {
			b.WriteString(" -H ")
			b.WriteString(shellQuote(key + ": " + value))
		}
	}

	if len(req.Body) > 0 {
		b.WriteString(" --data-binary ")
		b.WriteString(shellQuote(string(req.Body)))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
