package replay

import (
	"errors"
	"net/http"

	"github.com/tapehub/tapehub/internal/namespace"
	"github.com/tapehub/tapehub/internal/tape"
)

var (
	// ErrInvalidNamespace 表示 set-namespace 缺少或携带非法参数。
	ErrInvalidNamespace = namespace.ErrInvalidNamespace
	// ErrRecordingDisabled 表示禁止录制模式下未找到磁带。
	ErrRecordingDisabled = errors.New("recording disabled")
	// ErrTapeLoad 表示磁带存在但无法加载回放。
	ErrTapeLoad = errors.New("tape load failure")
	// ErrUpstream 表示录制时请求上游失败。
	ErrUpstream = errors.New("upstream request failed")
	// ErrPersist 表示录制结果写盘失败。
	ErrPersist = errors.New("tape write failed")
)

// StatusFor 将错误映射为 HTTP 状态码，是错误转换为响应的唯一入口。
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidNamespace), errors.Is(err, tape.ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRecordingDisabled):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MessageFor 返回写给客户端的错误正文。
func MessageFor(err error) string {
	var reqErr *namespace.RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Reason
	case errors.Is(err, ErrRecordingDisabled):
		return "Recording Disabled"
	case errors.Is(err, ErrTapeLoad):
		return "Tape could not be loaded"
	case errors.Is(err, ErrUpstream):
		return "Upstream request failed"
	case errors.Is(err, ErrPersist):
		return "Tape could not be written"
	case errors.Is(err, tape.ErrInvalidLocation):
		return "Invalid tape location"
	default:
		return "Internal error"
	}
}
