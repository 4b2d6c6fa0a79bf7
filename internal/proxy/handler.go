package proxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tapehub/tapehub/internal/logging"
	"github.com/tapehub/tapehub/internal/replay"
	"github.com/tapehub/tapehub/internal/server"
)

// 回放响应附带的诊断头。
const (
	HeaderTape   = "X-Tapehub-Tape"
	HeaderReplay = "X-Tapehub-Replay"
)

// Handler 负责普通流量：把 Fiber 请求交给 Target 的决策引擎，再把磁带内容写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs the traffic handler.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{logger: logger}
}

// Handle 执行 LOOKUP → REPLAY | RECORD | REJECT，任何失败都通过 replay.StatusFor 映射为 HTTP 状态码。
func (h *Handler) Handle(c fiber.Ctx, route *server.TargetRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	if route.Engine == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "engine_missing"})
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildEngineRequest(c)
	outcome, err := route.Engine.Serve(ctx, req)
	if err != nil {
		status := replay.StatusFor(err)
		h.logResult(route, route.Engine.ActiveNamespace(), "", requestID, status, false, started, err)
		setRequestIDHeader(c, requestID)
		return c.Status(status).SendString(replay.MessageFor(err))
	}

	h.writeTape(c, outcome, requestID)
	h.logResult(route, outcome.Namespace, outcome.Handle.ID(), requestID, outcome.Tape.Response.Status, !outcome.Recorded, started, nil)
	return nil
}

func (h *Handler) writeTape(c fiber.Ctx, outcome *replay.Outcome, requestID string) {
	for key, values := range outcome.Tape.Response.Header {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(HeaderTape, outcome.Handle.ID())
	c.Set(HeaderReplay, strconv.FormatBool(!outcome.Recorded))
	setRequestIDHeader(c, requestID)

	c.Status(outcome.Tape.Response.Status)
	c.Response().SetBody(outcome.Tape.ResponseBody())
}

// buildEngineRequest 复制 Fiber 复用的缓冲区，请求生命周期结束后仍可在录制中使用。
func buildEngineRequest(c fiber.Ctx) replay.Request {
	return replay.Request{
		Method:   c.Method(),
		URI:      string(c.Request().RequestURI()),
		Host:     getHost(c),
		Header:   fiberHeadersAsHTTP(c),
		Body:     append([]byte(nil), c.Request().Body()...),
		ClientIP: c.IP(),
		Scheme:   c.Scheme(),
	}
}

func getHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (h *Handler) logResult(
	route *server.TargetRoute,
	namespace string,
	tapeID string,
	requestID string,
	status int,
	replayed bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, namespace, tapeID, replayed)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if status >= http.StatusInternalServerError {
			h.logger.WithFields(fields).Error("proxy_failed")
			return
		}
		h.logger.WithFields(fields).Warn("proxy_rejected")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
