package proxy

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tapehub/tapehub/internal/logging"
	"github.com/tapehub/tapehub/internal/replay"
	"github.com/tapehub/tapehub/internal/server"
)

// 管理接口路径，在指纹计算之前被拦截。
const (
	SetNamespacePath   = "/yakbak/set-namespace/"
	ResetNamespacePath = "/yakbak/reset-namespace/"
)

// ControlHandler 处理 set-namespace/reset-namespace 两个管理请求，不进入录制/回放状态机。
type ControlHandler struct {
	logger *logrus.Logger
}

// NewControlHandler constructs the namespace control handler.
func NewControlHandler(logger *logrus.Logger) *ControlHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ControlHandler{logger: logger}
}

// IsControlPath 判断路径是否为管理接口，结尾斜杠可省略。
func IsControlPath(path string) bool {
	return controlPath(path) != ""
}

func controlPath(path string) string {
	switch strings.TrimSuffix(path, "/") + "/" {
	case SetNamespacePath:
		return SetNamespacePath
	case ResetNamespacePath:
		return ResetNamespacePath
	default:
		return ""
	}
}

// Handle 实现 server.ProxyHandler。
func (h *ControlHandler) Handle(c fiber.Ctx, route *server.TargetRoute) error {
	requestID := server.RequestID(c)
	setRequestIDHeader(c, requestID)

	if route.Engine == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "engine_missing"})
	}

	path := controlPath(string(c.Request().URI().Path()))
	h.logger.WithFields(logrus.Fields{
		"action":     "control",
		"target":     route.Config.Name,
		"path":       path,
		"request_id": requestID,
	}).Debug("control_request")

	switch path {
	case SetNamespacePath:
		return h.setNamespace(c, route.Engine)
	case ResetNamespacePath:
		return h.resetNamespace(c, route.Engine)
	default:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "control_path_unknown"})
	}
}

func (h *ControlHandler) setNamespace(c fiber.Ctx, engine *replay.Engine) error {
	conf, err := engine.SetNamespace(c.Query("namespace"))
	if err != nil {
		return c.Status(replay.StatusFor(err)).SendString(replay.MessageFor(err))
	}
	return c.Status(fiber.StatusOK).SendString(conf.Message)
}

func (h *ControlHandler) resetNamespace(c fiber.Ctx, engine *replay.Engine) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := engine.ResetNamespace(ctx)
	if err != nil {
		return c.Status(replay.StatusFor(err)).SendString(replay.MessageFor(err))
	}
	return c.Status(fiber.StatusOK).JSON(report)
}
