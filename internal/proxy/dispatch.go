package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tapehub/tapehub/internal/logging"
	"github.com/tapehub/tapehub/internal/server"
)

// Dispatcher 先拦截管理接口，其余请求交给流量 handler；handler panic 时返回 500 而不是断开连接。
type Dispatcher struct {
	traffic server.ProxyHandler
	control server.ProxyHandler
	logger  *logrus.Logger
}

// NewDispatcher 创建 Dispatcher，traffic/control 均不能为空。
func NewDispatcher(traffic, control server.ProxyHandler, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		traffic: traffic,
		control: control,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (d *Dispatcher) Handle(c fiber.Ctx, route *server.TargetRoute) error {
	requestID := server.RequestID(c)
	handler := d.lookup(string(c.Request().URI().Path()))
	if handler == nil {
		return d.respondMissingHandler(c, route, requestID)
	}
	return d.invokeHandler(c, route, handler, requestID)
}

func (d *Dispatcher) lookup(path string) server.ProxyHandler {
	if IsControlPath(path) {
		return d.control
	}
	return d.traffic
}

func (d *Dispatcher) respondMissingHandler(c fiber.Ctx, route *server.TargetRoute, requestID string) error {
	d.logDispatchError(route, "handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_missing"})
}

func (d *Dispatcher) invokeHandler(c fiber.Ctx, route *server.TargetRoute, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (d *Dispatcher) respondHandlerPanic(c fiber.Ctx, route *server.TargetRoute, recovered interface{}, requestID string) error {
	d.logDispatchError(route, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func (d *Dispatcher) logDispatchError(route *server.TargetRoute, code string, err error, requestID string) {
	if d.logger == nil {
		return
	}
	fields := d.routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		d.logger.WithFields(fields).Error(err.Error())
		return
	}
	d.logger.WithFields(fields).Error("handler unavailable")
}

func (d *Dispatcher) routeFields(route *server.TargetRoute, requestID string) logrus.Fields {
	if route == nil {
		return logrus.Fields{"target": "", "domain": ""}
	}
	namespace := ""
	if route.Engine != nil {
		namespace = route.Engine.ActiveNamespace()
	}
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, namespace, "", false)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
