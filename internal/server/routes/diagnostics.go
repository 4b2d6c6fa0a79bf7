package routes

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/tapehub/tapehub/internal/ledger"
	"github.com/tapehub/tapehub/internal/namespace"
	"github.com/tapehub/tapehub/internal/server"
)

const (
	defaultReportLimit = 50
	maxReportLimit     = 500
)

// RegisterDiagnosticsRoutes 暴露 /-/targets 与 /-/reports 诊断接口，供排查 Target 绑定与命名空间统计。
// led 为 nil 时 /-/reports 返回 ledger_disabled。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.TargetRegistry, led ledger.Ledger) {
	if app == nil || registry == nil {
		return
	}

	app.Get(server.TargetsPath, func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"targets": encodeTargets(registry.List()),
		})
	})

	app.Get(server.ReportsPath, func(c fiber.Ctx) error {
		if led == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "ledger_disabled"})
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_limit"})
		}
		target := strings.TrimSpace(c.Query("target"))
		if target != "" {
			if _, ok := registry.Get(target); !ok {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "target_not_found"})
			}
		}

		entries, err := led.List(c.Context(), target, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ledger_read_failed"})
		}
		if entries == nil {
			entries = []*ledger.Entry{}
		}
		return c.JSON(fiber.Map{"reports": entries})
	})
}

type targetPayload struct {
	Name            string             `json:"name"`
	Domain          string             `json:"domain"`
	Upstream        string             `json:"upstream"`
	TapesDir        string             `json:"tapes_dir"`
	Port            int                `json:"port"`
	Mode            string             `json:"mode"`
	ActiveNamespace string             `json:"active_namespace"`
	Namespaces      []namespacePayload `json:"namespaces"`
}

type namespacePayload struct {
	Namespace string   `json:"namespace"`
	Errors    []string `json:"errors"`
	Used      []string `json:"used"`
	Orphans   []string `json:"orphans"`
}

func encodeTargets(routes []*server.TargetRoute) []targetPayload {
	result := make([]targetPayload, 0, len(routes))
	for _, route := range routes {
		item := targetPayload{
			Name:       route.Config.Name,
			Domain:     route.Config.Domain,
			TapesDir:   route.TapesDir,
			Port:       route.ListenPort,
			Mode:       "record",
			Namespaces: []namespacePayload{},
		}
		if route.Config.IsCatchAll() {
			item.Domain = "*"
		}
		if route.UpstreamURL != nil {
			item.Upstream = route.UpstreamURL.String()
		}
		if route.NoRecord {
			item.Mode = "replay-only"
		}
		if route.Engine != nil {
			item.ActiveNamespace = route.Engine.ActiveNamespace()
			item.Namespaces = encodeNamespaces(route.Engine.Snapshot())
		}
		result = append(result, item)
	}
	return result
}

func encodeNamespaces(reports []namespace.Report) []namespacePayload {
	result := make([]namespacePayload, 0, len(reports))
	for _, report := range reports {
		result = append(result, namespacePayload{
			Namespace: report.Namespace,
			Errors:    report.Errors,
			Used:      report.Used,
			Orphans:   report.Orphans,
		})
	}
	return result
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultReportLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, strconv.ErrSyntax
	}
	if limit > maxReportLimit {
		limit = maxReportLimit
	}
	return limit, nil
}
