package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/tapehub/tapehub/internal/config"
	"github.com/tapehub/tapehub/internal/replay"
)

// TargetRoute 将 Target 配置与派生属性（解析后的 Upstream/Proxy URL、磁带目录、引擎）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type TargetRoute struct {
	// Config 是用户在 config.toml 中声明的 Target 字段副本。
	Config config.TargetConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// TapesDir 为该 Target 的磁带根目录。
	TapesDir      string
	IgnoreHeaders []string
	NoRecord      bool
	Verbose       bool
	// Engine 由 EngineFactory 创建，每个 Target 独立持有命名空间状态。
	Engine *replay.Engine
}

// EngineFactory 为单个 Target 构建决策引擎。
type EngineFactory func(route *TargetRoute) (*replay.Engine, error)

// TargetRegistry 提供 Host/Host:port 到 TargetRoute 的查询能力，所有 Target 共享同一个监听端口。
type TargetRegistry struct {
	routes   map[string]*TargetRoute
	catchAll *TargetRoute
	ordered  []*TargetRoute
}

// NewTargetRegistry 根据配置构建 Host 映射并为每个 Target 创建引擎。调用方应在启动阶段创建一次并复用。
func NewTargetRegistry(cfg *config.Config, factory EngineFactory) (*TargetRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if factory == nil {
		return nil, errors.New("engine factory is required")
	}

	registry := &TargetRegistry{
		routes: make(map[string]*TargetRoute, len(cfg.Targets)),
	}

	for _, target := range cfg.Targets {
		route, err := buildTargetRoute(cfg, target)
		if err != nil {
			return nil, err
		}

		if target.IsCatchAll() {
			if registry.catchAll != nil {
				return nil, fmt.Errorf("multiple catch-all targets: %s and %s", registry.catchAll.Config.Name, target.Name)
			}
		} else {
			normalizedHost := normalizeDomain(target.Domain)
			if normalizedHost == "" {
				return nil, fmt.Errorf("invalid domain for target %s", target.Name)
			}
			if _, exists := registry.routes[normalizedHost]; exists {
				return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
			}
		}

		engine, err := factory(route)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target.Name, err)
		}
		route.Engine = engine

		if target.IsCatchAll() {
			registry.catchAll = route
		} else {
			registry.routes[normalizeDomain(target.Domain)] = route
		}
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 TargetRoute，未匹配时回退到 catch-all Target。
func (r *TargetRegistry) Lookup(host string) (*TargetRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if route, ok := r.routes[normalizedHost]; ok && normalizedHost != "" {
		return route, true
	}
	if r.catchAll != nil {
		return r.catchAll, true
	}
	return nil, false
}

// Get 按名称查找 Target。
func (r *TargetRegistry) Get(name string) (*TargetRoute, bool) {
	if r == nil {
		return nil, false
	}
	for _, route := range r.ordered {
		if route.Config.Name == name {
			return route, true
		}
	}
	return nil, false
}

// List 返回当前注册的 TargetRoute 列表（按配置定义的顺序），用于 /-/targets 输出与退出时的报告补齐。
func (r *TargetRegistry) List() []*TargetRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*TargetRoute(nil), r.ordered...)
}

func buildTargetRoute(cfg *config.Config, target config.TargetConfig) (*TargetRoute, error) {
	upstreamURL, err := url.Parse(target.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for target %s: %w", target.Name, err)
	}

	var proxyURL *url.URL
	if target.Proxy != "" {
		proxyURL, err = url.Parse(target.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for target %s: %w", target.Name, err)
		}
	}

	return &TargetRoute{
		Config:        target,
		ListenPort:    cfg.Global.ListenPort,
		UpstreamURL:   upstreamURL,
		ProxyURL:      proxyURL,
		TapesDir:      cfg.EffectiveTapesDir(target),
		IgnoreHeaders: cfg.EffectiveIgnoreHeaders(target),
		NoRecord:      cfg.Global.NoRecord,
		Verbose:       cfg.Global.Verbose,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
