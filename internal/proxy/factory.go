package proxy

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tapehub/tapehub/internal/fingerprint"
	"github.com/tapehub/tapehub/internal/ledger"
	"github.com/tapehub/tapehub/internal/namespace"
	"github.com/tapehub/tapehub/internal/replay"
	"github.com/tapehub/tapehub/internal/server"
	"github.com/tapehub/tapehub/internal/tape"
)

// EngineDeps 是所有 Target 共享的依赖。Ledger 为 nil 时不落库报告。
type EngineDeps struct {
	Client *http.Client
	Logger *logrus.Logger
	Ledger ledger.Ledger
}

// NewEngineFactory 返回 server.EngineFactory：每个 Target 拥有独立的磁带目录、命名空间注册表与引擎。
func NewEngineFactory(deps EngineDeps) server.EngineFactory {
	return func(route *server.TargetRoute) (*replay.Engine, error) {
		store, err := tape.NewStore(route.TapesDir)
		if err != nil {
			return nil, err
		}

		var forwarder replay.Forwarder
		if !route.NoRecord {
			forwarder = NewUpstream(deps.Client, route)
		}

		return replay.NewEngine(replay.Options{
			Target:    route.Config.Name,
			Domain:    route.Config.Domain,
			Store:     store,
			Registry:  namespace.NewRegistry(store),
			Forwarder: forwarder,
			Generator: fingerprint.New(route.IgnoreHeaders),
			Ledger:    deps.Ledger,
			Logger:    deps.Logger,
			NoRecord:  route.NoRecord,
			Verbose:   route.Verbose,
		})
	}
}
