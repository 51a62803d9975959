package app

import (
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/policy"
)

// onConfigReload runs on the watcher goroutine when the config file
// changes on disk. Scope is deliberately narrow: adapters whose
// subtrees changed restart with the fresh config, and the policy gate
// is rebuilt. Everything else keeps its startup config until the
// process restarts.
func (a *App) onConfigReload(cfg *config.Config, changed []string) {
	a.logger.Info("config changed", "paths", changed)

	a.gateMu.Lock()
	a.gate = policy.NewGate(cfg, a.pairs, a.baseLogger)
	a.gateMu.Unlock()

	a.registry.ReloadChanged(a.runCtx, cfg, changed)
}
