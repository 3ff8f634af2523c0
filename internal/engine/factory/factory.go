// Package factory resolves engine names to implementations for the retry
// engine's per-attempt selection.
package factory

import (
	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	"github.com/geda-valentim/ingestify-to-ai/internal/engine/headless"
	"github.com/geda-valentim/ingestify-to-ai/internal/engine/htmlparser"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// New returns an engine.Factory closing over the shared config.
func New(cfg engine.Config) engine.Factory {
	return func(name jobs.Engine, proxy *jobs.Proxy) (engine.Engine, error) {
		switch name {
		case jobs.EngineHeadless:
			return headless.New(cfg, proxy)
		case jobs.EngineHTMLParser:
			return htmlparser.New(cfg, proxy)
		default:
			return nil, jobs.Invalid("engine", "unknown engine %q", name)
		}
	}
}
