// Package metrics builds the run's root tally scope from configuration.
package metrics

import (
	"io"
	"time"

	"github.com/uber-go/tally"
	"github.com/uber-go/tally/m3"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/common"
	"github.com/TritonDataCenter/sharkspotter/config"
)

const scopePrefix = "sharkspotter"

// NewScope returns the root scope counters hang off. Without an m3 section
// in the configuration everything is a no-op; callers always get a usable
// scope and closer.
func NewScope(cfg *config.Metrics, logger *zap.Logger) (tally.Scope, io.Closer, error) {
	if cfg == nil || cfg.M3 == nil {
		return tally.NoopScope, noopCloser{}, nil
	}

	m3config := m3.Configuration{
		HostPort:    cfg.M3.HostPort,
		Service:     cfg.M3.Service,
		Env:         cfg.M3.Env,
		IncludeHost: true,
	}
	reporter, err := m3config.NewReporter()
	if err != nil {
		return nil, nil, common.NewConfigError("could not create m3 reporter", err)
	}

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         scopePrefix,
		CachedReporter: reporter,
	}, 1*time.Second)
	logger.Info("metrics reporting enabled",
		zap.String("hostPort", cfg.M3.HostPort),
		zap.String("service", cfg.M3.Service),
		zap.String("env", cfg.M3.Env))
	return scope, closer, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }
