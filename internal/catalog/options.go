package catalog

import (
	"strings"
	"time"
)

// Option customises a catalog backend. Options that only make sense for one
// backend are ignored by the others.
type Option interface {
	applyCommon(*commonConfig)
	applyPostgres(*PostgresConfig)
}

type commonConfig struct {
	clock func() time.Time
}

type optionAdapter struct {
	common func(*commonConfig)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyCommon(cfg *commonConfig) {
	if o.common != nil && cfg != nil {
		o.common(cfg)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the timestamp source used for created/updated times.
func WithClock(clock func() time.Time) Option {
	return optionAdapter{
		common: func(cfg *commonConfig) {
			if clock != nil {
				cfg.clock = clock
			}
		},
		pg: func(cfg *PostgresConfig) {
			if clock != nil {
				cfg.Clock = clock
			}
		},
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long connection establishment may
// take.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

func newCommonConfig(opts []Option) commonConfig {
	cfg := commonConfig{clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt.applyCommon(&cfg)
		}
	}
	return cfg
}
