package storage

import "time"

// Option configures either storage backend; options that do not apply to a
// backend are ignored by it.
type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json func(*Storage)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(json func(*Storage), pg func(*PostgresConfig)) Option {
	return optionAdapter{json: json, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the timestamp source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return composeOption(
		func(s *Storage) {
			if clock != nil {
				s.clock = clock
			}
		},
		func(cfg *PostgresConfig) {
			if clock != nil {
				cfg.Clock = clock
			}
		},
	)
}

// WithPersistOverride intercepts JSON persistence, primarily for tests.
func WithPersistOverride(persist func(dataset) error) Option {
	return composeOption(
		func(s *Storage) {
			s.persistOverride = persist
		},
		nil,
	)
}

// WithMaxConnections caps the Postgres pool size.
func WithMaxConnections(max int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if max > 0 {
			cfg.MaxConnections = max
		}
	})
}

// WithConnLifetime bounds how long a pooled Postgres connection may live.
func WithConnLifetime(lifetime time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if lifetime > 0 {
			cfg.MaxConnLifetime = lifetime
		}
	})
}

// WithApplicationName tags pooled connections in pg_stat_activity.
func WithApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if name != "" {
			cfg.ApplicationName = name
		}
	})
}
