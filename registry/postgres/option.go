package postgres

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbus/registry"
)

// Default configuration values.
const (
	DefaultTable   = "mailbus_leases"
	DefaultTimeout = 10 * time.Second
)

// options holds PostgreSQL registry configuration.
type options struct {
	table   string
	timeout time.Duration
	clock   registry.Clock
	logger  *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:   DefaultTable,
		timeout: DefaultTimeout,
		clock:   registry.SystemClock,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a PostgreSQL registry.
type Option func(*options)

// WithTable sets the table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock sets the time source used to compute and check expiry.
func WithClock(clock registry.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
