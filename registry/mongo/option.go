package mongo

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/mailbus/registry"
)

// Default configuration values.
const (
	DefaultDatabase   = "mailbus"
	DefaultCollection = "leases"
	DefaultTimeout    = 10 * time.Second
)

// options holds MongoDB registry configuration.
type options struct {
	database   string
	collection string
	timeout    time.Duration
	ttlIndex   bool
	clock      registry.Clock
	logger     *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		database:   DefaultDatabase,
		collection: DefaultCollection,
		timeout:    DefaultTimeout,
		ttlIndex:   true,
		clock:      registry.SystemClock,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a MongoDB registry.
type Option func(*options)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollection sets the collection name.
func WithCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.collection = name
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

// WithTTLIndex controls whether Connect creates a TTL index on expires_at so
// the server removes expired leases in the background. Enabled by default.
// Disable it when the registry clock is not the wall clock.
func WithTTLIndex(enabled bool) Option {
	return func(o *options) {
		o.ttlIndex = enabled
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
