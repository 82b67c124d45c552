package mailbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3"
	eventtransport "github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
	"github.com/rbaliyan/mailbus/retry"
	"github.com/rbaliyan/mailbus/transport"
)

// Default configuration values.
const (
	DefaultLeaseTTL        = 30 * time.Second // lease lifetime written to the registry
	DefaultRenewalInterval = 10 * time.Second // period of the renewal timer
	MinRenewalInterval     = 10 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Fan-out limits
	DefaultPublishTimeout         = 5 * time.Second // bound on one publish to one topic
	DefaultMaxConcurrentPublishes = 64              // events being fanned out at once
	DefaultFanoutParallelism      = 8               // topics published concurrently per event

	DefaultServiceName = "mailbus"
)

// Error handler operations. The op passed to an ErrorHandler is one of these.
const (
	OpListener   = "listener"   // *ListenerError
	OpPublish    = "publish"    // *FanoutError
	OpLookup     = "lookup"     // registry read before fan-out
	OpSerialize  = "serialize"  // event could not be encoded
	OpInbound    = "inbound"    // *InboundError
	OpRenew      = "renew"      // *RegistrationError
	OpUnregister = "unregister" // *RegistrationError during housekeeping or shutdown
	OpRegister   = "register"   // *RegistrationError during rename housekeeping
	OpSweep      = "sweep"      // registry sweep failure
	OpFanout     = "fanout"     // ErrFanoutRejected
)

// ErrorHandler receives failures that are isolated from the caller: listener
// failures, publish failures, malformed inbound payloads and lease
// bookkeeping done in the background.
type ErrorHandler func(op string, err error)

// options holds dispatcher configuration.
type options struct {
	registry  registry.Registry
	transport transport.Transport
	logger    *slog.Logger

	redisClient redis.UniversalClient // builds registry and transport when they are not set

	serializer *codec.Serializer
	mailboxIDs mailbox.IDFactory
	messageIDs mailbox.MessageIDFactory
	format     codec.Format

	topic mailbox.Topic

	plugins []Plugin

	// Leases
	leaseTTL        time.Duration
	renewalInterval time.Duration
	renewalRetry    retry.Config
	renewalRetrySet bool

	// Fan-out
	publishTimeout         time.Duration
	maxConcurrentPublishes int
	fanoutParallelism      int

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event bus bridge
	eventBridge    bool
	eventBus       *event.Bus
	eventTransport eventtransport.Transport

	onError ErrorHandler // always set
}

// safeOnError calls the error handler with panic recovery.
// If the handler panics, the panic is logged and suppressed to prevent cascading failures.
func (o *options) safeOnError(op string, err error) {
	if o.onError == nil || err == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in error handler",
				"op", op,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onError(op, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:                 slog.Default(),
		mailboxIDs:             mailbox.UUIDIDFactory{},
		messageIDs:             mailbox.UUIDMessageIDFactory{},
		format:                 codec.JSON,
		leaseTTL:               DefaultLeaseTTL,
		renewalInterval:        DefaultRenewalInterval,
		publishTimeout:         DefaultPublishTimeout,
		maxConcurrentPublishes: DefaultMaxConcurrentPublishes,
		fanoutParallelism:      DefaultFanoutParallelism,
		shutdownTimeout:        DefaultShutdownTimeout,
		serviceName:            DefaultServiceName,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.fanoutParallelism > o.maxConcurrentPublishes {
		o.fanoutParallelism = o.maxConcurrentPublishes
	}

	if !o.renewalRetrySet {
		o.renewalRetry = retry.DefaultConfig()
	}
	// Renewal retries must finish within one tick.
	if o.renewalRetry.MaxElapsed <= 0 || o.renewalRetry.MaxElapsed > o.renewalInterval {
		o.renewalRetry.MaxElapsed = o.renewalInterval / 2
	}

	if o.onError == nil {
		o.onError = func(op string, err error) {
			o.logger.Error("mailbus failure", "op", op, "error", err)
		}
	}

	return o
}

// Option configures a dispatcher.
type Option func(*options)

// --- Core Options ---

// WithRegistry sets the lease registry. Required unless WithRedisClient is used.
// The caller owns the registry: the dispatcher neither connects nor closes it.
func WithRegistry(r registry.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithTransport sets the pub/sub transport. Required unless WithRedisClient is used.
// The caller owns the transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithRedisClient uses Redis for everything not configured explicitly: a
// sorted-set lease registry, a PUBLISH/SUBSCRIBE transport and, when the
// event bridge is enabled, the event bus transport. Resources built from
// the client are owned by the dispatcher and released by Close; the client
// itself is not closed.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
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

// WithTopic sets the topic this dispatcher subscribes to and advertises in
// its leases. Default is a random topic from mailbox.NewTopic.
func WithTopic(t mailbox.Topic) Option {
	return func(o *options) {
		if !t.IsZero() {
			o.topic = t
		}
	}
}

// WithErrorHandler sets the callback for failures that are not returned to
// a caller. By default they are logged at error level.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// --- Serialization Options ---

// WithSerializer sets the event serializer. It takes precedence over
// WithIDFactories and WithFormat.
func WithSerializer(s *codec.Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithIDFactories sets the identifier factories used to decode inbound
// events. Default parses UUIDs.
func WithIDFactories(mailboxIDs mailbox.IDFactory, messageIDs mailbox.MessageIDFactory) Option {
	return func(o *options) {
		if mailboxIDs != nil && messageIDs != nil {
			o.mailboxIDs = mailboxIDs
			o.messageIDs = messageIDs
		}
	}
}

// WithFormat sets the wire format. Every node of a cluster must use the same
// format. Default is codec.JSON.
func WithFormat(f codec.Format) Option {
	return func(o *options) {
		if f != nil {
			o.format = f
		}
	}
}

// --- Lease Options ---

// WithLeaseTTL sets the lifetime of the leases this dispatcher writes.
// Default is 30 seconds.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseTTL = d
		}
	}
}

// WithRenewalInterval sets the period of the renewal timer. It must be
// strictly shorter than the lease TTL, otherwise New fails.
// Default is 10 seconds.
func WithRenewalInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= MinRenewalInterval {
			o.renewalInterval = d
		}
	}
}

// WithRenewalRetry sets the retry policy for one lease renewal within a
// tick. MaxElapsed is capped at the renewal interval.
// Default is retry.DefaultConfig with MaxElapsed of half the interval.
func WithRenewalRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.renewalRetry = cfg
		o.renewalRetrySet = true
	}
}

// --- Fan-out Options ---

// WithPublishTimeout bounds a single publish to one remote topic.
// Default is 5 seconds.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.publishTimeout = d
		}
	}
}

// WithMaxConcurrentPublishes sets how many events may be fanned out at once.
// Further fan-outs wait for a slot without blocking Dispatch.
// Default is 64.
func WithMaxConcurrentPublishes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentPublishes = n
		}
	}
}

// WithFanoutParallelism sets how many remote topics of one event are
// published concurrently. Default is 8.
func WithFanoutParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.fanoutParallelism = n
		}
	}
}

// WithShutdownTimeout sets the maximum time Close waits for in-flight
// fan-outs and for unregistering leases.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- Plugin Options ---

// WithPlugin registers a plugin. Plugins are initialized by Start in
// registration order and closed by Close in reverse order.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins at once.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// --- Event Bus Options ---

// WithEventBridge republishes every locally raised event on an event bus as
// an EventRecord (see Dispatcher.Events). The bus uses the transport from
// WithEventTransport, else the Redis client from WithRedisClient, else a
// noop transport.
func WithEventBridge(enabled bool) Option {
	return func(o *options) {
		o.eventBridge = enabled
	}
}

// WithEventBus bridges to an existing bus. Implies WithEventBridge(true).
// The caller owns the bus.
func WithEventBus(bus *event.Bus) Option {
	return func(o *options) {
		if bus != nil {
			o.eventBus = bus
			o.eventBridge = true
		}
	}
}

// WithEventTransport sets the transport of the bridged event bus.
// Implies WithEventBridge(true).
func WithEventTransport(t eventtransport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
			o.eventBridge = true
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// When enabled, spans are created for dispatch, fan-out and inbound delivery.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for telemetry and for the
// event bus name. Default is "mailbus".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// validate checks options that cannot be fixed by ignoring a value.
func (o *options) validate() error {
	if o.registry == nil && o.redisClient == nil {
		return ErrRegistryRequired
	}
	if o.transport == nil && o.redisClient == nil {
		return ErrTransportRequired
	}
	if o.renewalInterval >= o.leaseTTL {
		return fmt.Errorf("%w: renewal interval %s must be shorter than lease TTL %s",
			ErrInvalidConfig, o.renewalInterval, o.leaseTTL)
	}
	return nil
}
