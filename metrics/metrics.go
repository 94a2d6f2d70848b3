// Package metrics holds the Prometheus instruments for the login flow, the
// route guard and provider discovery.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the instruments.
type Config struct {
	// Namespace is the metrics namespace (default: "authgate").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for discovery duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the instruments.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "authgate",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Guard decisions.
const (
	DecisionPublic    = "public"
	DecisionAllow     = "allow"
	DecisionRefreshed = "refreshed"
	DecisionRedirect  = "redirect"
	DecisionDeny      = "deny"
)

// Refresh results.
const (
	RefreshOK     = "ok"
	RefreshFailed = "failed"
)

// Metrics is the set of instruments.
type Metrics struct {
	loginsStarted     prometheus.Counter
	callbacks         *prometheus.CounterVec
	guardDecisions    *prometheus.CounterVec
	refreshes         *prometheus.CounterVec
	discoveryDuration *prometheus.HistogramVec
}

// New registers the instruments with the configured registry. Registering
// twice with the same registry panics, as promauto does.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Buckets == nil {
		config.Buckets = prometheus.DefBuckets
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		loginsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "logins_started_total",
			Help:        "Total number of login attempts redirected to the identity provider",
			ConstLabels: config.ConstLabels,
		}),

		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "callbacks_total",
			Help:        "Total number of login callbacks by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		guardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "guard_decisions_total",
			Help:        "Total number of route guard decisions",
			ConstLabels: config.ConstLabels,
		}, []string{"decision"}),

		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "refresh_total",
			Help:        "Total number of refresh-token exchanges by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		discoveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "discovery_duration_seconds",
			Help:        "Provider discovery duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"result"}),
	}
}

// LoginStarted counts a login redirect.
func (m *Metrics) LoginStarted() {
	if m == nil {
		return
	}
	m.loginsStarted.Inc()
}

// Callback counts a callback with outcome "ok" or a stable error code.
func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

// GuardDecision counts a route guard decision.
func (m *Metrics) GuardDecision(decision string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(decision).Inc()
}

// Refresh counts a refresh-token exchange.
func (m *Metrics) Refresh(ok bool) {
	if m == nil {
		return
	}
	result := RefreshOK
	if !ok {
		result = RefreshFailed
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// ObserveDiscovery records how long one discovery took.
func (m *Metrics) ObserveDiscovery(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.discoveryDuration.WithLabelValues(result).Observe(d.Seconds())
}
