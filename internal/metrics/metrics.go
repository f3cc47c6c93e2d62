// Package metrics is the gateway's Prometheus collector, grounded on
// JeelKantaria-db-bouncer/internal/metrics/metrics.go's custom-registry
// Collector pattern, narrowed to the gauges and counters the gateway's
// own components (pools, sessions, tokens, rate limiter, auth throttle)
// actually produce.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every Prometheus metric the gateway exposes.
type Collector struct {
	Registry *prometheus.Registry

	poolsActive           prometheus.Gauge
	sessionsActive        prometheus.Gauge
	sessionsStale         prometheus.Gauge
	tokensActive          prometheus.Gauge
	tokensExpired         prometheus.Gauge
	rateLimitRejections   prometheus.Counter
	authThrottleBlocks    prometheus.Counter
	authAttemptsTotal     *prometheus.CounterVec
	circuitBreakerOpens   *prometheus.CounterVec
}

// New creates and registers every metric on a dedicated registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbmcp_pools_active",
			Help: "Number of open database connection pools, keyed by token or \"global\".",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbmcp_mcp_sessions_active",
			Help: "Number of live MCP sessions.",
		}),
		sessionsStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbmcp_mcp_sessions_stale",
			Help: "Number of MCP sessions past the idle-eviction threshold but not yet swept.",
		}),
		tokensActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbmcp_tokens_active",
			Help: "Number of non-expired bearer tokens.",
		}),
		tokensExpired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbmcp_tokens_expired",
			Help: "Number of expired tokens not yet swept.",
		}),
		rateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbmcp_rate_limit_rejections_total",
			Help: "Total requests rejected by the fixed-window rate limiter.",
		}),
		authThrottleBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbmcp_auth_throttle_blocks_total",
			Help: "Total /auth calls blocked by the brute-force throttle.",
		}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbmcp_auth_attempts_total",
			Help: "Total /auth attempts by outcome.",
		}, []string{"outcome"}),
		circuitBreakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbmcp_circuit_breaker_opens_total",
			Help: "Total times a database pool's circuit breaker opened, by pool key.",
		}, []string{"pool_key"}),
	}

	reg.MustRegister(
		c.poolsActive,
		c.sessionsActive,
		c.sessionsStale,
		c.tokensActive,
		c.tokensExpired,
		c.rateLimitRejections,
		c.authThrottleBlocks,
		c.authAttemptsTotal,
		c.circuitBreakerOpens,
	)

	return c
}

// SetPoolCount records the current number of open pools.
func (c *Collector) SetPoolCount(n int) { c.poolsActive.Set(float64(n)) }

// SetSessionStats records the session manager's current population.
func (c *Collector) SetSessionStats(total, stale int) {
	c.sessionsActive.Set(float64(total))
	c.sessionsStale.Set(float64(stale))
}

// SetTokenStats records the token manager's current population.
func (c *Collector) SetTokenStats(active, expired int) {
	c.tokensActive.Set(float64(active))
	c.tokensExpired.Set(float64(expired))
}

// RateLimitRejected increments the rate-limit rejection counter.
func (c *Collector) RateLimitRejected() { c.rateLimitRejections.Inc() }

// AuthThrottleBlocked increments the auth-throttle block counter.
func (c *Collector) AuthThrottleBlocked() { c.authThrottleBlocks.Inc() }

// AuthAttempt records a completed /auth call by outcome ("success",
// "bad_request", "invalid_credentials", "rejected", "error").
func (c *Collector) AuthAttempt(outcome string) { c.authAttemptsTotal.WithLabelValues(outcome).Inc() }

// CircuitBreakerOpened records a breaker trip for the given pool key.
func (c *Collector) CircuitBreakerOpened(poolKey string) {
	c.circuitBreakerOpens.WithLabelValues(poolKey).Inc()
}
