package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector agrupa os contadores operacionais da plataforma
// Criado uma vez por processo e injetado nos componentes (sem singleton global)
type Collector struct {
	registry *prometheus.Registry

	SecurityEvents    *prometheus.CounterVec
	RateLimitDecision *prometheus.CounterVec
	CacheStatus       *prometheus.CounterVec
	VAUProcessed      *prometheus.CounterVec
	RewardsIssued     prometheus.Counter
	RewardAmount      prometheus.Counter
}

// NewCollector cria um novo coletor com registry próprio
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		SecurityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_security_events_total",
			Help: "Security events emitted by the rule engine",
		}, []string{"rule", "action", "severity"}),
		RateLimitDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_rate_limit_decisions_total",
			Help: "Rate limit check outcomes",
		}, []string{"allowed"}),
		CacheStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_cache_status_total",
			Help: "Cache lookup outcomes by X-Cache status",
		}, []string{"status"}),
		VAUProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_vau_processed_total",
			Help: "VAU messages processed by the queue consumer",
		}, []string{"outcome"}),
		RewardsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_rewards_issued_total",
			Help: "Reward records sent to the reward queue",
		}),
		RewardAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_reward_amount_total",
			Help: "Total token amount across issued rewards",
		}),
	}

	registry.MustRegister(
		c.SecurityEvents,
		c.RateLimitDecision,
		c.CacheStatus,
		c.VAUProcessed,
		c.RewardsIssued,
		c.RewardAmount,
	)

	return c
}

// Registry retorna o registry para exposição via promhttp
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
