package rollout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionsTotal counts state machine transitions by target state
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autowinner_rollout_transitions_total",
		Help: "Rollout state transitions by target state",
	}, []string{"state"})

	// rollbacksTotal counts rollback attempts by cause and result
	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autowinner_rollout_rollbacks_total",
		Help: "Rollback attempts by cause and result",
	}, []string{"cause", "result"})

	// triggerBreachesTotal counts rollback trigger breaches
	triggerBreachesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autowinner_rollout_trigger_breaches_total",
		Help: "Rollback trigger breaches by metric and action",
	}, []string{"metric", "action"})

	// winnerShare is the current share of traffic routed to the winner
	winnerShare = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autowinner_rollout_winner_share",
		Help: "Share of traffic routed to the winning variant (0-1)",
	}, []string{"test_id"})
)
