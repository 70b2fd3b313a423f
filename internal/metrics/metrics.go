// Package metrics defines the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GamesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitgame_games_started_total",
		Help: "Games that entered the strategy phase.",
	})

	GamesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitgame_games_finished_total",
		Help: "Games that reached endgame.",
	})

	AgentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitgame_agent_failures_total",
		Help: "Agent calls that fell back, by phase and reason.",
	}, []string{"phase", "reason"})

	MatrixViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitgame_matrix_violations_total",
		Help: "Rejected matrix writes by violation type.",
	}, []string{"type"})

	OracleRateLimits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitgame_oracle_rate_limits_total",
		Help: "Upstream 429 responses from the oracle.",
	})

	OracleTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitgame_oracle_tokens_total",
		Help: "Total tokens spent against the oracle.",
	})
)
