/*
metrics.go - Prometheus counters for ledger operations

PURPOSE:
  Operational visibility into grant/consume volume and bonus-gate
  outcomes. Bonus withholds are silent no-ops, so the counter is the
  only place they show up besides the log.
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	grantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_grants_total",
		Help: "Grants issued, by scene.",
	}, []string{"scene"})

	grantedCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_granted_credits_total",
		Help: "Credits granted, by scene.",
	}, []string{"scene"})

	consumptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_consumptions_total",
		Help: "Consumption attempts, by result (ok, insufficient, fragmented, error).",
	}, []string{"result"})

	consumedCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_consumed_credits_total",
		Help: "Credits successfully consumed.",
	})

	bonusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_login_bonus_total",
		Help: "Login bonus attempts, by outcome (granted, withheld, error).",
	}, []string{"outcome"})
)
