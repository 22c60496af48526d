package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_verifications_total",
		Help: "Deposit verifications by terminal outcome",
	}, []string{"outcome"})

	payoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presale_payouts_total",
		Help: "Accepted outbound payout transfers",
	})

	payoutTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presale_payout_tokens_total",
		Help: "Total tokens paid out, in major units",
	})

	disburseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_disburse_failures_total",
		Help: "Failed disbursement attempts by reason",
	}, []string{"reason"})
)
