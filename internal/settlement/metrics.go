package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_received_total",
		Help: "Inbound settlement events by source.",
	}, []string{"source"})

	eventsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_events_duplicate_total",
		Help: "Events already applied to a wallet and acknowledged without effect.",
	})

	creditedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_credited_total",
		Help: "Transactions applied to the ledger by settlement mode.",
	}, []string{"mode"})

	unsettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_unsettled_total",
		Help: "Transactions parked unsettled for manual reconciliation, by reason.",
	}, []string{"reason"})

	commissionPostingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_commission_postings_total",
		Help: "Commission cascade posting outcomes.",
	}, []string{"status"})

	holdsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_holds_released_total",
		Help: "T1 settlement holds released to spendable balance.",
	})
)
