package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckIns counts check-in attempts by method and outcome.
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_checkins_total",
		Help: "Check-in attempts by method and result.",
	}, []string{"method", "result"})

	// SweptSessions counts sessions closed by the expiry sweeper.
	SweptSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_swept_sessions_total",
		Help: "Sessions auto-closed by the expiry sweeper.",
	})

	// SyncEvents counts device sync batch events by per-event result.
	SyncEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_sync_events_total",
		Help: "Device sync events by result.",
	}, []string{"result"})

	// SyncBatches counts sync batch requests by outcome.
	SyncBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_sync_batches_total",
		Help: "Device sync batches by outcome.",
	}, []string{"outcome"})

	// ClaimRedemptions counts claim redemption attempts by outcome.
	ClaimRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_claim_redemptions_total",
		Help: "Claim code redemption attempts by outcome.",
	}, []string{"outcome"})
)
