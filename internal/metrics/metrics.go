package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExpandDuration tracks how long one range query spends expanding events.
	ExpandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relcal_expand_duration_seconds",
		Help:    "Time spent expanding stored events into occurrences",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})

	// OccurrencesTotal counts occurrences returned to clients.
	OccurrencesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relcal_occurrences_total",
		Help: "Total number of expanded occurrences returned",
	})

	// ExpandFailuresTotal counts range queries aborted by a malformed rule.
	ExpandFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relcal_expand_failures_total",
		Help: "Total number of expansions that failed",
	})

	// TruncatedEventsTotal counts events that hit the per-event occurrence cap.
	TruncatedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relcal_truncated_events_total",
		Help: "Total number of events whose occurrences were capped",
	})

	subscriptionRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relcal_subscription_refresh_total",
		Help: "Total number of subscription refreshes by result",
	}, []string{"result"})

	subscriptionEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relcal_subscription_events",
		Help: "Number of events imported by the last successful refresh",
	}, []string{"subscription"})
)

// ObserveExpand records one expansion.
func ObserveExpand(d time.Duration, occurrences, truncated int, err error) {
	ExpandDuration.Observe(d.Seconds())
	if err != nil {
		ExpandFailuresTotal.Inc()
		return
	}
	OccurrencesTotal.Add(float64(occurrences))
	TruncatedEventsTotal.Add(float64(truncated))
}

// RecordRefresh records the outcome of refreshing one subscription.
// result is normalized to ok, cached or failed.
func RecordRefresh(subscription, result string, events int) {
	label := normalizeRefreshResult(result)
	subscriptionRefreshTotal.WithLabelValues(label).Inc()
	if label != "failed" {
		subscriptionEvents.WithLabelValues(subscription).Set(float64(events))
	}
}

func normalizeRefreshResult(result string) string {
	switch result {
	case "ok", "cached":
		return result
	default:
		return "failed"
	}
}
