// Package metrics holds the Prometheus collectors for the notification sync client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opsdash"

var (
	PushConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_connected",
		Help:      "1 while the push channel is connected",
	})

	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_reconnects_total",
		Help:      "Push channel connection attempts after the first",
	})

	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_events_total",
		Help:      "Push notifications received by result",
	}, []string{"result"})

	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_ticks_total",
		Help:      "Fallback polls by result",
	}, []string{"result"})

	FeedInserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_inserted_total",
		Help:      "Notifications newly inserted into the feed",
	})

	MarkRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mark_read_total",
		Help:      "Mark-as-read requests by result",
	}, []string{"result"})
)

// Result label values.
const (
	ResultAccepted = "accepted"
	ResultDropped  = "dropped"
	ResultOK       = "ok"
	ResultError    = "error"
	ResultResync   = "resync"
)

var disconnectedOnce sync.Once

// RegisterDisconnectedSeconds exposes how long the push channel has been down,
// as reported by fn at scrape time. Only the first call registers.
func RegisterDisconnectedSeconds(fn func() float64) {
	disconnectedOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_disconnected_seconds",
			Help:      "Seconds since the push channel was last connected, 0 while connected",
		}, fn)
	})
}
