package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveTrips prometheus.Gauge

	TripsStarted  prometheus.Counter
	TripsCanceled prometheus.Counter
	TripsResumed  prometheus.Counter

	SamplesPublished prometheus.Counter
	SamplesThrottled prometheus.Counter
	SamplesStale     prometheus.Counter

	CityWrites          prometheus.Counter
	CityRecheckDuration prometheus.Histogram

	NATSMirrored    prometheus.Counter
	NATSMirrorErrs  prometheus.Counter
	NATSConnected   prometheus.Gauge
	LifecycleEvents *prometheus.CounterVec // status label: started|canceled

	StoreErrors prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_trips",
			Help: "Number of trip sessions currently live.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_canceled_total",
			Help: "Total trips canceled.",
		}),
		TripsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_resumed_total",
			Help: "Trip sessions reopened from the active partition at boot.",
		}),
		SamplesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_published_total",
			Help: "Location samples accepted onto the live channel.",
		}),
		SamplesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_throttled_total",
			Help: "Location samples dropped by the distance/interval throttle.",
		}),
		SamplesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_stale_total",
			Help: "Location samples discarded for trips that are not live.",
		}),
		CityWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_city_writes_total",
			Help: "currentCity updates written to the directory.",
		}),
		CityRecheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_city_recheck_duration_seconds",
			Help:    "Duration of one nearest-waypoint recheck.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		NATSMirrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_mirrored_total",
			Help: "Samples mirrored to NATS live subjects.",
		}),
		NATSMirrorErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_mirror_errors_total",
			Help: "NATS mirror publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if the NATS connection is established, 0 otherwise.",
		}),
		LifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_lifecycle_events_total",
			Help: "Lifecycle events published to the fanout exchange.",
		}, []string{"status"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_store_errors_total",
			Help: "Directory read/write failures.",
		}),
	}

	reg.MustRegister(
		c.ActiveTrips,
		c.TripsStarted, c.TripsCanceled, c.TripsResumed,
		c.SamplesPublished, c.SamplesThrottled, c.SamplesStale,
		c.CityWrites, c.CityRecheckDuration,
		c.NATSMirrored, c.NATSMirrorErrs, c.NATSConnected,
		c.LifecycleEvents, c.StoreErrors,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server")
		}
	}()
	log.WithField("addr", addr).Info("metrics listening")
	return srv
}
