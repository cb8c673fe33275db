package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/config"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/events"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/live"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/metrics"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/store"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/trip"
)

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dir, closeStore, err := openDirectory(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("store")
	}
	defer closeStore()

	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		metricsSrv = mcol.Serve(cfg.MetricsAddr, log)
	}

	relay, err := live.NewNATSRelay(cfg.NATSURL, cfg.NATSName, cfg.LogNATSSubjects, log, relayMetrics(mcol))
	if err != nil {
		log.WithError(err).Fatal("nats")
	}
	defer relay.Close()

	broker := live.NewBroker()
	broker.SetForward(relay.PublishLive)
	throttle := live.NewThrottle(cfg.MinPublishDistanceM, cfg.MinPublishInterval)

	var sink trip.EventSink
	if cfg.AMQPURL != "" {
		pub := events.New(cfg.AMQPURL, log)
		defer pub.Close()
		sink = pub
	}

	controller := trip.NewController(dir, broker, throttle, sink, mcol, log, cfg.CityRecheckInterval)
	feed := trip.NewFeed(dir, broker, log)

	if cfg.RoutesFile != "" {
		if err := seedRoutes(ctx, cfg.RoutesFile, dir, log); err != nil {
			log.WithError(err).Fatal("seed routes")
		}
	}

	// Reopen sessions for trips that were live before the last shutdown.
	if err := controller.ResumeActive(ctx); err != nil {
		log.WithError(err).Fatal("resume active trips")
	}

	srv := &controlSurface{controller: controller, feed: feed, log: log}
	subs, err := srv.attach(ctx, relay.Conn())
	if err != nil {
		log.WithError(err).Fatal("control surface")
	}
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()

	log.Info("tracker running")
	<-ctx.Done()

	controller.Close()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info("shutdown complete")
}

func openDirectory(ctx context.Context, cfg *config.Config, log *logrus.Logger) (store.Directory, func(), error) {
	if cfg.Store == "memory" {
		log.Warn("using in-memory store; state is lost on exit")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	backoff := retry.WithMaxRetries(6, retry.NewFibonacci(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pg.Ping(ctx); err != nil {
			log.WithError(err).Warn("db ping failed, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, func() { pg.Close() }, nil
}

func seedRoutes(ctx context.Context, path string, dir store.Directory, log *logrus.Logger) error {
	routes, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, r := range routes {
		patch := store.RoutePatch{Waypoints: r.Waypoints}
		if r.Destination != "" {
			dest := r.Destination
			patch.Destination = &dest
		}
		if err := dir.Upsert(ctx, r.ID(), patch); err != nil {
			return err
		}
	}
	log.WithField("routes", len(routes)).Info("seeded route directory")
	return nil
}

// relayMetrics adapts the collector to the slice the NATS relay needs.
func relayMetrics(c *metrics.Collector) live.RelayMetrics {
	if c == nil {
		return nil
	}
	return &relayMetricsAdapter{c: c}
}

type relayMetricsAdapter struct{ c *metrics.Collector }

func (a *relayMetricsAdapter) SamplePublishedInc()  { a.c.NATSMirrored.Inc() }
func (a *relayMetricsAdapter) SamplePublishErrInc() { a.c.NATSMirrorErrs.Inc() }
func (a *relayMetricsAdapter) SetConnected(b bool) {
	if b {
		a.c.NATSConnected.Set(1)
	} else {
		a.c.NATSConnected.Set(0)
	}
}
