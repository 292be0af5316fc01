package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mdrelay/config"
	"mdrelay/internal/logger"
	"mdrelay/internal/marketdata/replay"
	"mdrelay/internal/marketdata/ws"
	"mdrelay/internal/metrics"
	"mdrelay/internal/model"
	"mdrelay/internal/pipeline"
	"mdrelay/internal/publish"
	kafkapub "mdrelay/internal/pubsub/kafka"
	redispub "mdrelay/internal/pubsub/redis"
	"mdrelay/internal/store/batch"
	pgstore "mdrelay/internal/store/postgres"
	sqlitestore "mdrelay/internal/store/sqlite"
)

// tickStore is a storage backend that can also be health-checked.
type tickStore interface {
	model.TickStore
	model.Pinger
}

// publisher is a pub/sub backend that can also be health-checked.
type publisher interface {
	model.Publisher
	model.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[mdrelay] %v", err)
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init("mdrelay", level)
	log.Printf("[mdrelay] starting market=%s symbols=%v storage=%s publish=%s",
		cfg.Market, cfg.Symbols, cfg.StorageBackend, cfg.PublishBackend)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, prometheus.DefaultGatherer)
	metricsSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[mdrelay] storage init failed: %v", err)
	}
	var sink *batch.Sink
	if store != nil {
		defer store.Close()
		health.Register("storage", store)
		sink = batch.New(store, batch.Config{
			Target:    cfg.StorageTarget,
			Threshold: cfg.BatchThreshold,
			Interval:  cfg.BatchInterval,
		})
		sink.OnFlush = func(rows int, took time.Duration) {
			prom.FlushRows.Add(float64(rows))
			prom.FlushDur.Observe(took.Seconds())
		}
		sink.OnFlushError = func(rows int) {
			prom.FlushFailures.Inc()
			prom.FlushFailRows.Add(float64(rows))
		}
	}

	// ---- Pub/sub ----
	pub, err := openPublisher(cfg, prom)
	if err != nil {
		log.Fatalf("[mdrelay] publisher init failed: %v", err)
	}
	var pubSink *publish.Sink
	if pub != nil {
		defer pub.Close()
		health.Register("publisher", pub)
		pubSink = publish.New(pub, cfg.Market, cfg.PublishQueue)
		pubSink.OnPublished = func(n int) { prom.Published.Add(float64(n)) }
		pubSink.OnPublishError = func(n int) { prom.PublishErrors.Add(float64(n)) }
		pubSink.OnDrop = func() { prom.PublishDrops.Inc() }
	}

	// ---- Sinks run until the pipeline has drained ----
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	var sinkWG sync.WaitGroup
	if sink != nil {
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			sink.Run(sinkCtx)
		}()
	}
	if pubSink != nil {
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			pubSink.Run(sinkCtx)
		}()
	}

	// ---- Pipeline ----
	var appender model.TickAppender
	if sink != nil {
		appender = sink
	}
	var events model.EventPublisher
	if pubSink != nil {
		events = pubSink
	}
	pipe := pipeline.New(pipeline.Config{
		Market:  cfg.Market,
		Workers: cfg.Workers,
	}, appender, events, pipeline.Hooks{
		OnMessage: func(kind string) {
			prom.MessagesTotal.WithLabelValues(kind).Inc()
			health.SetLastMessageTime(time.Now())
		},
		OnMalformed: func(stage string) { prom.MalformedTotal.WithLabelValues(stage).Inc() },
		OnSkipped:   func(period string) { prom.SkippedTotal.WithLabelValues(period).Inc() },
		OnTick:      func(string) { prom.TicksTotal.Inc() },
		OnBar:       func(string) { prom.BarsTotal.Inc() },
	})

	go reportStats(sinkCtx, pipe, sink, pubSink, health, prom)

	// ---- Source: live feed or replay file ----
	in := make(chan model.RawMessage, cfg.InputQueue)
	if err := startSource(ctx, cfg, in, health, prom); err != nil {
		log.Fatalf("[mdrelay] feed init failed: %v", err)
	}

	health.StartLivenessChecker(ctx, 10*time.Second)
	log.Println("[mdrelay] pipeline ready")

	// Returns once the source has stopped and every queued message is processed.
	pipe.Run(context.Background(), in)

	log.Println("[mdrelay] shutting down sinks...")
	sinkCancel()
	sinkWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Stop(shutdownCtx)
	log.Println("[mdrelay] stopped")
}

// openStore returns nil when storage is disabled.
func openStore(ctx context.Context, cfg *config.Config) (tickStore, error) {
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		if err := ensureDir(cfg.SQLitePath); err != nil {
			return nil, err
		}
		s, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureTable(ctx, cfg.StorageTarget); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil

	case config.BackendPostgres:
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := pgstore.New(connCtx, pgstore.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureTable(connCtx, cfg.StorageTarget); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	log.Println("[mdrelay] storage disabled")
	return nil, nil
}

// ensureDir creates the parent directory of path.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir %s: %w", dir, err)
	}
	return nil
}

// openPublisher returns nil when publishing is disabled.
func openPublisher(cfg *config.Config, prom *metrics.Metrics) (publisher, error) {
	switch cfg.PublishBackend {
	case config.BackendRedis:
		p, err := redispub.New(redispub.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			LatestTTL: cfg.RedisLatestTTL,
		})
		if err != nil {
			return nil, err
		}
		p.Breaker().OnStateChange = func(from, to redispub.State) {
			prom.BreakerState.Set(float64(to))
			if to == redispub.StateOpen {
				prom.BreakerTrips.Inc()
			}
			log.Printf("[mdrelay] redis breaker %s -> %s", from, to)
		}
		return p, nil

	case config.BackendKafka:
		p, err := kafkapub.New(kafkapub.Config{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			RequiredAcks: cfg.KafkaAcks,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	log.Println("[mdrelay] publishing disabled")
	return nil, nil
}

// startSource feeds in from the replay file or the live WebSocket and
// closes in when the source stops.
func startSource(ctx context.Context, cfg *config.Config, in chan<- model.RawMessage, health *metrics.HealthStatus, prom *metrics.Metrics) error {
	if cfg.ReplayFile != "" {
		rp, f, err := replay.Open(cfg.ReplayFile, cfg.ReplaySpeed)
		if err != nil {
			return err
		}
		log.Printf("[mdrelay] replaying %s at speed %.1f", cfg.ReplayFile, cfg.ReplaySpeed)
		go func() {
			defer close(in)
			defer f.Close()
			if err := rp.Run(ctx, in); err != nil && ctx.Err() == nil {
				log.Printf("[mdrelay] replay error: %v", err)
			}
		}()
		return nil
	}

	client, err := ws.New(ws.Config{
		URL:               cfg.FeedURL,
		Symbols:           cfg.Symbols,
		Period:            cfg.Period,
		ReconnectDelay:    2 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
	})
	if err != nil {
		return err
	}
	client.OnReconnect = func() { prom.WSReconnects.Inc() }
	client.OnDrop = func() { prom.WSDrops.Inc() }
	client.OnFrame = func() { prom.WSFrames.Inc() }
	health.Register("feed", client)

	go func() {
		defer close(in)
		if err := client.Start(ctx, in); err != nil {
			log.Printf("[mdrelay] feed error: %v", err)
		}
	}()
	return nil
}

// reportStats copies pipeline and sink counters into metrics and /healthz.
func reportStats(ctx context.Context, pipe *pipeline.Pipeline, sink *batch.Sink, pubSink *publish.Sink, health *metrics.HealthStatus, prom *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tracked := pipe.TrackedInstruments()
		prom.Tracked.Set(float64(tracked))
		health.SetStat("tracked_instruments", int64(tracked))
		if sink != nil {
			pending := sink.Pending()
			prom.BatchPending.Set(float64(pending))
			health.SetStat("batch_pending", int64(pending))
		}
		if pubSink != nil {
			health.SetStat("publish_dropped", int64(pubSink.Dropped()))
		}
	}
}
