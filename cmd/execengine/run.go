package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"execengine/internal/api"
	"execengine/internal/breaker"
	"execengine/internal/broker"
	"execengine/internal/events"
	"execengine/internal/markethours"
	"execengine/internal/metrics"
	"execengine/internal/model"
	"execengine/internal/session"
	redisstore "execengine/internal/store/redis"
	"execengine/internal/tracing"
	"execengine/pkg/smartconnect"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the execution engine",
	RunE:  runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	log.Info("starting", "mode", cfg.Mode, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, version, cfg.TracingEnabled, os.Stderr)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer shutdownTracing(context.Background())

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	health := metrics.NewHealthStatus()

	// ---- SQLite ledger ----
	ledger, err := openLedger(cfg)
	if err != nil {
		return fmt.Errorf("sqlite init failed: %w", err)
	}
	defer ledger.Close()
	health.AddProbe("sqlite", metrics.ProbeCritical, metrics.SQLProbe(ledger.DB()))

	// ---- Events ----
	emitter := events.NewEmitter(events.Config{}, log, m)
	emitter.AddSink(ledger)
	for _, n := range notifiers(cfg) {
		emitter.AddNotifier(n)
	}
	hub := api.NewEventHub(500, log)
	emitter.AddNotifier(hub)

	// ---- Redis audit stream (optional) ----
	var writer *redisstore.Writer
	if cfg.RedisAddr != "" {
		writer, err = redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			if cfg.RedisRequired {
				return fmt.Errorf("redis init failed: %w", err)
			}
			log.Warn("redis init failed, continuing without redis", "error", err)
		} else {
			defer writer.Close()
			cb := breaker.New(cfg.BreakerFailures, cfg.BreakerReset)
			emitter.AddSink(redisstore.NewAuditSink(writer, cb, 0, log, m))
			level := metrics.ProbeOptional
			if cfg.RedisRequired {
				level = metrics.ProbeRequired
			}
			health.AddProbe("redis", level, metrics.RedisProbe(writer.Client()))
		}
	}
	health.StartLivenessChecker(ctx, 10*time.Second)

	// ---- Engine core ----
	s, err := buildStack(cfg, log, ledger, ledger, emitter, m)
	if err != nil {
		return err
	}
	s.sessions.OnStatusChange = func(st session.Status) {
		health.SetSessionActive(st == session.StatusActive)
	}

	go emitter.Run(ctx)

	if err := s.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	// ---- Order updates ----
	updates := make(chan model.StatusUpdate, 1024)
	if s.paper != nil {
		health.SetFeedConnected(true)
		go forward(ctx, s.paper.Updates(), updates, health)
	} else {
		raw := make(chan smartconnect.OrderUpdate, 1024)
		feed := smartconnect.NewOrderFeed(smartconnect.FeedConfig{URL: cfg.AngelFeedURL}, s.sessions.EnsureSession)
		feed.OnConnect = func() {
			health.SetFeedConnected(true)
			m.FeedReconnects.Inc()
			// updates may have been missed while disconnected
			s.rec.Trigger()
		}
		feed.OnDisconnect = func(err error) {
			health.SetFeedConnected(false)
			log.Warn("order feed disconnected", "error", err)
		}
		feed.OnMessage = func() {
			m.FeedMessages.Inc()
			health.SetLastUpdateTime(time.Now())
		}
		feed.OnUnauthorized = s.sessions.Invalidate
		go func() {
			if err := feed.Run(ctx, raw); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("order feed stopped", "error", err)
			}
		}()
		go broker.PumpUpdates(ctx, raw, updates)
	}
	go s.engine.Run(ctx, updates)
	go s.rec.Run(ctx)

	// ---- Redis intake (optional) ----
	if cfg.RedisAddr != "" && writer != nil {
		reader, err := redisstore.NewReader(redisstore.ReaderConfig{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			ConsumerGroup: cfg.ConsumerGroup,
			ConsumerName:  cfg.ConsumerName,
		}, log, m)
		if err != nil {
			return fmt.Errorf("redis reader init failed: %w", err)
		}
		defer reader.Close()
		intake := map[string]redisstore.Handler{
			redisstore.IntentStream:     redisstore.IntentHandler(s.engine),
			redisstore.FillRecordStream: redisstore.FillRecordHandler(ledger),
			redisstore.QuoteStream:      redisstore.QuoteHandler(s.markAll),
		}
		streams := make([]string, 0, len(intake))
		for stream := range intake {
			streams = append(streams, stream)
		}
		if err := reader.EnsureConsumerGroup(ctx, streams...); err != nil {
			return fmt.Errorf("consumer groups: %w", err)
		}
		for stream, h := range intake {
			go func(stream string, h redisstore.Handler) {
				if err := reader.RecoverPending(ctx, stream, h); err != nil && ctx.Err() == nil {
					log.Warn("pending recovery failed", "stream", stream, "error", err)
				}
				if err := reader.Consume(ctx, stream, h); err != nil && ctx.Err() == nil {
					log.Error("intake stopped", "stream", stream, "error", err)
				}
			}(stream, h)
		}
		log.Info("redis intake started", "streams", streams)
	}

	// ---- Pre-open warm-up ----
	cal, err := markethours.NewCalendar(cfg.MarketHolidays)
	if err != nil {
		return err
	}
	log.Info("trading calendar", "status", cal.Status(time.Now()))
	go cal.Daily(ctx, cfg.PreOpenLead, func(ctx context.Context) {
		s.risk.ResetDaily()
		if _, err := s.sessions.EnsureSession(ctx); err != nil {
			log.Error("pre-open login failed", "error", err)
			return
		}
		log.Info("pre-open warm-up done")
	})
	if s.paper == nil && cal.IsOpen(time.Now()) {
		if _, err := s.sessions.EnsureSession(ctx); err != nil {
			log.Warn("initial login failed, will retry on first dispatch", "error", err)
		}
	}

	go watchHalted(ctx, s.engine.Halted, health)

	// ---- HTTP ----
	router := api.NewRouter(api.Deps{
		Engine:    s.engine,
		Events:    ledger,
		Reconcile: s.rec.Trigger,
		Session:   s.sessions.Snapshot,
		Risk:      s.risk.Status,
		Stream:    hub,
		Logger:    log,
	})
	srv := metrics.NewServer(cfg.MetricsAddr, health, reg, router)
	srv.Start()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := s.sessions.Logout(shutdownCtx); err != nil {
		log.Warn("logout failed", "error", err)
	}
	return nil
}

// forward copies paper updates into the engine's channel and stamps feed
// liveness.
func forward(ctx context.Context, in <-chan model.StatusUpdate, out chan<- model.StatusUpdate, health *metrics.HealthStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-in:
			health.SetLastUpdateTime(time.Now())
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func watchHalted(ctx context.Context, halted func() bool, health *metrics.HealthStatus) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health.SetHalted(halted())
		}
	}
}
