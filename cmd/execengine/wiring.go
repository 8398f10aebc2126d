package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"execengine/config"
	"execengine/internal/broker"
	"execengine/internal/credential"
	"execengine/internal/dispatch"
	"execengine/internal/events"
	"execengine/internal/execution"
	"execengine/internal/logger"
	"execengine/internal/metrics"
	"execengine/internal/model"
	"execengine/internal/notification"
	"execengine/internal/portfolio"
	"execengine/internal/reconcile"
	"execengine/internal/session"
	sqlitestore "execengine/internal/store/sqlite"
	"execengine/pkg/smartconnect"
)

// orderBroker is what a concrete broker must provide to the engine.
type orderBroker interface {
	session.Authenticator
	execution.OrderAPI
	reconcile.SnapshotAPI
}

// stack is the engine core shared by the run and reconcile commands.
type stack struct {
	cfg      *config.Config
	log      *slog.Logger
	broker   orderBroker
	paper    *broker.Paper // nil in live mode
	sessions *session.Manager
	disp     *dispatch.Dispatcher
	book     *portfolio.Book
	risk     *portfolio.RiskManager
	engine   *execution.Engine
	rec      *reconcile.Reconciler
}

func loadConfig(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log := logger.Init(cfg.ServiceName, logger.ParseLevel(cfg.LogLevel), logOut)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, log, nil
}

func openLedger(cfg *config.Config) (*sqlitestore.Ledger, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
}

// buildStack wires credentials, session, dispatch, the order state machine
// and the reconciler over ledger.
func buildStack(cfg *config.Config, log *slog.Logger, ledger execution.Ledger, fills reconcile.FillSource, pub events.Publisher, m *metrics.Metrics) (*stack, error) {
	s := &stack{cfg: cfg, log: log}

	var codes session.CodeSource
	if cfg.Paper() {
		s.paper = broker.NewPaper(broker.PaperConfig{
			SlippageBps: cfg.PaperSlippageBps,
			FillDelay:   cfg.PaperFillDelay,
		}, log)
		s.broker = s.paper
		codes = staticCode("000000")
	} else {
		rot, err := credential.NewRotator(cfg.AngelTOTPSecret, 0)
		if err != nil {
			return nil, err
		}
		codes = rot
		sc := smartconnect.NewSmartConnect(smartconnect.Config{
			APIKey:  cfg.AngelAPIKey,
			RootURL: cfg.AngelRootURL,
			Timeout: cfg.AttemptTimeout,
		})
		s.broker = broker.NewAngel(sc, broker.AngelConfig{
			ClientCode: cfg.AngelClientCode,
			Password:   cfg.AngelPassword,
		}, log)
	}

	s.sessions = session.NewManager(session.Config{
		TTL:          cfg.SessionTTL,
		SafetyMargin: cfg.SessionSafetyMargin,
		LoginTimeout: cfg.LoginTimeout,
	}, s.broker, codes, pub, log, m)

	retry := dispatch.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryAttempts
	retry.Base = cfg.RetryBase
	retry.Max = cfg.RetryMax
	s.disp = dispatch.New(dispatch.Config{
		Rate:            cfg.RateLimit,
		Burst:           cfg.RateBurst,
		AcquireTimeout:  cfg.AcquireTimeout,
		AttemptTimeout:  cfg.AttemptTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerReset:    cfg.BreakerReset,
		Retry:           retry,
	}, s.sessions, log, m)

	s.book = portfolio.New()
	s.risk = portfolio.NewRiskManager(portfolio.RiskLimits{
		MaxPositionSize:  cfg.MaxPositionSize,
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxDailyLoss:     config.Decimal(cfg.MaxDailyLoss),
		MaxOrderNotional: config.Decimal(cfg.MaxOrderNotional),
	}, s.book, log)

	s.engine = execution.New(execution.Config{DispatchTimeout: cfg.DispatchTimeout}, execution.Deps{
		API:       s.broker,
		Sender:    s.disp,
		Ledger:    ledger,
		Book:      s.book,
		Publisher: pub,
		Guard:     s.risk,
		Logger:    log,
		Metrics:   m,
	})

	s.rec = reconcile.New(reconcile.Config{
		Interval:       cfg.ReconcileInterval,
		PriceTolerance: config.Decimal(cfg.ReconcilePriceTolerance),
		TimeTolerance:  cfg.ReconcileTimeTolerance,
		FillLookback:   cfg.ReconcileFillLookback,
	}, reconcile.Deps{
		API:       s.broker,
		Sender:    s.disp,
		Ledger:    s.engine,
		Fills:     fills,
		Publisher: pub,
		Logger:    log,
		Metrics:   m,
	})
	return s, nil
}

// notifiers returns the configured alert channels. The log notifier is
// always on.
func notifiers(cfg *config.Config) []notification.Notifier {
	ns := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		ns = append(ns, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		ns = append(ns, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.SMSGatewayURL != "" {
		ns = append(ns, notification.NewSMSNotifier(cfg.SMSGatewayURL, cfg.SMSAPIKey, cfg.SMSRecipients))
	}
	return ns
}

// staticCode feeds the paper broker, which ignores the code.
type staticCode string

func (c staticCode) Code(context.Context) (string, error) { return string(c), nil }

// markAll fans a quote out to the book and, in paper mode, the simulator.
func (s *stack) markAll(q model.Quote) {
	s.engine.Mark(q)
	if s.paper != nil {
		s.paper.Mark(q)
	}
}
