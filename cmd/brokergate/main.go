package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"brokergate/internal/auth"
	"brokergate/internal/cache"
	"brokergate/internal/config"
	"brokergate/internal/gateway"
	"brokergate/internal/logging"
	"brokergate/internal/monitoring"
	"brokergate/internal/quota"
	"brokergate/internal/rest"
	"brokergate/internal/stream"
)

func main() {
	configFile := flag.String("config", "configs/config.yaml", "Configuration file path")
	flag.Parse()

	// Local development keeps credentials in .env; absence is fine.
	godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(&cfg.Logging)
	if err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	svc, err := newService(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build gateway service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start gateway service")
	}
	log.WithFields(map[string]interface{}{
		"backend":   svc.session.Backend(),
		"simulated": cfg.Broker.Simulated,
	}).Info("broker gateway started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("shutting down")

	cancel()
	svc.stop()
}

// service wires the gateway stack together: one token manager and quota
// governor shared by every REST call, one stream, one session handed to
// consumers.
type service struct {
	cfg     *config.Config
	log     *logging.Logger
	store   cache.Cacher
	tokens  *auth.Manager
	stream  *stream.Subscriber
	session *gateway.Session
	metrics *monitoring.Metrics
	metSrv  *http.Server
}

func newService(cfg *config.Config, log *logging.Logger) (*service, error) {
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	store, err := cache.New(&cache.Config{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, err
	}

	cred := auth.Credential{
		AppKey:    cfg.Broker.AppKey,
		AppSecret: cfg.Broker.AppSecret,
		AccountID: cfg.Broker.AccountID,
	}
	tokens := auth.NewManager(cred, cfg.Broker.BaseURL, cfg.Broker.TokenMargin, log, metrics)

	governor := quota.NewGovernor(quota.Config{
		Window:         cfg.Quota.Window,
		WindowLimit:    cfg.Quota.WindowLimit,
		SoftDailyLimit: int64(cfg.Quota.SoftDailyLimit),
		HardDailyLimit: int64(cfg.Quota.HardDailyLimit),
		SmoothRate:     cfg.Quota.SmoothRate,
		SmoothBurst:    cfg.Quota.SmoothBurst,
	}, store, log, metrics)
	governor.OnSoftLimit = func(used, limit int64) {
		log.WithFields(map[string]interface{}{
			"used":  used,
			"limit": limit,
		}).Warn("daily call budget soft threshold crossed")
	}

	exec := rest.NewExecutor(cfg.Broker.BaseURL, tokens, governor, rest.Config{
		Timeout:      cfg.Request.Timeout,
		MaxRetries:   cfg.Request.MaxRetries,
		RateCooldown: cfg.Request.RateCooldown,
		BackoffBase:  cfg.Request.BackoffBase,
		BackoffMax:   cfg.Request.BackoffMax,
	}, log, metrics)

	var sub *stream.Subscriber
	if cfg.Stream.URL != "" {
		sub = stream.NewSubscriber(stream.Config{
			URL:              cfg.Stream.URL,
			ConnectTimeout:   cfg.Stream.ConnectTimeout,
			PingInterval:     cfg.Stream.PingInterval,
			ReconnectInitial: cfg.Stream.ReconnectInitial,
			ReconnectMax:     cfg.Stream.ReconnectMax,
		}, tokens.ApprovalKey, store, log, metrics)
	}

	gw := gateway.NewRESTGateway(exec, tokens, store, gateway.RESTConfig{
		AccountID: cfg.Broker.AccountID,
		Simulated: cfg.Broker.Simulated,
		Retries:   cfg.Request.MaxRetries,
	}, log, metrics)

	backend := "rest"
	if cfg.Broker.Simulated {
		backend = "simulated"
	}

	return &service{
		cfg:     cfg,
		log:     log,
		store:   store,
		tokens:  tokens,
		stream:  sub,
		session: gateway.NewSession(backend, gw),
		metrics: metrics,
	}, nil
}

func (s *service) start(ctx context.Context) error {
	if err := s.session.Gateway().Connect(ctx); err != nil {
		return err
	}

	if s.stream != nil {
		s.stream.Connect(ctx)
	}

	if s.cfg.Monitoring.Enabled {
		mux := http.NewServeMux()
		mux.Handle(s.cfg.Monitoring.Path, monitoring.Handler())
		s.metSrv = &http.Server{Addr: s.cfg.Monitoring.Addr, Handler: mux}
		go func() {
			if err := s.metSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.WithError(err).Error("metrics server failed")
			}
		}()
	}
	return nil
}

func (s *service) stop() {
	if s.stream != nil {
		if err := s.stream.Disconnect(); err != nil {
			s.log.WithError(err).Warn("stream disconnect failed")
		}
	}
	if err := s.session.Gateway().Disconnect(); err != nil {
		s.log.WithError(err).Warn("gateway disconnect failed")
	}
	if s.metSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.metSrv.Shutdown(shutdownCtx)
	}
	if err := s.store.Close(); err != nil {
		s.log.WithError(err).Warn("cache close failed")
	}
	s.log.Info("broker gateway stopped")
}
