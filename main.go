package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"socks5-pool/internal/backend"
	"socks5-pool/internal/control"
	"socks5-pool/internal/dispatch"
	"socks5-pool/internal/frontend"
	"socks5-pool/internal/lbconfig"
	"socks5-pool/internal/logging"
	"socks5-pool/internal/proxylist"
	"socks5-pool/internal/refresh"
)

const shutdownGrace = 15 * time.Second

// service owns every long-lived component of the process.
type service struct {
	cfg *Config
	log zerolog.Logger

	store        *lbconfig.FileStore
	materializer *lbconfig.Materializer
	dispatcher   *dispatch.Dispatcher
	controller   *refresh.Controller
	control      *control.Server
	front        *frontend.Server

	fatal chan error
}

func newService(cfg *Config, logger zerolog.Logger) (*service, error) {
	s := &service{
		cfg:          cfg,
		log:          logger,
		store:        lbconfig.NewFileStore(cfg.Pool.ConfigPath, *cfg.Pool.BackupRetention),
		materializer: lbconfig.NewMaterializer(cfg.markers()),
		fatal:        make(chan error, 1),
	}

	var upstreamAuth *proxy.Auth
	if cfg.Frontend.UpstreamUsername != "" {
		upstreamAuth = &proxy.Auth{User: cfg.Frontend.UpstreamUsername, Password: cfg.Frontend.UpstreamPassword}
	}

	var prober dispatch.Prober = dispatch.TCPProber{}
	if cfg.Health.ProbeMode == probeModeSOCKS5 {
		prober = dispatch.SOCKS5Prober{Target: cfg.Health.ProbeTarget, Auth: upstreamAuth}
	}

	s.dispatcher = dispatch.New(dispatch.Options{
		DialTimeout:  time.Duration(cfg.Dispatch.DialTimeoutSeconds) * time.Second,
		DialRetries:  cfg.Dispatch.DialRetries,
		ProbeTimeout: time.Duration(cfg.Health.ProbeTimeoutSeconds) * time.Second,
		Prober:       prober,
		Logger:       logging.Component(logger, "dispatch"),
	})

	validators := lbconfig.ChainValidator{&lbconfig.BuiltinValidator{Markers: cfg.markers()}}
	if len(cfg.Pool.ValidateCommand) > 0 {
		validators = append(validators, &lbconfig.CommandValidator{
			Command: cfg.Pool.ValidateCommand,
			Timeout: time.Duration(cfg.Pool.ValidateTimeoutSeconds) * time.Second,
		})
	}

	refreshLog := logging.Component(logger, "refresh")
	s.controller = refresh.New(refresh.Options{
		Fetcher: proxylist.NewFetcher(cfg.Source.URL, proxylist.Options{
			Timeout:            time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
			InsecureSkipVerify: cfg.Source.InsecureSkipVerify,
			MaxBodyBytes:       cfg.Source.MaxBodyBytes,
		}, logging.Component(logger, "fetch")),
		Builder:          backend.NewBuilder(cfg.checkSettings(), logging.Component(logger, "build")),
		Materializer:     s.materializer,
		Validator:        validators,
		Store:            s.store,
		Activator:        s.dispatcher,
		SkeletonListen:   cfg.Pool.SkeletonListen,
		CycleTimeout:     time.Duration(cfg.Refresh.CycleTimeoutSeconds) * time.Second,
		HistorySize:      cfg.Refresh.HistorySize,
		OnRestoreFailure: s.onRestoreFailure,
		Logger:           refreshLog,
	})

	s.control = control.New(s.controller, s.dispatcher, control.Options{
		Username:           cfg.Control.Username,
		Password:           cfg.Control.Password,
		RefreshMinInterval: time.Duration(cfg.Control.RefreshMinIntervalSeconds) * time.Second,
		Logger:             logging.Component(logger, "control"),
	})

	if cfg.Frontend.Enabled {
		front, err := frontend.New(frontend.Options{
			Users:        cfg.Frontend.Users,
			Upstream:     cfg.Dispatch.Listen,
			UpstreamAuth: upstreamAuth,
			DialTimeout:  time.Duration(cfg.Frontend.DialTimeoutSeconds) * time.Second,
			Logger:       logging.Component(logger, "frontend"),
		})
		if err != nil {
			return nil, err
		}
		s.front = front
	}

	return s, nil
}

func (s *service) onRestoreFailure(err error) {
	s.log.Error().Err(err).Str("path", s.store.Path).Msg("failed to restore live configuration, shutting down")
	select {
	case s.fatal <- err:
	default:
	}
}

// loadLive hands the persisted configuration to the dispatcher so traffic
// flows before the first refresh finishes.
func (s *service) loadLive() error {
	content, exists, err := s.store.Load()
	if err != nil {
		return err
	}
	if !exists {
		s.log.Warn().Str("path", s.store.Path).Msg("no persisted pool configuration, starting with an empty pool")
		return nil
	}

	members, err := s.materializer.Members(content)
	if err != nil {
		s.log.Error().Str("alert", "tamper").Err(err).Str("path", s.store.Path).Msg("persisted pool configuration is unreadable, starting with an empty pool")
		return nil
	}
	s.log.Info().Int("members", len(members)).Str("path", s.store.Path).Msg("loaded persisted pool configuration")
	return s.dispatcher.Reload(members)
}

func (s *service) run(ctx context.Context) error {
	if err := s.loadLive(); err != nil {
		return fmt.Errorf("load persisted configuration: %w", err)
	}

	errCh := make(chan error, 3)

	go func() {
		if err := s.dispatcher.ListenAndServe(s.cfg.Dispatch.Listen); !errors.Is(err, dispatch.ErrClosed) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	go func() {
		if err := s.control.ListenAndServe(s.cfg.Control.Listen); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	if s.front != nil {
		go func() {
			if err := s.front.ListenAndServe(s.cfg.Frontend.Listen); !errors.Is(err, net.ErrClosed) {
				errCh <- fmt.Errorf("frontend: %w", err)
			}
		}()
	}

	schedulerLog := logging.Component(s.log, "scheduler")
	startRefreshScheduler(ctx, s.controller, s.cfg.refreshInterval(), *s.cfg.Refresh.OnStart, schedulerLog)

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		runErr = err
	case err := <-s.fatal:
		runErr = err
	}

	s.shutdown()
	return runErr
}

func (s *service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if s.front != nil {
		_ = s.front.Close()
	}
	if err := s.control.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("control server shutdown")
	}
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("dispatcher shutdown")
	}
	s.log.Info().Msg("stopped")
}

type refresher interface {
	RefreshNow(ctx context.Context) (refresh.Outcome, error)
}

// startRefreshScheduler triggers a refresh every interval; zero disables the
// ticker. Cycles run in their own goroutines and overlapping ticks are
// rejected by the controller.
func startRefreshScheduler(ctx context.Context, r refresher, interval time.Duration, onStart bool, logger zerolog.Logger) {
	trigger := func(reason string) {
		go func() {
			if _, err := r.RefreshNow(ctx); errors.Is(err, refresh.ErrAlreadyInProgress) {
				logger.Info().Str("trigger", reason).Msg("refresh skipped, previous cycle still running")
			}
		}()
	}

	if onStart {
		trigger("startup")
	}
	if interval <= 0 {
		logger.Info().Msg("periodic refresh disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info().Err(ctx.Err()).Msg("refresh scheduler stopped")
				return
			case <-ticker.C:
				trigger("schedule")
			}
		}
	}()
}

func logStartup(cfg *Config, logger zerolog.Logger) {
	ev := logger.Info().
		Str("source", cfg.Source.URL).
		Str("config_path", cfg.Pool.ConfigPath).
		Int("backup_retention", *cfg.Pool.BackupRetention).
		Strs("validate_command", cfg.Pool.ValidateCommand).
		Str("probe_mode", cfg.Health.ProbeMode).
		Int("check_interval_seconds", cfg.Health.CheckIntervalSeconds).
		Uint("rise", cfg.Health.Rise).
		Uint("fall", cfg.Health.Fall).
		Str("dispatch_listen", cfg.Dispatch.Listen).
		Str("control_listen", cfg.Control.Listen).
		Bool("control_auth", cfg.Control.Username != "").
		Int("refresh_interval_minutes", *cfg.Refresh.IntervalMinutes)
	if cfg.Frontend.Enabled {
		ev = ev.Str("frontend_listen", cfg.Frontend.Listen).Int("frontend_users", len(cfg.Frontend.Users))
	}
	ev.Msg("configuration loaded")
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the service configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	logger.Info().Msg("starting SOCKS5 pool manager")
	logStartup(cfg, logger)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	svc, err := newService(cfg, logger)
	if err == nil {
		err = svc.run(rootCtx)
	}
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("service stopped with error")
		_ = closer.Close()
		os.Exit(1)
	}
	_ = closer.Close()
}
