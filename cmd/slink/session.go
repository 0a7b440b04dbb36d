package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/slink/im-client/internal/api"
	"github.com/slink/im-client/internal/app"
	"github.com/slink/im-client/internal/cache"
	"github.com/slink/im-client/internal/messaging"
	"github.com/slink/im-client/internal/metrics"
	"github.com/slink/im-client/internal/model"
	"github.com/slink/im-client/internal/socket"
	"github.com/slink/im-client/internal/store"
)

// session is a signed-on client plus the optional infrastructure around it.
type session struct {
	app *app.App
	me  model.User

	cache   *cache.Cache
	nats    *messaging.NATSClient
	mirror  *messaging.Mirror
	metrics *http.Server
}

// openSession signs on and wires the cache, mirror and metrics endpoint the
// config asks for. Infrastructure failures are logged and skipped.
func openSession(ctx context.Context) (*session, error) {
	client, err := api.New(cfg.Server.BaseURL, api.Options{
		Timeout: cfg.GetRequestTimeout(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	s := &session{}
	stores := store.New(logger)

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		s.metrics = serveMetrics(addr)
	}

	if cfg.Mirror.Enabled {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.Mirror.URL
		natsCfg.Logger = logger
		if nc, err := messaging.NewNATSClient(natsCfg); err != nil {
			logger.Warn("store mirror disabled", zap.Error(err))
		} else {
			s.nats = nc
			s.mirror = messaging.NewMirror(nc, logger)
			s.mirror.Attach(stores)
		}
	}

	s.app = app.New(client, stores, app.Options{
		Socket: socket.Options{
			ReconnectDelay:    cfg.GetReconnectDelay(),
			DialTimeout:       cfg.GetDialTimeout(),
			HeartbeatInterval: cfg.GetHeartbeatInterval(),
			Logger:            logger,
		},
		Logger: logger,
	})

	creds := credentials()
	if creds.Screenname == "" || creds.Password == "" {
		s.Close()
		return nil, errors.New("no credentials: use --screenname/--password or SLINK_SCREENNAME/SLINK_PASSWORD")
	}
	s.me, err = s.app.SignOn(ctx, creds)
	if err != nil {
		s.Close()
		if msgs := api.Messages(err); len(msgs) > 0 {
			return nil, fmt.Errorf("sign on: %v", msgs)
		}
		return nil, fmt.Errorf("sign on: %w", err)
	}

	if cfg.Cache.Enabled {
		if rdb, err := cache.Dial(cfg.Cache.Addr); err != nil {
			logger.Warn("snapshot cache disabled", zap.Error(err))
		} else {
			s.cache = cache.New(rdb, cfg.GetCacheTTL(), logger)
			if err := s.cache.Load(ctx, s.me.ID, stores); err != nil {
				logger.Warn("snapshot cache load failed", zap.Error(err))
			}
		}
	}

	return s, nil
}

// Close saves the snapshot and tears everything down. The server session is
// kept so the next run can reuse the account without signing off.
func (s *session) Close() {
	if s.app != nil {
		s.app.Close()
	}

	if s.cache != nil && s.me.ID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.cache.Save(ctx, s.me.ID, s.app.Stores()); err != nil {
			logger.Warn("snapshot cache save failed", zap.Error(err))
		}
		cancel()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.mirror != nil {
		s.mirror.Close()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.metrics.Shutdown(ctx)
		cancel()
	}
}

func credentials() api.Credentials {
	creds := api.Credentials{Screenname: screenname, Password: password}
	if creds.Screenname == "" {
		creds.Screenname = os.Getenv("SLINK_SCREENNAME")
	}
	if creds.Password == "" {
		creds.Password = os.Getenv("SLINK_PASSWORD")
	}
	return creds
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}
