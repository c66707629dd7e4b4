package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/config"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/database"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/party"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/server"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/sessions"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.InstanceID == "" {
		appConfig.InstanceID = uuid.NewString()
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.InstanceID)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cacheBackend, err := openCache(appConfig, logger)
	if err != nil {
		return err
	}
	defer cacheBackend.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Cache:  cacheBackend,
		Logger: logger.Named("presence"),
	})
	if err != nil {
		return err
	}

	store, err := sessions.NewGormStore(sessions.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	sessionService, err := sessions.NewService(sessions.ServiceConfig{
		Store:                  store,
		Cache:                  cacheBackend,
		Logger:                 logger.Named("sessions"),
		DefaultMaxParticipants: appConfig.DefaultMaxParticipants,
	})
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	hub := party.NewHub(party.HubConfig{Logger: logger.Named("hub"), Metrics: recorder})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var background sync.WaitGroup

	var broadcaster party.Broadcaster = party.NewLocalBroadcaster(hub)
	if appConfig.CacheEnabled() {
		redisBroadcaster, err := party.NewRedisBroadcaster(party.RedisBroadcasterConfig{
			Hub:     hub,
			Cache:   cacheBackend,
			Origin:  appConfig.InstanceID,
			Logger:  logger.Named("backplane"),
			Metrics: recorder,
		})
		if err != nil {
			return err
		}
		broadcaster = redisBroadcaster
		background.Add(1)
		go func() {
			defer background.Done()
			redisBroadcaster.Run(signalCtx)
		}()
	}

	protocol, err := party.NewProtocol(party.ProtocolConfig{
		Store:        store,
		Cache:        cacheBackend,
		Presence:     tracker,
		Hub:          hub,
		Broadcaster:  broadcaster,
		Logger:       logger.Named("party"),
		Metrics:      recorder,
		EventTimeout: appConfig.EventTimeout,
	})
	if err != nil {
		return err
	}

	background.Add(1)
	go func() {
		defer background.Done()
		tracker.RunJanitor(signalCtx, appConfig.PresenceCleanupInterval)
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   tokenIssuer,
		Sessions: sessionService,
		Presence: tracker,
		Protocol: protocol,
		Hub:      hub,
		Database: db,
		Cache:    cacheBackend,
		Metrics:  recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("cache_enabled", appConfig.CacheEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		serveErr = httpServer.Shutdown(shutdownCtx)
		cancel()
	case serveErr = <-errCh:
		stop()
	}

	// Hijacked WebSocket connections outlive Shutdown; their disconnect cleanup still needs the
	// database, so wait for it before the deferred closes run.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelDrain()
	if closed := hub.CloseAll(); closed > 0 {
		logger.Info("closing realtime connections", zap.Int("connections", closed))
	}
	if err := hub.Drain(drainCtx); err != nil {
		logger.Warn("realtime connections did not finish cleanup", zap.Error(err))
	}
	background.Wait()
	logger.Info("server stopped")
	return serveErr
}

func issueToken(ctx context.Context, userID string) (string, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return "", err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return "", err
	}
	token, _, err := issuer.IssueToken(ctx, userID)
	return token, err
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

// openCache connects to Redis when configured. Without an address every cache read misses and
// the backplane stays local.
func openCache(appConfig config.AppConfig, logger *zap.Logger) (cache.Cache, error) {
	if !appConfig.CacheEnabled() {
		logger.Warn("redis address not configured, caching and presence disabled")
		return cache.NewNop(), nil
	}
	client := cache.NewRedisClient(cache.RedisConfig{
		Address:    appConfig.RedisAddress,
		Password:   appConfig.RedisPassword,
		DB:         appConfig.RedisDB,
		MaxRetries: appConfig.RedisMaxRetries,
	})
	redisCache, err := cache.NewRedisCache(cache.RedisCacheConfig{Client: client, Logger: logger.Named("cache")})
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := redisCache.Ping(pingCtx); err != nil {
		logger.Warn("redis unreachable at startup, continuing degraded", zap.Error(err))
	}
	return redisCache, nil
}
