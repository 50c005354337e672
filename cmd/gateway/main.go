package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-gateway/auth"
	"chat-gateway/contract"
	"chat-gateway/domain"
	"chat-gateway/gateway"
	"chat-gateway/infrastructure/api"
	"chat-gateway/infrastructure/redis"
	"chat-gateway/infrastructure/websocket"
	"chat-gateway/internal"
	"chat-gateway/moderation"
	"chat-gateway/observability"
	"chat-gateway/presence"
	"chat-gateway/ratelimit"
	"chat-gateway/repositories"
	"chat-gateway/runtime"
	"chat-gateway/runtime/workers"
	"chat-gateway/security"
	"chat-gateway/services"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
)

const version = "1.0.0"

// Exit codes to provide meaningful status to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const debugPort = 8081

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gateway terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// store is the repository chosen at startup plus what must be closed with it.
type store struct {
	repo     contract.Repository
	degraded func() bool
	closers  []func() error
}

func (s *store) close(log *slog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn("Close failed", "error", err)
		}
	}
}

// openStore prefers badger behind the fallback wrapper and runs memory-only
// when badger cannot be opened.
func openStore(ctx context.Context, config internal.Config, log *slog.Logger) (*store, error) {
	var opts []repositories.BadgerOption
	if config.EncryptionPassphrase != "" {
		cipher, err := security.NewContentCipher(config.EncryptionPassphrase, config.EncryptionSalt)
		if err != nil {
			return nil, err
		}
		opts = append(opts, repositories.WithCipher(cipher))
	}

	s := &store{}
	db, err := repositories.OpenBadger(config.BadgerFilepath)
	if err != nil {
		log.Error("Badger unavailable, running memory-only", "path", config.BadgerFilepath, "error", err)
		s.repo = repositories.NewMemoryRepository()
		s.degraded = func() bool { return true }
		return s, nil
	}
	s.closers = append(s.closers, func() error {
		log.Info("Closing BadgerDB...")
		return db.Close()
	})

	index, err := repositories.NewSearchIndex(config.BlugeFilepath)
	if err != nil {
		log.Warn("Search index unavailable, searches will scan", "error", err)
	} else {
		s.closers = append(s.closers, func() error {
			log.Info("Closing Bluge...")
			return index.Close()
		})
		opts = append(opts, repositories.WithIndexer(index))
	}

	badgerRepo := repositories.NewBadgerRepository(db, log, opts...)
	if index != nil && config.BlugeFilepath == "" {
		count, err := badgerRepo.Reindex(ctx)
		if err != nil {
			log.Warn("Reindex failed", "error", err)
		}
		log.Info("Search index rebuilt", "messages", count)
	}

	if log.Enabled(ctx, slog.LevelDebug) {
		log.Info("Debug Badger inspector available", "url", fmt.Sprintf("http://localhost:%d/inspect", debugPort))
		database.StartDebugServer(db, debugPort, "/inspect", inspectMapper)
	}

	fallback := repositories.NewFallbackRepository(log, badgerRepo)
	s.repo, s.degraded = fallback, fallback.Degraded
	return s, nil
}

func inspectMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	described := repositories.Describe(key, val, nil)
	row.Type = described.Kind
	row.Detail = described.Detail
	return row
}

func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	censor, err := internal.CharacterRune(config.CensorCharacter)
	if err != nil {
		return exitConfig, err
	}
	secret, err := config.Secret()
	if err != nil {
		return exitConfig, err
	}
	tokens, err := auth.NewTokens(secret, config.JWTIssuer)
	if err != nil {
		return exitConfig, err
	}

	logger := logs.GetLoggerFromString(config.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	st, err := openStore(ctx, config, logger)
	if err != nil {
		return exitConfig, err
	}
	defer st.close(logger)

	var sessions contract.SessionCache = redis.Noop{}
	var sessionCheck api.Pinger
	if config.RedisURL != "" {
		cache, err := redis.NewSessionCache(ctx, config.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, sessions are not mirrored", "error", err)
		} else {
			defer cache.Close()
			sessions, sessionCheck = cache, cache
		}
	}

	// 3. Moderation
	bannedWords := config.BannedWordList()
	if len(bannedWords) > 0 {
		if err := st.repo.AddBannedWords(ctx, bannedWords...); err != nil {
			logger.Warn("Unable to store banned words", "error", err)
		}
	}
	if stored, err := st.repo.BannedWords(ctx); err == nil {
		bannedWords = append(bannedWords, stored...)
	}
	if len(bannedWords) == 0 {
		bannedWords = moderation.DefaultBannedWords
	}
	moderator, err := moderation.NewModerator(bannedWords, config.MaxMessageLength, censor)
	if err != nil {
		return exitConfig, fmt.Errorf("moderator: %w", err)
	}

	// 4. Runtime
	metrics := observability.NewMetrics()
	monitor := observability.NewMonitoringManager()
	persistence := workers.NewPersistenceWorker(logger,
		config.PersistenceWorkers, config.PersistenceBuffer, config.PersistenceTimeout,
		workers.WithFailureCounter(metrics.PersistenceFailures),
		workers.WithDropCounter(metrics.PersistenceDropped),
	)
	storeConfig := runtime.StoreConfig{
		CacheSize:    config.MessageCacheSize,
		EditWindow:   config.EditWindow,
		DeleteWindow: config.DeleteWindow,
	}
	registry := runtime.NewRegistry(config.MaxConnectionsPerIP)
	directory := runtime.NewDirectory(logger, registry, func(id domain.DestinationID) *runtime.MessageStore {
		return runtime.NewMessageStore(id, logger, st.repo, persistence, storeConfig)
	}, metrics.BroadcastDropped)
	tracker := presence.NewTracker(services.NewPresenceBroadcaster(logger, directory), config.TypingTimeout)
	limiter := ratelimit.NewLimiter(config.MessageRateLimit, config.RateLimitWindow,
		ratelimit.WithRejectCounter(metrics.RateLimitHits))
	throttle := ratelimit.NewConnectionThrottle(config.ConnectionAttempts, config.ConnectionAttemptWindow)

	chatService := services.NewChatService(logger, directory, registry, tracker, moderator,
		st.repo, st.repo, persistence, metrics.ModerationActions,
		services.ChatConfig{SingleChannel: config.SingleChannel})
	if err := chatService.LoadChannels(ctx); err != nil {
		return exitRuntime, err
	}
	authService := services.NewAuthService(logger, tokens, st.repo, config.AutoProvision, metrics.AuthFailures)

	gw := gateway.New(logger,
		gateway.Config{IdleTimeout: config.IdleTimeout, AuthTimeout: config.AuthTimeout},
		registry, authService, chatService, limiter, throttle, sessions, persistence, metrics)

	// 5. Supervision
	sup := workers.NewSupervisor(logger, config.RestartInterval).
		OnRestart(func(name string) { metrics.WorkerRestarts.WithLabelValues(name).Inc() })
	sup.Add(
		persistence,
		workers.NewSweeperWorker(logger, gw, config.SweepInterval),
		workers.NewJanitorWorker(logger, config.RateLimitCleanupInterval, map[string]workers.Cleaner{
			"rate_limiter": limiter,
			"throttle":     throttle,
		}),
		workers.NewHeartbeatWorker(logger, monitor, config.HeartbeatInterval),
	)
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		sup.Run(context.WithoutCancel(ctx))
	}()

	// 6. HTTP
	wsServer := websocket.NewServer(logger, gw, websocket.Config{
		SendBuffer:     config.SendBufferSize,
		MaxFrameBytes:  config.MaxFrameBytes,
		AllowedOrigins: config.Origins(),
	})
	handler := api.NewHandler(api.Deps{
		Log:            logger,
		Metrics:        metrics,
		Monitor:        monitor,
		Gateway:        gw,
		WebSocket:      wsServer,
		Store:          st.repo,
		Degraded:       st.degraded,
		Sessions:       sessionCheck,
		AllowedOrigins: config.Origins(),
		Version:        version,
	})
	server := &http.Server{
		Addr:              config.Addr(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting gateway", "address", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()
	handler.MarkReady()

	// 7. Wait for stop or error
	exit := exitOK
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errChan:
		exit = exitRuntime
	}

	// 8. Graceful shutdown: stop accepting, close sockets, then drain persistence.
	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	gw.Shutdown()
	wsServer.Wait()
	if err := persistence.Flush(shutdownCtx); err != nil {
		logger.Warn("Persistence flush incomplete", "pending", persistence.Pending(), "error", err)
	}
	sup.Stop()
	<-supervisorDone
	logger.Info("Program stopped cleanly")

	return exit, runErr
}
