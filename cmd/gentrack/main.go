package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"gentrack/internal/adapter/repo"
	"gentrack/internal/genapi"
	"gentrack/internal/http/handlers"
	httpapi "gentrack/internal/http/httpapi"
	"gentrack/internal/infra"
	"gentrack/internal/protocol"
	"gentrack/internal/session"
	"gentrack/internal/socket"
	"gentrack/internal/sse"
	"gentrack/internal/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage init failed")
	}

	apiLogger := infra.Component(logger, "genapi")
	client, err := genapi.NewClient(genapi.Options{
		BaseURL: cfg.GenAPIBaseURL,
		Token:   cfg.GenAPIToken,
		Timeout: cfg.GenAPITimeout,
		Logger:  &apiLogger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("genapi client init failed")
	}

	manager, err := socket.NewManager(socket.Options{
		BaseURL:               cfg.GenWSURL,
		Token:                 cfg.GenAPIToken,
		ReconnectDelay:        cfg.ReconnectDelay,
		PendingReconnectDelay: cfg.PendingReconnectDelay,
		MaxAttempts:           cfg.ReconnectMaxAttempts,
		IdleTimeout:           cfg.SocketIdleTimeout,
		Logger:                infra.Component(logger, "socket"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("socket manager init failed")
	}
	defer manager.Close()

	ctrl := session.NewController(session.Config{
		GraceDelay:        cfg.GraceDelay,
		Ceiling:           cfg.Ceiling,
		StatusDedupWindow: cfg.StatusDedupWindow,
		SupersededWindow:  cfg.SupersededWindow,
		RetiredJobTTL:     cfg.RetiredJobTTL,
		FetchTimeout:      cfg.FetchTimeout,
	}, session.Deps{
		Logger:    infra.Component(logger, "session"),
		Store:     store,
		Submitter: client,
		Fetcher:   client,
		Connector: manager,
		SocketKey: cfg.UserID,
		Decoder:   protocol.Decoder{LargeTextThreshold: cfg.LargeTextThreshold},
	})
	defer ctrl.Close()

	manager.SetPending(ctrl.HasPending)
	manager.SetHandler(func(messageType int, data []byte) {
		switch messageType {
		case websocket.BinaryMessage:
			ctrl.OnFrame(data)
		case websocket.TextMessage:
			ctrl.OnStatusEvent(data)
		}
	})

	events := sse.NewBroadcaster(infra.Component(logger, "sse"))
	ctrl.Subscribe(events.Observe)

	app := &handlers.App{
		Sessions:    ctrl,
		History:     client,
		Store:       store,
		Events:      events,
		SocketState: func() string { return manager.State().String() },
		Logger:      logger,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("db connection failed")
		}
		defer pool.Close()

		sessions := repo.NewSessionRepository(infra.NewSQLRunner(pool, logger), cfg.UserID)
		if err := sessions.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("archive migration failed")
		}
		archiver := repo.NewArchiver(sessions, infra.Component(logger, "archive"), 64)
		ctrl.Subscribe(archiver.Observe)
		app.Archive = sessions
		g.Go(func() error { return archiver.Run(gctx) })
	} else {
		logger.Info().Msg("DATABASE_URL not set; session archive disabled")
	}

	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		Logger:          infra.Component(logger, "http"),
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		APIToken:        cfg.APIToken,
	})
	server := infra.NewHTTPServer(cfg, router)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("gentrack listening")
		err := server.Run(gctx, shutdownGrace)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("gentrack stopped with error")
		return
	}
	logger.Info().Msg("gentrack stopped")
}
