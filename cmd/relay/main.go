package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/medmeet/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling"
	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling/memory"
	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling/mongo"
	"github.com/Wyydra/medmeet/internal/adapter/driven/signaling/redis"
	handler "github.com/Wyydra/medmeet/internal/adapter/driving/http"
	"github.com/Wyydra/medmeet/internal/config"
	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/Wyydra/medmeet/internal/core/port"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()
	log.Logger = l

	cfg, err := config.Load()
	if err != nil {
		l.Fatal().Err(err).Msg("Invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	auth := handler.NewTokenAuthority(cfg.JWTSecret, cfg.TokenTTL)

	// relay token <call-id> <participant-id> prints a room-scoped token.
	if len(os.Args) == 4 && os.Args[1] == "token" {
		if auth == nil {
			l.Fatal().Msg("JWT_SECRET is not set")
		}
		token, err := auth.Issue(domain.CallID(os.Args[2]), domain.ParticipantID(os.Args[3]))
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	transport, closeStore, err := openStore(ctx, cfg)
	cancel()
	if err != nil {
		l.Fatal().Err(err).Str("store", cfg.Store).Msg("Failed to open signaling store")
	}
	l.Info().Str("store", cfg.Store).Msg("Signaling store ready")

	hub := ws.NewHub()
	h := handler.NewHandler(transport, hub, auth, cfg.AllowedOrigins)
	if auth == nil {
		l.Warn().Msg("JWT_SECRET not set, relay API is unauthenticated")
	}

	go hub.Run()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("port", cfg.Port).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down relay...")

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	if err := closeStore(ctx); err != nil {
		l.Error().Err(err).Msg("Failed to close signaling store")
	}
	l.Info().Msg("Relay exited")
}

func openStore(ctx context.Context, cfg *config.Config) (port.SignalingTransport, func(context.Context) error, error) {
	opts := signaling.Options{
		RoomTTL:    cfg.RoomTTL,
		StaleAfter: cfg.PresenceStaleAfter,
	}

	switch cfg.Store {
	case config.StoreRedis:
		client, err := redis.Dial(ctx, &goredis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return redis.NewRelay(client, opts), func(context.Context) error { return client.Close() }, nil

	case config.StoreMongo:
		client, err := mongo.Dial(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		relay, err := mongo.NewRelay(ctx, client.Database(cfg.Mongo.Database), opts)
		if err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		return relay, client.Disconnect, nil

	default:
		return memory.NewRelay(opts), func(context.Context) error { return nil }, nil
	}
}
