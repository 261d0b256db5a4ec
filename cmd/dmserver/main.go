package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/directchat/internal/api"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/config"
	"github.com/whisper/directchat/internal/fanout"
	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/messaging"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/ratelimit"
	"github.com/whisper/directchat/internal/session"
	"github.com/whisper/directchat/internal/store"
	"github.com/whisper/directchat/internal/typing"
	"github.com/whisper/directchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.LogLevel)
	log := logger.Module("main")

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("read_timeout", cfg.ReadTimeout).
		Dur("write_timeout", cfg.WriteTimeout).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("server_name", cfg.ServerName).
		Str("presence_broadcast", cfg.PresenceBroadcast).
		Msg("directchat server starting")

	// --- PostgreSQL ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	if err := store.Migrate(db.DB().DB); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// --- Redis ---
	var sessions *session.Store
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		sessions, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		limiter = ratelimit.NewLimiter(sessions.Client())
	}

	// --- NATS ---
	var bus *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		bus, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
	}

	// --- Core ---
	registry := presence.NewRegistry(db)
	broadcaster := presence.NewBroadcaster(registry, cfg.PresenceBroadcast)
	stopPresenceHooks := registry.Subscribe(func(ev presence.Event) {
		metrics.OnlineUsers.Set(float64(len(ev.Online)))
		if bus != nil {
			if err := bus.PublishPresence(ev.UserID, ev.Kind == presence.Joined); err != nil {
				log.Debug().Err(err).Str("user", ev.UserID).Msg("failed to publish presence event")
			}
		}
	})

	dispatcher := fanout.New(db, registry, typing.NewRegistry())
	if limiter != nil {
		dispatcher.SetLimiter(limiter)
	}
	if bus != nil {
		dispatcher.SetPublisher(bus)
	}

	jwt := auth.NewJWT(cfg.JWTSecret)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	server := ws.NewServer(serverConfig, ws.NewRouter(registry, dispatcher), jwt)
	if limiter != nil {
		server.SetLimiter(limiter)
	}
	if sessions != nil {
		server.SetSessionRecorder(sessions)
	}
	broadcaster.SetAudience(server.Connections().Audience)

	routes := mux.NewRouter()
	api.New(db, registry, dispatcher, jwt, cfg.AllowedOrigins).Register(routes)
	routes.Handle("/metrics", metrics.Handler()).Methods("GET")
	server.SetFallback(routes)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		stopPresenceHooks()
		broadcaster.Stop()
		registry.Close()
		if bus != nil {
			bus.Close()
		}
		if sessions != nil {
			if err := sessions.Close(); err != nil {
				log.Warn().Err(err).Msg("session store close error")
			}
		}
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("database close error")
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
