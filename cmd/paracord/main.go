package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/paracord-chat/paracord/internal/api"
	"github.com/paracord-chat/paracord/internal/auth"
	"github.com/paracord-chat/paracord/internal/config"
	"github.com/paracord-chat/paracord/internal/db"
	"github.com/paracord-chat/paracord/internal/event"
	"github.com/paracord-chat/paracord/internal/gateway"
	"github.com/paracord-chat/paracord/internal/memberindex"
	"github.com/paracord-chat/paracord/internal/presence"
	"github.com/paracord-chat/paracord/internal/state"
	"github.com/paracord-chat/paracord/internal/storage"
	"github.com/paracord-chat/paracord/internal/voice"
)

func main() {
	configPath := flag.String("config", "paracord.toml", "path to the configuration file")
	webDir := flag.String("web-dir", "", "directory of static client files to serve")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading configuration")
	}

	st := state.New(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := db.Connect(ctx, cfg.Database.URL, cfg.DatabaseTimeout(), log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("error connecting to database")
	}
	defer store.Close()
	st.DB = store

	memberships, err := store.AllMemberships(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("error loading memberships")
	}
	st.Members = memberindex.FromMemberships(memberships)
	log.Info().Int("memberships", len(memberships)).Msg("member index built")

	st.Bus = event.NewBus(cfg.Gateway.EventBufferSize, log)

	if cfg.Redis.Address != "" {
		cache, err := presence.New(context.Background(), cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.Database, cfg.Redis.Prefix, log)
		if err != nil {
			log.Fatal().Err(err).Msg("error connecting to redis")
		}
		defer cache.Close()
		st.Presence = cache
	}

	if cfg.LiveKit.Enabled {
		st.Voice = voice.NewProvider(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)
	}

	if cfg.Storage.Enabled {
		st.Storage, err = storage.New(context.Background(), cfg.Storage.Endpoint,
			cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.UseSSL)
		if err != nil {
			log.Fatal().Err(err).Msg("error connecting to object storage")
		}
	}

	var mirror *event.Mirror
	if cfg.Nats.Enabled {
		mirror, err = event.NewMirror(cfg.Nats.Address, cfg.Nats.ClusterID, cfg.Nats.ClientID, cfg.Nats.Channel, log)
		if err != nil {
			log.Fatal().Err(err).Msg("error connecting to nats")
		}
		defer mirror.Close()
		go mirror.Run(st.Context(), st.Bus.Subscribe())
	}

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpiry())

	gw := gateway.New(gateway.Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HandshakeTimeout:  cfg.HandshakeTimeout(),
		ResumeWindow:      cfg.ResumeWindow(),
		ReplayBufferSize:  cfg.Gateway.ReplayBufferSize,
		PresenceToSelf:    cfg.Limits.PresenceToSelf,
	}, store, tokens, st.Bus, st.Members, st.Presence, log)

	rest := api.NewServer(st, tokens, log)

	router := chi.NewRouter()
	router.Mount("/api", rest.Routes())
	router.Get("/ws", gw.HandleWS)
	if *webDir != "" {
		router.Handle("/*", http.FileServer(http.Dir(*webDir)))
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("paracord listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	log.Info().Msg("shutting down")
	st.Shutdown()
	gw.Shutdown()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("error shutting down http server")
	}
}
