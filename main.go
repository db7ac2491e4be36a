package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fairway-cloud/availability"
	"fairway-cloud/bookings"
	"fairway-cloud/calendarsync"
	"fairway-cloud/changefeed"
	"fairway-cloud/config"
	"fairway-cloud/integration"
	"fairway-cloud/logging"
	"fairway-cloud/provider"
	"fairway-cloud/security"

	"github.com/joho/godotenv"
)

const VERSION = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		logging.Debug().Msg(".env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logging.Info().Str("version", VERSION).Msg("starting fairway calendar service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := changefeed.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer redisClient.Close()
	logging.Info().Msg("connected to Redis")

	var records bookingLookup
	if cfg.Database.URL != "" {
		db, err := bookings.Open(ctx, bookings.Config{
			URL:          cfg.Database.URL,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to connect to booking database")
		}
		defer db.Close()
		records = bookings.NewRepository(db)
	} else {
		logging.Warn().Msg("DATABASE_URL not set: booking hooks and mirror reconcile disabled")
	}

	defaultLoc, err := time.LoadLocation(cfg.Availability.DefaultTimezone)
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid default timezone")
	}
	template, err := availability.ParseSlotTemplate(cfg.Availability.SlotStarts, cfg.Availability.SlotDuration)
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid slot template")
	}

	integrations := integration.NewStore(redisClient)
	busy := calendarsync.NewBusyStore(redisClient)
	links := calendarsync.NewLinkStore(redisClient)
	channels := calendarsync.NewChannelStore(redisClient)
	feed := changefeed.New(redisClient)

	oauthConfig := security.NewOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	tokens := security.NewTokenManager(oauthConfig, security.NewTokenStore(redisClient), integrations)

	prov := provider.NewResilient(provider.NewGoogle(), provider.ResilienceConfig{
		CallTimeout:     cfg.Provider.CallTimeout,
		MaxAttempts:     cfg.Provider.MaxAttempts,
		InitialBackoff:  cfg.Provider.InitialBackoff,
		MaxBackoff:      cfg.Provider.MaxBackoff,
		RatePerSecond:   cfg.Provider.RatePerSecond,
		Burst:           cfg.Provider.Burst,
		BreakerFailures: cfg.Provider.BreakerFailures,
		BreakerCooldown: cfg.Provider.BreakerCooldown,
	})

	engine := calendarsync.NewSyncEngine(integrations, busy, links, tokens, prov, feed, calendarsync.SyncEngineConfig{
		Lookback: cfg.Sync.Lookback,
		Timeout:  cfg.Sync.Timeout,
	})
	mirror := calendarsync.NewEventMirror(busy, links, integrations, tokens, prov, records, feed)
	webhooks := calendarsync.NewWebhookChannelManager(channels, tokens, prov, engine, calendarsync.WebhookConfig{
		CallbackURL: cfg.Webhook.CallbackURL,
		Token:       cfg.Webhook.Token,
		TTL:         cfg.Webhook.ChannelTTL,
		Lookahead:   cfg.Webhook.RenewLookahead,
	})
	engine.OnRevoked(webhooks.TeardownCoach)
	if !webhooks.Enabled() {
		logging.Warn().Msg("CALENDAR_WEBHOOK_URL not set: relying on pull sync only")
	}

	a := &app{
		auth:         security.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		calendar:     tokens,
		oauthEnabled: cfg.OAuthConfigured(),
		calendarID:   cfg.Google.CalendarID,
		returnURL:    cfg.Google.ReturnURL,
		integrations: integrations,
		busy:         busy,
		engine:       engine,
		mirror:       mirror,
		webhooks:     webhooks,
		resolver:     availability.NewResolver(busy, integrations),
		feed:         feed,
		provider:     prov,
		bookings:     records,
		template:     template,
		defaultLoc:   defaultLoc,
	}

	root, workers, api := newSupervisor(shutdownTimeout)
	if webhooks.Enabled() && cfg.Webhook.RenewEnabled {
		workers.Add(NewChannelRenewer(webhooks, cfg.Webhook.RenewInterval))
	}
	if cfg.Sync.PullEnabled {
		workers.Add(NewPullSync(integrations, engine, cfg.Sync.PullInterval))
	}
	if records != nil {
		workers.Add(NewMirrorReconciler(mirror, cfg.Mirror.ReconcileInterval, cfg.Mirror.ReconcileBatch))
	}

	srv := &http.Server{
		Handler:      a.router(),
		Addr:         "0.0.0.0:" + cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	api.Add(&httpService{server: srv, shutdownTimeout: shutdownTimeout})
	logging.Info().Str("addr", srv.Addr).Msg("fairway calendar service listening")

	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervisor stopped")
	}
	logging.Info().Msg("server exited")
}
