package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"zapis/internal/access"
	"zapis/internal/api"
	"zapis/internal/audit"
	"zapis/internal/booking"
	"zapis/internal/catalog"
	"zapis/internal/config"
	"zapis/internal/db"
	"zapis/internal/google"
	"zapis/internal/metrics"
	"zapis/internal/notify"
	"zapis/internal/promo"
	"zapis/internal/reminders"
	"zapis/internal/slots"
)

func main() {
	// .env необязателен, переменные могут прийти из окружения
	_ = godotenv.Load()

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Telegram.BotToken == "" || cfg.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE" {
		logger.Fatal().Msg("set telegram.bot_token in config")
	}
	if cfg.Telegram.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid booking timezone")
	}

	database, err := db.NewDB(cfg.Database.Path, logger, db.WithLocation(loc))
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer database.Close()

	cat := catalog.New(database, cfg.CatalogTTL(), time.Now, logger)
	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		cat.UseRedisCache(rdb)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("create bot error")
	}
	botAPI.Debug = cfg.Telegram.Debug
	logger.Info().Str("username", botAPI.Self.UserName).Msg("Authorized on Telegram")
	telegram := notify.NewTelegram(botAPI, cfg.Telegram.SendRatePerSecond, logger)

	hours := slots.WorkingHours{
		Open:     cfg.OpenOffset(),
		Close:    cfg.CloseOffset(),
		Step:     cfg.BookingStep(),
		Location: loc,
	}
	resolver := slots.NewResolver(hours, cfg.HorizonDays(), database)
	admins := access.NewService(cfg.Admins, logger)
	bookings := booking.NewService(database, cat, resolver, telegram, admins, logger,
		booking.WithExternalDuration(cfg.ExternalDuration()))
	availability := booking.NewAvailability(database, cat, hours, logger, time.Now)
	promos := promo.NewManager(database, telegram, cfg.PromoCooldown(), cfg.PromoSweepInterval(), logger)
	sweeper := reminders.NewSweeper(database, telegram, cfg.ReminderInterval(), loc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, configPath, 0, func(updated *config.Config) {
		admins.Update(updated.Admins)
		logger.Info().Int("admins", len(updated.Admins)).Msg("config reloaded")
	}); err != nil {
		logger.Error().Err(err).Msg("config watch failed")
	}

	deps := api.Deps{
		Bookings:     bookings,
		Availability: availability,
		Catalog:      cat,
		Access:       admins,
		Promo:        promos,
		BotToken:     cfg.Telegram.BotToken,
		InitDataAge:  cfg.InitDataMaxAge(),
		Location:     loc,
	}

	var auditService *audit.Service
	if cfg.Audit.Enabled {
		auditService = audit.NewService(database, telegram, admins, loc, logger)
		auditService.Start()
		defer auditService.Stop()
		deps.Exporter = auditService
	}

	if cfg.Sheets.Enabled {
		writer, err := google.NewValueWriter(ctx, cfg.Sheets.CredentialsFile)
		if err != nil {
			logger.Error().Err(err).Msg("Google Sheets disabled")
		} else {
			sheets := google.NewSheetsService(writer, database, cfg.Sheets.SpreadsheetID, cfg.Sheets.SheetName,
				cfg.SheetsSyncInterval(), loc, logger)
			go sheets.Start(ctx)
		}
	}

	if cfg.Backup.Enabled {
		backups := db.NewBackupService(database, cfg.Backup.Path, cfg.BackupInterval(), cfg.Backup.Keep, logger)
		go backups.Start(ctx)
	}

	go sweeper.Start(ctx)
	defer sweeper.Stop()
	go promos.Start(ctx)
	defer promos.Stop()

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	checks := map[string]api.Check{"db": database.PingContext}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	go serve(ctx, "health", cfg.Monitoring.HealthCheckPort, api.HealthHandler(checks), &logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go serve(ctx, "metrics", cfg.Monitoring.PrometheusPort, mux, &logger)
	}

	server := api.NewHTTPServer(cfg.HTTPPort(), deps, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api server error")
			stop()
		}
	}()

	logger.Info().Str("timezone", loc.String()).Msg("Booking service started")
	<-ctx.Done()

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown error")
	}
}

func serve(ctx context.Context, name string, port int, handler http.Handler, logger *zerolog.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("server", name).Msg("server error")
	}
}
