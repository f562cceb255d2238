package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akademo-labs/playguard/internal/auth"
	"github.com/akademo-labs/playguard/internal/config"
	"github.com/akademo-labs/playguard/internal/database"
	"github.com/akademo-labs/playguard/internal/logging"
	"github.com/akademo-labs/playguard/internal/quota"
	"github.com/akademo-labs/playguard/internal/server"
	"github.com/akademo-labs/playguard/internal/session"
	"github.com/akademo-labs/playguard/internal/viewer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	// .env is optional; container environments set these directly.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "playguard-api",
		Short: "Playguard protected-playback backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("auth.issuer"), "Expected token issuer")
	cmd.PersistentFlags().Float64("default-multiplier", defaults.GetFloat64("quota.default_multiplier"), "Platform-wide watch-time multiplier")
	cmd.PersistentFlags().Int("watermark-interval-mins", defaults.GetInt("watermark.interval_mins"), "Minutes between watermark overlay windows")
	cmd.PersistentFlags().Int("watermark-show-seconds", defaults.GetInt("watermark.show_seconds"), "Seconds each watermark overlay window stays visible")
	cmd.PersistentFlags().Int("flush-threshold-seconds", defaults.GetInt("playback.flush_threshold_seconds"), "Buffered seconds before a progress flush")
	cmd.PersistentFlags().Int("session-poll-seconds", defaults.GetInt("session.poll_seconds"), "Client session-validity poll interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "token-issuer")
	bindFlag(cmd, "quota.default_multiplier", "default-multiplier")
	bindFlag(cmd, "watermark.interval_mins", "watermark-interval-mins")
	bindFlag(cmd, "watermark.show_seconds", "watermark-show-seconds")
	bindFlag(cmd, "playback.flush_threshold_seconds", "flush-threshold-seconds")
	bindFlag(cmd, "session.poll_seconds", "session-poll-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, database.SeedDefaults{
		DefaultMultiplier:     appConfig.DefaultMultiplier,
		WatermarkIntervalMins: appConfig.WatermarkIntervalMins,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
	})
	if err != nil {
		return err
	}

	ledger, err := quota.NewLedger(quota.LedgerConfig{
		Database:                     db,
		Clock:                        time.Now,
		Logger:                       logger,
		DefaultMultiplier:            appConfig.DefaultMultiplier,
		DefaultWatermarkIntervalMins: appConfig.WatermarkIntervalMins,
	})
	if err != nil {
		return err
	}

	guard, err := session.NewGuard(session.GuardConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	viewers, err := viewer.NewService(viewer.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenValidator,
		Ledger:         ledger,
		Guard:          guard,
		Viewers:        viewers,
		ClientPolicy: server.ClientPolicy{
			FlushThresholdSeconds: appConfig.FlushThresholdSeconds,
			SessionPollSeconds:    int(appConfig.SessionPollInterval / time.Second),
			WatermarkShowSeconds:  appConfig.WatermarkShowSeconds,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
