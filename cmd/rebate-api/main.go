package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mushrhyme/easy-rebate-sub001/internal/auth"
	"github.com/mushrhyme/easy-rebate-sub001/internal/config"
	"github.com/mushrhyme/easy-rebate-sub001/internal/database"
	"github.com/mushrhyme/easy-rebate-sub001/internal/events"
	"github.com/mushrhyme/easy-rebate-sub001/internal/logging"
	"github.com/mushrhyme/easy-rebate-sub001/internal/server"
	"github.com/mushrhyme/easy-rebate-sub001/internal/sessions"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rebate-api",
		Short: "Collaborative invoice review backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Identity token signing secret (overrides env)")
	cmd.PersistentFlags().String("session-backend", defaults.GetString("session.backend"), "Session directory backend (sqlite, redis)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the redis session backend")
	cmd.PersistentFlags().String("nats-url", "", "NATS URL for the event mirror (disabled when empty)")
	cmd.PersistentFlags().Duration("lock-lease", defaults.GetDuration("lock.lease_duration"), "Row lock lease duration")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "session.backend", "session-backend")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "lock.lease_duration", "lock-lease")
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

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development identity token for POST /sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			return mintToken(cmd.Context(), cmd.OutOrStdout(), appConfig, auth.Identity{
				Subject:     userID,
				Email:       email,
				DisplayName: displayName,
			}, ttl)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Reviewer id embedded as the token subject")
	cmd.Flags().StringVar(&email, "email", "", "Reviewer email")
	cmd.Flags().StringVar(&displayName, "name", "", "Reviewer display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func mintToken(ctx context.Context, out io.Writer, appConfig config.AppConfig, identity auth.Identity, ttl time.Duration) error {
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		TokenTTL:      ttl,
	})
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.IssueIdentityToken(ctx, identity)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
	return err
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	gin.SetMode(gin.ReleaseMode)

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	directory, closeDirectory, err := openSessionDirectory(appConfig, db)
	if err != nil {
		return err
	}
	defer closeDirectory()

	publisher, err := openPublisher(appConfig, logger)
	if err != nil {
		return err
	}
	defer publisher.Close() //nolint:errcheck

	validator, err := auth.NewIdentityValidator(auth.IdentityValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	app, err := server.NewApplication(server.ApplicationConfig{
		Database:          db,
		Sessions:          directory,
		IdentityValidator: validator,
		Publisher:         publisher,
		LockLease:         appConfig.LockLease,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		PongGrace:         appConfig.PongGrace,
		SendBuffer:        appConfig.HubSendBuffer,
		AllowedOrigins:    appConfig.AllowedOrigins,
		Clock:             time.Now,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	app.StartReaper(appConfig.LockReapInterval)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: app.Handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("session_backend", appConfig.SessionBackend),
			zap.Duration("lock_lease", appConfig.LockLease))
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
		// Hijacked WebSocket connections are not tracked by http.Server, so
		// the hub closes them before the listener shuts down.
		if err := app.Shutdown(shutdownCtx); err != nil {
			logger.Warn("realtime shutdown incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = app.Shutdown(context.Background())
		return err
	}
}

func openSessionDirectory(appConfig config.AppConfig, db *gorm.DB) (sessions.Directory, func(), error) {
	switch appConfig.SessionBackend {
	case config.SessionBackendRedis:
		store, err := sessions.NewRedisStore(sessions.RedisStoreConfig{URL: appConfig.RedisURL, TTL: appConfig.SessionTTL})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := sessions.NewGormStore(sessions.GormStoreConfig{Database: db, TTL: appConfig.SessionTTL})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func openPublisher(appConfig config.AppConfig, logger *zap.Logger) (events.Publisher, error) {
	if appConfig.NATSURL == "" {
		return &events.NoopPublisher{}, nil
	}
	publisher, err := events.NewNATSPublisher(appConfig.NATSURL)
	if err != nil {
		return nil, err
	}
	logger.Info("event mirror enabled", zap.String("nats_url", appConfig.NATSURL))
	return publisher, nil
}
