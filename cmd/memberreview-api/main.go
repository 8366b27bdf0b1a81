package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/auth"
	"github.com/MarcoPoloResearchLab/memberreview/internal/config"
	"github.com/MarcoPoloResearchLab/memberreview/internal/database"
	"github.com/MarcoPoloResearchLab/memberreview/internal/events"
	"github.com/MarcoPoloResearchLab/memberreview/internal/ids"
	"github.com/MarcoPoloResearchLab/memberreview/internal/logging"
	"github.com/MarcoPoloResearchLab/memberreview/internal/metrics"
	"github.com/MarcoPoloResearchLab/memberreview/internal/review"
	"github.com/MarcoPoloResearchLab/memberreview/internal/server"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "memberreview-api",
		Short: "Membership application review service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret shared with TAuth (overrides env)")
	cmd.PersistentFlags().String("events-driver", defaults.GetString("events.driver"), "Event transport (log, memory, kafka, redis, sns)")
	cmd.PersistentFlags().Int("bulk-limit", defaults.GetInt("review.bulk_limit"), "Maximum applications per bulk approval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "events.driver", "events-driver")
	bindFlag(cmd, "review.bulk_limit", "bulk-limit")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	transport, closeTransport, err := events.OpenTransport(ctx, appConfig.Events, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeTransport(); err != nil {
			logger.Warn("event transport close failed", zap.Error(err))
		}
	}()

	idProvider := ids.NewUUIDProvider()
	serviceMetrics := metrics.New(prometheus.DefaultRegisterer)
	publisher, err := events.NewPublisher(events.PublisherConfig{
		Transport:  transport,
		Logger:     logger,
		Clock:      time.Now,
		IDProvider: idProvider,
		Observer:   serviceMetrics.ObserveEvent,
	})
	if err != nil {
		return err
	}

	reviewService, err := review.NewService(review.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
		Publisher:  publisher,
		Metrics:    serviceMetrics,
		BulkLimit:  appConfig.BulkLimit,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	// The in-process transport doubles as the realtime feed.
	realtime, _ := transport.(*events.MemoryTransport)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		ReviewService:    reviewService,
		SessionValidator: sessionValidator,
		Logger:           logger,
		Gatherer:         prometheus.DefaultGatherer,
		AllowedOrigins:   appConfig.AllowedOrigins,
		IDProvider:       idProvider,
		Realtime:         realtime,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("events_driver", appConfig.Events.Driver),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, level, err := config.LoadDatabase(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(level, viper.GetString("log.format"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(path, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID   string
		tenantID string
		email    string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a reviewer session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("session.signing_secret")
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("session.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.IssueSessionToken(cmd.Context(), auth.Reviewer{
				UserID:   userID,
				TenantID: tenantID,
				Email:    email,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Reviewer user id")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant id")
	cmd.Flags().StringVar(&email, "email", "", "Reviewer email")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
