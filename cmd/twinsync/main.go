package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/MarcoPoloResearchLab/twinsync/internal/auth"
	"github.com/MarcoPoloResearchLab/twinsync/internal/config"
	"github.com/MarcoPoloResearchLab/twinsync/internal/database"
	"github.com/MarcoPoloResearchLab/twinsync/internal/drift"
	"github.com/MarcoPoloResearchLab/twinsync/internal/guardian"
	"github.com/MarcoPoloResearchLab/twinsync/internal/ids"
	"github.com/MarcoPoloResearchLab/twinsync/internal/logging"
	"github.com/MarcoPoloResearchLab/twinsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/twinsync/internal/server"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store/remote"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store/replica"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

const (
	operatorIssuer   = "twinsync-auth"
	operatorAudience = "twinsync-api"
	remoteAudience   = "twinsync-remote"
	shutdownTimeout  = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "twinsync",
		Short: "Twin replica sync guardian",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newSeedCommand(), newDriftCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite replica database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("remote-url", "", "Base URL of the remote record service")
	cmd.PersistentFlags().StringSlice("collections", nil, "Collections to keep in sync")
	cmd.PersistentFlags().Duration("interval", defaults.GetDuration("sync.interval"), "Monitoring interval")
	cmd.PersistentFlags().String("strategy", defaults.GetString("sync.strategy"), "Default conflict strategy")
	cmd.PersistentFlags().Bool("auto-start", defaults.GetBool("sync.auto_start"), "Start monitoring when the server starts")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "sync.collections", "collections")
	bindFlag(cmd, "sync.interval", "interval")
	bindFlag(cmd, "sync.strategy", "strategy")
	bindFlag(cmd, "sync.auto_start", "auto-start")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("twinsync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API and the sync loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newOperatorIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   expiresAt,
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	return cmd
}

func newSeedCommand() *cobra.Command {
	var fixturePath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a YAML fixture into the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(fixturePath) == "" {
				return errors.New("--file is required")
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			local, err := replica.New(replica.Config{Database: db, Keys: appConfig.Keys, Logger: logger})
			if err != nil {
				return err
			}
			file, err := os.Open(fixturePath)
			if err != nil {
				return err
			}
			defer file.Close()
			fixture, err := loadFixture(file)
			if err != nil {
				return err
			}
			summary, err := seedStore(cmd.Context(), local, appConfig.Keys, fixture)
			if err != nil {
				return err
			}
			logger.Info("replica seeded", zap.String("file", fixturePath), zap.Any("records", summary))
			return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
		},
	}
	cmd.Flags().StringVar(&fixturePath, "file", "", "YAML fixture mapping collections to record lists")
	return cmd
}

func newDriftCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "drift [collections...]",
		Short: "Print a one-shot drift report",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			pair, err := buildStores(appConfig, db, logger)
			if err != nil {
				return err
			}
			detector, err := drift.New(drift.Config{
				Stores:     pair,
				Keys:       appConfig.Keys,
				SampleSize: appConfig.DriftSampleSize,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			collections := args
			if len(collections) == 0 {
				collections = appConfig.Collections
			}
			report, err := detector.Calculate(cmd.Context(), collections)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), format, report)
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (yaml or json)")
	return cmd
}

func writeReport(out io.Writer, format string, report drift.Report) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "yaml", "":
		encoder := yaml.NewEncoder(out)
		defer encoder.Close()
		return encoder.Encode(report)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func newOperatorIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        operatorIssuer,
		Audience:      operatorAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func buildStores(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (store.Pair, error) {
	local, err := replica.New(replica.Config{
		Database:   db,
		Keys:       appConfig.Keys,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return store.Pair{}, err
	}
	serviceTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.RemoteSecret),
		Issuer:        operatorIssuer,
		Audience:      remoteAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return store.Pair{}, err
	}
	remoteStore, err := remote.New(remote.Config{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  serviceTokens,
		Subject: appConfig.RemoteSubject,
		Timeout: appConfig.RemoteTimeout,
		Keys:    appConfig.Keys,
		Logger:  logger,
	})
	if err != nil {
		return store.Pair{}, err
	}
	return store.Pair{Local: local, Remote: remoteStore}, nil
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

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	pair, err := buildStores(appConfig, db, logger)
	if err != nil {
		return err
	}

	sink, err := audit.NewGormSink(db)
	if err != nil {
		return err
	}
	ledger := audit.NewLogger(audit.Config{
		Capacity: appConfig.AuditCapacity,
		Sink:     sink,
		Logger:   logger,
	})
	if history, historyErr := sink.Recent(ctx, appConfig.AuditCapacity); historyErr != nil {
		logger.Warn("audit history restore failed", zap.Error(historyErr))
	} else {
		ledger.Restore(history)
	}

	syncGuardian, err := guardian.New(guardian.Config{
		Stores:               pair,
		Keys:                 appConfig.Keys,
		Collections:          appConfig.Collections,
		DefaultStrategy:      appConfig.DefaultStrategy,
		Interval:             appConfig.Interval,
		StopTimeout:          appConfig.StopTimeout,
		HealthErrorThreshold: appConfig.HealthErrorThreshold,
		HealthWindow:         appConfig.HealthWindow,
		DriftSampleSize:      appConfig.DriftSampleSize,
		Retry: recovery.Config{
			MaxAttempts: appConfig.RetryMaxAttempts,
			BaseBackoff: appConfig.RetryBaseBackoff,
			MaxBackoff:  appConfig.RetryMaxBackoff,
			CallTimeout: appConfig.RemoteTimeout,
		},
		Audit:  ledger,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	issuer, err := newOperatorIssuer(appConfig)
	if err != nil {
		return err
	}

	events := server.NewEventDispatcher()
	detach := events.Attach(ledger)
	defer detach()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Operator:       syncGuardian,
		Validator:      issuer,
		Events:         events,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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

	if appConfig.AutoStart {
		if _, err := syncGuardian.Start(signalCtx, appConfig.Collections, appConfig.Interval); err != nil {
			logger.Warn("monitoring auto-start failed", zap.Error(err))
		}
	}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if _, stopErr := syncGuardian.Stop(shutdownCtx); stopErr != nil {
			logger.Warn("monitoring stop failed", zap.Error(stopErr))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		_, _ = syncGuardian.Stop(context.Background())
		return err
	}
}
