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

	"github.com/MarcoPoloResearchLab/teasync/internal/app"
	"github.com/MarcoPoloResearchLab/teasync/internal/config"
	"github.com/MarcoPoloResearchLab/teasync/internal/logging"
	"github.com/MarcoPoloResearchLab/teasync/internal/notify"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
	"github.com/MarcoPoloResearchLab/teasync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	passwordEnv     = "TEASYNC_PASSWORD"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine behind the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, engine *app.Engine, _ config.AppConfig, _ *zap.Logger) error {
				result := engine.Sync(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d uploaded, %d removed, %d failed\n",
					result.State, len(result.Uploaded), len(result.Removed), len(result.Failed))
				return result.Err
			})
		},
	}
}

func newLoginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store API tokens for the given account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv(passwordEnv)
			}
			if email == "" || password == "" {
				return fmt.Errorf("email and password are required (password may come from %s)", passwordEnv)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, engine *app.Engine, _ config.AppConfig, _ *zap.Logger) error {
				if err := engine.Login(ctx, email, password); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged in")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget stored API tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, engine *app.Engine, _ config.AppConfig, _ *zap.Logger) error {
				return engine.Logout(ctx)
			})
		},
	}
}

func withEngine(ctx context.Context, run func(context.Context, *app.Engine, config.AppConfig, *zap.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	engine, err := app.New(app.Config{
		APIBaseURL:     appConfig.APIBaseURL,
		StorePath:      appConfig.StorePath,
		RequestTimeout: appConfig.RequestTimeout,
		IDProvider:     queue.NewUUIDProvider(),
		Notifier:       logNotifier(logger.Named("notify")),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close() //nolint:errcheck

	if err := engine.Start(ctx); err != nil {
		return err
	}
	return run(ctx, engine, appConfig, logger)
}

func logNotifier(logger *zap.Logger) notify.Notifier {
	return notify.NotifierFunc(func(notification notify.Notification) {
		logger.Info("notification",
			zap.String("type", string(notification.Type)),
			zap.String("message", notification.Data),
		)
	})
}

func runServe(ctx context.Context) error {
	return withEngine(ctx, func(ctx context.Context, engine *app.Engine, appConfig config.AppConfig, logger *zap.Logger) error {
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Sync:           engine,
			Cache:          engine.Cache,
			Editor:         engine.Editor,
			Clocks:         engine.Clocks,
			Feed:           engine.Feed,
			Logger:         logger.Named("http"),
			AllowedOrigins: appConfig.AllowedOrigins,
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
			logger.Info("server starting",
				zap.String("address", appConfig.HTTPAddress),
				zap.String("api_base_url", appConfig.APIBaseURL),
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
	})
}
