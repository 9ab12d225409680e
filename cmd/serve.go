package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/auth"
	"github.com/alapierre/go-fiscal-engine/server"
	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret (FISCAL_JWT_SECRET) is required to serve")
		}
		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		s := &server.Server{
			Emitter:     eng.orchestrator,
			Registry:    eng.registry,
			Verifier:    auth.NewVerifier(cfg.Auth.JWTSecret),
			Environment: cfg.Authority.Env(),
			Settings:    cfg.Redacted(),
		}
		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           s.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logrus.WithField("addr", srv.Addr).Info("Server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case <-quit:
		}

		logrus.Info("Shutdown signal received")
		// in-flight emissions may still be waiting on the authority
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Authority.Timeout+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		logrus.Info("Server gracefully stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
