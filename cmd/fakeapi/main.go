// Command fakeapi runs the in-memory auth backend for local development
// against finctl or any other tokenkeeper client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tk "github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/internal/config"
	"github.com/panyam/tokenkeeper/internal/fakeapi"
	"github.com/panyam/tokenkeeper/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fakeapi: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("fakeapi", flag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "dotenv file to load if present")
	addr := fs.String("addr", "", "listen address (FAKEAPI_ADDR)")
	accessTTL := fs.Duration("access-ttl", 0, "lifetime of login access tokens (FAKEAPI_ACCESS_TTL)")
	refreshedTTL := fs.Duration("refreshed-ttl", 0, "lifetime of refreshed access tokens (FAKEAPI_REFRESHED_TTL)")
	rotate := fs.Bool("rotate", false, "rotate refresh tokens on every refresh (FAKEAPI_ROTATE)")
	seed := fs.String("seed-user", "", "create a user on startup, as email:password")
	logLevel := fs.String("log-level", "", "log level (FAKEAPI_LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadServer(*envFile)
	if err != nil {
		return err
	}
	// Priority: flag > env > default
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *accessTTL > 0 {
		cfg.AccessTTL = *accessTTL
	}
	if *refreshedTTL > 0 {
		cfg.RefreshedTTL = *refreshedTTL
	}
	if *rotate {
		cfg.Rotate = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	opts := []fakeapi.Option{
		fakeapi.WithAccessTTL(cfg.AccessTTL),
		fakeapi.WithRefreshedTTL(cfg.RefreshedTTL),
		fakeapi.WithLogger(logger),
	}
	if cfg.Secret != "" {
		opts = append(opts, fakeapi.WithSecret(cfg.Secret))
	} else {
		logger.Warn().Msg("FAKEAPI_SECRET not set, using the built-in signing key")
	}
	if cfg.Rotate {
		opts = append(opts, fakeapi.WithRotation())
	}
	backend := fakeapi.New(opts...)

	if *seed != "" {
		email, password, ok := strings.Cut(*seed, ":")
		if !ok {
			return errors.New("-seed-user must be email:password")
		}
		p, err := backend.CreateUser(tk.RegisterRequest{Email: email, Password: password, FirstName: "Dev", LastName: "User"}, nil)
		if err != nil {
			return fmt.Errorf("failed to seed user: %w", err)
		}
		logger.Info().Str("user_id", p.ID).Str("email", p.Email).Msg("seeded user")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           backend,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Dur("access_ttl", cfg.AccessTTL).Bool("rotate", cfg.Rotate).Msg("fakeapi listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
