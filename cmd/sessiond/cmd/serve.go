package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/brightpath/sessiond/internal/authz"
	"github.com/brightpath/sessiond/internal/bus"
	"github.com/brightpath/sessiond/internal/cache"
	"github.com/brightpath/sessiond/internal/profile"
	"github.com/brightpath/sessiond/internal/provider"
	"github.com/brightpath/sessiond/internal/resolver"
	"github.com/brightpath/sessiond/internal/server"
	"github.com/brightpath/sessiond/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session gateway",
	Long:  `Starts the HTTP gateway exposing the session read model and sign-in operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Open the local cache
		db, err := cache.NewDB(cfg.CacheDSN)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer cache.Close(db)

		store, err := cache.NewStore(db)
		if err != nil {
			return fmt.Errorf("failed to prepare cache: %w", err)
		}

		log.Printf("INFO: cache ready (dsn=%s, origin=%s)", cfg.CacheDSN, store.Origin())

		// Wire the event bus: local writes publish synchronously, sibling
		// writes arrive through the watcher
		events := bus.New()
		store.SetNotify(func(key, oldValue, newValue string) {
			events.Publish(bus.Event{Key: key, OldValue: oldValue, NewValue: newValue, Origin: store.Origin()})
		})

		watchCtx, cancelWatch := context.WithCancel(cmd.Context())
		defer cancelWatch()
		watcher := bus.NewWatcher(store, events, cfg.WatchInterval)
		go watcher.Run(watchCtx)

		// Remote collaborators
		idp := provider.NewHTTPProvider(cfg.ProviderURL, cfg.APIKey, store)
		profiles, err := profile.NewHTTPStore(cfg.ProfileURL, cfg.APIKey, cfg.AuthzCacheTTL)
		if err != nil {
			return fmt.Errorf("failed to create profile store: %w", err)
		}

		// Resolution core
		engine := resolver.New(idp, profiles, store, resolver.Options{
			CallBudget:     cfg.CallBudget,
			ProfileRetries: cfg.ProfileRetries,
		})
		sessions := session.New(engine, idp, profiles, store, events, cfg.HardDeadline)
		sessions.Start(cmd.Context())
		defer sessions.Close()

		enforcer, err := authz.NewEnforcer()
		if err != nil {
			return fmt.Errorf("failed to create enforcer: %w", err)
		}

		gateway := server.New(sessions, enforcer, cfg.Demo)

		// Wrap with h2c for HTTP/2 cleartext support
		h2cHandler := h2c.NewHandler(gateway.Routes(), &http2.Server{})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      h2cHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			log.Printf("INFO: gateway listening on %s", cfg.ServerAddr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			log.Printf("INFO: received signal %v, shutting down gracefully", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}

			log.Printf("INFO: server stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
