package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/ent0n29/novel2anime/internal/app"
	"github.com/ent0n29/novel2anime/internal/config"
	"github.com/ent0n29/novel2anime/internal/localstore"
	"github.com/ent0n29/novel2anime/internal/taskapi/apitest"
)

// lockPath places the single-instance lock next to a SQLite state file, or in
// the temp dir for other backends.
func lockPath(cfg config.Config) string {
	if path := localstore.SQLitePath(cfg.StateURL); path != "" {
		return path + ".lock"
	}
	return filepath.Join(os.TempDir(), "novel2anime.lock")
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var fakeAPI bool
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API and viewer stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.BindAddr = addr
			}

			lock := flock.New(lockPath(cfg))
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another novel2anime serve holds %s", lock.Path())
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					log.Printf("release lock failed: %v", err)
				}
			}()

			if fakeAPI {
				fake := apitest.NewServer()
				defer fake.Close()
				cfg.TaskAPIBaseURL = fake.URL()
				log.Printf("fake task api listening on %s", fake.URL())
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&fakeAPI, "fake-api", false, "Serve an in-process fake task API")
	cmd.Flags().StringVar(&addr, "addr", "", "Override APP_BIND_ADDR")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	built, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()
	log.Printf("state backend: %s", built.State.Mode())

	if err := built.Start(ctx); err != nil {
		// The viewer can retry the list; keep serving.
		log.Printf("startup: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	listenErr := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err, ok := <-listenErr:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Printf("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	log.Printf("shutdown complete")
	return nil
}
