// notebook-sync server: serves the notebook API over the optimistic cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuitang/notebook-sync/internal/api"
	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/checklist"
	"github.com/kuitang/notebook-sync/internal/config"
	"github.com/kuitang/notebook-sync/internal/crypto"
	"github.com/kuitang/notebook-sync/internal/executor"
	"github.com/kuitang/notebook-sync/internal/export"
	"github.com/kuitang/notebook-sync/internal/metrics"
	"github.com/kuitang/notebook-sync/internal/notebooks"
	"github.com/kuitang/notebook-sync/internal/notes"
	"github.com/kuitang/notebook-sync/internal/obs"
	"github.com/kuitang/notebook-sync/internal/ratelimit"
	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/s3client"
	"github.com/kuitang/notebook-sync/internal/search"
	"github.com/kuitang/notebook-sync/internal/sqlstore"
	"github.com/kuitang/notebook-sync/internal/stats"
)

func main() {
	obs.Init()
	noS3, addr, rotateKey := config.ParseFlags()
	cfg, err := config.LoadConfig(noS3, addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if rotateKey {
		version, err := rotateDatabaseKey(cfg)
		if err != nil {
			slog.Error("key_rotation_failed", "error", err)
			os.Exit(1)
		}
		slog.Info("key_rotated", "path", crypto.KeyFilePath(cfg.DatabasePath), "kek_version", version)
		return
	}

	cfg.PrintStartupSummary()

	if err := run(cfg); err != nil {
		slog.Error("server_exit", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	hub := realtime.NewHub(m)
	defer hub.Close()

	dbKey, err := databaseKey(cfg)
	if err != nil {
		return err
	}
	db, err := sqlstore.Open(cfg.DatabasePath, dbKey, hub)
	if err != nil {
		return err
	}
	defer db.Close()

	remoteLimiter := ratelimit.NewRateLimiter(cfg.RemoteLimit)
	defer remoteLimiter.Stop()
	client := remote.Throttle(db, remoteLimiter, m)

	c := cache.New(cache.Options{
		StaleTime: cfg.StaleTime,
		Retries:   cfg.RefreshRetries,
		Backoff:   cfg.RefreshBackoff,
		Metrics:   m,
	})
	defer c.Close()
	exec := executor.New(c, executor.Options{
		CommitRetries: cfg.CommitRetries,
		Metrics:       m,
	})
	defer exec.Wait()
	listener := realtime.NewListener(hub, c)
	defer listener.Close()

	svc := api.Services{
		Notebooks: notebooks.NewStore(client, exec, listener, cfg.StaleTime),
		Notes:     notes.NewStore(client, exec, listener, cfg.StaleTime),
		Items:     checklist.NewItemStore(client, exec, listener, cfg.StaleTime),
		Subtasks:  checklist.NewSubtaskStore(client, exec, listener, cfg.StaleTime),
		Search:    search.NewIndex(client, c, listener, cfg.SearchStaleTime),
		Stats:     stats.NewService(client, c, listener, stats.DefaultStaleTime),
	}

	objects, closeObjects, err := openObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeObjects()
	svc.Exports = export.New(svc.Notebooks, svc.Notes, svc.Items, svc.Subtasks, objects, cfg.ExportLinkTTL)

	apiLimiter := ratelimit.NewRateLimiter(cfg.APILimit)
	defer apiLimiter.Stop()

	public := http.NewServeMux()
	public.Handle("GET /metrics", m.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(api.NewHandler(svc), apiLimiter, public),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// databaseKey unwraps the SQLCipher key with MASTER_KEY, creating the key
// file on first start. Without a master key the store is plaintext.
func databaseKey(cfg *config.Config) ([]byte, error) {
	master := cfg.MasterKeyBytes()
	if master == nil {
		return nil, nil
	}
	return newKeyManager(cfg, master).GetOrCreateDEK()
}

// rotateDatabaseKey re-wraps the database key under the next KEK version
// and returns that version. The database itself is not rewritten.
func rotateDatabaseKey(cfg *config.Config) (int, error) {
	master := cfg.MasterKeyBytes()
	if master == nil {
		return 0, errors.New("--rotate-key requires MASTER_KEY")
	}
	km := newKeyManager(cfg, master)
	if err := km.RotateKEK(); err != nil {
		return 0, err
	}
	return km.KEKVersion()
}

func newKeyManager(cfg *config.Config, master []byte) *crypto.KeyManager {
	return crypto.NewKeyManager(master, crypto.KeyFilePath(cfg.DatabasePath), "notebooks")
}

// openObjectStore connects export storage, or starts an in-memory S3 server
// under --no-s3.
func openObjectStore(ctx context.Context, cfg *config.Config) (*s3client.Client, func(), error) {
	if cfg.NoS3 {
		return s3client.NewInMemory(ctx, "exports")
	}
	client, err := s3client.New(ctx, cfg.S3())
	if err != nil {
		return nil, nil, err
	}
	return client, func() {}, nil
}
