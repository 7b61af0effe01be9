package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Request body size limits
const (
	maxBodySize = 32 * 1024 // 32KB for POST requests
)

// limitBody wraps an HTTP handler to limit request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// securityHeaders wraps an HTTP handler to add security headers
func securityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// JSON API: nothing should ever render or be framed
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next(w, r)
	}
}

// newBlobStoreFromEnv selects the snapshot backend: a local file by default,
// Redis when WALLET_BLOB_BACKEND=redis.
func newBlobStoreFromEnv() (BlobStore, string, error) {
	switch os.Getenv("WALLET_BLOB_BACKEND") {
	case "redis":
		store, err := NewRedisBlobStore(os.Getenv("REDIS_URL"), os.Getenv("WALLET_BLOB_KEY"))
		return store, "redis", err
	default:
		path := os.Getenv("WALLET_DATA_FILE")
		if path == "" {
			path = "wallet.json"
		}
		store, err := NewFileBlobStore(path, os.Getenv("WALLET_SEAL_KEY"))
		return store, "file", err
	}
}

func main() {
	InitLogger()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	blob, backend, err := newBlobStoreFromEnv()
	if err != nil {
		slog.Error("blob store init failed", "backend", backend, "error", err)
		os.Exit(1)
	}
	blobBackendType = backend

	var remote *RemoteLogClient
	if u := os.Getenv("WALLET_SERVICE_URL"); u != "" {
		remote = NewRemoteLogClient(u)
	}

	var pollInterval time.Duration
	if v := os.Getenv("WALLET_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid WALLET_POLL_INTERVAL", "value", v)
			os.Exit(1)
		}
		pollInterval = d
	}

	engine := NewEngine(EngineConfig{
		Blob:         blob,
		Remote:       remote,
		PollInterval: pollInterval,
	})
	walletEngine = engine

	hub := NewFeedHub()
	engine.SetNotifyHook(hub.Broadcast)

	if token := os.Getenv("WALLET_SERVICE_TOKEN"); token != "" {
		engine.SetAuthToken(token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.Init(ctx); err != nil {
		cancel()
		slog.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	cancel()

	// a URI from the environment overrides nothing already stored
	if uri := os.Getenv("WALLET_URI"); uri != "" && engine.State().WalletURI == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := engine.SetWalletURI(ctx, uri); err != nil {
			slog.Warn("WALLET_URI connect failed", "error", err)
		}
		cancel()
	}

	server := NewWalletServer(engine, hub)

	http.HandleFunc("/wallet", securityHeaders(server.handleWallet))
	http.HandleFunc("/wallet/uri", securityHeaders(limitBody(server.handleSetURI, maxBodySize)))
	http.HandleFunc("/wallet/address", securityHeaders(limitBody(server.handleSetAddress, maxBodySize)))
	http.HandleFunc("/wallet/send", securityHeaders(limitBody(server.handleSend, maxBodySize)))
	http.HandleFunc("/wallet/invoice", securityHeaders(limitBody(server.handleCreateInvoice, maxBodySize)))
	http.HandleFunc("/wallet/invoice/qr", securityHeaders(server.handleInvoiceQR))
	http.HandleFunc("/wallet/transactions", securityHeaders(server.handleTransactions))
	http.HandleFunc("/wallet/sync", securityHeaders(server.handleSync))
	http.HandleFunc("/wallet/auth", securityHeaders(limitBody(server.handleAuth, maxBodySize)))
	http.HandleFunc("/wallet/feed", hub.handleFeed)
	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/metrics", metricsHandler)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           RequestLoggingMiddleware(http.DefaultServeMux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("starting wallet server", "port", port, "blob_backend", backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	engine.Shutdown()
}
