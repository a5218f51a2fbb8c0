package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/skyborne/stratotrack/backend"
	"github.com/skyborne/stratotrack/ingest"
	"github.com/skyborne/stratotrack/monitoring"
	"github.com/skyborne/stratotrack/predict"
	"github.com/skyborne/stratotrack/source"
	"github.com/skyborne/stratotrack/storage"
	"github.com/skyborne/stratotrack/wind"
)

// Run is the main CLI action. It opens storage, bootstraps the ingest
// controller, wires the read API and serves until interrupted.
func Run(ctx context.Context, c *cli.Command) error {
	listen := c.String("server.listen")
	sourceURL := c.String("source.url")
	windURL := c.String("wind.url")
	storagePath := c.String("storage.path")
	enableMetrics := c.Bool("metrics.enabled")
	tracingEndpoint := c.String("tracing.endpoint")
	autoIngest := c.Bool("ingest.auto")

	if c.Bool("debug") {
		monitoring.SetLogLevel("debug")
	}

	shutdownTracer := monitoring.InitTracer(tracingEndpoint, "stratotrack")
	defer shutdownTracer()

	store, err := storage.Open(storagePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := ingest.New(store, source.NewClient(sourceURL))
	if err := ctrl.Start(ctx); err != nil {
		// Serve the retained window anyway; the next tick retries.
		log.Printf("initial ingest failed: %v", err)
	}
	if autoIngest {
		go ctrl.Run(ctx)
	}

	windClient := wind.NewClient(windURL, wind.NewCache(4096))
	query := backend.NewQuery(store)
	srv := backend.NewServer(query, predict.New(windClient), windClient, ctrl, autoIngest)

	r := chi.NewRouter()
	// Recoverer first so panics in any later middleware are caught
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, req)
		})
	})
	// Tracing before logging so trace IDs are present
	r.Use(monitoring.TracingMiddleware)
	r.Use(monitoring.MetricsMiddleware)
	r.Use(monitoring.LoggingMiddleware)

	if enableMetrics {
		r.Handle("/metrics", monitoring.PrometheusHandler())
	}
	srv.Routes(r)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("server stopped")
	return nil
}
