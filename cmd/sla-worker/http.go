package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/ShipBox/config"
	"github.com/BearBump/ShipBox/internal/services/slawatch"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	scanner *slawatch.Scanner
	cfg     *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8081"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.scanner == nil {
			_, _ = w.Write([]byte(`{"error":"scanner not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.scanner.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Секреты не показываем, только операционные настройки воркера.
		sb := opts.cfg.ShipBox
		out := map[string]any{
			"scanIntervalSeconds":        sb.WorkerScanIntervalSeconds,
			"batchSize":                  sb.WorkerBatchSize,
			"concurrency":                sb.WorkerConcurrency,
			"leaseSeconds":               sb.WorkerLeaseSeconds,
			"onTimeMinDelaySeconds":      sb.WorkerOnTimeMinDelaySeconds,
			"onTimeMaxDelaySeconds":      sb.WorkerOnTimeMaxDelaySeconds,
			"atRiskLowDelaySeconds":      sb.WorkerAtRiskLowDelaySeconds,
			"atRiskMediumDelaySeconds":   sb.WorkerAtRiskMediumDelaySeconds,
			"atRiskHighDelaySeconds":     sb.WorkerAtRiskHighDelaySeconds,
			"atRiskCriticalDelaySeconds": sb.WorkerAtRiskCriticalDelaySeconds,
			"breachedDelaySeconds":       sb.WorkerBreachedDelaySeconds,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.scanner == nil {
			_, _ = w.Write([]byte(`{"error":"scanner not wired"}`))
			return
		}
		opts.scanner.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})

		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
