package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
)

type shipAPIOpts struct {
	httpAddr    string
	swaggerPath string

	onListen func(httpAddr string)
}

func runShipAPI(ctx context.Context, opts shipAPIOpts, api chi.Router) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8080"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
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
	r.Mount("/", api)

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
