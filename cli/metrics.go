package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/compozy/deepresearch/pkg/logger"
)

// serveMetrics exposes the Prometheus handler on addr until the returned
// server is shut down.
func serveMetrics(ctx context.Context, addr, path string, handler http.Handler) *http.Server {
	log := logger.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Serving metrics", "addr", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
