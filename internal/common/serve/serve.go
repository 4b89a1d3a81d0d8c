package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/hpcflow/cosched/internal/common/ctxlog"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServe runs server until ctx is cancelled, then shuts it down gracefully.
// It returns nil if the server stopped because of ctx.
func ListenAndServe(ctx *ctxlog.Context, server *http.Server) error {
	errC := make(chan error, 1)
	go func() {
		errC <- server.ListenAndServe()
	}()
	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ctx.Log.Infof("shutting down http server on %s", server.Addr)
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.WithStack(err)
		}
		return nil
	}
}

// MetricsServer exposes handler on /metrics at the given port.
func MetricsServer(port uint16, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
