package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hpcflow/cosched/internal/common/ctxlog"
)

// CreateContextWithShutdown returns a copy of parent that reports done when SIGINT or SIGTERM is received.
// Searches stop between trials once the context is done.
func CreateContextWithShutdown(parent *ctxlog.Context) (*ctxlog.Context, func()) {
	ctx, cancel := ctxlog.WithCancel(parent)
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Warnf("received %s, stopping after the current trials", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(c)
		cancel()
	}
}
