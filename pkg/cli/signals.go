package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownSignals are the signals that stop the server.
var ShutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// SetupSignalHandler returns a context canceled on the first SIGINT or
// SIGTERM. A second signal restores default handling, so it kills the
// process.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, ShutdownSignals...)
}

// ReloadSignals ask the server to reread its configuration.
var ReloadSignals = []os.Signal{syscall.SIGHUP}

// NotifyReload returns a channel that receives a value for every
// ReloadSignals delivery until ctx is done. Deliveries that arrive while a
// previous one is unread are coalesced.
func NotifyReload(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, ReloadSignals...)

	out := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
