package sbgo

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context canceled on SIGINT or SIGTERM, used
// by the build driver to stop waiting on the external job runner and tear
// down the RPC server cleanly when the user interrupts a build.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// A second signal terminates immediately, in case cleanup hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
