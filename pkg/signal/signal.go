package signal

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

var ErrSignal error = errors.New("received the quit signal")

// SignalHandler blocks until ctx is done or the process receives SIGINT or SIGTERM.
// A received signal is returned as ErrSignal so that an errgroup cancels its siblings.
func SignalHandler(ctx context.Context) error {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigint)

	select {
	case <-ctx.Done():
		log.Debug().Msg("signal handler: upstream context canceled")
	case sig := <-sigint:
		log.Warn().Str("signal", sig.String()).Msg("signal handler: stopping migration, waiting for in-flight writes and checkpoints")
		return ErrSignal
	}
	return nil
}
