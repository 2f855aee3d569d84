//go:build !windows

package cmds

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) or SIGTERM signal from the OS, for disconnectChan to
// be closed by the server when the client disconnects, or for ctx to be
// done.
func waitForDisconnectSignal(ctx context.Context, disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	case <-ctx.Done():
	}
}
