package feed

import (
	"context"
	"fmt"
	"io"

	"github.com/safeshell/safeshell/internal/events"
	"github.com/safeshell/safeshell/internal/monitor"
)

// PrintPlain streams events as plain text lines until the context is
// canceled or the daemon disconnects. Used for `safeshell monitor
// --plain` and for piping into other tools.
func PrintPlain(ctx context.Context, client *monitor.Client, w io.Writer) error {
	ch := make(chan events.Event, 64)
	client.OnEvent(func(ev events.Event) {
		select {
		case ch <- ev:
		default:
			// A slow consumer drops events rather than stalling the
			// receive loop.
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return client.Err()
		case ev := <-ch:
			fmt.Fprintf(w, "%s %s\n", ev.Timestamp.Local().Format("15:04:05"), formatEvent(ev))
		}
	}
}
