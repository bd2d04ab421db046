package client

import (
	"context"
	"errors"
	"net"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"

	"github.com/j-be/autobim/pkg/events"
)

// Watch streams calibration events to fn until ctx is done, fn returns false
// or the daemon closes the connection. Events of the current session are
// replayed first. Returning because of ctx or fn is not an error.
func (c *Client) Watch(ctx context.Context, fn func(events.Event) bool) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialUnix(ctx, c.socketPath)
		},
	}

	conn, _, err := dialer.DialContext(ctx, "ws://unix/ws", nil)
	if err != nil {
		if errors.Is(err, ErrDaemonNotRunning) || errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return pkgerrors.Wrapf(err, "failed to connect to event stream")
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks ReadJSON.
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return pkgerrors.Wrapf(err, "event stream interrupted")
		}
		if !fn(ev) {
			return nil
		}
	}
}
