package siegenia

import (
	"context"
	"time"
)

// heartbeatLoop sends keepAlive on session every HeartbeatInterval until
// ctx is cancelled. Failures are logged and the loop continues; a dead
// session is detected by the receive loop or the next foreground command.
func (c *Client) heartbeatLoop(ctx context.Context, session Session) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.exchange(ctx, session, newCommand(CommandKeepAlive), keepAliveParams()); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logDebug("heartbeat failed", "error", err)
			}
		}
	}
}

func keepAliveParams() Document {
	return Document{"extend_session": true}
}
