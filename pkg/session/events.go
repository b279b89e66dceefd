package session

import (
	"context"
	"log/slog"

	"github.com/workano/ai-audio-relay/pkg/openai"
)

// eventSource is the part of the sideband the controller consumes.
type eventSource interface {
	Events() <-chan openai.Event
	Errors() <-chan error
}

// observe logs and counts realtime server events until the connection drops
// or ctx is done.
func (c *Controller) observe(ctx context.Context, src eventSource, logger *slog.Logger) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-src.Errors():
			logger.Warn("sideband disconnected", "error", err, "events", count)
			return
		case ev := <-src.Events():
			count++
			c.metrics.SidebandEvent(ev.Type)
			switch {
			case ev.Type == "error":
				var msg, code string
				if ev.Error != nil {
					msg, code = ev.Error.Message, ev.Error.Code
				}
				logger.Warn("realtime server error", "message", msg, "code", code, "eventID", ev.EventID)
			case ev.Type == "session.created" || ev.Type == "session.updated":
				logger.Info("realtime session event", "type", ev.Type)
			default:
				logger.Debug("realtime event", "type", ev.Type)
			}
		}
	}
}
