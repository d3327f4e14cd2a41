package notificationsender

import (
	"context"
	"fmt"

	"github.com/helikon-labs/subvt-backend/internal/types"
)

// ChannelRouter is the Dispatcher used in production: it selects a
// per-channel Dispatcher by the claimed notification's ChannelCode
// ("email", "push", "sms", "gsm", "telegram") and delegates to it (§4.F.2
// "channel-specific dispatch"). The per-channel dispatchers themselves are
// the external collaborators that actually render and deliver a payload.
type ChannelRouter struct {
	dispatchers map[string]Dispatcher
}

// NewChannelRouter builds a ChannelRouter over one Dispatcher per channel
// code.
func NewChannelRouter(dispatchers map[string]Dispatcher) *ChannelRouter {
	return &ChannelRouter{dispatchers: dispatchers}
}

// Send implements Dispatcher by delegating to the registered Dispatcher for
// n.ChannelCode.
func (r *ChannelRouter) Send(ctx context.Context, n types.Notification) error {
	d, ok := r.dispatchers[n.ChannelCode]
	if !ok {
		return fmt.Errorf("notificationsender: no dispatcher registered for channel %q", n.ChannelCode)
	}
	return d.Send(ctx, n)
}
