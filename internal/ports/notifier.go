package ports

import (
	"context"

	"quantbot/internal/domain"
)

// Notifier delivers engine events to an external sink. Delivery is
// fire-and-forget: implementations must never block the caller and the engine
// must not depend on delivery success.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event)
}
