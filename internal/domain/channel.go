package domain

import "context"

// Channel is a platform connection that receives messages and publishes them
// on the bus. Every channel is also the Platform replies go through.
type Channel interface {
	Platform
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
