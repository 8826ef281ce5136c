package bus

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalya/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, slog.Default())
	msg := domain.InboundMessage{Platform: "vk", Message: domain.NewIncomingMessage("1", "2", "hi")}

	b.Publish(msg)
	got := <-b.Subscribe()

	assert.Equal(t, "vk", got.Platform)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi", got.Message.Text)
}

func TestInMemoryBus_CloseStopsSubscribers(t *testing.T) {
	b := New(1, nil)
	b.Close()
	b.Close() // idempotent

	_, ok := <-b.Subscribe()
	assert.False(t, ok)

	// publishing after close is dropped, not a panic
	b.Publish(domain.InboundMessage{Platform: "cli"})
}

func TestInMemoryBus_DefaultBuffer(t *testing.T) {
	b := New(0, nil)
	assert.Equal(t, 100, cap(b.inbound))
}
