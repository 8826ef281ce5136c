package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalya/internal/bus"
	"vitalya/internal/config"
	"vitalya/internal/domain"
)

type countingHandler struct {
	mu        sync.Mutex
	platforms []domain.Platform
	active    atomic.Int32
	peak      atomic.Int32
	delay     time.Duration
	outcome   Outcome
}

func (h *countingHandler) Handle(_ context.Context, p domain.Platform, _ *domain.IncomingMessage, _ *config.BotConfig) Outcome {
	n := h.active.Add(1)
	for {
		peak := h.peak.Load()
		if n <= peak || h.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(h.delay)
	h.active.Add(-1)

	h.mu.Lock()
	h.platforms = append(h.platforms, p)
	h.mu.Unlock()
	return h.outcome
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.platforms)
}

func TestWorker_RoutesToPlatformAndDrainsOnClose(t *testing.T) {
	b := bus.New(10, nil)
	handler := &countingHandler{outcome: Outcome{Action: ActionTextSent}}
	platform := &fakePlatform{}
	events := bus.NewEventBus(nil)

	w := NewWorker(WorkerConfig{
		Bus:       b,
		Handler:   handler,
		Platforms: map[string]domain.Platform{"fake": platform},
		Bot:       func() *config.BotConfig { return &config.Defaults().Bot },
		Events:    events,
	})

	for i := 0; i < 3; i++ {
		b.Publish(domain.InboundMessage{Platform: "fake", Message: domain.NewIncomingMessage("1", "2", "hi")})
	}
	b.Publish(domain.InboundMessage{Platform: "unknown", Message: domain.NewIncomingMessage("1", "2", "hi")})
	b.Close()

	w.Run(context.Background())

	require.Equal(t, 4, handler.count())
	var unknown int
	for _, p := range handler.platforms {
		if p == nil {
			unknown++
		}
	}
	assert.Equal(t, 1, unknown, "unknown platform is passed through as missing")
	assert.Len(t, events.Replay(bus.EventReplySent, time.Time{}), 4)
	assert.Len(t, events.Replay(bus.EventMessageReceived, time.Time{}), 4)
}

func TestWorker_BoundsConcurrency(t *testing.T) {
	b := bus.New(20, nil)
	handler := &countingHandler{delay: 20 * time.Millisecond}
	w := NewWorker(WorkerConfig{
		Bus:         b,
		Handler:     handler,
		Platforms:   map[string]domain.Platform{"fake": &fakePlatform{}},
		Concurrency: 2,
	})

	for i := 0; i < 8; i++ {
		b.Publish(domain.InboundMessage{Platform: "fake", Message: domain.NewIncomingMessage("1", "2", "hi")})
	}
	b.Close()
	w.Run(context.Background())

	assert.Equal(t, 8, handler.count())
	assert.LessOrEqual(t, handler.peak.Load(), int32(2))
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	b := bus.New(1, nil)
	w := NewWorker(WorkerConfig{Bus: b, Handler: &countingHandler{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_EmitsAbortEvents(t *testing.T) {
	events := bus.NewEventBus(nil)
	w := NewWorker(WorkerConfig{Events: events})

	w.emit(domain.InboundMessage{Platform: "vk", Message: domain.NewIncomingMessage("9", "1", "break")},
		Outcome{Action: ActionImageFailed, Command: domain.CommandBreak, Reason: "download"})

	got := events.Replay(bus.EventPipelineAborted, time.Time{})
	require.Len(t, got, 1)
	assert.Equal(t, "9", got[0].PeerID)
	assert.Equal(t, "download", got[0].Payload["reason"])
	assert.Equal(t, "break", got[0].Payload["command"])
}
