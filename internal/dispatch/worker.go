package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"vitalya/internal/bus"
	"vitalya/internal/config"
	"vitalya/internal/domain"
)

const defaultConcurrency = 4

// Handler is the message entry point the worker drives.
type Handler interface {
	Handle(ctx context.Context, platform domain.Platform, msg *domain.IncomingMessage, bot *config.BotConfig) Outcome
}

// WorkerConfig holds the dependencies of a Worker.
type WorkerConfig struct {
	Bus         domain.MessageBus
	Handler     Handler
	Platforms   map[string]domain.Platform
	Bot         func() *config.BotConfig // snapshot read for every message
	Events      *bus.EventBus            // optional: receives one event per handled message
	Logger      *slog.Logger
	Concurrency int // max parallel messages (default 4)
}

// Worker consumes inbound messages from the bus and hands each one to the
// dispatcher with bounded concurrency.
type Worker struct {
	bus         domain.MessageBus
	handler     Handler
	platforms   map[string]domain.Platform
	bot         func() *config.BotConfig
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int
	wg          sync.WaitGroup
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		bus:         cfg.Bus,
		handler:     cfg.Handler,
		platforms:   cfg.Platforms,
		bot:         cfg.Bot,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// Run processes messages until ctx is done or the bus is closed, then waits
// for in-flight messages to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("dispatch worker started", "concurrency", w.concurrency)
	defer w.wg.Wait()

	sem := make(chan struct{}, w.concurrency)
	inbound := w.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				w.logger.Info("inbound channel closed, dispatch worker stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			w.wg.Add(1)
			go func(m domain.InboundMessage) {
				defer func() {
					<-sem
					w.wg.Done()
				}()
				w.process(ctx, m)
			}(msg)
		}
	}
}

func (w *Worker) process(ctx context.Context, in domain.InboundMessage) {
	platform, ok := w.platforms[in.Platform]
	if !ok {
		w.logger.Warn("message from unknown platform", "platform", in.Platform)
	}
	var bot *config.BotConfig
	if w.bot != nil {
		bot = w.bot()
	}
	if w.events != nil {
		ev := bus.Event{Type: bus.EventMessageReceived, Platform: in.Platform}
		if in.Message != nil {
			ev.PeerID = in.Message.PeerID
		}
		w.events.Emit(ev)
	}
	// a missing platform is reported by the handler like any other missing input
	out := w.handler.Handle(ctx, platform, in.Message, bot)
	w.logger.Debug("message handled", "platform", in.Platform, "action", out.Action, "command", out.Command.String())
	w.emit(in, out)
}

func (w *Worker) emit(in domain.InboundMessage, out Outcome) {
	if w.events == nil {
		return
	}
	ev := bus.Event{
		Platform: in.Platform,
		Payload: map[string]any{
			"action":  string(out.Action),
			"command": out.Command.String(),
		},
	}
	if in.Message != nil {
		ev.PeerID = in.Message.PeerID
	}
	if out.Reason != "" {
		ev.Payload["reason"] = out.Reason
	}
	if out.Err != nil {
		ev.Payload["error"] = out.Err.Error()
	}

	switch out.Action {
	case ActionImageSent, ActionTextSent:
		ev.Type = bus.EventReplySent
	case ActionImageFailed:
		ev.Type = bus.EventPipelineAborted
	case ActionTextFailed:
		ev.Type = bus.EventReplyFailed
	default:
		ev.Type = bus.EventMessageIgnored
	}
	w.events.Emit(ev)
}
