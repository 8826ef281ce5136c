// Package dispatch routes an incoming message to the image pipeline or the
// text responder and sends at most one reply.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"vitalya/internal/command"
	"vitalya/internal/config"
	"vitalya/internal/corpus"
	"vitalya/internal/domain"
	"vitalya/internal/imaging"
	"vitalya/internal/metrics"
	"vitalya/internal/pipeline"
)

// Action is what the dispatcher did with a message.
type Action string

const (
	ActionRejected    Action = "rejected"     // missing platform, message or config
	ActionIgnored     Action = "ignored"      // unusable photo, or the probability gate stayed closed
	ActionImageSent   Action = "image_sent"   // pipeline delivered a transformed photo
	ActionImageFailed Action = "image_failed" // pipeline aborted
	ActionTextSent    Action = "text_sent"
	ActionTextFailed  Action = "text_failed"
)

// Outcome describes how one message was handled.
type Outcome struct {
	Action   Action
	Command  domain.CommandKind
	PhotoURL string
	Reply    string
	Pipeline *pipeline.Result
	Reason   string
	Err      error
}

// Responder produces text replies.
type Responder interface {
	GenerateRandomMessage() string
	GenerateMultipleSentences() string
}

// ImageRunner executes an image command.
type ImageRunner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Transforms resolves the transform bound to an image command.
type Transforms interface {
	Lookup(kind domain.CommandKind) (imaging.Transform, bool)
}

// Config holds the collaborators of a Dispatcher.
type Config struct {
	Pipeline   ImageRunner
	Responder  Responder
	Transforms Transforms
	Fetcher    domain.Fetcher
	NewRand    corpus.RandFactory
	Logger     *slog.Logger
}

// Dispatcher handles messages one at a time. It keeps no per-message state
// and is safe for concurrent use.
type Dispatcher struct {
	pipeline   ImageRunner
	responder  Responder
	transforms Transforms
	fetcher    domain.Fetcher
	newRand    corpus.RandFactory
	logger     *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewRand == nil {
		cfg.NewRand = corpus.NewRandFactory()
	}
	return &Dispatcher{
		pipeline:   cfg.Pipeline,
		responder:  cfg.Responder,
		transforms: cfg.Transforms,
		fetcher:    cfg.Fetcher,
		newRand:    cfg.NewRand,
		logger:     cfg.Logger,
	}
}

// Handle processes msg and replies through platform. Failures are logged and
// reported in the Outcome; nothing is surfaced to the chat.
func (d *Dispatcher) Handle(ctx context.Context, platform domain.Platform, msg *domain.IncomingMessage, bot *config.BotConfig) (out Outcome) {
	if platform == nil || msg == nil || bot == nil {
		d.logger.Error("platform, message or config is missing",
			"platform", platform != nil, "message", msg != nil, "config", bot != nil)
		return Outcome{Action: ActionRejected, Reason: "missing input"}
	}

	logger := d.logger.With("platform", platform.Name(), "peer", msg.PeerID, "message_id", msg.ID)
	logger.Info("handling message", "text", msg.Text, "attachments", len(msg.Attachments))
	metrics.MessagesTotal.Inc()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handler panicked", "panic", r)
			out = Outcome{Action: ActionTextFailed, Reason: "panic", Err: fmt.Errorf("panic: %v", r)}
		}
		if out.Action == ActionIgnored {
			metrics.IgnoredTotal.Inc()
		}
	}()

	if photo := msg.FirstPhoto(); photo != nil {
		return d.handlePhoto(ctx, logger, platform, msg, photo, bot)
	}
	logger.Debug("no photo attachment, using text commands")
	return d.handleText(ctx, logger, platform, msg, bot)
}

func (d *Dispatcher) handlePhoto(ctx context.Context, logger *slog.Logger, platform domain.Platform, msg *domain.IncomingMessage, photo *domain.Photo, bot *config.BotConfig) Outcome {
	size, ok := photo.Largest()
	if !ok {
		logger.Warn("photo has no size variants")
		return Outcome{Action: ActionIgnored, Reason: "no photo sizes"}
	}
	if size.URL == "" {
		logger.Warn("largest photo variant has no url", "width", size.Width, "height", size.Height)
		return Outcome{Action: ActionIgnored, Reason: "no photo url"}
	}
	logger.Info("photo selected", "url", size.URL, "width", size.Width, "height", size.Height)

	kind := command.ResolveImage(msg.Text, bot.Commands)
	if kind == domain.CommandNone {
		logger.Info("no image command matched, sending random message")
		out := d.sendText(ctx, logger, platform, msg.PeerID, domain.CommandNone, d.responder.GenerateRandomMessage())
		out.PhotoURL = size.URL
		return out
	}
	logger.Info("image command recognized", "command", kind.String())

	var transform imaging.Transform
	if d.transforms != nil {
		transform, _ = d.transforms.Lookup(kind)
	}
	res := d.pipeline.Run(ctx, pipeline.Request{
		PhotoURL:  size.URL,
		Kind:      kind,
		Transform: transform,
		PeerID:    msg.PeerID,
		Platform:  platform,
		Fetcher:   d.fetcher,
	})

	metrics.PipelineLatency.Observe(res.Elapsed.Seconds())
	out := Outcome{Command: kind, PhotoURL: size.URL, Pipeline: &res}
	if !res.Sent() {
		metrics.PipelineAborts(string(res.Stage)).Inc()
		out.Action = ActionImageFailed
		out.Reason = string(res.Stage)
		out.Err = res.Err
		return out
	}
	metrics.RepliesTotal(kind.String()).Inc()
	out.Action = ActionImageSent
	return out
}

func (d *Dispatcher) handleText(ctx context.Context, logger *slog.Logger, platform domain.Platform, msg *domain.IncomingMessage, bot *config.BotConfig) Outcome {
	roll := d.newRand().Float64()
	gate := roll < bot.ResponseProbability
	kind := command.ResolveText(msg.Text, bot.Commands)

	if !gate && kind == domain.CommandNone {
		logger.Info("no command matched and probability gate closed", "roll", roll, "probability", bot.ResponseProbability)
		return Outcome{Action: ActionIgnored, Reason: "probability gate"}
	}

	switch kind {
	case domain.CommandGenerateSentences:
		logger.Info("text command recognized", "command", kind.String())
		return d.sendText(ctx, logger, platform, msg.PeerID, kind, d.responder.GenerateMultipleSentences())
	case domain.CommandEcho:
		logger.Info("text command recognized", "command", kind.String())
		reply := corpus.Echo(msg.RawText, command.Keyword(bot.Commands, kind))
		if reply == "" {
			logger.Info("nothing to echo, sending random message")
			reply = d.responder.GenerateRandomMessage()
		}
		return d.sendText(ctx, logger, platform, msg.PeerID, kind, reply)
	default:
		logger.Info("probability gate opened, sending random message", "roll", roll)
		return d.sendText(ctx, logger, platform, msg.PeerID, domain.CommandNone, d.responder.GenerateRandomMessage())
	}
}

func (d *Dispatcher) sendText(ctx context.Context, logger *slog.Logger, platform domain.Platform, peerID string, kind domain.CommandKind, text string) Outcome {
	if err := platform.SendText(ctx, peerID, text); err != nil {
		logger.Error("failed to send reply", "command", kind.String(), "error", err)
		return Outcome{Action: ActionTextFailed, Command: kind, Reply: text, Reason: "send", Err: err}
	}
	logger.Info("reply sent", "command", kind.String(), "length", len(text))
	metrics.RepliesTotal(kind.String()).Inc()
	return Outcome{Action: ActionTextSent, Command: kind, Reply: text}
}
