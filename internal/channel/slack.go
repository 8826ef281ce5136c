package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"vitalya/internal/domain"
	"vitalya/internal/fetch"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	slackMaxMsgLen = 4000

	// SlackFilePrefix is where Slack serves private files; downloads need
	// the bot token.
	SlackFilePrefix = "https://files.slack.com/"
)

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	stage    *photoStage
	maxBytes int64
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	APIURL   string // optional override, e.g. for tests
	MaxBytes int64  // download limit for Fetch
	Logger   *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = fetch.DefaultMaxBytes
	}
	opts := []slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		client:   slack.New(cfg.BotToken, opts...),
		stage:    newPhotoStage(),
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	authResp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(s.client)
	s.socket = socketClient

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleSlashCommand(cmd)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op; Socket Mode ends with Start's context.
func (s *Slack) Stop() error { return nil }

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	msg := s.toIncoming(ev)
	if msg == nil {
		return
	}
	s.logger.Info("slack message received",
		"user", ev.User,
		"channel", ev.Channel,
		"content_len", len(ev.Text),
		"attachments", len(msg.Attachments),
	)
	s.bus.Publish(domain.InboundMessage{Platform: s.Name(), Message: msg})
}

// toIncoming converts a message event, or returns nil for events the bot
// must not answer: its own messages, edits, deletions and bot posts.
func (s *Slack) toIncoming(ev *slackevents.MessageEvent) *domain.IncomingMessage {
	if ev.User == "" || ev.User == s.botUID || ev.BotID != "" {
		return nil
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return nil
	}

	var atts []domain.Attachment
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			if !strings.HasPrefix(f.Mimetype, "image/") {
				atts = append(atts, domain.Attachment{Kind: domain.AttachmentOther})
				continue
			}
			atts = append(atts, domain.PhotoAttachment(slackPhotoSizes(f)...))
		}
	}

	msg := domain.NewIncomingMessage(ev.Channel, ev.User, ev.Text, atts...)
	msg.ID = ev.TimeStamp
	if ts, err := strconv.ParseFloat(ev.TimeStamp, 64); err == nil {
		msg.Timestamp = time.UnixMilli(int64(ts * 1000))
	}
	return msg
}

// slackPhotoSizes lists the thumbnails Slack rendered plus the original.
func slackPhotoSizes(f slack.File) []domain.PhotoSize {
	candidates := []domain.PhotoSize{
		{Width: f.Thumb360W, Height: f.Thumb360H, URL: f.Thumb360},
		{Width: f.Thumb480W, Height: f.Thumb480H, URL: f.Thumb480},
		{Width: f.Thumb720W, Height: f.Thumb720H, URL: f.Thumb720},
		{Width: f.Thumb960W, Height: f.Thumb960H, URL: f.Thumb960},
		{Width: f.Thumb1024W, Height: f.Thumb1024H, URL: f.Thumb1024},
		{Width: f.OriginalW, Height: f.OriginalH, URL: f.URLPrivateDownload},
	}
	var sizes []domain.PhotoSize
	for _, c := range candidates {
		if c.URL != "" {
			sizes = append(sizes, c)
		}
	}
	return sizes
}

func (s *Slack) handleSlashCommand(cmd slack.SlashCommand) {
	s.logger.Info("slack slash command",
		"command", cmd.Command,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
	)
	s.bus.Publish(domain.InboundMessage{
		Platform: s.Name(),
		Message:  domain.NewIncomingMessage(cmd.ChannelID, cmd.UserID, cmd.Text),
	})
}

// Fetch downloads a private Slack file with the bot token.
func (s *Slack) Fetch(ctx context.Context, url string) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.client.GetFileContext(ctx, url, &limitedWriter{w: &buf, n: s.maxBytes}); err != nil {
		return nil, fmt.Errorf("slack file download: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Slack) SendText(ctx context.Context, channelID, content string) error {
	_, _, err := s.client.PostMessageContext(ctx,
		channelID,
		slack.MsgOptionText(truncateMessage(content, slackMaxMsgLen), false),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// UploadPhoto stages the file; UploadFileV2 uploads and shares it in one go.
func (s *Slack) UploadPhoto(_ context.Context, _ string, path string) (string, error) {
	return s.stage.put(path)
}

func (s *Slack) SendAttachment(ctx context.Context, channelID, ref string) error {
	photo, err := s.stage.take(ref)
	if err != nil {
		return err
	}
	_, err = s.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Reader:   bytes.NewReader(photo.data),
		FileSize: len(photo.data),
		Filename: photo.name,
		Channel:  channelID,
	})
	if err != nil {
		return fmt.Errorf("slack upload: %w", err)
	}
	return nil
}

// limitedWriter fails once more than n bytes are written.
type limitedWriter struct {
	w *bytes.Buffer
	n int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.n {
		return 0, fetch.ErrTooLarge
	}
	l.n -= int64(len(p))
	return l.w.Write(p)
}
