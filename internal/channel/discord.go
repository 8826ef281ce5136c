package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"vitalya/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen = 2000
)

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	stage   *photoStage
	bus     domain.MessageBus
	logger  *slog.Logger

	mu      sync.RWMutex
	session *discordgo.Session
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		stage:   newPhotoStage(),
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		// If guildID is set, filter messages.
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}

		msg := discordToIncoming(m.Message)
		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
			"attachments", len(m.Attachments),
		)
		bus.Publish(domain.InboundMessage{Platform: d.Name(), Message: msg})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	d.mu.Lock()
	d.session = nil
	d.mu.Unlock()
	return session.Close()
}

// Stop is a no-op; the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

// discordToIncoming maps image attachments to single-variant photos; Discord
// attachments carry their original dimensions only.
func discordToIncoming(m *discordgo.Message) *domain.IncomingMessage {
	var atts []domain.Attachment
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		if isDiscordImage(a) {
			atts = append(atts, domain.PhotoAttachment(domain.PhotoSize{Width: a.Width, Height: a.Height, URL: a.URL}))
			continue
		}
		atts = append(atts, domain.Attachment{Kind: domain.AttachmentOther})
	}

	var sender string
	if m.Author != nil {
		sender = m.Author.ID
	}
	msg := domain.NewIncomingMessage(m.ChannelID, sender, m.Content, atts...)
	msg.ID = m.ID
	if !m.Timestamp.IsZero() {
		msg.Timestamp = m.Timestamp
	}
	return msg
}

func isDiscordImage(a *discordgo.MessageAttachment) bool {
	if a.ContentType != "" {
		return strings.HasPrefix(a.ContentType, "image/")
	}
	return a.Width > 0 && a.Height > 0
}

func (d *Discord) client() (*discordgo.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.session == nil {
		return nil, fmt.Errorf("discord session not connected")
	}
	return d.session, nil
}

func (d *Discord) SendText(ctx context.Context, channelID, content string) error {
	s, err := d.client()
	if err != nil {
		return err
	}
	if _, err := s.ChannelMessageSend(channelID, truncateMessage(content, discordMaxMsgLen), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// UploadPhoto stages the file; Discord takes it as part of the message.
func (d *Discord) UploadPhoto(_ context.Context, _ string, path string) (string, error) {
	return d.stage.put(path)
}

func (d *Discord) SendAttachment(ctx context.Context, channelID, ref string) error {
	s, err := d.client()
	if err != nil {
		return err
	}
	photo, err := d.stage.take(ref)
	if err != nil {
		return err
	}
	if _, err := s.ChannelFileSend(channelID, photo.name, bytes.NewReader(photo.data), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord file send: %w", err)
	}
	return nil
}
