package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"vitalya/internal/domain"
	"vitalya/internal/fetch"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3

	// TelegramFilePrefix marks photo URLs that carry a Telegram file ID.
	// They are resolved through the Bot API before download.
	TelegramFilePrefix = "tg-file:"
)

// Telegram implements domain.Channel for Telegram Bot.
type Telegram struct {
	token     string
	endpoint  string
	allowFrom []int64 // Allowed user IDs (empty = allow all)

	mu     sync.RWMutex
	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	stage  *photoStage
	files  *fetch.HTTPFetcher
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	Endpoint  string   // Bot API endpoint format, defaults to tgbotapi.APIEndpoint
	Files     *fetch.HTTPFetcher
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Files == nil {
		cfg.Files = fetch.NewHTTPFetcher(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		endpoint:  cfg.Endpoint,
		allowFrom: allowed,
		stage:     newPhotoStage(),
		files:     cfg.Files,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, fetch.SharedHTTPClient(0))
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop shuts down the Telegram bot.
// Note: StopReceivingUpdates is already called when ctx is cancelled in Start().
// Calling it twice panics, so Stop() is a no-op.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	m := update.Message

	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", m.From.ID,
			"username", m.From.UserName,
		)
		return
	}
	if m.IsCommand() && m.Command() == "start" {
		return
	}

	msg := telegramToIncoming(m)
	t.logger.Info("telegram message received",
		"user_id", m.From.ID,
		"chat_id", m.Chat.ID,
		"text_len", len(msg.RawText),
		"photo", len(m.Photo) > 0,
	)
	t.bus.Publish(domain.InboundMessage{Platform: t.Name(), Message: msg})
}

// telegramToIncoming converts a Bot API message. Photos arrive as a list of
// sizes sharing one caption; each size becomes a variant addressed by file ID.
func telegramToIncoming(m *tgbotapi.Message) *domain.IncomingMessage {
	text := m.Text
	var atts []domain.Attachment
	switch {
	case len(m.Photo) > 0:
		text = m.Caption
		sizes := make([]domain.PhotoSize, 0, len(m.Photo))
		for _, p := range m.Photo {
			sizes = append(sizes, domain.PhotoSize{
				Width:  p.Width,
				Height: p.Height,
				URL:    TelegramFilePrefix + p.FileID,
			})
		}
		atts = append(atts, domain.PhotoAttachment(sizes...))
	case m.Document != nil || m.Sticker != nil || m.Video != nil || m.Voice != nil:
		text = m.Caption
		atts = append(atts, domain.Attachment{Kind: domain.AttachmentOther})
	}

	var sender string
	if m.From != nil {
		sender = strconv.FormatInt(m.From.ID, 10)
	}
	msg := domain.NewIncomingMessage(strconv.FormatInt(m.Chat.ID, 10), sender, text, atts...)
	msg.ID = strconv.Itoa(m.MessageID)
	if m.Date > 0 {
		msg.Timestamp = time.Unix(int64(m.Date), 0)
	}
	return msg
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not connected")
	}
	return t.bot, nil
}

// Fetch resolves a tg-file: URL through the Bot API and downloads it.
func (t *Telegram) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	fileID, ok := strings.CutPrefix(rawURL, TelegramFilePrefix)
	if !ok {
		return nil, fmt.Errorf("not a telegram file url: %s", rawURL)
	}
	bot, err := t.client()
	if err != nil {
		return nil, err
	}
	direct, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve telegram file: %w", err)
	}
	return t.files.Fetch(ctx, direct)
}

func (t *Telegram) SendText(ctx context.Context, peerID, text string) error {
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	return t.send(ctx, tgbotapi.NewMessage(chatID, truncateMessage(text, telegramMaxMsgLen)))
}

// UploadPhoto stages the file; Telegram uploads it with the sendPhoto call.
func (t *Telegram) UploadPhoto(_ context.Context, _ string, path string) (string, error) {
	return t.stage.put(path)
}

func (t *Telegram) SendAttachment(ctx context.Context, peerID, ref string) error {
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	photo, err := t.stage.take(ref)
	if err != nil {
		return err
	}
	return t.send(ctx, tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: photo.name, Bytes: photo.data}))
}

// send delivers a single request with retry and rate limit handling.
func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) error {
	bot, err := t.client()
	if err != nil {
		return err
	}

	const maxRetries = telegramMaxSendRetries
	for attempt := 0; ; attempt++ {
		_, err = bot.Send(c)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries {
			break
		}

		backoff := time.Duration(attempt+1) * time.Second
		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	return fmt.Errorf("telegram send: %w", err)
}
