package channel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalya/internal/domain"
)

func TestTelegramToIncoming_PhotoSizes(t *testing.T) {
	msg := telegramToIncoming(&tgbotapi.Message{
		MessageID: 9,
		Date:      1700000000,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: -100},
		Caption:   "Compress please",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90, Height: 60},
			{FileID: "large", Width: 1280, Height: 853},
		},
	})

	assert.Equal(t, "9", msg.ID)
	assert.Equal(t, "-100", msg.PeerID)
	assert.Equal(t, "42", msg.SenderID)
	assert.Equal(t, "compress please", msg.Text)
	size, ok := msg.FirstPhoto().Largest()
	require.True(t, ok)
	assert.Equal(t, TelegramFilePrefix+"large", size.URL)
}

func TestTelegramToIncoming_TextAndDocument(t *testing.T) {
	text := telegramToIncoming(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 1},
		Chat: &tgbotapi.Chat{ID: 1},
		Text: "Repeat me",
	})
	assert.Equal(t, "Repeat me", text.RawText)
	assert.Empty(t, text.Attachments)

	doc := telegramToIncoming(&tgbotapi.Message{
		From:     &tgbotapi.User{ID: 1},
		Chat:     &tgbotapi.Chat{ID: 1},
		Caption:  "break",
		Document: &tgbotapi.Document{FileID: "d"},
	})
	require.Len(t, doc.Attachments, 1)
	assert.Equal(t, domain.AttachmentOther, doc.Attachments[0].Kind)
	assert.Nil(t, doc.FirstPhoto())
}

func TestTelegram_AllowList(t *testing.T) {
	tg := NewTelegram(TelegramConfig{AllowFrom: []string{" 5 ", "x", "7"}})
	assert.True(t, tg.isAllowed(5))
	assert.True(t, tg.isAllowed(7))
	assert.False(t, tg.isAllowed(6))

	assert.True(t, NewTelegram(TelegramConfig{}).isAllowed(6))
}

func TestTelegram_FetchNeedsConnection(t *testing.T) {
	tg := NewTelegram(TelegramConfig{})

	_, err := tg.Fetch(context.Background(), "https://example.com/a.jpg")
	assert.Error(t, err)

	_, err = tg.Fetch(context.Background(), TelegramFilePrefix+"abc")
	assert.ErrorContains(t, err, "not connected")
}

type botAPIRecorder struct {
	mu      sync.Mutex
	methods []string
	chatIDs []string
}

func (r *botAPIRecorder) handler(w http.ResponseWriter, req *http.Request) {
	method := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]
	if method == "getMe" {
		io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"vitalya","username":"vitalya_bot"}}`)
		return
	}
	chatID := req.FormValue("chat_id")
	r.mu.Lock()
	r.methods = append(r.methods, method)
	r.chatIDs = append(r.chatIDs, chatID)
	r.mu.Unlock()
	io.WriteString(w, `{"ok":true,"result":{"message_id":2,"date":0,"chat":{"id":5,"type":"private"}}}`)
}

func connectedTelegram(t *testing.T) (*Telegram, *botAPIRecorder) {
	rec := &botAPIRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(srv.Close)

	tg := NewTelegram(TelegramConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	bot, err := tgbotapi.NewBotAPIWithClient("token", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)
	tg.bot = bot
	return tg, rec
}

func TestTelegram_SendTextAndPhoto(t *testing.T) {
	tg, rec := connectedTelegram(t)
	ctx := context.Background()

	require.NoError(t, tg.SendText(ctx, "5", "hello"))

	path := filepath.Join(t.TempDir(), "out.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o644))
	ref, err := tg.UploadPhoto(ctx, "5", path)
	require.NoError(t, err)
	require.NoError(t, tg.SendAttachment(ctx, "5", ref))

	assert.Equal(t, []string{"sendMessage", "sendPhoto"}, rec.methods)
	assert.Equal(t, []string{"5", "5"}, rec.chatIDs)
	assert.Zero(t, tg.stage.len(), "staged photo is released after sending")

	assert.Error(t, tg.SendAttachment(ctx, "5", ref), "a reference is redeemed once")
	assert.Error(t, tg.SendText(ctx, "not-a-number", "x"))
}
