package channel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"vitalya/internal/domain"
)

const (
	// MatrixContentPrefix is the scheme of Matrix media URIs.
	MatrixContentPrefix = "mxc://"

	matrixMaxEventAge = 2 * time.Minute
)

// Matrix implements domain.Channel for a Matrix account.
type Matrix struct {
	client   *mautrix.Client
	autoJoin bool
	bus      domain.MessageBus
	logger   *slog.Logger
}

// MatrixConfig configures the Matrix channel.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	AutoJoin    bool
	Logger      *slog.Logger
}

func NewMatrix(cfg MatrixConfig) (*Matrix, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Matrix{client: client, autoJoin: cfg.AutoJoin, logger: cfg.Logger}, nil
}

func (m *Matrix) Name() string { return "matrix" }

// Start syncs with the homeserver until ctx is cancelled.
func (m *Matrix) Start(ctx context.Context, bus domain.MessageBus) error {
	m.bus = bus

	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer %T", m.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, m.handleMessage)
	syncer.OnEventType(event.StateMember, m.handleInvite)

	m.logger.Info("matrix sync started", "user_id", m.client.UserID)
	err := m.client.SyncWithContext(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("matrix sync: %w", err)
	}
	m.logger.Info("matrix channel stopping")
	return nil
}

func (m *Matrix) Stop() error {
	m.client.StopSync()
	return nil
}

func (m *Matrix) handleInvite(ctx context.Context, evt *event.Event) {
	if !m.autoJoin {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != m.client.UserID.String() {
		return
	}
	m.logger.Info("matrix invite received", "room", evt.RoomID, "sender", evt.Sender)
	if _, err := m.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		m.logger.Warn("matrix join failed", "room", evt.RoomID, "err", err)
	}
}

func (m *Matrix) handleMessage(_ context.Context, evt *event.Event) {
	if evt.Sender == m.client.UserID || time.Since(time.UnixMilli(evt.Timestamp)) > matrixMaxEventAge {
		return
	}
	msg := matrixToIncoming(evt)
	if msg == nil {
		return
	}
	m.logger.Info("matrix message received",
		"room", evt.RoomID,
		"sender", evt.Sender,
		"text_len", len(msg.RawText),
		"attachments", len(msg.Attachments),
	)
	m.bus.Publish(domain.InboundMessage{Platform: m.Name(), Message: msg})
}

// matrixToIncoming converts an m.room.message event. An m.image offers the
// full image and, when present, its thumbnail as size variants. The body of
// an image is its caption only when it differs from the file name.
func matrixToIncoming(evt *event.Event) *domain.IncomingMessage {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}

	text := content.Body
	var atts []domain.Attachment
	switch content.MsgType {
	case event.MsgImage:
		text = ""
		if content.FileName != "" && content.FileName != content.Body {
			text = content.Body
		}
		if content.File != nil {
			// encrypted media cannot be fetched without the room keys
			atts = append(atts, domain.Attachment{Kind: domain.AttachmentOther})
			break
		}
		atts = append(atts, domain.PhotoAttachment(matrixPhotoSizes(content)...))
	case event.MsgFile, event.MsgVideo, event.MsgAudio:
		text = ""
		atts = append(atts, domain.Attachment{Kind: domain.AttachmentOther})
	}

	msg := domain.NewIncomingMessage(evt.RoomID.String(), evt.Sender.String(), text, atts...)
	msg.ID = evt.ID.String()
	if evt.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(evt.Timestamp)
	}
	return msg
}

func matrixPhotoSizes(content *event.MessageEventContent) []domain.PhotoSize {
	var sizes []domain.PhotoSize
	full := domain.PhotoSize{URL: string(content.URL)}
	if info := content.Info; info != nil {
		full.Width, full.Height = info.Width, info.Height
		if info.ThumbnailURL != "" {
			thumb := domain.PhotoSize{URL: string(info.ThumbnailURL)}
			if info.ThumbnailInfo != nil {
				thumb.Width, thumb.Height = info.ThumbnailInfo.Width, info.ThumbnailInfo.Height
			}
			sizes = append(sizes, thumb)
		}
	}
	if full.URL != "" {
		sizes = append(sizes, full)
	}
	return sizes
}

// Fetch downloads an mxc:// URI from the homeserver's media repository.
func (m *Matrix) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	uri, err := id.ParseContentURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse content uri: %w", err)
	}
	data, err := m.client.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("matrix download: %w", err)
	}
	return data, nil
}

func (m *Matrix) SendText(ctx context.Context, roomID, text string) error {
	_, err := m.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
	if err != nil {
		return fmt.Errorf("matrix send: %w", err)
	}
	return nil
}

// UploadPhoto stores the file in the media repository and returns its mxc URI.
func (m *Matrix) UploadPhoto(ctx context.Context, _ string, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read photo: %w", err)
	}
	resp, err := m.client.UploadBytesWithName(ctx, data, "image/jpeg", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("matrix upload: %w", err)
	}
	ref := resp.ContentURI.String()
	m.logger.Info("matrix photo uploaded", "uri", ref, "size", len(data))
	return ref, nil
}

func (m *Matrix) SendAttachment(ctx context.Context, roomID, ref string) error {
	if !strings.HasPrefix(ref, MatrixContentPrefix) {
		return fmt.Errorf("not a content uri: %q", ref)
	}
	_, err := m.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "image.jpg",
		URL:     id.ContentURIString(ref),
		Info:    &event.FileInfo{MimeType: "image/jpeg"},
	})
	if err != nil {
		return fmt.Errorf("matrix send image: %w", err)
	}
	return nil
}
