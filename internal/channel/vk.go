package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SevereCloud/vksdk/v2/api"
	"github.com/SevereCloud/vksdk/v2/api/params"
	"github.com/SevereCloud/vksdk/v2/events"
	longpoll "github.com/SevereCloud/vksdk/v2/longpoll-bot"
	"github.com/SevereCloud/vksdk/v2/object"

	"vitalya/internal/domain"
	"vitalya/internal/fetch"
)

const (
	vkDefaultAPIBase    = "https://api.vk.com/method"
	vkDefaultAPIVersion = "5.199"
	vkDefaultWait       = 25
	vkRetryDelay        = 3 * time.Second
	vkMaxMsgLen         = 4096
)

// VK implements domain.Channel for a VK community using the Bots Long Poll API.
type VK struct {
	api     *api.VK
	groupID int
	wait    int
	limiter *RateLimiter
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// VKConfig configures the VK channel.
type VKConfig struct {
	Token       string
	GroupID     int64
	APIBase     string
	APIVersion  string
	RatePerSec  float64
	WaitSeconds int
	UserAgent   string
	Client      *http.Client // optional; must allow requests longer than WaitSeconds
	Logger      *slog.Logger
}

func NewVK(cfg VKConfig) *VK {
	if cfg.APIBase == "" {
		cfg.APIBase = vkDefaultAPIBase
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = vkDefaultAPIVersion
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = vkDefaultWait
	}
	if cfg.Client == nil {
		cfg.Client = fetch.NewHTTPClient(fetch.ClientConfig{
			Timeout:   time.Duration(cfg.WaitSeconds+15) * time.Second,
			UserAgent: cfg.UserAgent,
		})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	vk := api.NewVK(cfg.Token)
	vk.MethodURL = strings.TrimRight(cfg.APIBase, "/") + "/"
	vk.Version = cfg.APIVersion
	vk.Client = cfg.Client
	if cfg.UserAgent != "" {
		vk.UserAgent = cfg.UserAgent
	}

	return &VK{
		api:     vk,
		groupID: int(cfg.GroupID),
		wait:    cfg.WaitSeconds,
		limiter: NewRateLimiter(0, cfg.RatePerSec),
		logger:  cfg.Logger,
	}
}

func (v *VK) Name() string { return "vk" }

// Start connects to the long poll server and delivers message_new events to
// the bus until ctx is cancelled or Stop is called. Poll errors are retried;
// the SDK refreshes the key on failed=2 and the key and ts on failed=3.
func (v *VK) Start(ctx context.Context, bus domain.MessageBus) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	v.mu.Lock()
	v.cancel = cancel
	v.mu.Unlock()

	lp, err := longpoll.NewLongPoll(v.api, v.groupID)
	if err != nil {
		return fmt.Errorf("vk long poll server: %w", err)
	}
	lp.Wait = v.wait
	lp.Client = v.api.Client
	lp.MessageNew(func(_ context.Context, obj events.MessageNewObject) {
		msg := vkToIncoming(obj.Message)
		v.logger.Info("vk message received",
			"peer_id", msg.PeerID,
			"from_id", msg.SenderID,
			"text_len", len(msg.RawText),
			"attachments", len(msg.Attachments),
		)
		bus.Publish(domain.InboundMessage{Platform: v.Name(), Message: msg})
	})
	v.logger.Info("vk long poll connected", "group_id", v.groupID)

	for {
		err := lp.RunWithContext(ctx)
		if ctx.Err() != nil {
			v.logger.Info("vk channel stopping")
			return nil
		}
		v.logger.Warn("vk long poll failed, retrying", "err", err, "retry_in", vkRetryDelay)
		sleepCtx(ctx, vkRetryDelay)
	}
}

// Stop ends a running Start.
func (v *VK) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func vkToIncoming(m object.MessagesMessage) *domain.IncomingMessage {
	var atts []domain.Attachment
	for _, a := range m.Attachments {
		if a.Type != "photo" {
			atts = append(atts, domain.Attachment{Kind: domain.AttachmentOther})
			continue
		}
		sizes := make([]domain.PhotoSize, 0, len(a.Photo.Sizes))
		for _, s := range a.Photo.Sizes {
			sizes = append(sizes, domain.PhotoSize{Width: int(s.Width), Height: int(s.Height), URL: s.URL})
		}
		atts = append(atts, domain.PhotoAttachment(sizes...))
	}

	msg := domain.NewIncomingMessage(
		strconv.FormatInt(int64(m.PeerID), 10),
		strconv.FormatInt(int64(m.FromID), 10),
		m.Text,
		atts...,
	)
	msg.ID = strconv.FormatInt(int64(m.ID), 10)
	if m.Date > 0 {
		msg.Timestamp = time.Unix(int64(m.Date), 0)
	}
	return msg
}

// SendText sends text as one message, truncated to the VK length limit.
func (v *VK) SendText(ctx context.Context, peerID, text string) error {
	b, err := v.sendBuilder(peerID)
	if err != nil {
		return err
	}
	b.Message(truncateMessage(text, vkMaxMsgLen))
	return v.send(ctx, b)
}

// UploadPhoto uploads the file through the peer's messages upload server and
// returns an attachment reference such as "photo-123_456_key".
func (v *VK) UploadPhoto(ctx context.Context, peerID, path string) (string, error) {
	peer, err := strconv.Atoi(peerID)
	if err != nil {
		return "", fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open photo: %w", err)
	}
	defer f.Close()

	if err := v.limiter.Wait(ctx); err != nil {
		return "", err
	}
	// the SDK's upload helper takes no context; the client timeout bounds it
	saved, err := v.api.UploadMessagesPhoto(peer, f)
	if err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	if len(saved) == 0 {
		return "", fmt.Errorf("photos.saveMessagesPhoto: no photo saved")
	}

	ref := photoRef(saved[0])
	v.logger.Info("vk photo uploaded", "peer_id", peerID, "attachment", ref)
	return ref, nil
}

func photoRef(p object.PhotosPhoto) string {
	ref := fmt.Sprintf("photo%d_%d", p.OwnerID, p.ID)
	if p.AccessKey != "" {
		ref += "_" + p.AccessKey
	}
	return ref
}

func (v *VK) SendAttachment(ctx context.Context, peerID, ref string) error {
	b, err := v.sendBuilder(peerID)
	if err != nil {
		return err
	}
	b.Attachment(ref)
	return v.send(ctx, b)
}

func (v *VK) sendBuilder(peerID string) (*params.MessagesSendBuilder, error) {
	peer, err := strconv.Atoi(peerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}
	b := params.NewMessagesSendBuilder()
	b.PeerID(peer)
	// random_id makes retried sends idempotent on the VK side
	b.RandomID(int(rand.Int32()))
	return b, nil
}

func (v *VK) send(ctx context.Context, b *params.MessagesSendBuilder) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := v.api.MessagesSend(b.Params.WithContext(ctx)); err != nil {
		return fmt.Errorf("messages.send: %w", err)
	}
	return nil
}
