package domain

import (
	"strings"
	"time"
)

// AttachmentKind tags the variant carried by an Attachment.
type AttachmentKind string

const (
	AttachmentPhoto AttachmentKind = "photo"
	AttachmentOther AttachmentKind = "other"
)

// PhotoSize is one size variant of a photo with a URL the platform can resolve.
type PhotoSize struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	URL    string `json:"url"`
}

// Area returns width × height.
func (s PhotoSize) Area() int64 {
	return int64(s.Width) * int64(s.Height)
}

// Photo is an image attachment offered in one or more size variants.
type Photo struct {
	Sizes []PhotoSize `json:"sizes"`
}

// Largest returns the variant with the greatest area. Ties resolve to the
// first such variant in order. ok is false when there are no variants.
func (p *Photo) Largest() (size PhotoSize, ok bool) {
	if p == nil {
		return PhotoSize{}, false
	}
	for i, s := range p.Sizes {
		if i == 0 || s.Area() > size.Area() {
			size = s
			ok = true
		}
	}
	return size, ok
}

// Attachment is a tagged variant: a Photo, or anything else.
type Attachment struct {
	Kind  AttachmentKind `json:"kind"`
	Photo *Photo         `json:"photo,omitempty"`
}

// PhotoAttachment wraps size variants into a photo attachment.
func PhotoAttachment(sizes ...PhotoSize) Attachment {
	return Attachment{Kind: AttachmentPhoto, Photo: &Photo{Sizes: sizes}}
}

// IncomingMessage is a single chat message as seen by the dispatcher.
type IncomingMessage struct {
	ID          string
	PeerID      string // conversation handle replies go to
	SenderID    string
	RawText     string // original text, case preserved
	Text        string // lowercased and trimmed
	Attachments []Attachment
	Timestamp   time.Time
}

// NewIncomingMessage builds a message and derives its normalized text.
func NewIncomingMessage(peerID, senderID, rawText string, attachments ...Attachment) *IncomingMessage {
	return &IncomingMessage{
		PeerID:      peerID,
		SenderID:    senderID,
		RawText:     rawText,
		Text:        NormalizeText(rawText),
		Attachments: attachments,
		Timestamp:   time.Now(),
	}
}

// NormalizeText lowercases and trims message text for keyword matching.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FirstPhoto returns the photo carried by the first attachment, if that
// attachment is a photo. Later attachments are never inspected.
func (m *IncomingMessage) FirstPhoto() *Photo {
	if m == nil || len(m.Attachments) == 0 {
		return nil
	}
	first := m.Attachments[0]
	if first.Kind != AttachmentPhoto {
		return nil
	}
	return first.Photo
}

// InboundMessage is what channels publish on the bus.
type InboundMessage struct {
	Platform string
	Message  *IncomingMessage
}
