package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhoto_LargestPicksMaxArea(t *testing.T) {
	p := &Photo{Sizes: []PhotoSize{
		{Width: 100, Height: 100, URL: "a"},
		{Width: 400, Height: 300, URL: "b"},
		{Width: 320, Height: 240, URL: "c"},
	}}

	got, ok := p.Largest()
	require.True(t, ok)
	assert.Equal(t, "b", got.URL)

	for _, s := range p.Sizes {
		assert.GreaterOrEqual(t, got.Area(), s.Area())
	}
}

func TestPhoto_LargestTieKeepsFirst(t *testing.T) {
	p := &Photo{Sizes: []PhotoSize{
		{Width: 10, Height: 10, URL: "small"},
		{Width: 200, Height: 100, URL: "first"},
		{Width: 100, Height: 200, URL: "second"},
		{Width: 50, Height: 400, URL: "third"},
	}}

	got, ok := p.Largest()
	require.True(t, ok)
	assert.Equal(t, "first", got.URL)
}

func TestPhoto_LargestEmpty(t *testing.T) {
	_, ok := (&Photo{}).Largest()
	assert.False(t, ok)

	var nilPhoto *Photo
	_, ok = nilPhoto.Largest()
	assert.False(t, ok)
}

func TestPhoto_LargestZeroSizedVariant(t *testing.T) {
	p := &Photo{Sizes: []PhotoSize{{URL: "only"}}}
	got, ok := p.Largest()
	require.True(t, ok)
	assert.Equal(t, "only", got.URL)
}

func TestNewIncomingMessage_Normalizes(t *testing.T) {
	m := NewIncomingMessage("42", "7", "  Please BREAK this  ")
	assert.Equal(t, "please break this", m.Text)
	assert.Equal(t, "  Please BREAK this  ", m.RawText)
	assert.Equal(t, "42", m.PeerID)
}

func TestIncomingMessage_FirstPhotoOnlyLooksAtFirstAttachment(t *testing.T) {
	m := NewIncomingMessage("1", "1", "x",
		Attachment{Kind: AttachmentOther},
		PhotoAttachment(PhotoSize{Width: 1, Height: 1, URL: "u"}),
	)
	assert.Nil(t, m.FirstPhoto())

	m = NewIncomingMessage("1", "1", "x", PhotoAttachment(PhotoSize{Width: 1, Height: 1, URL: "u"}))
	require.NotNil(t, m.FirstPhoto())
	assert.Len(t, m.FirstPhoto().Sizes, 1)

	var nilMsg *IncomingMessage
	assert.Nil(t, nilMsg.FirstPhoto())
}

func TestParseCommandKind(t *testing.T) {
	k, ok := ParseCommandKind("liquidate")
	assert.True(t, ok)
	assert.Equal(t, CommandLiquidate, k)

	k, ok = ParseCommandKind("addtext")
	assert.True(t, ok)
	assert.Equal(t, CommandAddText, k)

	_, ok = ParseCommandKind("explode")
	assert.False(t, ok)

	assert.True(t, CommandCompress.IsImage())
	assert.False(t, CommandEcho.IsImage())
	assert.Equal(t, "none", CommandNone.String())
}
