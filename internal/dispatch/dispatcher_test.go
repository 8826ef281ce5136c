package dispatch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalya/internal/config"
	"vitalya/internal/corpus"
	"vitalya/internal/domain"
	"vitalya/internal/fetch"
	"vitalya/internal/imaging"
	"vitalya/internal/pipeline"
)

type sentText struct {
	peer string
	text string
}

type fakePlatform struct {
	mu          sync.Mutex
	texts       []sentText
	attachments []string
	sendErr     error
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) SendText(_ context.Context, peerID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.texts = append(p.texts, sentText{peer: peerID, text: text})
	return nil
}

func (p *fakePlatform) UploadPhoto(context.Context, string, string) (string, error) {
	return "photo-ref", nil
}

func (p *fakePlatform) SendAttachment(_ context.Context, _ string, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attachments = append(p.attachments, ref)
	return nil
}

func (p *fakePlatform) replies() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.texts) + len(p.attachments)
}

type stubResponder struct{}

func (stubResponder) GenerateRandomMessage() string     { return "random words" }
func (stubResponder) GenerateMultipleSentences() string { return "a b c d e." }

type recordingRunner struct {
	requests []pipeline.Request
	result   pipeline.Result
}

func (r *recordingRunner) Run(_ context.Context, req pipeline.Request) pipeline.Result {
	r.requests = append(r.requests, req)
	return r.result
}

// markedTransforms binds every image command to a transform that records
// which command it was bound to.
type markedTransforms struct {
	called []domain.CommandKind
}

func (m *markedTransforms) Lookup(kind domain.CommandKind) (imaging.Transform, bool) {
	return func(img *image.NRGBA) (*image.NRGBA, error) {
		m.called = append(m.called, kind)
		return img, nil
	}, true
}

func botConfig(p float64) *config.BotConfig {
	return &config.BotConfig{
		Commands:            config.Defaults().Bot.Commands,
		ResponseProbability: p,
	}
}

func newDispatcher(runner ImageRunner, transforms Transforms) *Dispatcher {
	return New(Config{
		Pipeline:   runner,
		Responder:  stubResponder{},
		Transforms: transforms,
		NewRand:    corpus.SeededRandFactory(1),
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
}

func photoMessage(text string, sizes ...domain.PhotoSize) *domain.IncomingMessage {
	return domain.NewIncomingMessage("100", "5", text, domain.PhotoAttachment(sizes...))
}

func TestHandle_BreakUsesLargestVariant(t *testing.T) {
	runner := &recordingRunner{result: pipeline.Result{Status: pipeline.StatusSent}}
	transforms := &markedTransforms{}
	d := newDispatcher(runner, transforms)

	msg := photoMessage("please break this",
		domain.PhotoSize{Width: 100, Height: 100, URL: "A"},
		domain.PhotoSize{Width: 400, Height: 300, URL: "B"},
	)
	out := d.Handle(context.Background(), &fakePlatform{}, msg, botConfig(0))

	assert.Equal(t, ActionImageSent, out.Action)
	assert.Equal(t, domain.CommandBreak, out.Command)
	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, "B", req.PhotoURL)
	assert.Equal(t, domain.CommandBreak, req.Kind)
	assert.Equal(t, "100", req.PeerID)

	_, err := req.Transform(image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	require.NoError(t, err)
	assert.Equal(t, []domain.CommandKind{domain.CommandBreak}, transforms.called)
}

func TestHandle_ImagePriority(t *testing.T) {
	runner := &recordingRunner{result: pipeline.Result{Status: pipeline.StatusSent}}
	d := newDispatcher(runner, &markedTransforms{})

	msg := photoMessage("caption, compress, liquidate", domain.PhotoSize{Width: 1, Height: 1, URL: "u"})
	d.Handle(context.Background(), &fakePlatform{}, msg, botConfig(0))

	require.Len(t, runner.requests, 1)
	assert.Equal(t, domain.CommandLiquidate, runner.requests[0].Kind)
}

func TestHandle_PhotoWithoutCommandSendsRandom(t *testing.T) {
	runner := &recordingRunner{}
	platform := &fakePlatform{}
	d := newDispatcher(runner, &markedTransforms{})

	out := d.Handle(context.Background(), platform, photoMessage("", domain.PhotoSize{Width: 1, Height: 1, URL: "u"}), botConfig(0))

	assert.Equal(t, ActionTextSent, out.Action)
	assert.Empty(t, runner.requests)
	require.Len(t, platform.texts, 1)
	assert.Equal(t, "random words", platform.texts[0].text)
}

func TestHandle_PhotoWithoutSizes(t *testing.T) {
	runner := &recordingRunner{}
	platform := &fakePlatform{}
	d := newDispatcher(runner, &markedTransforms{})

	out := d.Handle(context.Background(), platform, photoMessage("break"), botConfig(1))
	assert.Equal(t, ActionIgnored, out.Action)

	out = d.Handle(context.Background(), platform, photoMessage("break", domain.PhotoSize{Width: 5, Height: 5}), botConfig(1))
	assert.Equal(t, ActionIgnored, out.Action)

	assert.Empty(t, runner.requests)
	assert.Zero(t, platform.replies())
}

func TestHandle_ProbabilityZeroNoReply(t *testing.T) {
	platform := &fakePlatform{}
	d := newDispatcher(&recordingRunner{}, nil)

	for i := 0; i < 50; i++ {
		out := d.Handle(context.Background(), platform, domain.NewIncomingMessage("1", "2", "just chatting"), botConfig(0))
		assert.Equal(t, ActionIgnored, out.Action)
	}
	assert.Zero(t, platform.replies())
}

func TestHandle_ProbabilityOneAlwaysReplies(t *testing.T) {
	d := newDispatcher(&recordingRunner{}, nil)

	for _, text := range []string{"just chatting", "speak to me", "repeat after me", "BREAK"} {
		platform := &fakePlatform{}
		out := d.Handle(context.Background(), platform, domain.NewIncomingMessage("1", "2", text), botConfig(1))
		assert.Equal(t, ActionTextSent, out.Action, text)
		assert.Equal(t, 1, platform.replies(), text)
	}
}

func TestHandle_TextKeywordsOverrideGate(t *testing.T) {
	d := newDispatcher(&recordingRunner{}, nil)

	platform := &fakePlatform{}
	out := d.Handle(context.Background(), platform, domain.NewIncomingMessage("1", "2", "Speak and repeat"), botConfig(0))
	assert.Equal(t, domain.CommandGenerateSentences, out.Command)
	require.Len(t, platform.texts, 1)
	assert.Equal(t, "a b c d e.", platform.texts[0].text)

	platform = &fakePlatform{}
	out = d.Handle(context.Background(), platform, domain.NewIncomingMessage("1", "2", "  Repeat Hello World"), botConfig(0))
	assert.Equal(t, domain.CommandEcho, out.Command)
	require.Len(t, platform.texts, 1)
	assert.Equal(t, "Hello World", platform.texts[0].text)
}

func TestHandle_EmptyEchoFallsBackToRandom(t *testing.T) {
	for _, p := range []float64{0, 1} {
		platform := &fakePlatform{}
		out := newDispatcher(&recordingRunner{}, nil).Handle(context.Background(), platform, domain.NewIncomingMessage("1", "2", "repeat"), botConfig(p))
		assert.Equal(t, ActionTextSent, out.Action)
		assert.Equal(t, domain.CommandEcho, out.Command)
		require.Len(t, platform.texts, 1)
		assert.Equal(t, "random words", platform.texts[0].text)
	}
}

func TestHandle_MissingInputs(t *testing.T) {
	d := newDispatcher(&recordingRunner{}, nil)
	msg := domain.NewIncomingMessage("1", "2", "speak")
	platform := &fakePlatform{}

	assert.Equal(t, ActionRejected, d.Handle(context.Background(), nil, msg, botConfig(1)).Action)
	assert.Equal(t, ActionRejected, d.Handle(context.Background(), platform, nil, botConfig(1)).Action)
	assert.Equal(t, ActionRejected, d.Handle(context.Background(), platform, msg, nil).Action)
	assert.Zero(t, platform.replies())
}

func TestHandle_EmptyTextWithoutPhoto(t *testing.T) {
	d := newDispatcher(&recordingRunner{}, nil)
	messages := []*domain.IncomingMessage{
		domain.NewIncomingMessage("1", "2", "   "),
		domain.NewIncomingMessage("1", "2", "", domain.Attachment{Kind: domain.AttachmentOther}),
	}
	for _, msg := range messages {
		platform := &fakePlatform{}
		out := d.Handle(context.Background(), platform, msg, botConfig(1))
		assert.Equal(t, ActionTextSent, out.Action)
		assert.Equal(t, domain.CommandNone, out.Command)
		require.Len(t, platform.texts, 1)
		assert.Equal(t, "random words", platform.texts[0].text)
	}

	platform := &fakePlatform{}
	out := d.Handle(context.Background(), platform, domain.NewIncomingMessage("1", "2", ""), botConfig(0))
	assert.Equal(t, ActionIgnored, out.Action)
	assert.Zero(t, platform.replies())
}

func TestHandle_SendFailureIsReported(t *testing.T) {
	platform := &fakePlatform{sendErr: errors.New("flood control")}
	out := newDispatcher(&recordingRunner{}, nil).Handle(context.Background(), platform, domain.NewIncomingMessage("1", "2", "speak"), botConfig(0))
	assert.Equal(t, ActionTextFailed, out.Action)
	assert.Error(t, out.Err)
}

func TestHandle_PipelineAbortIsSilent(t *testing.T) {
	runner := &recordingRunner{result: pipeline.Result{
		Status: pipeline.StatusAborted,
		Stage:  pipeline.StageDecode,
		Err:    &pipeline.StageError{Stage: pipeline.StageDecode, Err: errors.New("bad data")},
	}}
	platform := &fakePlatform{}
	out := newDispatcher(runner, &markedTransforms{}).Handle(context.Background(), platform,
		photoMessage("compress", domain.PhotoSize{Width: 1, Height: 1, URL: "u"}), botConfig(1))

	assert.Equal(t, ActionImageFailed, out.Action)
	assert.Equal(t, "decode", out.Reason)
	assert.Zero(t, platform.replies(), "no substitute reply after an abort")
}

func TestHandle_EndToEndWithRealPipeline(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 32, 24))))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/big.png", r.URL.Path)
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	d := New(Config{
		Pipeline:   pipeline.New(pipeline.Config{Logger: logger, TempDir: t.TempDir()}),
		Responder:  stubResponder{},
		Transforms: imaging.DefaultRegistry(imaging.Options{Caption: func() string { return "hi" }}),
		Fetcher:    fetch.NewHTTPFetcher(srv.Client()),
		Logger:     logger,
	})

	platform := &fakePlatform{}
	msg := photoMessage("Liquidate please",
		domain.PhotoSize{Width: 10, Height: 10, URL: srv.URL + "/small.png"},
		domain.PhotoSize{Width: 32, Height: 24, URL: srv.URL + "/big.png"},
	)
	out := d.Handle(context.Background(), platform, msg, botConfig(0))

	require.Equal(t, ActionImageSent, out.Action, "outcome: %+v", out)
	assert.Equal(t, []string{"photo-ref"}, platform.attachments)
	assert.Empty(t, platform.texts)
}
