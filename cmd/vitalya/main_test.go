package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalya/internal/bus"
	"vitalya/internal/config"
	"vitalya/internal/domain"
	"vitalya/internal/imaging"
	"vitalya/internal/journal"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.General.LogFile = ""
	cfg.General.CorpusPath = filepath.Join(dir, "messages.txt")
	cfg.General.OutputDir = filepath.Join(dir, "output")
	cfg.Journal.DBPath = filepath.Join(dir, "journal.db")
	require.NoError(t, os.WriteFile(cfg.General.CorpusPath, []byte("the cat sat\nnobody expects it\nwhat a day\n"), 0o644))
	return cfg
}

func writeTestPNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestTransformFile(t *testing.T) {
	in := writeTestPNG(t, 64, 48)
	out := filepath.Join(t.TempDir(), "nested", "out.jpg")
	registry := imaging.DefaultRegistry(imaging.Options{Caption: func() string { return "hello" }})

	require.NoError(t, transformFile(registry, domain.CommandBreak, in, out, 80))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	cfg, format, err := imaging.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
}

func TestTransformFile_Errors(t *testing.T) {
	registry := imaging.DefaultRegistry(imaging.Options{})
	out := filepath.Join(t.TempDir(), "out.jpg")

	assert.Error(t, transformFile(registry, domain.CommandBreak, "/does/not/exist.png", out, 80))

	notImage := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(notImage, []byte("plain text"), 0o644))
	assert.Error(t, transformFile(registry, domain.CommandBreak, notImage, out, 80))

	assert.Error(t, transformFile(imaging.NewRegistry(), domain.CommandBreak, writeTestPNG(t, 8, 8), out, 80))
	assert.NoFileExists(t, out)
}

func TestSessionSummary(t *testing.T) {
	events := bus.NewEventBus(nil)
	old := bus.Event{Type: bus.EventReplySent, Timestamp: time.Now().Add(-time.Hour)}
	events.Emit(old)

	since := time.Now()
	for _, typ := range []string{
		bus.EventMessageReceived, bus.EventMessageReceived, bus.EventMessageReceived,
		bus.EventReplySent, bus.EventMessageIgnored, bus.EventPipelineAborted,
	} {
		events.Emit(bus.Event{Type: typ})
	}

	assert.Equal(t, "session: 3 messages, 1 replies, 1 ignored, 1 failed", sessionSummary(events, since))
}

func TestRunChat_TextAndPhoto(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bot.ResponseProbability = 1

	a, err := newApp(cfg, appOptions{Console: io.Discard, FileURLs: true})
	require.NoError(t, err)
	defer a.Close()

	img := writeTestPNG(t, 64, 48)
	input := "speak\n!photo " + img + " break\n/quit\n"
	var out bytes.Buffer

	require.NoError(t, runChat(context.Background(), a, strings.NewReader(input), &out))

	text := out.String()
	assert.Contains(t, text, "vitalya> [photo] "+cfg.General.OutputDir)
	assert.Contains(t, text, "session: 2 messages, 2 replies, 0 ignored, 0 failed")

	saved, err := os.ReadDir(cfg.General.OutputDir)
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestNewApp_JournalReceivesLogs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = true

	a, err := newApp(cfg, appOptions{Console: io.Discard})
	require.NoError(t, err)
	a.logger.Warn("something odd", "run", "run-1")
	require.NoError(t, a.Close())

	store, err := journal.Open(cfg.Journal.DBPath, nil)
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.ByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "something odd", entries[0].Message)
}

func TestNetworkChannels_DefaultsAreEmpty(t *testing.T) {
	a, err := newApp(testConfig(t), appOptions{Console: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	chans, err := a.networkChannels()
	require.NoError(t, err)
	assert.Empty(t, chans)
}

func TestNetworkChannels_Enabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.VK.Enabled = true
	cfg.Channels.VK.GroupID = 42
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "123:abc"
	cfg.Channels.Slack.Enabled = true
	cfg.Channels.Slack.BotToken = "xoxb-1"
	cfg.Channels.Matrix.Enabled = true
	cfg.Channels.Matrix.Homeserver = "https://matrix.example.org"
	cfg.Channels.Discord.Enabled = true // no token, skipped

	a, err := newApp(cfg, appOptions{Console: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	chans, err := a.networkChannels()
	require.NoError(t, err)
	var names []string
	for _, ch := range chans {
		names = append(names, ch.Name())
	}
	assert.Equal(t, []string{"vk", "telegram", "slack", "matrix"}, names)
}

func TestConfigCommands(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.Save(cfgPath, config.Defaults()))

	run := func(args ...string) (string, error) {
		root := rootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(io.Discard)
		root.SetArgs(append([]string{"--config", cfgPath}, args...))
		err := root.Execute()
		return out.String(), err
	}
	defer func() { configPath = "" }()

	_, err := run("config", "set", "bot.responseProbability", "0.5")
	require.NoError(t, err)

	got, err := run("config", "get", "bot.responseProbability")
	require.NoError(t, err)
	assert.Equal(t, "0.5", strings.TrimSpace(got))

	_, err = run("config", "set", "bot.responseProbability", "2")
	assert.Error(t, err, "out of range values are not saved")

	got, err = run("config", "list", "--flat")
	require.NoError(t, err)
	assert.Contains(t, got, "bot.responseProbability = 0.5\n")
	assert.Contains(t, got, "bot.commands.echo = repeat\n")

	got, err = run("config", "path")
	require.NoError(t, err)
	assert.Equal(t, cfgPath, strings.TrimSpace(got))

	got, err = run("version")
	require.NoError(t, err)
	assert.Equal(t, "vitalya "+version, strings.TrimSpace(got))
}

func TestSayEcho(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config.Save(cfgPath, config.Defaults()))
	defer func() { configPath = "" }()

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "say", "--echo", "please REPEAT After me"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "After me", strings.TrimSpace(out.String()))
}

func TestPrintEntries(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)
	entries := []journal.Entry{
		{Time: ts, Level: "INFO", Message: "photo uploaded", RunID: "r1", Attrs: map[string]any{"peer_id": "7", "bytes": 10}},
		{Time: ts, Level: "ERROR", Message: "pipeline aborted"},
	}
	var buf bytes.Buffer
	require.NoError(t, printEntries(&buf, entries, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2024-05-01 12:30:00 INFO  photo uploaded run=r1 bytes=10 peer_id=7", lines[0])
	assert.Equal(t, "2024-05-01 12:30:00 ERROR pipeline aborted", lines[1])

	buf.Reset()
	require.NoError(t, printEntries(&buf, entries[:1], true))
	assert.Contains(t, buf.String(), `"Message":"photo uploaded"`)
}

func TestRunDoctor(t *testing.T) {
	cfg := testConfig(t)
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config.Save(cfgPath, cfg))

	var out bytes.Buffer
	require.NoError(t, runDoctor(&out, cfgPath))
	assert.Regexp(t, `\[PASS\] Corpus\s+3 lines`, out.String())
	assert.Contains(t, out.String(), "[WARN] Channels")

	cfg.Channels.VK.Enabled = true
	cfg.Channels.VK.GroupID = 1
	require.NoError(t, config.Save(cfgPath, cfg))
	out.Reset()
	assert.Error(t, runDoctor(&out, cfgPath))
	assert.Contains(t, out.String(), "[FAIL] Channel: vk")

	out.Reset()
	assert.Error(t, runDoctor(&out, filepath.Join(t.TempDir(), "missing.json")))
	assert.Contains(t, out.String(), "vitalya init")
}
