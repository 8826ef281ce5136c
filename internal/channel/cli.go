package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vitalya/internal/domain"
	"vitalya/internal/imaging"
)

const (
	cliPeer = "local"
	cliUser = "user"

	// CLIPhotoCommand attaches a local image to the rest of the line.
	CLIPhotoCommand = "!photo"
)

// CLI implements domain.Channel for interactive terminal chat.
type CLI struct {
	bus       domain.MessageBus
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	outputDir string

	mu  sync.Mutex // serializes writes to out
	seq atomic.Int64
}

type CLIConfig struct {
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	OutputDir string // where processed photos are saved
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}
	return &CLI{
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		outputDir: cfg.OutputDir,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until input ends, the user
// quits, or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	c.print("vitalya CLI. Type a message, or " + CLIPhotoCommand + " <path> [text]. Type /quit to exit.\n")
	c.print("you> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.print("you> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		msg, err := c.parseLine(line)
		if err != nil {
			c.print(fmt.Sprintf("error: %v\nyou> ", err))
			continue
		}
		c.bus.Publish(domain.InboundMessage{Platform: c.Name(), Message: msg})
	}
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

// parseLine turns a REPL line into a message. "!photo <path> text" attaches
// the image at path as a single-variant photo addressed by a file:// URL.
func (c *CLI) parseLine(line string) (*domain.IncomingMessage, error) {
	var msg *domain.IncomingMessage
	if rest, ok := strings.CutPrefix(line, CLIPhotoCommand); ok && (rest == "" || rest[0] == ' ') {
		path, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if path == "" {
			return nil, fmt.Errorf("usage: %s <path> [text]", CLIPhotoCommand)
		}
		size, err := localPhotoSize(path)
		if err != nil {
			return nil, err
		}
		msg = domain.NewIncomingMessage(cliPeer, cliUser, text, domain.PhotoAttachment(size))
	} else {
		msg = domain.NewIncomingMessage(cliPeer, cliUser, line)
	}
	msg.ID = strconv.FormatInt(c.seq.Add(1), 10)
	return msg, nil
}

func localPhotoSize(path string) (domain.PhotoSize, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.PhotoSize{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return domain.PhotoSize{}, fmt.Errorf("open photo: %w", err)
	}
	defer f.Close()

	cfg, _, err := imaging.DecodeConfig(f)
	if err != nil {
		return domain.PhotoSize{}, fmt.Errorf("%s: %w", path, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return domain.PhotoSize{Width: cfg.Width, Height: cfg.Height, URL: u.String()}, nil
}

func (c *CLI) SendText(_ context.Context, _ string, text string) error {
	return c.print("vitalya> " + text + "\nyou> ")
}

// UploadPhoto copies the processed photo into the output directory and
// returns the saved path as the attachment reference.
func (c *CLI) UploadPhoto(_ context.Context, _ string, path string) (string, error) {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read photo: %w", err)
	}
	name := fmt.Sprintf("vitalya-%s-%d.jpg", time.Now().Format("20060102-150405"), c.seq.Add(1))
	dest := filepath.Join(c.outputDir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("save photo: %w", err)
	}
	return dest, nil
}

func (c *CLI) SendAttachment(_ context.Context, _ string, ref string) error {
	return c.print("vitalya> [photo] " + ref + "\nyou> ")
}

func (c *CLI) print(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, s)
	return err
}
