// Package pipeline runs an image command end to end: download, decode,
// transform, encode, upload and send. Any failure aborts the run and nothing
// is sent.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"vitalya/internal/domain"
	"vitalya/internal/imaging"
)

const defaultTimeout = 60 * time.Second

// Stage names one step of a run.
type Stage string

const (
	StageRequest   Stage = "request"
	StageDownload  Stage = "download"
	StageDecode    Stage = "decode"
	StageTransform Stage = "transform"
	StageEncode    Stage = "encode"
	StageUpload    Stage = "upload"
)

// Stages lists the processing stages in execution order.
var Stages = []Stage{StageDownload, StageDecode, StageTransform, StageEncode, StageUpload}

// StageError records which stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Status is the terminal state of a run.
type Status int

const (
	StatusAborted Status = iota
	StatusSent
)

func (s Status) String() string {
	if s == StatusSent {
		return "sent"
	}
	return "aborted"
}

// Result describes a finished run. Aborted runs carry the failing stage and
// the reason; nothing about partial progress is exposed.
type Result struct {
	Status  Status
	RunID   string
	Stage   Stage
	Err     error
	Elapsed time.Duration
}

func (r Result) Sent() bool { return r.Status == StatusSent }

// Request is one image command to execute.
type Request struct {
	PhotoURL  string
	Kind      domain.CommandKind
	Transform imaging.Transform
	PeerID    string
	Platform  domain.Platform
	Fetcher   domain.Fetcher
}

// Config holds the tuning parameters of a Pipeline.
type Config struct {
	Logger  *slog.Logger
	TempDir string        // where encoded results are staged (default os.TempDir())
	Quality int           // JPEG quality of the reply
	Timeout time.Duration // bound on a whole run

	MaxPixels int64 // largest accepted width*height (default imaging.DefaultMaxPixels)
}

// Pipeline executes Requests. It is safe for concurrent use.
type Pipeline struct {
	logger  *slog.Logger
	tempDir string
	quality int
	timeout time.Duration

	maxPixels int64
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Quality <= 0 {
		cfg.Quality = imaging.DefaultQuality
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Pipeline{
		logger:  cfg.Logger,
		tempDir: cfg.TempDir,
		quality: cfg.Quality,
		timeout: cfg.Timeout,

		maxPixels: cfg.MaxPixels,
	}
}

// Run executes req. Stages run strictly in order and the first failure ends
// the run with exactly one error record in the log.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	runID := uuid.NewString()
	logger := p.logger.With("run", runID, "command", req.Kind.String(), "peer", req.PeerID)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	abort := func(stage Stage, err error) Result {
		err = withStack(err)
		logger.Error("image pipeline aborted",
			"stage", stage,
			"error", err.Error(),
			"trace", fmt.Sprintf("%+v", err),
		)
		return Result{
			Status:  StatusAborted,
			RunID:   runID,
			Stage:   stage,
			Err:     &StageError{Stage: stage, Err: err},
			Elapsed: time.Since(start),
		}
	}

	if err := validate(req); err != nil {
		return abort(StageRequest, err)
	}

	logger.Info("downloading photo", "url", req.PhotoURL)
	data, err := req.Fetcher.Fetch(ctx, req.PhotoURL)
	if err != nil {
		return abort(StageDownload, err)
	}
	logger.Debug("photo downloaded", "bytes", len(data))

	img, format, err := imaging.DecodeLimited(data, p.maxPixels)
	if err != nil {
		return abort(StageDecode, err)
	}
	logger.Debug("photo decoded", "format", format, "width", img.Rect.Dx(), "height", img.Rect.Dy())

	out, err := applyTransform(req.Transform, img)
	if err != nil {
		return abort(StageTransform, err)
	}
	logger.Debug("transform applied")

	path, err := p.encode(runID, out)
	if err != nil {
		return abort(StageEncode, err)
	}
	defer os.Remove(path)
	logger.Debug("result encoded", "path", path)

	if err := ctx.Err(); err != nil {
		return abort(StageUpload, err)
	}
	ref, err := req.Platform.UploadPhoto(ctx, req.PeerID, path)
	if err != nil {
		return abort(StageUpload, errors.Wrap(err, "upload photo"))
	}
	logger.Info("photo uploaded", "attachment", ref)

	if err := req.Platform.SendAttachment(ctx, req.PeerID, ref); err != nil {
		return abort(StageUpload, errors.Wrap(err, "send reply"))
	}

	elapsed := time.Since(start)
	logger.Info("image reply sent", "platform", req.Platform.Name(), "elapsed", elapsed)
	return Result{Status: StatusSent, RunID: runID, Elapsed: elapsed}
}

func validate(req Request) error {
	switch {
	case req.Platform == nil:
		return errors.New("no platform")
	case req.Fetcher == nil:
		return errors.New("no fetcher")
	case req.Transform == nil:
		return errors.Errorf("no transform bound to %s", req.Kind)
	case req.PhotoURL == "":
		return errors.New("no photo url")
	}
	return nil
}

// applyTransform runs t and turns a panic or an empty result into an error.
func applyTransform(t imaging.Transform, img *image.NRGBA) (out *image.NRGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Errorf("transform panicked: %v", r)
		}
	}()
	out, err = t(img)
	if err != nil {
		return nil, err
	}
	if out == nil || out.Bounds().Empty() {
		return nil, errors.New("transform returned an empty image")
	}
	return out, nil
}

// encode writes img to a temp file unique to this run. The caller removes it.
func (p *Pipeline) encode(runID string, img *image.NRGBA) (string, error) {
	f, err := os.CreateTemp(p.tempDir, "vitalya-"+runID+"-*.jpg")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	path := f.Name()

	if err := imaging.EncodeJPEG(f, img, p.quality); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, "close temp file")
	}
	return path, nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func withStack(err error) error {
	var st stackTracer
	if errors.As(err, &st) {
		return err
	}
	return errors.WithStack(err)
}
