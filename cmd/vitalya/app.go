package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"vitalya/internal/bus"
	"vitalya/internal/channel"
	"vitalya/internal/config"
	"vitalya/internal/corpus"
	"vitalya/internal/dispatch"
	"vitalya/internal/domain"
	"vitalya/internal/fetch"
	"vitalya/internal/imaging"
	"vitalya/internal/journal"
	"vitalya/internal/logging"
	"vitalya/internal/metrics"
	"vitalya/internal/pipeline"
)

const (
	busSize         = 100
	shutdownTimeout = 10 * time.Second
)

// app holds everything the bot needs independent of the channels it
// listens on.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	journal    *journal.Store
	responder  *corpus.Responder
	transforms *imaging.Registry
	files      *fetch.HTTPFetcher
	fetcher    *fetch.Mux
	dispatcher *dispatch.Dispatcher
	events     *bus.EventBus

	closers []io.Closer
}

type appOptions struct {
	Console  io.Writer // console log sink (default os.Stderr)
	FileURLs bool      // accept file:// photo URLs (local CLI only)
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	var extra []slog.Handler
	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		a.journal = store
		a.closers = append(a.closers, store)
		extra = append(extra, store.Handler(logging.ParseLevel(cfg.General.LogLevel)))
	}

	l, closer, err := logging.New(logging.Options{
		Level:   cfg.General.LogLevel,
		File:    cfg.General.LogFile,
		Console: opts.Console,
		Extra:   extra,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.logger = l
	a.closers = append(a.closers, closer)

	a.responder = corpus.NewResponder(corpus.FileSource{Path: cfg.General.CorpusPath}, corpus.WithLogger(l))
	a.transforms = imaging.DefaultRegistry(imaging.Options{Caption: a.responder.Caption})

	fetchOpts := []fetch.Option{
		fetch.WithMaxBytes(cfg.Pipeline.MaxDownloadBytes),
		fetch.WithUserAgent(userAgent()),
	}
	if opts.FileURLs {
		fetchOpts = append(fetchOpts, fetch.WithFileURLs())
	}
	client := fetch.NewHTTPClient(fetch.ClientConfig{
		Timeout:   time.Duration(cfg.Pipeline.DownloadTimeoutSeconds) * time.Second,
		UserAgent: userAgent(),
	})
	a.files = fetch.NewHTTPFetcher(client, fetchOpts...)
	a.fetcher = fetch.NewMux(a.files)

	pipe := pipeline.New(pipeline.Config{
		Logger:  l,
		TempDir: cfg.Pipeline.TempDir,
		Quality: cfg.Pipeline.JPEGQuality,
		Timeout: time.Duration(cfg.Pipeline.TimeoutSeconds) * time.Second,

		MaxPixels: cfg.Pipeline.MaxPixels,
	})
	a.dispatcher = dispatch.New(dispatch.Config{
		Pipeline:   pipe,
		Responder:  a.responder,
		Transforms: a.transforms,
		Fetcher:    a.fetcher,
		Logger:     l,
	})
	a.events = bus.NewEventBus(l)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// networkChannels builds every enabled chat network channel and registers
// the fetchers their photo URLs need.
func (a *app) networkChannels() ([]domain.Channel, error) {
	cfg := a.cfg.Channels
	var chans []domain.Channel

	if cfg.VK.Enabled {
		chans = append(chans, channel.NewVK(channel.VKConfig{
			Token:       cfg.VK.Token,
			GroupID:     cfg.VK.GroupID,
			APIBase:     cfg.VK.APIBase,
			APIVersion:  cfg.VK.APIVersion,
			RatePerSec:  float64(cfg.VK.RatePerSec),
			WaitSeconds: cfg.VK.WaitSeconds,
			UserAgent:   userAgent(),
			Logger:      a.logger,
		}))
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			Files:     a.files,
			Logger:    a.logger,
		})
		a.fetcher.Handle(channel.TelegramFilePrefix, tg)
		chans = append(chans, tg)
	}

	if cfg.Discord.Enabled && cfg.Discord.Token != "" {
		chans = append(chans, channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Discord.Token,
			GuildID: cfg.Discord.GuildID,
			Logger:  a.logger,
		}))
	}

	if cfg.Slack.Enabled && cfg.Slack.BotToken != "" {
		sl := channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
			MaxBytes: a.cfg.Pipeline.MaxDownloadBytes,
			Logger:   a.logger,
		})
		a.fetcher.Handle(channel.SlackFilePrefix, sl)
		chans = append(chans, sl)
	}

	if cfg.Matrix.Enabled {
		mx, err := channel.NewMatrix(channel.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			AutoJoin:    cfg.Matrix.AutoJoin,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.fetcher.Handle(channel.MatrixContentPrefix, mx)
		chans = append(chans, mx)
	}

	return chans, nil
}

func (a *app) cliChannel(in io.Reader, out io.Writer) *channel.CLI {
	return channel.NewCLI(channel.CLIConfig{
		Logger:    a.logger,
		In:        in,
		Out:       out,
		OutputDir: a.cfg.General.OutputDir,
	})
}

func (a *app) newWorker(msgBus domain.MessageBus, chans []domain.Channel) *dispatch.Worker {
	platforms := make(map[string]domain.Platform, len(chans))
	for _, ch := range chans {
		platforms[ch.Name()] = ch
	}
	bot := a.cfg.Bot
	return dispatch.NewWorker(dispatch.WorkerConfig{
		Bus:         msgBus,
		Handler:     a.dispatcher,
		Platforms:   platforms,
		Bot:         func() *config.BotConfig { b := bot; return &b },
		Events:      a.events,
		Logger:      a.logger,
		Concurrency: a.cfg.General.Concurrency,
	})
}

// startMetrics serves the metrics endpoint when enabled. The returned
// server is nil when metrics are off.
func (a *app) startMetrics() *http.Server {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Endpoint, metrics.Collector.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "err", err)
		}
	}()
	a.logger.Info("metrics endpoint listening", "addr", srv.Addr, "path", a.cfg.Metrics.Endpoint)
	return srv
}

// shutdown stops the channels, closes the bus and waits for the worker to
// finish in-flight messages, bounded by shutdownTimeout.
func (a *app) shutdown(chans []domain.Channel, msgBus *bus.InMemoryBus, workerDone <-chan struct{}, metricsSrv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range chans {
			if err := ch.Stop(); err != nil {
				a.logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		msgBus.Close()
		<-workerDone
		if metricsSrv != nil {
			metricsSrv.Shutdown(ctx)
		}
	}()

	select {
	case <-done:
		a.logger.Info("shutdown complete")
		return nil
	case <-ctx.Done():
		a.logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}
