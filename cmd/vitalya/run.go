package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vitalya/internal/bus"
	"vitalya/internal/domain"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start all enabled chat channels and the dispatcher",
		Long:  "Connects every enabled network channel (VK, Telegram, Discord, Slack, Matrix) and answers messages until Ctrl+C.",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chans, err := a.networkChannels()
	if err != nil {
		return err
	}
	if len(chans) == 0 {
		return errors.New("no chat channels enabled (see `vitalya config list`)")
	}

	// closed during graceful shutdown below
	msgBus := bus.New(busSize, a.logger)

	worker := a.newWorker(msgBus, chans)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	metricsSrv := a.startMetrics()

	a.events.On(bus.EventPipelineAborted, func(ev bus.Event) {
		a.logger.Debug("pipeline aborted", "platform", ev.Platform, "peer_id", ev.PeerID, "reason", ev.Payload["reason"])
	})

	names := make([]string, 0, len(chans))
	for _, ch := range chans {
		names = append(names, ch.Name())
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, msgBus); err != nil {
				a.logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
	}

	a.logger.Info("vitalya started. Press Ctrl+C to stop.", "channels", strings.Join(names, ","), "version", version)

	<-ctx.Done()
	a.logger.Info("shutting down...")
	return a.shutdown(chans, msgBus, workerDone, metricsSrv)
}

func chatCmd() *cobra.Command {
	var (
		verbose     bool
		probability float64
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot in the terminal",
		Long: "Starts an interactive session. Type a message, or \"!photo <path> [text]\" to send a local image.\n" +
			"Processed photos are saved to general.outputDir.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if !cfg.Channels.CLI.Enabled {
				return errors.New("cli channel is disabled (channels.cli.enabled)")
			}
			if cmd.Flags().Changed("probability") {
				if probability < 0 || probability > 1 {
					return fmt.Errorf("--probability must be between 0 and 1, got %v", probability)
				}
				cfg.Bot.ResponseProbability = probability
			}

			var console io.Writer = io.Discard
			if verbose {
				console = cmd.ErrOrStderr()
			}
			a, err := newApp(cfg, appOptions{Console: console, FileURLs: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runChat(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print logs to stderr")
	cmd.Flags().Float64VarP(&probability, "probability", "p", 0, "override bot.responseProbability for this session")
	return cmd
}

// runChat serves one terminal session. Messages still queued when the user
// quits are answered before it returns.
func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	started := time.Now()
	cli := a.cliChannel(in, out)
	chans := []domain.Channel{cli}

	msgBus := bus.New(busSize, a.logger)
	worker := a.newWorker(msgBus, chans)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	err := cli.Start(ctx, msgBus)
	shutdownErr := a.shutdown(chans, msgBus, workerDone, nil)

	fmt.Fprintln(out)
	fmt.Fprintln(out, sessionSummary(a.events, started))
	return errors.Join(err, shutdownErr)
}

func sessionSummary(events *bus.EventBus, since time.Time) string {
	count := func(eventType string) int { return events.Count(eventType, since) }
	return fmt.Sprintf("session: %d messages, %d replies, %d ignored, %d failed",
		count(bus.EventMessageReceived),
		count(bus.EventReplySent),
		count(bus.EventMessageIgnored),
		count(bus.EventReplyFailed)+count(bus.EventPipelineAborted),
	)
}
