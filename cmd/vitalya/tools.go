package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"vitalya/internal/command"
	"vitalya/internal/corpus"
	"vitalya/internal/domain"
	"vitalya/internal/imaging"
	"vitalya/internal/journal"
	"vitalya/internal/logging"

	"github.com/spf13/cobra"
)

func sayCmd() *cobra.Command {
	var (
		sentences bool
		echo      string
	)
	cmd := &cobra.Command{
		Use:   "say",
		Short: "Print a reply generated from the corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("echo") {
				keyword := command.Keyword(cfg.Bot.Commands, domain.CommandEcho)
				fmt.Fprintln(cmd.OutOrStdout(), corpus.Echo(echo, keyword))
				return nil
			}

			responder := corpus.NewResponder(corpus.FileSource{Path: cfg.General.CorpusPath}, corpus.WithLogger(logger))
			reply := responder.GenerateRandomMessage()
			if sentences {
				reply = responder.GenerateMultipleSentences()
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&sentences, "sentences", "s", false, "generate several sentences instead of one line")
	cmd.Flags().StringVarP(&echo, "echo", "e", "", "echo this text as the echo command would")
	return cmd
}

func transformCmd() *cobra.Command {
	var (
		caption string
		quality int
	)
	cmd := &cobra.Command{
		Use:   "transform <kind> <in> <out>",
		Short: "Apply an image command to a local file",
		Long: "Applies one of the image commands (break, liquidate, compress, add_text) to <in> and\n" +
			"writes the result to <out> as JPEG.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := domain.ParseCommandKind(strings.ToLower(args[0]))
			if !ok || !kind.IsImage() {
				return fmt.Errorf("unknown image command %q (want one of %s)", args[0], imageKindNames())
			}
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if quality == 0 {
				quality = cfg.Pipeline.JPEGQuality
			}

			captionFn := func() string { return caption }
			if caption == "" {
				responder := corpus.NewResponder(corpus.FileSource{Path: cfg.General.CorpusPath}, corpus.WithLogger(logger))
				captionFn = responder.Caption
			}
			registry := imaging.DefaultRegistry(imaging.Options{Caption: captionFn})

			start := time.Now()
			if err := transformFile(registry, kind, args[1], args[2], quality); err != nil {
				return err
			}
			logger.Info("transform done", "command", kind.String(), "out", args[2], "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&caption, "caption", "", "caption for add_text (default: a random corpus line)")
	cmd.Flags().IntVarP(&quality, "quality", "q", 0, "JPEG quality of the output (default: pipeline.jpegQuality)")
	return cmd
}

func imageKindNames() string {
	names := make([]string, 0, len(domain.ImageCommands))
	for _, k := range domain.ImageCommands {
		names = append(names, k.String())
	}
	return strings.Join(names, ", ")
}

func transformFile(registry *imaging.Registry, kind domain.CommandKind, in, out string, quality int) error {
	transform, ok := registry.Lookup(kind)
	if !ok {
		return fmt.Errorf("no transform for %s", kind)
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	img, _, err := imaging.Decode(data)
	if err != nil {
		return err
	}
	result, err := transform(img)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}

	var buf bytes.Buffer
	if err := imaging.EncodeJPEG(&buf, result, quality); err != nil {
		return err
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(out, buf.Bytes(), 0o644)
}

func journalCmd() *cobra.Command {
	var (
		limit  int
		level  string
		runID  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show journaled log events",
		Long:  "Prints recent events from the sqlite journal, or every event of one pipeline run with --run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Journal.DBPath); err != nil {
				return fmt.Errorf("no journal at %s (enable journal.enabled and run the bot first)", cfg.Journal.DBPath)
			}
			store, err := journal.Open(cfg.Journal.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			var entries []journal.Entry
			if runID != "" {
				entries, err = store.ByRun(cmd.Context(), runID)
			} else {
				entries, err = store.Recent(cmd.Context(), limit, logging.ParseLevel(level))
				// oldest first reads better in a terminal
				slices.Reverse(entries)
			}
			if err != nil {
				return fmt.Errorf("query journal: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no events")
				return nil
			}
			return printEntries(cmd.OutOrStdout(), entries, asJSON)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of events to show")
	cmd.Flags().StringVarP(&level, "level", "l", "info", "minimum level (debug, info, warn, error)")
	cmd.Flags().StringVar(&runID, "run", "", "show every event of one pipeline run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return cmd
}

func printEntries(w io.Writer, entries []journal.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-5s %s", e.Time.Format(time.DateTime), e.Level, e.Message)
		if e.RunID != "" {
			line += " run=" + e.RunID
		}
		keys := make([]string, 0, len(e.Attrs))
		for k := range e.Attrs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%v", k, e.Attrs[k])
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
