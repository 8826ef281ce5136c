package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"vitalya/internal/config"
	"vitalya/internal/corpus"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your vitalya installation",
		Long: `Verifies that the configuration, corpus, output directory, journal and
channel credentials are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

type doctor struct {
	w                      io.Writer
	passed, failed, warned int
}

func (d *doctor) pass(check, detail string) {
	d.passed++
	fmt.Fprintf(d.w, "  [PASS] %-20s %s\n", check, detail)
}

func (d *doctor) fail(check, detail string) {
	d.failed++
	fmt.Fprintf(d.w, "  [FAIL] %-20s %s\n", check, detail)
}

func (d *doctor) warn(check, detail string) {
	d.warned++
	fmt.Fprintf(d.w, "  [WARN] %-20s %s\n", check, detail)
}

func runDoctor(w io.Writer, cfgPath string) error {
	d := &doctor{w: w}
	fmt.Fprintf(w, "vitalya doctor v%s\n", version)
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	if _, err := os.Stat(cfgPath); err != nil {
		d.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Fprintf(w, "\nRun 'vitalya init' to create a default configuration.\n")
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	d.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		d.fail("Config validation", err.Error())
		fmt.Fprintf(w, "\n%d passed, %d failed\n", d.passed, d.failed)
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	d.pass("Config validation", "valid")

	// corpus
	lines, err := corpus.FileSource{Path: cfg.General.CorpusPath}.Lines()
	switch {
	case err != nil:
		d.warn("Corpus", fmt.Sprintf("cannot read %s, replies fall back to a fixed line", cfg.General.CorpusPath))
	case len(lines) == 0:
		d.warn("Corpus", fmt.Sprintf("%s is empty", cfg.General.CorpusPath))
	default:
		d.pass("Corpus", fmt.Sprintf("%d lines", len(lines)))
	}

	if err := checkWritableDir(cfg.General.OutputDir); err != nil {
		d.fail("Output directory", err.Error())
	} else {
		d.pass("Output directory", cfg.General.OutputDir)
	}

	if cfg.Pipeline.TempDir != "" {
		if err := checkWritableDir(cfg.Pipeline.TempDir); err != nil {
			d.fail("Temp directory", err.Error())
		} else {
			d.pass("Temp directory", cfg.Pipeline.TempDir)
		}
	}

	if cfg.Journal.Enabled {
		if err := checkDatabase(cfg.Journal.DBPath); err != nil {
			d.fail("Journal", err.Error())
		} else {
			d.pass("Journal", cfg.Journal.DBPath)
		}
	}

	checkChannels(d, cfg.Channels)

	if cfg.Metrics.Enabled {
		if err := checkAddr(cfg.Metrics.Addr); err != nil {
			d.warn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
		} else {
			d.pass("Metrics address", cfg.Metrics.Addr+" available")
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			d.pass("Log file", cfg.General.LogFile)
		}
	}

	fmt.Fprintf(w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
	if d.failed > 0 {
		fmt.Fprintf(w, "\nPlease fix the failed checks before running vitalya.\n")
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	if d.warned > 0 {
		fmt.Fprintf(w, "\nvitalya should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(w, "\nAll checks passed! vitalya is ready to run.\n")
	}
	return nil
}

func checkChannels(d *doctor, ch config.ChannelsConfig) {
	enabled := 0
	need := func(name string, on bool, creds ...string) {
		if !on {
			return
		}
		enabled++
		for _, c := range creds {
			if c == "" {
				d.fail("Channel: "+name, "enabled but credentials are missing")
				return
			}
		}
		d.pass("Channel: "+name, "configured")
	}
	need("vk", ch.VK.Enabled, ch.VK.Token)
	need("telegram", ch.Telegram.Enabled, ch.Telegram.Token)
	need("discord", ch.Discord.Enabled, ch.Discord.Token)
	need("slack", ch.Slack.Enabled, ch.Slack.BotToken, ch.Slack.AppToken)
	need("matrix", ch.Matrix.Enabled, ch.Matrix.Homeserver, ch.Matrix.UserID, ch.Matrix.AccessToken)

	if enabled == 0 {
		d.warn("Channels", "no network channel enabled, only 'vitalya chat' will work")
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
