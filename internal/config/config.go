package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for vitalya.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general" toml:"general"`
	Bot      BotConfig      `json:"bot" yaml:"bot" toml:"bot"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Channels ChannelsConfig `json:"channels" yaml:"channels" toml:"channels"`
	Journal  JournalConfig  `json:"journal" yaml:"journal" toml:"journal"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type GeneralConfig struct {
	LogLevel    string `json:"logLevel" yaml:"logLevel" toml:"logLevel"`
	LogFile     string `json:"logFile,omitempty" yaml:"logFile,omitempty" toml:"logFile,omitempty"`
	CorpusPath  string `json:"corpusPath" yaml:"corpusPath" toml:"corpusPath"`
	Concurrency int    `json:"concurrency" yaml:"concurrency" toml:"concurrency"` // messages handled in parallel
	OutputDir   string `json:"outputDir,omitempty" yaml:"outputDir,omitempty" toml:"outputDir,omitempty"`
}

// BotConfig is the snapshot the dispatcher reads for every message.
type BotConfig struct {
	Commands            CommandsConfig `json:"commands" yaml:"commands" toml:"commands"`
	ResponseProbability float64        `json:"responseProbability" yaml:"responseProbability" toml:"responseProbability"`
}

// CommandsConfig holds the trigger keyword for each command.
type CommandsConfig struct {
	Break             string `json:"break" yaml:"break" toml:"break"`
	Liquidate         string `json:"liquidate" yaml:"liquidate" toml:"liquidate"`
	Compress          string `json:"compress" yaml:"compress" toml:"compress"`
	AddText           string `json:"addText" yaml:"addText" toml:"addText"`
	GenerateSentences string `json:"generateSentences" yaml:"generateSentences" toml:"generateSentences"`
	Echo              string `json:"echo" yaml:"echo" toml:"echo"`
}

type PipelineConfig struct {
	TimeoutSeconds         int    `json:"timeoutSeconds" yaml:"timeoutSeconds" toml:"timeoutSeconds"`
	DownloadTimeoutSeconds int    `json:"downloadTimeoutSeconds" yaml:"downloadTimeoutSeconds" toml:"downloadTimeoutSeconds"`
	MaxDownloadBytes       int64  `json:"maxDownloadBytes" yaml:"maxDownloadBytes" toml:"maxDownloadBytes"`
	JPEGQuality            int    `json:"jpegQuality" yaml:"jpegQuality" toml:"jpegQuality"`
	MaxPixels              int64  `json:"maxPixels" yaml:"maxPixels" toml:"maxPixels"`
	TempDir                string `json:"tempDir,omitempty" yaml:"tempDir,omitempty" toml:"tempDir,omitempty"`
}

type ChannelsConfig struct {
	VK       VKConfig       `json:"vk" yaml:"vk" toml:"vk"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram" toml:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty" yaml:"discord,omitempty" toml:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty" toml:"slack,omitempty"`
	Matrix   MatrixConfig   `json:"matrix,omitempty" yaml:"matrix,omitempty" toml:"matrix,omitempty"`
	CLI      CLIConfig      `json:"cli" yaml:"cli" toml:"cli"`
}

type VKConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Token       string `json:"token" yaml:"token" toml:"token"`
	GroupID     int64  `json:"groupId" yaml:"groupId" toml:"groupId"`
	APIBase     string `json:"apiBase,omitempty" yaml:"apiBase,omitempty" toml:"apiBase,omitempty"`
	APIVersion  string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty" toml:"apiVersion,omitempty"`
	RatePerSec  int    `json:"ratePerSecond,omitempty" yaml:"ratePerSecond,omitempty" toml:"ratePerSecond,omitempty"`
	WaitSeconds int    `json:"waitSeconds,omitempty" yaml:"waitSeconds,omitempty" toml:"waitSeconds,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled" toml:"enabled"`
	Token     string         `json:"token" yaml:"token" toml:"token"`
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom" toml:"allowFrom"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Token   string `json:"token" yaml:"token" toml:"token"`
	GuildID string `json:"guildId,omitempty" yaml:"guildId,omitempty" toml:"guildId,omitempty"` // optional: restrict to specific guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken" toml:"botToken"`
	AppToken string `json:"appToken" yaml:"appToken" toml:"appToken"` // required for Socket Mode
}

type MatrixConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Homeserver  string `json:"homeserver" yaml:"homeserver" toml:"homeserver"`
	UserID      string `json:"userId" yaml:"userId" toml:"userId"`
	AccessToken string `json:"accessToken" yaml:"accessToken" toml:"accessToken"`
	AutoJoin    bool   `json:"autoJoin" yaml:"autoJoin" toml:"autoJoin"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// JournalConfig configures the sqlite event journal.
type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath" toml:"dbPath"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456"), or
// from one comma-separated string such as "${TELEGRAM_ALLOW}".
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		var list []string
		for _, item := range strings.Split(joined, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		*f = list
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.vitalya).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vitalya"
	}
	return filepath.Join(home, ".vitalya")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file. The format follows the extension: .yaml/.yml,
// .toml, anything else is JSON.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := unmarshal(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.CorpusPath = ExpandPath(cfg.General.CorpusPath)
	cfg.General.OutputDir = ExpandPath(cfg.General.OutputDir)
	cfg.Pipeline.TempDir = ExpandPath(cfg.Pipeline.TempDir)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config in the format matching the path's extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".toml":
		data, err = toml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if p := cfg.Bot.ResponseProbability; p < 0 || p > 1 {
		errs = append(errs, "bot.responseProbability must be between 0 and 1")
	}
	c := cfg.Bot.Commands
	if c.Break == "" && c.Liquidate == "" && c.Compress == "" && c.AddText == "" &&
		c.GenerateSentences == "" && c.Echo == "" {
		errs = append(errs, "bot.commands must define at least one keyword")
	}

	if cfg.General.Concurrency < 1 || cfg.General.Concurrency > 64 {
		errs = append(errs, "general.concurrency must be between 1 and 64")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Pipeline.TimeoutSeconds < 1 {
		errs = append(errs, "pipeline.timeoutSeconds must be >= 1")
	}
	if cfg.Pipeline.DownloadTimeoutSeconds < 1 {
		errs = append(errs, "pipeline.downloadTimeoutSeconds must be >= 1")
	}
	if cfg.Pipeline.MaxDownloadBytes < 1 {
		errs = append(errs, "pipeline.maxDownloadBytes must be >= 1")
	}
	if cfg.Pipeline.MaxPixels < 1 {
		errs = append(errs, "pipeline.maxPixels must be >= 1")
	}
	if cfg.Pipeline.JPEGQuality < 1 || cfg.Pipeline.JPEGQuality > 100 {
		errs = append(errs, "pipeline.jpegQuality must be between 1 and 100")
	}

	if cfg.Channels.VK.Enabled && cfg.Channels.VK.GroupID <= 0 {
		errs = append(errs, "channels.vk.groupId is required when vk is enabled")
	}
	if cfg.Channels.Matrix.Enabled && cfg.Channels.Matrix.Homeserver == "" {
		errs = append(errs, "channels.matrix.homeserver is required when matrix is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
