package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:    "info",
			LogFile:     "./log.txt",
			CorpusPath:  "~/.vitalya/messages.txt",
			Concurrency: 4,
			OutputDir:   "~/.vitalya/output",
		},
		Bot: BotConfig{
			Commands: CommandsConfig{
				Break:             "break",
				Liquidate:         "liquidate",
				Compress:          "compress",
				AddText:           "caption",
				GenerateSentences: "speak",
				Echo:              "repeat",
			},
			ResponseProbability: 0.1,
		},
		Pipeline: PipelineConfig{
			TimeoutSeconds:         60,
			DownloadTimeoutSeconds: 30,
			MaxDownloadBytes:       20 * 1024 * 1024,
			JPEGQuality:            90,
			MaxPixels:              40_000_000,
		},
		Channels: ChannelsConfig{
			VK: VKConfig{
				Enabled:     false,
				APIBase:     "https://api.vk.com/method",
				APIVersion:  "5.199",
				RatePerSec:  20,
				WaitSeconds: 25,
			},
			Telegram: TelegramConfig{
				Enabled: false,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Journal: JournalConfig{
			Enabled: false,
			DBPath:  "~/.vitalya/journal.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
