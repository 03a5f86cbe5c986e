package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			APIAddr:      "127.0.0.1:8080",
			WebhookAddr:  ":9090",
			ReadReceipts: true,
		},
		Store: StoreConfig{
			DBPath: "~/.chatbridge/chatbridge.db",
		},
		Templates: TemplatesConfig{
			Dir: "~/.chatbridge/templates",
		},
		Providers: ProvidersConfig{
			HTTPTimeoutSeconds: 15,
		},
	}
}
