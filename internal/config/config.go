package config

import (
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Generation GenerationConfig
	Autosave   AutosaveConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type GenerationConfig struct {
	BaseURL    string
	TextModel  string
	ImageModel string
	Timeout    time.Duration
	APIKey     string
}

type AutosaveConfig struct {
	QuietPeriod time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Generation: GenerationConfig{
			BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
			TextModel:  "gemini-2.5-pro",
			ImageModel: "gemini-2.5-flash-image",
			Timeout:    120 * time.Second,
		},
		Autosave: AutosaveConfig{
			QuietPeriod: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.agilelab.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/agilelab/config.json
// and secrets fall back to $XDG_DATA_HOME/agilelab/secrets.json.
//
// Environment variables (AGILELAB_*) override backend values on all platforms.
// A missing generation API key is not an error: generation calls report it.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Generation.APIKey == "" {
		if key, err := kc.Get(keychainService, geminiAccount); err == nil && key != "" {
			cfg.Generation.APIKey = key
		}
	}

	return cfg, nil
}

// APIKeyHint tells operators where the generation API key is read from.
func APIKeyHint() string {
	return "set AGILELAB_GEMINI_API_KEY" + apiKeyHint()
}
