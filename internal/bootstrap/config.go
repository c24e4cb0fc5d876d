package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/target/voice-message-api/config"
)

// envFilesVar names a comma-separated list of dotenv files to load instead of ".env".
const envFilesVar = "VOICEMSG_ENV_FILES"

// InitLogger installs an info-level JSON logger for use before config is loaded.
func InitLogger() *slog.Logger {
	return ConfigureLogger("info", false)
}

// ConfigureLogger installs the process logger: text in development, JSON elsewhere.
func ConfigureLogger(level string, isDev bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level), AddSource: isDev}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if isDev {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h).With("service", "voice-message-api")
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// LoadConfig reads dotenv files when present, then parses the environment.
// Variables already set in the environment win over dotenv values.
func LoadConfig() (config.AppConfig, error) {
	var cfg config.AppConfig
	if err := loadEnvFiles(); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

func loadEnvFiles() error {
	var files []string
	for f := range strings.SplitSeq(os.Getenv(envFilesVar), ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	explicit := len(files) > 0
	if !explicit {
		files = []string{".env"}
	}
	err := godotenv.Load(files...)
	var pathErr *os.PathError
	if err == nil || (!explicit && errors.As(err, &pathErr)) {
		return nil
	}
	return fmt.Errorf("load env files %v: %w", files, err)
}

// ValidateServiceConfig requires a parseable SERVICES list naming at least one mode.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	switch {
	case err != nil:
		return fmt.Errorf("invalid service configuration: %w", err)
	case len(services) == 0:
		return errors.New("no services enabled")
	}
	return nil
}

// GetEnabledServices lists enabled mode names in sorted order; invalid config yields none.
func GetEnabledServices(cfg *config.AppConfig) []string {
	out := []string{}
	if cfg == nil {
		return out
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return out
	}
	for mode, on := range services {
		if on {
			out = append(out, string(mode))
		}
	}
	slices.Sort(out)
	return out
}
