package config

import "time"

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`
	// BaseURL prefixes message links in failure notifications.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// Gzip for JSON responses at least CompressionMinSize bytes long.
	CompressionEnabled bool `env:"HTTP_COMPRESSION_ENABLED" envDefault:"false"`
	CompressionLevel   int  `env:"HTTP_COMPRESSION_LEVEL" envDefault:"6"`
	CompressionMinSize int  `env:"HTTP_COMPRESSION_MIN_SIZE" envDefault:"1024"`

	MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"65536"`
	// AudioURLTTL is the lifetime of presigned audio URLs when the request names none.
	AudioURLTTL time.Duration `env:"HTTP_AUDIO_URL_TTL" envDefault:"15m"`

	ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	// WriteTimeout must cover a synchronous submission, which waits on synthesis.
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"90s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"2m"`
	// ShutdownTimeout bounds the drain of in-flight requests and pipelines.
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Sanitize clamps out-of-range values to usable defaults.
func (h *HTTPConfig) Sanitize() {
	h.CompressionLevel = min(max(h.CompressionLevel, 1), 9)
	h.CompressionMinSize = max(h.CompressionMinSize, 0)
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = 64 << 10
	}
	defaultDuration(&h.AudioURLTTL, 15*time.Minute)
	defaultDuration(&h.ReadTimeout, 30*time.Second)
	defaultDuration(&h.WriteTimeout, 90*time.Second)
	defaultDuration(&h.IdleTimeout, 2*time.Minute)
	defaultDuration(&h.ShutdownTimeout, 30*time.Second)
}

func defaultDuration(d *time.Duration, fallback time.Duration) {
	if *d <= 0 {
		*d = fallback
	}
}
