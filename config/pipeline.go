package config

import (
	"strings"
	"time"
)

// SynthesisConfig configures the speech synthesis API client.
type SynthesisConfig struct {
	Endpoint string        `env:"ENDPOINT"  envDefault:"https://api.openai.com/v1"`
	APIKey   string        `env:"API_KEY"`
	Model    string        `env:"MODEL"     envDefault:"tts-1"`
	Voice    string        `env:"VOICE"     envDefault:"alloy"`
	MaxBytes int64         `env:"MAX_BYTES" envDefault:"10485760"` // 10 MiB
	Timeout  time.Duration `env:"TIMEOUT"   envDefault:"60s"`
}

// Sanitize applies guardrails to synthesis configuration values.
func (s *SynthesisConfig) Sanitize() {
	s.Endpoint = strings.TrimRight(strings.TrimSpace(s.Endpoint), "/")
	s.APIKey = strings.TrimSpace(s.APIKey)
	if s.MaxBytes <= 0 {
		s.MaxBytes = 10 << 20
	}
	if s.Timeout <= 0 {
		s.Timeout = 60 * time.Second
	}
}

// ObjectStoreBackend selects the ObjectStore implementation.
type ObjectStoreBackend string

const (
	// ObjectStoreBackendMemory keeps audio in process memory (development and tests).
	ObjectStoreBackendMemory ObjectStoreBackend = "memory"
	// ObjectStoreBackendS3 stores audio in S3 or an S3-compatible service.
	ObjectStoreBackendS3 ObjectStoreBackend = "s3"
	// ObjectStoreBackendGCS stores audio in Google Cloud Storage.
	ObjectStoreBackendGCS ObjectStoreBackend = "gcs"
)

// ObjectStoreConfig configures where synthesized audio is stored.
type ObjectStoreConfig struct {
	Backend   ObjectStoreBackend `env:"BACKEND"    envDefault:"memory"`
	Bucket    string             `env:"BUCKET"     envDefault:"voice-messages"`
	KeyPrefix string             `env:"KEY_PREFIX"`

	// S3 settings. Endpoint and UsePathStyle target S3-compatible services (MinIO, LocalStack).
	Region          string `env:"REGION"            envDefault:"us-east-1"`
	Endpoint        string `env:"ENDPOINT"`
	UsePathStyle    bool   `env:"USE_PATH_STYLE"    envDefault:"false"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`

	// MemoryBaseURL prefixes URLs produced by the memory backend.
	MemoryBaseURL string `env:"MEMORY_BASE_URL" envDefault:"memory://"`
}

// Sanitize normalises object store configuration values.
func (o *ObjectStoreConfig) Sanitize() {
	o.Backend = ObjectStoreBackend(strings.ToLower(strings.TrimSpace(string(o.Backend))))
	switch o.Backend {
	case ObjectStoreBackendMemory, ObjectStoreBackendS3, ObjectStoreBackendGCS:
	default:
		o.Backend = ObjectStoreBackendMemory
	}
	o.Bucket = strings.TrimSpace(o.Bucket)
	o.Endpoint = strings.TrimSpace(o.Endpoint)
	o.KeyPrefix = strings.Trim(strings.TrimSpace(o.KeyPrefix), "/")
}

// EventsConfig configures the status event bus.
type EventsConfig struct {
	// Enabled publishes to NATS JetStream; when false events are written to the log.
	Enabled         bool          `env:"ENABLED"          envDefault:"false"`
	URL             string        `env:"NATS_URL"         envDefault:"nats://localhost:4222"`
	Topic           string        `env:"TOPIC"            envDefault:"voice-processing-status"`
	Partitions      int           `env:"PARTITIONS"       envDefault:"3"`
	Replicas        int           `env:"REPLICAS"         envDefault:"1"`
	DuplicateWindow time.Duration `env:"DUPLICATE_WINDOW" envDefault:"2m"`
	MaxAge          time.Duration `env:"MAX_AGE"          envDefault:"168h"`
}

// Sanitize applies guardrails to event bus configuration values.
func (e *EventsConfig) Sanitize() {
	e.URL = strings.TrimSpace(e.URL)
	e.Topic = strings.TrimSpace(e.Topic)
	if e.Topic == "" {
		e.Topic = "voice-processing-status"
	}
	if e.Partitions < 1 {
		e.Partitions = 1
	}
	if e.Replicas < 1 {
		e.Replicas = 1
	}
	if e.Replicas > 5 {
		e.Replicas = 5
	}
	if e.Enabled && e.URL == "" {
		e.Enabled = false
	}
}
