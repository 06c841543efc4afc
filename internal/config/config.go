package config

import (
	"fmt"
	"slices"
	"time"
	_ "time/tzdata"
)

const (
	DatabaseDriverMemory   = "memory"
	DatabaseDriverPostgres = "postgres"
	DatabaseDriverSQLite   = "sqlite"

	TranscriberBackendGoogle = "google"
	TranscriberBackendMock   = "mock"
)

type Config struct {
	Env      string
	HTTPAddr string

	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string

	JWTSecret string

	TranscriberBackend         string
	DefaultTranscribeLanguage  string
	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string

	AudioEncoding   string
	AudioSampleRate int
	AudioChannels   int
	AudioDir        string
	MaxChunkBytes   int

	CheckpointIntervalSec  int
	CheckpointMaxAttempts  int
	CheckpointBackoffMs    int
	MaxSessionDurationMin  int
	MaxConsecutiveFailures int

	TranscriptTimezone     string
	TranscriptWebhookURL   string
	DiscordToken           string
	DiscordNotifyChannelID string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if !slices.Contains([]string{DatabaseDriverMemory, DatabaseDriverPostgres, DatabaseDriverSQLite}, c.DatabaseDriver) {
		return fmt.Errorf("DATABASE_DRIVER must be one of memory, postgres, sqlite, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDriver == DatabaseDriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER=postgres")
	}
	if c.DatabaseDriver == DatabaseDriverSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER=sqlite")
	}
	switch c.TranscriberBackend {
	case TranscriberBackendMock:
	case TranscriberBackendGoogle:
		if c.GoogleCloudProjectID == "" || c.GoogleCloudCredentialsJSON == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID and GOOGLE_CLOUD_CREDENTIALS_JSON are required when TRANSCRIBER_BACKEND=google")
		}
	default:
		return fmt.Errorf("TRANSCRIBER_BACKEND must be google or mock, got %q", c.TranscriberBackend)
	}
	if c.AudioEncoding != "pcm16" && c.AudioEncoding != "opus" {
		return fmt.Errorf("AUDIO_ENCODING must be pcm16 or opus, got %q", c.AudioEncoding)
	}
	for _, p := range c.positiveFieldChecks() {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.DiscordToken != "" && c.DiscordNotifyChannelID == "" {
		return fmt.Errorf("DISCORD_NOTIFY_CHANNEL_ID is required when DISCORD_TOKEN is set")
	}
	if _, err := time.LoadLocation(c.TranscriptTimezone); err != nil {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is invalid: %w", err)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_ADDR", value: c.HTTPAddr},
		{name: "JWT_SECRET", value: c.JWTSecret},
		{name: "DEFAULT_TRANSCRIBE_LANGUAGE", value: c.DefaultTranscribeLanguage},
		{name: "AUDIO_DIR", value: c.AudioDir},
		{name: "TRANSCRIPT_TIMEZONE", value: c.TranscriptTimezone},
	}
}

type positiveEnvField struct {
	name  string
	value int
}

func (c *Config) positiveFieldChecks() []positiveEnvField {
	return []positiveEnvField{
		{name: "AUDIO_SAMPLE_RATE", value: c.AudioSampleRate},
		{name: "AUDIO_CHANNELS", value: c.AudioChannels},
		{name: "MAX_CHUNK_BYTES", value: c.MaxChunkBytes},
		{name: "CHECKPOINT_INTERVAL_SEC", value: c.CheckpointIntervalSec},
		{name: "CHECKPOINT_MAX_ATTEMPTS", value: c.CheckpointMaxAttempts},
		{name: "CHECKPOINT_BACKOFF_MS", value: c.CheckpointBackoffMs},
		{name: "MAX_SESSION_DURATION_MIN", value: c.MaxSessionDurationMin},
		{name: "MAX_CONSECUTIVE_FAILURES", value: c.MaxConsecutiveFailures},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalSec) * time.Second
}

func (c *Config) CheckpointBackoff() time.Duration {
	return time.Duration(c.CheckpointBackoffMs) * time.Millisecond
}

func (c *Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionDurationMin) * time.Minute
}

// Location returns the transcript timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TranscriptTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
