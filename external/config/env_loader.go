package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/aiscribe/internal/config"
)

type envConfig struct {
	Env      string `env:"ENV" envDefault:"production"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/aiscribe.db"`

	JWTSecret string `env:"JWT_SECRET,required"`

	TranscriberBackend         string `env:"TRANSCRIBER_BACKEND" envDefault:"google"`
	DefaultTranscribeLanguage  string `env:"DEFAULT_TRANSCRIBE_LANGUAGE" envDefault:"ja-JP"`
	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-northeast1"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`

	AudioEncoding   string `env:"AUDIO_ENCODING" envDefault:"pcm16"`
	AudioSampleRate int    `env:"AUDIO_SAMPLE_RATE" envDefault:"16000"`
	AudioChannels   int    `env:"AUDIO_CHANNELS" envDefault:"1"`
	AudioDir        string `env:"AUDIO_DIR" envDefault:"data/audio"`
	MaxChunkBytes   int    `env:"MAX_CHUNK_BYTES" envDefault:"1048576"`

	CheckpointIntervalSec  int `env:"CHECKPOINT_INTERVAL_SEC" envDefault:"10"`
	CheckpointMaxAttempts  int `env:"CHECKPOINT_MAX_ATTEMPTS" envDefault:"5"`
	CheckpointBackoffMs    int `env:"CHECKPOINT_BACKOFF_MS" envDefault:"200"`
	MaxSessionDurationMin  int `env:"MAX_SESSION_DURATION_MIN" envDefault:"120"`
	MaxConsecutiveFailures int `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"10"`

	TranscriptTimezone     string `env:"TRANSCRIPT_TIMEZONE" envDefault:"Asia/Tokyo"`
	TranscriptWebhookURL   string `env:"TRANSCRIPT_WEBHOOK_URL"`
	DiscordToken           string `env:"DISCORD_TOKEN"`
	DiscordNotifyChannelID string `env:"DISCORD_NOTIFY_CHANNEL_ID"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		HTTPAddr:                   raw.HTTPAddr,
		DatabaseDriver:             raw.DatabaseDriver,
		DatabaseURL:                raw.DatabaseURL,
		SQLitePath:                 raw.SQLitePath,
		JWTSecret:                  raw.JWTSecret,
		TranscriberBackend:         raw.TranscriberBackend,
		DefaultTranscribeLanguage:  raw.DefaultTranscribeLanguage,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		AudioEncoding:              raw.AudioEncoding,
		AudioSampleRate:            raw.AudioSampleRate,
		AudioChannels:              raw.AudioChannels,
		AudioDir:                   raw.AudioDir,
		MaxChunkBytes:              raw.MaxChunkBytes,
		CheckpointIntervalSec:      raw.CheckpointIntervalSec,
		CheckpointMaxAttempts:      raw.CheckpointMaxAttempts,
		CheckpointBackoffMs:        raw.CheckpointBackoffMs,
		MaxSessionDurationMin:      raw.MaxSessionDurationMin,
		MaxConsecutiveFailures:     raw.MaxConsecutiveFailures,
		TranscriptTimezone:         raw.TranscriptTimezone,
		TranscriptWebhookURL:       raw.TranscriptWebhookURL,
		DiscordToken:               raw.DiscordToken,
		DiscordNotifyChannelID:     raw.DiscordNotifyChannelID,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
