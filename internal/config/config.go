// Package config handles runwatch configuration
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/timer"
)

// Supported backends and channels.
const (
	OCRTesseract = "tesseract"
	OCRGRPC      = "grpc"

	StateFile   = "file"
	StateRedis  = "redis"
	StateDynamo = "dynamodb"

	ChannelX        = "x"
	ChannelPushover = "pushover"
)

type Config struct {
	Enabled bool
	Stream  Stream
	Monitor Monitor
	Capture Capture
	OCR     OCR
	State   State
	AWS     AWS
	Notify  Notify
	Archive Archive
	Events  Events
	Status  Status
	Log     Log
}

type Stream struct {
	Channel       string
	Category      string
	ClientID      string
	ClientSecret  string
	RatePerMinute int
}

type Monitor struct {
	Window                 timer.Window
	PollInterval           time.Duration
	SessionDuration        time.Duration
	CallTimeout            time.Duration
	GateCooldown           time.Duration
	ContinuitySlack        time.Duration
	ReanchorAfter          int
	MaxConsecutiveFailures int
	MaxSendAttempts        int
	DryRun                 bool
	SingleCheck            bool
}

type Capture struct {
	YtDlpBin  string
	FFmpegBin string
}

type OCR struct {
	Backend      string
	Addr         string
	TesseractBin string
	Region       [4]float64 // left, top, right, bottom as frame fractions
	Scale        int
	Threshold    int
}

type State struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
	DynamoTable   string
}

type AWS struct {
	Region   string
	Endpoint string
}

type Notify struct {
	Channels         []string
	XConsumerKey     string
	XConsumerSecret  string
	XAccessToken     string
	XAccessSecret    string
	PushoverUserKey  string
	PushoverAppToken string
}

// Archive points at S3 or an S3-compatible store. Static keys are optional;
// the default AWS credential chain is used without them.
type Archive struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

type Events struct {
	NATSURL string
	Subject string
}

type Status struct {
	Addr           string
	PushgatewayURL string
}

type Log struct {
	Level  string
	Format string
}

// Load reads env files, builds the config from the environment and validates it.
func Load(paths ...string) (*Config, error) {
	cfg, err := Read(paths...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads env files and parses the environment without cross-field
// validation. With no paths, a missing ./.env is ignored; explicit paths must
// exist. Variables already set in the environment win over file values.
func Read(paths ...string) (*Config, error) {
	if err := loadEnvFiles(paths); err != nil {
		return nil, err
	}

	window, err := timer.ParseWindow(getEnv("THRESHOLD_LOWER", "10:00"), getEnv("THRESHOLD_UPPER", "14:27"))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "thresholds")
	}
	region, err := parseRegion(getEnv("OCR_REGION", "0.75,0.02,0.98,0.08"))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "OCR_REGION")
	}

	cfg := &Config{
		Enabled: getEnvBool("RUNWATCH_ENABLED", true),
		Stream: Stream{
			Channel:       strings.ToLower(getEnv("STREAM_CHANNEL", "forsen")),
			Category:      getEnv("STREAM_CATEGORY", "Minecraft"),
			ClientID:      getEnv("TWITCH_CLIENT_ID", ""),
			ClientSecret:  getEnv("TWITCH_CLIENT_SECRET", ""),
			RatePerMinute: getEnvInt("TWITCH_RATE_PER_MINUTE", 60),
		},
		Monitor: Monitor{
			Window:                 window,
			PollInterval:           getEnvSeconds("POLL_INTERVAL_SECONDS", 60*time.Second),
			SessionDuration:        getEnvSeconds("SESSION_DURATION_SECONDS", 19800*time.Second),
			CallTimeout:            getEnvSeconds("CALL_TIMEOUT_SECONDS", 30*time.Second),
			GateCooldown:           getEnvSeconds("GATE_COOLDOWN_SECONDS", time.Duration(window.Upper.Total())*time.Second),
			ContinuitySlack:        getEnvSeconds("CONTINUITY_SLACK_SECONDS", timer.DefaultSlack),
			ReanchorAfter:          getEnvInt("REANCHOR_AFTER", timer.DefaultReanchorAfter),
			MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 5),
			MaxSendAttempts:        getEnvInt("MAX_SEND_ATTEMPTS", 3),
			DryRun:                 getEnvBool("DRY_RUN", false),
		},
		Capture: Capture{
			YtDlpBin:  getEnv("YTDLP_BIN", "yt-dlp"),
			FFmpegBin: getEnv("FFMPEG_BIN", "ffmpeg"),
		},
		OCR: OCR{
			Backend:      strings.ToLower(getEnv("OCR_BACKEND", OCRTesseract)),
			Addr:         getEnv("OCR_ADDR", "localhost:50051"),
			TesseractBin: getEnv("TESSERACT_BIN", "tesseract"),
			Region:       region,
			Scale:        getEnvInt("OCR_SCALE", 3),
			Threshold:    getEnvInt("OCR_THRESHOLD", 180),
		},
		State: State{
			Backend:       strings.ToLower(getEnv("STATE_BACKEND", StateFile)),
			Path:          getEnv("STATE_PATH", "state.json"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			RedisKey:      getEnv("REDIS_KEY", "runwatch:runs"),
			DynamoTable:   getEnv("DYNAMODB_TABLE", "runwatch-runs"),
		},
		AWS: AWS{
			Region:   getEnv("AWS_REGION", "us-east-1"),
			Endpoint: getEnv("AWS_ENDPOINT", ""),
		},
		Notify: Notify{
			Channels:         lower(getEnvList("NOTIFY_CHANNELS", []string{ChannelX})),
			XConsumerKey:     getEnv("X_CONSUMER_KEY", ""),
			XConsumerSecret:  getEnv("X_CONSUMER_SECRET", ""),
			XAccessToken:     getEnv("X_ACCESS_TOKEN", ""),
			XAccessSecret:    getEnv("X_ACCESS_TOKEN_SECRET", ""),
			PushoverUserKey:  getEnv("PUSHOVER_USER_KEY", ""),
			PushoverAppToken: getEnv("PUSHOVER_APP_TOKEN", ""),
		},
		Archive: Archive{
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Prefix:          getEnv("ARCHIVE_PREFIX", "frames/"),
			Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
			UsePathStyle:    getEnvBool("ARCHIVE_PATH_STYLE", false),
			AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		},
		Events: Events{
			NATSURL: getEnv("NATS_URL", ""),
			Subject: getEnv("NATS_SUBJECT", "runwatch.events"),
		},
		Status: Status{
			Addr:           getEnv("STATUS_ADDR", ""),
			PushgatewayURL: getEnv("PUSHGATEWAY_URL", ""),
		},
		Log: Log{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Stream.Channel == "" {
		return apperrors.New(apperrors.CodeConfigMissing, "STREAM_CHANNEL is required")
	}
	if c.Stream.Category == "" {
		return apperrors.New(apperrors.CodeConfigMissing, "STREAM_CATEGORY is required")
	}
	if c.Stream.ClientID == "" || c.Stream.ClientSecret == "" {
		return apperrors.New(apperrors.CodeConfigMissing, "TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET are required")
	}
	if err := c.Monitor.Window.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigInvalid, "thresholds")
	}

	m := c.Monitor
	switch {
	case m.PollInterval <= 0:
		return invalid("POLL_INTERVAL_SECONDS must be positive")
	case m.SessionDuration <= 0:
		return invalid("SESSION_DURATION_SECONDS must be positive")
	case m.CallTimeout <= 0:
		return invalid("CALL_TIMEOUT_SECONDS must be positive")
	case m.GateCooldown < 0:
		return invalid("GATE_COOLDOWN_SECONDS must not be negative")
	case m.ContinuitySlack < 0:
		return invalid("CONTINUITY_SLACK_SECONDS must not be negative")
	case m.ReanchorAfter < 1:
		return invalid("REANCHOR_AFTER must be at least 1")
	case m.MaxConsecutiveFailures < 1:
		return invalid("MAX_CONSECUTIVE_FAILURES must be at least 1")
	case m.MaxSendAttempts < 1:
		return invalid("MAX_SEND_ATTEMPTS must be at least 1")
	case c.Stream.RatePerMinute < 1:
		return invalid("TWITCH_RATE_PER_MINUTE must be at least 1")
	}

	switch c.OCR.Backend {
	case OCRTesseract, OCRGRPC:
	default:
		return invalid("OCR_BACKEND must be tesseract or grpc, got %q", c.OCR.Backend)
	}
	if c.OCR.Scale < 1 {
		return invalid("OCR_SCALE must be at least 1")
	}
	if c.OCR.Threshold < 1 || c.OCR.Threshold > 255 {
		return invalid("OCR_THRESHOLD must be within 1..255")
	}

	if err := c.ValidateState(); err != nil {
		return err
	}
	if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
		return apperrors.New(apperrors.CodeConfigMissing, "ARCHIVE_ACCESS_KEY_ID and ARCHIVE_SECRET_ACCESS_KEY must be set together")
	}

	if len(c.Notify.Channels) == 0 {
		return apperrors.New(apperrors.CodeConfigMissing, "NOTIFY_CHANNELS is empty")
	}
	for _, ch := range c.Notify.Channels {
		switch ch {
		case ChannelX:
			if !m.DryRun && (c.Notify.XConsumerKey == "" || c.Notify.XConsumerSecret == "" ||
				c.Notify.XAccessToken == "" || c.Notify.XAccessSecret == "") {
				return apperrors.New(apperrors.CodeConfigMissing, "X credentials are required unless DRY_RUN is set")
			}
		case ChannelPushover:
			if !m.DryRun && (c.Notify.PushoverUserKey == "" || c.Notify.PushoverAppToken == "") {
				return apperrors.New(apperrors.CodeConfigMissing, "PUSHOVER_USER_KEY and PUSHOVER_APP_TOKEN are required unless DRY_RUN is set")
			}
		default:
			return invalid("unknown notify channel %q", ch)
		}
	}
	return nil
}

// ValidateState checks only the run state backend settings.
func (c *Config) ValidateState() error {
	switch c.State.Backend {
	case StateFile:
		if c.State.Path == "" {
			return apperrors.New(apperrors.CodeConfigMissing, "STATE_PATH is required for the file backend")
		}
	case StateRedis:
		if c.State.RedisAddr == "" || c.State.RedisKey == "" {
			return apperrors.New(apperrors.CodeConfigMissing, "REDIS_ADDR and REDIS_KEY are required for the redis backend")
		}
	case StateDynamo:
		if c.State.DynamoTable == "" {
			return apperrors.New(apperrors.CodeConfigMissing, "DYNAMODB_TABLE is required for the dynamodb backend")
		}
	default:
		return invalid("STATE_BACKEND must be file, redis or dynamodb, got %q", c.State.Backend)
	}
	return nil
}

// HasChannel reports whether a notify channel is enabled.
func (n Notify) HasChannel(name string) bool {
	return slices.Contains(n.Channels, name)
}

func invalid(format string, args ...any) error {
	return apperrors.Newf(apperrors.CodeConfigInvalid, format, args...)
}

func loadEnvFiles(paths []string) error {
	if len(paths) == 0 {
		err := godotenv.Load(".env")
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return apperrors.Wrap(err, apperrors.CodeConfigInvalid, "load .env")
		}
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigInvalid, "load env files")
	}
	return nil
}

func parseRegion(s string) ([4]float64, error) {
	var r [4]float64
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return r, fmt.Errorf("want 4 comma-separated fractions, got %d", len(parts))
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r, fmt.Errorf("fraction %d: %w", i, err)
		}
		if f < 0 || f > 1 {
			return r, fmt.Errorf("fraction %d out of range: %v", i, f)
		}
		r[i] = f
	}
	if r[0] >= r[2] || r[1] >= r[3] {
		return r, fmt.Errorf("region is empty: %v", r)
	}
	return r, nil
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvSeconds reads a (possibly fractional) number of seconds.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	secs := getEnvFloat(key, def.Seconds())
	return time.Duration(secs * float64(time.Second))
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
