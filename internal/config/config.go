package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	ModeLocal = "local"
	ModeQueue = "queue"
)

// PublicDownloadLimit is the largest file getFile serves on the public Bot
// API. A self-hosted Bot API server lifts it.
const PublicDownloadLimit int64 = 20 << 20

type Config struct {
	BotToken            string        `mapstructure:"BOT_TOKEN"`
	TelegramAPIEndpoint string        `mapstructure:"TELEGRAM_API_ENDPOINT"`
	MaxFileSize         int64         `mapstructure:"MAX_FILE_SIZE"`
	TelegramUploadLimit int64         `mapstructure:"TG_UPLOAD_LIMIT"`
	DataDir             string        `mapstructure:"DATA_DIR"`
	MinFreeDisk         int64         `mapstructure:"MIN_FREE_DISK"`
	JobTimeout          time.Duration `mapstructure:"JOB_TIMEOUT"`
	SessionTTL          time.Duration `mapstructure:"SESSION_TTL"`
	FFmpegBin           string        `mapstructure:"FFMPEG_BIN"`
	FFprobeBin          string        `mapstructure:"FFPROBE_BIN"`
	FFmpegPreset        string        `mapstructure:"FFMPEG_PRESET"`
	FFmpegExtraArgs     string        `mapstructure:"FFMPEG_EXTRA_ARGS"`
	Concurrency         int           `mapstructure:"CONCURRENCY"`
	PipelineMode        string        `mapstructure:"PIPELINE_MODE"`
	RedisAddr           string        `mapstructure:"REDIS_ADDR"`
	AdminAddr           string        `mapstructure:"ADMIN_ADDR"`
	S3Bucket            string        `mapstructure:"S3_BUCKET"`
	AWSRegion           string        `mapstructure:"AWS_REGION"`
	S3LinkTTL           time.Duration `mapstructure:"S3_LINK_TTL"`
	OTLPEndpoint        string        `mapstructure:"OTLP_ENDPOINT"`
}

var defaults = map[string]any{
	"BOT_TOKEN":             "",
	"TELEGRAM_API_ENDPOINT": "",
	"MAX_FILE_SIZE":         "2GB",
	"TG_UPLOAD_LIMIT":       "50MB",
	"DATA_DIR":              "/data",
	"MIN_FREE_DISK":         "500MB",
	"JOB_TIMEOUT":           "30m",
	"SESSION_TTL":           "24h",
	"FFMPEG_BIN":            "ffmpeg",
	"FFPROBE_BIN":           "ffprobe",
	"FFMPEG_PRESET":         "veryfast",
	"FFMPEG_EXTRA_ARGS":     "",
	"CONCURRENCY":           2,
	"PIPELINE_MODE":         ModeLocal,
	"REDIS_ADDR":            "localhost:6379",
	"ADMIN_ADDR":            ":8080",
	"S3_BUCKET":             "",
	"AWS_REGION":            "us-east-1",
	"S3_LINK_TTL":           "24h",
	"OTLP_ENDPOINT":         "",
}

// stringToDurationHookFunc parses Go duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes such as "2GB" into bytes.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string, let other parsers handle it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

// Load reads .env, the optional config file and the environment, in that
// order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	vp := viper.New()
	for k, v := range defaults {
		vp.SetDefault(k, v)
		// AutomaticEnv only resolves keys viper already knows about.
		_ = vp.BindEnv(k)
	}

	vp.SetConfigName("converter_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/tg-converter/")
	if err := vp.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}
	cfg.PipelineMode = strings.ToLower(strings.TrimSpace(cfg.PipelineMode))
	return &cfg, nil
}

// Validate checks limits and mode. It does not require BOT_TOKEN; callers
// that talk to Telegram check that themselves.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("JOB_TIMEOUT must be positive, got %s", c.JobTimeout))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("CONCURRENCY must be at least 1, got %d", c.Concurrency))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	switch c.PipelineMode {
	case ModeLocal:
	case ModeQueue:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required in queue mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PIPELINE_MODE %q", c.PipelineMode))
	}
	return errors.Join(errs...)
}

// EffectiveMaxFileSize is the upload size the bot can actually fetch:
// MAX_FILE_SIZE, capped at PublicDownloadLimit without TELEGRAM_API_ENDPOINT.
func (c *Config) EffectiveMaxFileSize() int64 {
	if c.TelegramAPIEndpoint == "" && c.MaxFileSize > PublicDownloadLimit {
		return PublicDownloadLimit
	}
	return c.MaxFileSize
}

// S3Enabled reports whether oversized outputs can be delivered as links.
func (c *Config) S3Enabled() bool { return c.S3Bucket != "" }
