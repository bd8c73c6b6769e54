// Package config loads vai-cluster settings from defaults, an optional YAML
// file and VAI_CLUSTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const EnvPrefix = "VAI_CLUSTER"

type Config struct {
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Live       LiveConfig       `mapstructure:"live"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Roundtable RoundtableConfig `mapstructure:"roundtable"`
	Log        LogConfig        `mapstructure:"log"`
}

type GeminiConfig struct {
	APIKey    string `mapstructure:"api_key"`
	LiveModel string `mapstructure:"live_model"`
	TextModel string `mapstructure:"text_model"`
}

type DatabaseConfig struct {
	// URL empty disables persistence and knowledge search.
	URL            string        `mapstructure:"url"`
	Migrate        bool          `mapstructure:"migrate"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

type ServerConfig struct {
	Addr                string        `mapstructure:"addr"`
	ReadHeaderTimeout   time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	LevelInterval       time.Duration `mapstructure:"level_interval"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	OutboundQueueSize   int           `mapstructure:"outbound_queue_size"`
	AllowedOrigins      []string      `mapstructure:"allowed_origins"`
}

type LiveConfig struct {
	HostAgent        string        `mapstructure:"host_agent"`
	UserIdentity     string        `mapstructure:"user_identity"`
	RemoveFade       time.Duration `mapstructure:"remove_fade"`
	SearchLimit      int           `mapstructure:"search_limit"`
	SearchTimeout    time.Duration `mapstructure:"search_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RelayTranscripts bool          `mapstructure:"relay_transcripts"`
	// CatalogPath points at a YAML agent catalog; empty uses the built-in one.
	CatalogPath string `mapstructure:"catalog_path"`
}

type AudioConfig struct {
	FFmpegPath    string `mapstructure:"ffmpeg_path"`
	FFplayPath    string `mapstructure:"ffplay_path"`
	MicDevice     string `mapstructure:"mic_device"`
	SpeakerVolume int    `mapstructure:"speaker_volume"`
	FrameSamples  int    `mapstructure:"frame_samples"`
}

type RoundtableConfig struct {
	Rounds int           `mapstructure:"rounds"`
	Pause  time.Duration `mapstructure:"pause"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Gemini: GeminiConfig{
			LiveModel: "gemini-2.5-flash-native-audio-preview-12-2025",
			TextModel: "gemini-2.0-flash-exp",
		},
		Database: DatabaseConfig{
			PersistTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:                ":8080",
			ReadHeaderTimeout:   10 * time.Second,
			WriteTimeout:        5 * time.Second,
			PingInterval:        20 * time.Second,
			LevelInterval:       100 * time.Millisecond,
			ShutdownGracePeriod: 30 * time.Second,
			OutboundQueueSize:   128,
		},
		Live: LiveConfig{
			UserIdentity:   "Guest-Node",
			RemoveFade:     1200 * time.Millisecond,
			SearchLimit:    5,
			SearchTimeout:  10 * time.Second,
			ConnectTimeout: 15 * time.Second,
		},
		Audio: AudioConfig{
			FFmpegPath:    "ffmpeg",
			FFplayPath:    "ffplay",
			SpeakerVolume: 80,
			FrameSamples:  4096,
		},
		Roundtable: RoundtableConfig{
			Rounds: 3,
			Pause:  2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration. path names an explicit config file; when empty,
// vai-cluster.yaml is looked up in the working directory and
// $HOME/.config/vai-cluster, and a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vai-cluster")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "vai-cluster"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if strings.TrimSpace(cfg.Gemini.APIKey) == "" {
		cfg.Gemini.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
	}
	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("gemini.api_key", d.Gemini.APIKey)
	v.SetDefault("gemini.live_model", d.Gemini.LiveModel)
	v.SetDefault("gemini.text_model", d.Gemini.TextModel)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.migrate", d.Database.Migrate)
	v.SetDefault("database.persist_timeout", d.Database.PersistTimeout)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.ping_interval", d.Server.PingInterval)
	v.SetDefault("server.level_interval", d.Server.LevelInterval)
	v.SetDefault("server.shutdown_grace_period", d.Server.ShutdownGracePeriod)
	v.SetDefault("server.outbound_queue_size", d.Server.OutboundQueueSize)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("live.host_agent", d.Live.HostAgent)
	v.SetDefault("live.user_identity", d.Live.UserIdentity)
	v.SetDefault("live.remove_fade", d.Live.RemoveFade)
	v.SetDefault("live.search_limit", d.Live.SearchLimit)
	v.SetDefault("live.search_timeout", d.Live.SearchTimeout)
	v.SetDefault("live.connect_timeout", d.Live.ConnectTimeout)
	v.SetDefault("live.relay_transcripts", d.Live.RelayTranscripts)
	v.SetDefault("live.catalog_path", d.Live.CatalogPath)

	v.SetDefault("audio.ffmpeg_path", d.Audio.FFmpegPath)
	v.SetDefault("audio.ffplay_path", d.Audio.FFplayPath)
	v.SetDefault("audio.mic_device", d.Audio.MicDevice)
	v.SetDefault("audio.speaker_volume", d.Audio.SpeakerVolume)
	v.SetDefault("audio.frame_samples", d.Audio.FrameSamples)

	v.SetDefault("roundtable.rounds", d.Roundtable.Rounds)
	v.SetDefault("roundtable.pause", d.Roundtable.Pause)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Gemini.LiveModel) == "" {
		return fmt.Errorf("%s_GEMINI_LIVE_MODEL must not be empty", EnvPrefix)
	}
	if strings.TrimSpace(c.Gemini.TextModel) == "" {
		return fmt.Errorf("%s_GEMINI_TEXT_MODEL must not be empty", EnvPrefix)
	}
	if c.Database.PersistTimeout <= 0 {
		return fmt.Errorf("%s_DATABASE_PERSIST_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.Database.Migrate && strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("%s_DATABASE_URL must be set when %s_DATABASE_MIGRATE=true", EnvPrefix, EnvPrefix)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("%s_SERVER_ADDR must not be empty", EnvPrefix)
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("%s_SERVER_READ_HEADER_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("%s_SERVER_WRITE_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("%s_SERVER_PING_INTERVAL must be > 0", EnvPrefix)
	}
	if c.Server.LevelInterval <= 0 {
		return fmt.Errorf("%s_SERVER_LEVEL_INTERVAL must be > 0", EnvPrefix)
	}
	if c.Server.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("%s_SERVER_SHUTDOWN_GRACE_PERIOD must be > 0", EnvPrefix)
	}
	if c.Server.OutboundQueueSize <= 0 {
		return fmt.Errorf("%s_SERVER_OUTBOUND_QUEUE_SIZE must be > 0", EnvPrefix)
	}
	if strings.TrimSpace(c.Live.UserIdentity) == "" {
		return fmt.Errorf("%s_LIVE_USER_IDENTITY must not be empty", EnvPrefix)
	}
	if c.Live.RemoveFade < 0 {
		return fmt.Errorf("%s_LIVE_REMOVE_FADE must be >= 0", EnvPrefix)
	}
	if c.Live.SearchLimit <= 0 {
		return fmt.Errorf("%s_LIVE_SEARCH_LIMIT must be > 0", EnvPrefix)
	}
	if c.Live.SearchTimeout <= 0 {
		return fmt.Errorf("%s_LIVE_SEARCH_TIMEOUT must be > 0", EnvPrefix)
	}
	if c.Live.ConnectTimeout < 0 {
		return fmt.Errorf("%s_LIVE_CONNECT_TIMEOUT must be >= 0", EnvPrefix)
	}
	if c.Audio.SpeakerVolume < 0 || c.Audio.SpeakerVolume > 100 {
		return fmt.Errorf("%s_AUDIO_SPEAKER_VOLUME must be between 0 and 100", EnvPrefix)
	}
	if c.Audio.FrameSamples <= 0 {
		return fmt.Errorf("%s_AUDIO_FRAME_SAMPLES must be > 0", EnvPrefix)
	}
	if c.Roundtable.Rounds <= 0 {
		return fmt.Errorf("%s_ROUNDTABLE_ROUNDS must be > 0", EnvPrefix)
	}
	if c.Roundtable.Pause < 0 {
		return fmt.Errorf("%s_ROUNDTABLE_PAUSE must be >= 0", EnvPrefix)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("%s_LOG_FORMAT must be one of console|json", EnvPrefix)
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// splitOrigins accepts both YAML lists and a comma separated env value.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// LoadDotEnv copies KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}
