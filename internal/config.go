package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Env string `yaml:"env"`

	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		StaticDir       string        `yaml:"static_dir"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	} `yaml:"server"`

	WebSocket struct {
		ReadBufferSize  int           `yaml:"read_buffer_size"`
		WriteBufferSize int           `yaml:"write_buffer_size"`
		MaxMessageSize  int64         `yaml:"max_message_size"`
		SendBufferSize  int           `yaml:"send_buffer_size"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
	} `yaml:"websocket"`

	Liveness struct {
		Interval        time.Duration `yaml:"interval"`
		MaxMissedProbes int           `yaml:"max_missed_probes"`
	} `yaml:"liveness"`

	Rooms struct {
		MaxCodeAttempts   int `yaml:"max_code_attempts"`
		MaxUsernameLength int `yaml:"max_username_length"`
	} `yaml:"rooms"`

	RateLimit struct {
		Requests        int64         `yaml:"requests"`
		Window          time.Duration `yaml:"window"`
		FrameBurst      int64         `yaml:"frame_burst"`
		FramesPerSecond float64       `yaml:"frames_per_second"`
	} `yaml:"rate_limit"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 預設配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig 載入配置：預設值 → YAML 檔（可選）→ 環境變數
//
// path 為空或檔案不存在時只使用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 填補未設定的欄位
func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "public"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 10 << 10
	}

	if c.WebSocket.ReadBufferSize == 0 {
		c.WebSocket.ReadBufferSize = 1024
	}
	if c.WebSocket.WriteBufferSize == 0 {
		c.WebSocket.WriteBufferSize = 1024
	}
	if c.WebSocket.MaxMessageSize == 0 {
		c.WebSocket.MaxMessageSize = 10 << 10
	}
	if c.WebSocket.SendBufferSize == 0 {
		c.WebSocket.SendBufferSize = 256
	}
	if c.WebSocket.WriteTimeout == 0 {
		c.WebSocket.WriteTimeout = 10 * time.Second
	}

	if c.Liveness.Interval == 0 {
		c.Liveness.Interval = 30 * time.Second
	}
	if c.Liveness.MaxMissedProbes == 0 {
		c.Liveness.MaxMissedProbes = 1
	}

	if c.Rooms.MaxCodeAttempts == 0 {
		c.Rooms.MaxCodeAttempts = 10
	}
	if c.Rooms.MaxUsernameLength == 0 {
		c.Rooms.MaxUsernameLength = 32
	}

	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 15 * time.Minute
	}
	if c.RateLimit.FrameBurst == 0 {
		c.RateLimit.FrameBurst = 10
	}
	if c.RateLimit.FramesPerSecond == 0 {
		c.RateLimit.FramesPerSecond = 5
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "roomrelay:ratelimit:"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "roomrelay"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// applyEnv 以環境變數覆蓋配置
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("APP_ENV"); v != "" {
		c.Env = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := getenv("STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitCSV(v)
	}
	if v := getenv("LIVENESS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LIVENESS_INTERVAL %q: %w", v, err)
		}
		c.Liveness.Interval = d
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate 檢查配置是否合法
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Liveness.Interval < 0 {
		errs = append(errs, fmt.Errorf("liveness.interval must be positive: %s", c.Liveness.Interval))
	}
	if c.Liveness.MaxMissedProbes < 0 {
		errs = append(errs, fmt.Errorf("liveness.max_missed_probes must be positive: %d", c.Liveness.MaxMissedProbes))
	}
	if c.Rooms.MaxCodeAttempts < 0 {
		errs = append(errs, fmt.Errorf("rooms.max_code_attempts must be positive: %d", c.Rooms.MaxCodeAttempts))
	}
	if c.WebSocket.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("websocket.max_message_size must be positive: %d", c.WebSocket.MaxMessageSize))
	}
	return errors.Join(errs...)
}

// Addr HTTP 監聽地址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// IsProduction 是否為正式環境
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// splitCSV 切分逗號分隔清單並去除空白
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
