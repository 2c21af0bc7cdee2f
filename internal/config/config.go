package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"
	"github.com/pelletier/go-toml/v2"
)

// EnvConfigPath names the variable consulted when no --config flag is given.
const EnvConfigPath = "RECORDER_CONFIG"

const (
	ModeDial   = "dial"
	ModeListen = "listen"
)

type Config struct {
	Server   ServerConfig   `toml:"server" json:"server"`
	Recorder RecorderConfig `toml:"recorder" json:"recorder"`
	Control  ControlConfig  `toml:"control" json:"control"`
	Security SecurityConfig `toml:"security" json:"security"`
	Journal  JournalConfig  `toml:"journal" json:"journal"`
	Log      LogConfig      `toml:"log" json:"log"`
}

type ServerConfig struct {
	Port            int      `toml:"port" json:"port"`
	Host            string   `toml:"host" json:"host"`
	ReadTimeout     Duration `toml:"read_timeout" json:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout" json:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" json:"shutdown_timeout"`
}

type RecorderConfig struct {
	OutputDir string `toml:"output_dir" json:"output_dir"`
	LockFile  string `toml:"lock_file" json:"lock_file"`
	ChromeBin string `toml:"chrome_bin" json:"chrome_bin"`
	FFmpegBin string `toml:"ffmpeg_bin" json:"ffmpeg_bin"`
	NoSandbox bool   `toml:"no_sandbox" json:"no_sandbox"`
	Headless  bool   `toml:"headless" json:"headless"`

	WindowWidth    int `toml:"window_width" json:"window_width"`
	WindowHeight   int `toml:"window_height" json:"window_height"`
	ViewportWidth  int `toml:"viewport_width" json:"viewport_width"`
	ViewportHeight int `toml:"viewport_height" json:"viewport_height"`

	StepTimeout       Duration `toml:"step_timeout" json:"step_timeout"`
	NavigationTimeout Duration `toml:"navigation_timeout" json:"navigation_timeout"`
	ShutdownGrace     Duration `toml:"shutdown_grace" json:"shutdown_grace"`
	PublishTimeout    Duration `toml:"publish_timeout" json:"publish_timeout"`

	// Secrets the target page expects on every request.
	ClientSecret   string `toml:"client_specifier_secret" json:"-"`
	RecorderSecret string `toml:"recorder_auth_secret" json:"-"`
}

type ControlConfig struct {
	Mode       string   `toml:"mode" json:"mode"`
	SocketURL  string   `toml:"socket_url" json:"socket_url"`
	Secret     string   `toml:"recorder_specifier_secret" json:"-"`
	Token      string   `toml:"token" json:"-"` // guards the REST and websocket endpoints
	MinBackoff Duration `toml:"min_backoff" json:"min_backoff"`
	MaxBackoff Duration `toml:"max_backoff" json:"max_backoff"`
}

type SecurityConfig struct {
	// CORSOrigins empty means localhost origins only.
	CORSOrigins []string `toml:"cors_origins" json:"cors_origins"`
	RateLimit   int      `toml:"rate_limit" json:"rate_limit"`
	RateWindow  Duration `toml:"rate_window" json:"rate_window"`
}

type JournalConfig struct {
	MongoURI   string `toml:"mongo_uri" json:"-"`
	Database   string `toml:"database" json:"database"`
	Collection string `toml:"collection" json:"collection"`
}

// Enabled reports whether status events are journaled.
func (j JournalConfig) Enabled() bool { return j.MongoURI != "" }

type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// Duration reads Go duration strings ("30s") from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{2 * time.Minute},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Recorder: RecorderConfig{
			OutputDir:         "public/stream",
			LockFile:          "meetcast.lock",
			FFmpegBin:         "ffmpeg",
			Headless:          true,
			WindowWidth:       1345,
			WindowHeight:      810,
			ViewportWidth:     1345,
			ViewportHeight:    780,
			StepTimeout:       Duration{30 * time.Second},
			NavigationTimeout: Duration{60 * time.Second},
			ShutdownGrace:     Duration{10 * time.Second},
			PublishTimeout:    Duration{5 * time.Second},
		},
		Control: ControlConfig{
			Mode:       ModeDial,
			MinBackoff: Duration{time.Second},
			MaxBackoff: Duration{30 * time.Second},
		},
		Security: SecurityConfig{
			RateLimit:  60,
			RateWindow: Duration{time.Minute},
		},
		Journal: JournalConfig{
			Database:   "meetcast",
			Collection: "recorder_status",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional TOML file
// and the environment, in that order of precedence. An empty path falls
// back to $RECORDER_CONFIG.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.loadEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if err := c.loadServerEnv(); err != nil {
		return fmt.Errorf("failed to load server config: %w", err)
	}
	if err := c.loadRecorderEnv(); err != nil {
		return fmt.Errorf("failed to load recorder config: %w", err)
	}
	if err := c.loadControlEnv(); err != nil {
		return fmt.Errorf("failed to load control config: %w", err)
	}
	if err := c.loadSecurityEnv(); err != nil {
		return fmt.Errorf("failed to load security config: %w", err)
	}
	c.Journal.MongoURI = getEnv("JOURNAL_MONGO_URI", c.Journal.MongoURI)
	c.Journal.Database = getEnv("JOURNAL_DB", c.Journal.Database)
	c.Journal.Collection = getEnv("JOURNAL_COLLECTION", c.Journal.Collection)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	return nil
}

func (c *Config) loadServerEnv() error {
	s := &c.Server
	var err error
	if s.Port, err = getIntEnv("PORT", s.Port); err != nil {
		return err
	}
	s.Host = getEnv("HOST", s.Host)
	if s.ReadTimeout, err = getDurationEnv("READ_TIMEOUT", s.ReadTimeout); err != nil {
		return err
	}
	if s.WriteTimeout, err = getDurationEnv("WRITE_TIMEOUT", s.WriteTimeout); err != nil {
		return err
	}
	if s.IdleTimeout, err = getDurationEnv("IDLE_TIMEOUT", s.IdleTimeout); err != nil {
		return err
	}
	s.ShutdownTimeout, err = getDurationEnv("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	return err
}

func (c *Config) loadRecorderEnv() error {
	r := &c.Recorder
	var err error
	r.OutputDir = getEnv("OUTPUT_DIR", r.OutputDir)
	r.LockFile = getEnv("LOCK_FILE", r.LockFile)
	r.ChromeBin = getEnv("CHROME_BIN", r.ChromeBin)
	r.FFmpegBin = getEnv("FFMPEG_BIN", r.FFmpegBin)
	r.ClientSecret = getEnv("CLIENT_SPECIFIER_SECRET", r.ClientSecret)
	r.RecorderSecret = getEnv("RECORDER_AUTH_SECRET", r.RecorderSecret)
	if r.NoSandbox, err = getBoolEnv("CHROME_NO_SANDBOX", r.NoSandbox); err != nil {
		return err
	}
	if r.Headless, err = getBoolEnv("CHROME_HEADLESS", r.Headless); err != nil {
		return err
	}
	if r.StepTimeout, err = getDurationEnv("STEP_TIMEOUT", r.StepTimeout); err != nil {
		return err
	}
	if r.NavigationTimeout, err = getDurationEnv("NAVIGATION_TIMEOUT", r.NavigationTimeout); err != nil {
		return err
	}
	if r.ShutdownGrace, err = getDurationEnv("TRANSCODER_SHUTDOWN_GRACE", r.ShutdownGrace); err != nil {
		return err
	}
	r.PublishTimeout, err = getDurationEnv("PUBLISH_TIMEOUT", r.PublishTimeout)
	return err
}

func (c *Config) loadControlEnv() error {
	ctl := &c.Control
	var err error
	ctl.Mode = strings.ToLower(getEnv("CONTROL_MODE", ctl.Mode))
	ctl.SocketURL = getEnv("SOCKET_URL", ctl.SocketURL)
	ctl.Secret = getEnv("RECORDER_SPECIFIER_SECRET", ctl.Secret)
	ctl.Token = getEnv("CONTROL_TOKEN", ctl.Token)
	if ctl.MinBackoff, err = getDurationEnv("CONTROL_MIN_BACKOFF", ctl.MinBackoff); err != nil {
		return err
	}
	ctl.MaxBackoff, err = getDurationEnv("CONTROL_MAX_BACKOFF", ctl.MaxBackoff)
	return err
}

func (c *Config) loadSecurityEnv() error {
	s := &c.Security
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		s.CORSOrigins = s.CORSOrigins[:0]
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				s.CORSOrigins = append(s.CORSOrigins, origin)
			}
		}
	}
	var err error
	if s.RateLimit, err = getIntEnv("RATE_LIMIT", s.RateLimit); err != nil {
		return err
	}
	s.RateWindow, err = getDurationEnv("RATE_WINDOW", s.RateWindow)
	return err
}

// PageHeaders returns the headers the recorder page sends with every request.
func (r RecorderConfig) PageHeaders() map[string]string {
	headers := map[string]string{}
	if r.ClientSecret != "" {
		headers["authorization"] = "Bearer " + r.ClientSecret
	}
	if r.RecorderSecret != "" {
		headers["x-meetcast-recorder-token"] = "Bearer " + r.RecorderSecret
	}
	return headers
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return intValue, nil
}

func getBoolEnv(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDurationEnv(key string, defaultValue Duration) (Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return Duration{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return Duration{duration}, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Recorder.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	if c.Recorder.FFmpegBin == "" {
		return fmt.Errorf("ffmpeg binary is required")
	}
	if c.Recorder.WindowWidth <= 0 || c.Recorder.WindowHeight <= 0 {
		return fmt.Errorf("invalid window size %dx%d", c.Recorder.WindowWidth, c.Recorder.WindowHeight)
	}
	if c.Recorder.ViewportWidth <= 0 || c.Recorder.ViewportHeight <= 0 {
		return fmt.Errorf("invalid viewport size %dx%d", c.Recorder.ViewportWidth, c.Recorder.ViewportHeight)
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"step timeout", c.Recorder.StepTimeout},
		{"navigation timeout", c.Recorder.NavigationTimeout},
		{"transcoder shutdown grace", c.Recorder.ShutdownGrace},
		{"publish timeout", c.Recorder.PublishTimeout},
		{"server shutdown timeout", c.Server.ShutdownTimeout},
		{"control min backoff", c.Control.MinBackoff},
		{"control max backoff", c.Control.MaxBackoff},
		{"rate window", c.Security.RateWindow},
	} {
		if d.value.Duration <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	switch c.Control.Mode {
	case ModeDial:
		if c.Control.SocketURL == "" {
			return fmt.Errorf("SOCKET_URL is required in %s mode", ModeDial)
		}
	case ModeListen:
	default:
		return fmt.Errorf("invalid control mode %q", c.Control.Mode)
	}
	switch c.Log.Format {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}
