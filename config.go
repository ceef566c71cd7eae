package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config mirrors config.yaml. It is read once at startup; edits require a
// restart.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebServer WebServerConfig `yaml:"web_server"`
	WebUI     WebUIConfig     `yaml:"webui"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type MQTTConfig struct {
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	Topic    string     `yaml:"topic"` // must match shairport-sync.conf mqtt.topic
	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
	ClientID string     `yaml:"client_id"`
	UseTLS   bool       `yaml:"use_tls"`
	TLS      *TLSConfig `yaml:"tls"`
	Logger   bool       `yaml:"logger"`
	Discover bool       `yaml:"discover"`
}

type TLSConfig struct {
	CACertsPath                    string `yaml:"ca_certs_path"`
	CertfilePath                   string `yaml:"certfile_path"`
	KeyfilePath                    string `yaml:"keyfile_path"`
	AllowInsecureServerCertificate bool   `yaml:"allow_insecure_server_certificate"`
}

type WebServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Debug          bool     `yaml:"debug"`
	SecretKey      string   `yaml:"secret_key"` // kept so existing config files still parse
	Advertise      bool     `yaml:"advertise"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type WebUIConfig struct {
	ShowPlayer            bool     `yaml:"show_player"`
	ShowPlayerExtended    bool     `yaml:"show_player_extended"`
	ShowPlayerShuffle     bool     `yaml:"show_player_shuffle"`
	ShowPlayerSeeking     bool     `yaml:"show_player_seeking"`
	ShowPlayerStop        bool     `yaml:"show_player_stop"`
	ShowCanvas            bool     `yaml:"show_canvas"`
	ShowUpdateInfo        bool     `yaml:"show_update_info"`
	ShowArtwork           bool     `yaml:"show_artwork"`
	ArtworkRoundedCorners bool     `yaml:"artwork_rounded_corners"`
	ShowTrackMetadata     bool     `yaml:"show_track_metadata"`
	TrackMetadata         []string `yaml:"track_metadata"`
	Theme                 string   `yaml:"theme"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the values used for any key config.yaml omits.
func DefaultConfig() Config {
	return Config{
		MQTT: MQTTConfig{
			Port: 1883,
		},
		WebServer: WebServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		WebUI: WebUIConfig{
			ShowPlayer:        true,
			ShowUpdateInfo:    true,
			ShowArtwork:       true,
			ShowTrackMetadata: true,
			TrackMetadata:     []string{"artist", "album", "title"},
			Theme:             "auto",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads and validates the YAML file at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &OpError{
			Op:   "config.load",
			Kind: KindNotFound,
			Path: path,
			Err:  err,
		}
	}

	cfg, err := ParseConfig(b)
	if err != nil {
		return Config{}, &OpError{
			Op:   "config.load",
			Kind: KindInvalidConfig,
			Path: path,
			Err:  err,
		}
	}
	return cfg, nil
}

// ParseConfig decodes raw YAML on top of DefaultConfig and validates it.
func ParseConfig(b []byte) (Config, error) {
	var sections map[string]yaml.Node
	if err := yaml.Unmarshal(b, &sections); err != nil {
		return Config{}, err
	}
	for _, required := range []string{"mqtt", "web_server"} {
		if _, ok := sections[required]; !ok {
			return Config{}, fmt.Errorf("%w: missing required section %q", ErrInvalidConfig, required)
		}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.MQTT.Topic) == "" {
		problems = append(problems, "mqtt.topic is required")
	}
	if strings.HasSuffix(c.MQTT.Topic, "/") {
		problems = append(problems, "mqtt.topic must not end with '/'")
	}
	if c.MQTT.Host == "" && !c.MQTT.Discover {
		problems = append(problems, "mqtt.host is required unless mqtt.discover is set")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		problems = append(problems, fmt.Sprintf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if t := c.MQTT.TLS; c.MQTT.UseTLS && t != nil {
		if (t.CertfilePath == "") != (t.KeyfilePath == "") {
			problems = append(problems, "mqtt.tls.certfile_path and mqtt.tls.keyfile_path must be set together")
		}
	}

	if c.WebServer.Port <= 0 || c.WebServer.Port > 65535 {
		problems = append(problems, fmt.Sprintf("web_server.port %d out of range", c.WebServer.Port))
	}

	switch c.WebUI.Theme {
	case "auto", "dark", "light":
	default:
		problems = append(problems, fmt.Sprintf("webui.theme %q must be auto, dark or light", c.WebUI.Theme))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// WebAddr is the listen address for the web server.
func (c Config) WebAddr() string {
	return fmt.Sprintf("%s:%d", c.WebServer.Host, c.WebServer.Port)
}
