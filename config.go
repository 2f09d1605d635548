package drip

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the tunable settings of a download. Zero values are replaced
// with the defaults from DefaultConfig.
type Config struct {
	// port reported to the tracker in announces
	Port int `yaml:"port"`
	// directory the torrent data is written into
	DownloadDir string `yaml:"download_dir"`
	// maximum number of concurrent peer connections
	MaxPeerSessions int `yaml:"max_peer_sessions"`
	// number of peers requested from the tracker per announce
	NumWant int `yaml:"num_want"`
	// maximum in-flight block requests per peer
	RequestWindow int `yaml:"request_window"`
	// overall download rate limit in bytes per second, 0 means unlimited
	DownloadRateLimit int64 `yaml:"download_rate_limit"`

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

var DefaultConfig = Config{
	Port:              6881,
	DownloadDir:       ".",
	MaxPeerSessions:   10,
	NumWant:           50,
	RequestWindow:     5,
	DialTimeout:       10 * time.Second,
	RequestTimeout:    30 * time.Second,
	IdleTimeout:       2 * time.Minute,
	KeepAliveInterval: 90 * time.Second,
}

// LoadConfig reads a YAML config file. A missing file is not an error; the
// defaults are returned.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.fillDefaults()
	return &c, nil
}

// Save writes the config as YAML to the file at filename.
func (c *Config) Save(filename string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0o644)
}

func (c *Config) fillDefaults() {
	if c.Port == 0 {
		c.Port = DefaultConfig.Port
	}
	if c.DownloadDir == "" {
		c.DownloadDir = DefaultConfig.DownloadDir
	}
	if c.MaxPeerSessions == 0 {
		c.MaxPeerSessions = DefaultConfig.MaxPeerSessions
	}
	if c.NumWant == 0 {
		c.NumWant = DefaultConfig.NumWant
	}
	if c.RequestWindow == 0 {
		c.RequestWindow = DefaultConfig.RequestWindow
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultConfig.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultConfig.KeepAliveInterval
	}
}
