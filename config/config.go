package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	RoleHub   = "hub"
	RoleSpoke = "spoke"
)

type Config struct {
	Role    string `mapstructure:"role"`
	SiteURL string `mapstructure:"site_url"`

	Server struct {
		Address  string `mapstructure:"address"`
		HTTPPort string `mapstructure:"http_port"`
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"` // sqlite | postgres | mysql
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // text | json
		File   string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Hub struct {
		URL string `mapstructure:"url"` // spoke only: where to pair and forward
	} `mapstructure:"hub"`

	Auth struct {
		SessionTokens []string `mapstructure:"session_tokens"`
		AdminKey      string   `mapstructure:"admin_key"` // X-TMON-ADMIN: hub admin API, spoke override of uc_key
	} `mapstructure:"auth"`

	Queue struct {
		TTL        time.Duration `mapstructure:"ttl"`
		MaxPerSite int           `mapstructure:"max_per_site"`
	} `mapstructure:"queue"`

	Commands struct {
		PollLimit    int           `mapstructure:"poll_limit"`
		ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
		MaxRequeues  int           `mapstructure:"max_requeues"`
		TTL          time.Duration `mapstructure:"ttl"`
	} `mapstructure:"commands"`

	Sentinel struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sentinel"`

	Sync struct {
		Timeout      time.Duration `mapstructure:"timeout"`
		PullInterval time.Duration `mapstructure:"pull_interval"`
	} `mapstructure:"sync"`

	Install struct {
		StagingDir string `mapstructure:"staging_dir"`
	} `mapstructure:"install"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", RoleHub)
	v.SetDefault("site_url", "")
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tmon.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("queue.ttl", time.Hour)
	v.SetDefault("queue.max_per_site", 10)
	v.SetDefault("commands.poll_limit", 20)
	v.SetDefault("commands.claim_timeout", 5*time.Minute)
	v.SetDefault("commands.max_requeues", 3)
	v.SetDefault("commands.ttl", 7*24*time.Hour)
	v.SetDefault("sentinel.interval", time.Hour)
	v.SetDefault("sync.timeout", 15*time.Second)
	v.SetDefault("sync.pull_interval", 5*time.Minute)
	v.SetDefault("install.staging_dir", "staging")
}

// Load reads the optional YAML file at path, then TMON_* environment
// variables, then any flags already bound in fs.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if fs != nil {
		if f := fs.Lookup("role"); f != nil {
			_ = v.BindPFlag("role", f)
		}
		if f := fs.Lookup("port"); f != nil {
			_ = v.BindPFlag("server.http_port", f)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks role-specific requirements. Both roles need site_url:
// the hub puts it into install callbacks, the spoke registers under it.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleHub:
	case RoleSpoke:
		if strings.TrimSpace(c.Hub.URL) == "" {
			return fmt.Errorf("config: hub.url is required for role %q", RoleSpoke)
		}
	default:
		return fmt.Errorf("config: unknown role %q (want hub|spoke)", c.Role)
	}
	if strings.TrimSpace(c.SiteURL) == "" {
		return fmt.Errorf("config: site_url is required for role %q", c.Role)
	}
	if c.Queue.MaxPerSite < 1 {
		return fmt.Errorf("config: queue.max_per_site must be >= 1")
	}
	if c.Queue.TTL <= 0 {
		return fmt.Errorf("config: queue.ttl must be positive")
	}
	return nil
}
