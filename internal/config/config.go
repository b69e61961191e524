package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PaperSize is a paper format in inches.
type PaperSize struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// PostgresConfig describes the control plane database (API tokens, export ledger).
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Enabled reports whether a database has been configured at all.
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

// S3Config points the artifact store at an S3 compatible bucket (Cloudflare R2 by default).
type S3Config struct {
	AccountID string `yaml:"account_id"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	// Credentials are only read from the environment.
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

// Config is the full host configuration.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Limits struct {
		MaxHTMLBytes int `yaml:"max_html_bytes"`
		MaxPDFBytes  int `yaml:"max_pdf_bytes"`
	} `yaml:"limits"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		PDFCacheEnabled bool          `yaml:"pdf_cache_enabled"`
		PDFCacheTTL     time.Duration `yaml:"pdf_cache_ttl"`
		RedisHost       string        `yaml:"redis_host"`
		RateLimitDB     int           `yaml:"redis_rate_db"`
		PDFCacheDB      int           `yaml:"redis_pdf_db"`
	} `yaml:"cache"`

	RateLimiter struct {
		Interval          time.Duration `yaml:"interval"`
		UserLimit         int           `yaml:"user_limit"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
	} `yaml:"rate_limiter"`

	Auth struct {
		Enabled        bool           `yaml:"enabled"`
		ReloadInterval time.Duration  `yaml:"reload_interval"`
		Postgres       PostgresConfig `yaml:"postgres"`
		RecordExports  bool           `yaml:"record_exports"`
	} `yaml:"auth"`

	PDF struct {
		DefaultPaper    string               `yaml:"default_paper"`
		PaperSizes      map[string]PaperSize `yaml:"paper_sizes"`
		Margin          float64              `yaml:"margin"`
		TimeoutSecs     int                  `yaml:"timeout_secs"`
		ChromePath      string               `yaml:"chrome_path"`
		ChromeNoSandbox bool                 `yaml:"chrome_no_sandbox"`
		ChromePoolSize  int                  `yaml:"chrome_pool_size"`
		UserDataDir     string               `yaml:"user_data_dir"`
		DownloadBrowser bool                 `yaml:"download_browser"`
	} `yaml:"pdf"`

	Bridge struct {
		// Transport is one of memory, redis or amqp.
		Transport string `yaml:"transport"`
		RedisAddr string `yaml:"redis_addr"`
		RedisDB   int    `yaml:"redis_db"`
		AMQPURL   string `yaml:"amqp_url"`
		Acks      bool   `yaml:"acks"`
		Workers   int    `yaml:"workers"`
	} `yaml:"bridge"`

	Storage struct {
		// Backend is one of fs or s3.
		Backend string   `yaml:"backend"`
		Dir     string   `yaml:"dir"`
		S3      S3Config `yaml:"s3"`
	} `yaml:"storage"`

	Templates struct {
		Catalog string `yaml:"catalog"`
	} `yaml:"templates"`
}

// Transports understood by the bridge.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportAMQP   = "amqp"
)

// Storage backends understood by the host.
const (
	StorageFS = "fs"
	StorageS3 = "s3"
)

// Load reads the configuration from CONFIG_PATH, falling back to ./config.yaml.
func Load() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFrom(path)
}

// LoadFrom reads, defaults and validates the YAML file at path. It panics on
// unreadable files and invalid values; the host must not start misconfigured.
func LoadFrom(path string) Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("cannot read config %q: %v", path, err))
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		panic(fmt.Sprintf("cannot parse config %q: %v", path, err))
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		panic(fmt.Sprintf("invalid config %q: %v", path, err))
	}
	return cfg
}

func applyEnv(cfg *Config) {
	// Allow the common container env var to override chrome_path.
	if cfg.PDF.ChromePath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.PDF.ChromePath = v
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisHost = v
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" && cfg.Bridge.AMQPURL == "" {
		cfg.Bridge.AMQPURL = v
	}
	if v := os.Getenv("R2_ACCOUNT_ID"); v != "" && cfg.Storage.S3.AccountID == "" {
		cfg.Storage.S3.AccountID = v
	}
	cfg.Storage.S3.AccessKey = os.Getenv("R2_ACCESS_KEY")
	cfg.Storage.S3.SecretKey = os.Getenv("R2_SECRET_KEY")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Limits.MaxHTMLBytes == 0 {
		cfg.Limits.MaxHTMLBytes = 2 * 1024 * 1024
	}
	if cfg.Limits.MaxPDFBytes == 0 {
		cfg.Limits.MaxPDFBytes = 10 * 1024 * 1024
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Cache.PDFCacheTTL == 0 {
		cfg.Cache.PDFCacheTTL = 24 * time.Hour
	}
	if cfg.RateLimiter.Interval == 0 {
		cfg.RateLimiter.Interval = time.Minute
	}
	if cfg.Auth.ReloadInterval == 0 {
		cfg.Auth.ReloadInterval = time.Minute
	}
	if len(cfg.PDF.PaperSizes) == 0 {
		cfg.PDF.PaperSizes = map[string]PaperSize{
			"A4":     {Width: 8.27, Height: 11.69},
			"LETTER": {Width: 8.5, Height: 11},
			"LEGAL":  {Width: 8.5, Height: 14},
		}
	}
	if cfg.PDF.DefaultPaper == "" {
		cfg.PDF.DefaultPaper = "A4"
	}
	cfg.PDF.DefaultPaper = strings.ToUpper(cfg.PDF.DefaultPaper)
	if cfg.PDF.Margin == 0 {
		cfg.PDF.Margin = 0.4
	}
	if cfg.PDF.TimeoutSecs == 0 {
		cfg.PDF.TimeoutSecs = 30
	}
	if cfg.Bridge.Transport == "" {
		cfg.Bridge.Transport = TransportMemory
	}
	if cfg.Bridge.RedisAddr == "" {
		cfg.Bridge.RedisAddr = cfg.Cache.RedisHost
	}
	if cfg.Bridge.Workers == 0 {
		cfg.Bridge.Workers = max(cfg.PDF.ChromePoolSize, 1)
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFS
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "exports"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "auto"
	}
}

func validate(cfg Config) error {
	if _, ok := cfg.PDF.PaperSizes[cfg.PDF.DefaultPaper]; !ok {
		return fmt.Errorf("default_paper %q is not in paper_sizes", cfg.PDF.DefaultPaper)
	}
	if cfg.PDF.Margin < 0 || cfg.PDF.Margin > 2 {
		return fmt.Errorf("pdf margin must be between 0 and 2 inches")
	}
	if cfg.PDF.TimeoutSecs < 0 {
		return fmt.Errorf("pdf timeout_secs must not be negative")
	}
	if cfg.PDF.ChromePoolSize < 0 {
		return fmt.Errorf("chrome_pool_size must not be negative")
	}
	if cfg.RateLimiter.Interval < 0 {
		return fmt.Errorf("rate_limiter interval must not be negative")
	}
	if cfg.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter user_limit must not be negative")
	}
	if cfg.Auth.ReloadInterval < 0 {
		return fmt.Errorf("auth reload_interval must not be negative")
	}
	if cfg.Auth.Enabled && !cfg.Auth.Postgres.Enabled() {
		return fmt.Errorf("auth is enabled but auth.postgres.host is empty")
	}
	if cfg.Auth.RecordExports && !cfg.Auth.Postgres.Enabled() {
		return fmt.Errorf("record_exports needs auth.postgres")
	}
	if cfg.Bridge.Workers < 0 {
		return fmt.Errorf("bridge workers must not be negative")
	}

	switch cfg.Bridge.Transport {
	case TransportMemory:
		if cfg.Bridge.Acks {
			return fmt.Errorf("bridge acks need a redis or amqp transport")
		}
	case TransportRedis:
		if cfg.Bridge.RedisAddr == "" {
			return fmt.Errorf("bridge transport redis needs redis_addr or cache.redis_host")
		}
	case TransportAMQP:
		if cfg.Bridge.AMQPURL == "" {
			return fmt.Errorf("bridge transport amqp needs amqp_url or RABBITMQ_URL")
		}
	default:
		return fmt.Errorf("unknown bridge transport %q", cfg.Bridge.Transport)
	}

	switch cfg.Storage.Backend {
	case StorageFS:
	case StorageS3:
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 needs a bucket")
		}
		if cfg.Storage.S3.Endpoint == "" && cfg.Storage.S3.AccountID == "" {
			return fmt.Errorf("storage s3 needs an endpoint or account_id")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	return nil
}

// Paper returns the named paper size, or the default one when name is empty
// or unknown. The second result reports whether name itself was found.
func (c Config) Paper(name string) (PaperSize, bool) {
	if p, ok := c.PDF.PaperSizes[strings.ToUpper(name)]; ok {
		return p, true
	}
	return c.PDF.PaperSizes[c.PDF.DefaultPaper], false
}

// Timeout is the per-render timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.PDF.TimeoutSecs) * time.Second
}
