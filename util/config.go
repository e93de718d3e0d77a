package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "webstead"
const ConfigFileName = "config.yaml"

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                      string
		HttpPort                  int           `yaml:"httpPort"`
		BaseDomain                string        `yaml:"baseDomain"`
		Env                       string        `yaml:"env"`
		Database                  string        `yaml:"database"`
		SkipSignatureVerification bool          `yaml:"skipSignatureVerification"`
		ActorCacheTTL             time.Duration `yaml:"actorCacheTTL"`
		FetchTimeout              time.Duration `yaml:"fetchTimeout"`
		DeliveryTimeout           time.Duration `yaml:"deliveryTimeout"`
		DeliveryInterval          time.Duration `yaml:"deliveryInterval"`
		DeliveryConcurrency       int           `yaml:"deliveryConcurrency"`
		RetryBaseDelay            time.Duration `yaml:"retryBaseDelay"`
		PublishInterval           time.Duration `yaml:"publishInterval"`
		RateLimit                 float64       `yaml:"rateLimit"`
		RateBurst                 int           `yaml:"rateBurst"`
		MaxBodyBytes              int64         `yaml:"maxBodyBytes"`
	}

	// Source is the file the configuration was read from, or "embedded".
	Source string `yaml:"-"`
}

// ReadConf loads configuration from path, or when path is empty from the
// resolved config.yaml (local directory first, then the user config
// directory). Missing files fall back to the embedded defaults. WEBSTEAD_*
// environment variables override file values.
func ReadConf(path string) (*AppConfig, error) {
	c := &AppConfig{}

	if path == "" {
		path = ResolveFilePath(ConfigFileName)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		buf = embeddedConfig
		c.Source = "embedded"
	} else {
		c.Source = path
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	return c, nil
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv("WEBSTEAD_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("WEBSTEAD_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WEBSTEAD_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("WEBSTEAD_BASEDOMAIN"); v != "" {
		c.Conf.BaseDomain = v
	}
	if v := os.Getenv("WEBSTEAD_ENV"); v != "" {
		c.Conf.Env = v
	}
	if v := os.Getenv("WEBSTEAD_DATABASE"); v != "" {
		c.Conf.Database = v
	}
	if v := os.Getenv("WEBSTEAD_SKIP_SIGNATURE_VERIFICATION"); v != "" {
		c.Conf.SkipSignatureVerification = v == "true"
	}
	return nil
}

// ApplyDefaults fills zero values so a partial config file still yields a
// runnable configuration.
func (c *AppConfig) ApplyDefaults() {
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.BaseDomain == "" {
		c.Conf.BaseDomain = "webstead.dev"
	}
	if c.Conf.Env == "" {
		c.Conf.Env = EnvProduction
	}
	if c.Conf.Database == "" {
		c.Conf.Database = "webstead.db"
	}
	if c.Conf.ActorCacheTTL == 0 {
		c.Conf.ActorCacheTTL = 24 * time.Hour
	}
	if c.Conf.FetchTimeout == 0 {
		c.Conf.FetchTimeout = 10 * time.Second
	}
	if c.Conf.DeliveryTimeout == 0 {
		c.Conf.DeliveryTimeout = 30 * time.Second
	}
	if c.Conf.DeliveryInterval == 0 {
		c.Conf.DeliveryInterval = 10 * time.Second
	}
	if c.Conf.DeliveryConcurrency == 0 {
		c.Conf.DeliveryConcurrency = 8
	}
	if c.Conf.RetryBaseDelay == 0 {
		c.Conf.RetryBaseDelay = 30 * time.Second
	}
	if c.Conf.PublishInterval == 0 {
		c.Conf.PublishInterval = time.Minute
	}
	if c.Conf.RateLimit == 0 {
		c.Conf.RateLimit = 5
	}
	if c.Conf.RateBurst == 0 {
		c.Conf.RateBurst = 10
	}
	if c.Conf.MaxBodyBytes == 0 {
		c.Conf.MaxBodyBytes = 1024 * 1024
	}
}

func (c *AppConfig) IsProduction() bool {
	return c.Conf.Env == EnvProduction
}

// SignatureVerificationDisabled honors the skip flag only outside production.
func (c *AppConfig) SignatureVerificationDisabled() bool {
	return c.Conf.SkipSignatureVerification && !c.IsProduction()
}
