package util

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "peertube-federation"
const ConfigFileName = "config.yaml"

const EnvironmentTest = "test"

//go:embed config_default.yaml
var embeddedConfig []byte

type SignatureConfig struct {
	Algorithm          string        `yaml:"algorithm"`
	HeadersWithBody    []string      `yaml:"headersWithBody"`
	HeadersWithoutBody []string      `yaml:"headersWithoutBody"`
	ClockSkew          time.Duration `yaml:"clockSkew"`
	KeySize            int           `yaml:"keySize"`
}

type JobConfig struct {
	Attempts    int           `yaml:"attempts"`
	Concurrency int           `yaml:"concurrency"`
	TTL         time.Duration `yaml:"ttl"`
}

type ReputationConfig struct {
	Bonus        int           `yaml:"bonus"`
	Penalty      int           `yaml:"penalty"`
	Base         int           `yaml:"base"`
	Max          int           `yaml:"max"`
	Interval     time.Duration `yaml:"interval"`
	PruneAtFloor bool          `yaml:"pruneAtFloor"`
}

type ContextsConfig struct {
	Capacity     int           `yaml:"capacity"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
}

type FederationConfig struct {
	Signature            SignatureConfig      `yaml:"signature"`
	Jobs                 map[string]JobConfig `yaml:"jobs"`
	BroadcastConcurrency int                  `yaml:"broadcastConcurrency"`
	RequestTimeout       time.Duration        `yaml:"requestTimeout"`
	Backoff              time.Duration        `yaml:"backoff"`
	MaxBackoff           time.Duration        `yaml:"maxBackoff"`
	PollInterval         time.Duration        `yaml:"pollInterval"`
	ActorRefreshInterval time.Duration        `yaml:"actorRefreshInterval"`
	Reputation           ReputationConfig     `yaml:"reputation"`
	Contexts             ContextsConfig       `yaml:"contexts"`
	AutoAcceptFollowers  bool                 `yaml:"autoAcceptFollowers"`
}

type AppConfig struct {
	Conf struct {
		Host        string `yaml:"host"`
		HttpPort    int    `yaml:"httpPort"`
		Domain      string `yaml:"domain"`
		Scheme      string `yaml:"scheme"`
		Database    string `yaml:"database"`
		Environment string `yaml:"environment"`
	} `yaml:"conf"`
	Federation FederationConfig `yaml:"federation"`
}

// BaseURL is the public origin local actor URLs are built from.
func (c *AppConfig) BaseURL() string {
	scheme := c.Conf.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Conf.Domain)
}

func (c *AppConfig) IsTest() bool {
	return c.Conf.Environment == EnvironmentTest
}

// ReadConf loads config.yaml (local directory first, then the user config
// directory), falling back to the embedded defaults.
func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			_ = os.WriteFile(userConfigPath, embeddedConfig, 0644)
		}
	}

	return ParseConf(buf)
}

// ParseConf layers buf over the embedded defaults, then applies environment
// overrides and the test profile.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	if c.IsTest() {
		applyTestProfile(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("PEERTUBE_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("PEERTUBE_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("PEERTUBE_DATABASE"); v != "" {
		c.Conf.Database = v
	}
	if v := os.Getenv("PEERTUBE_ENV"); v != "" {
		c.Conf.Environment = v
	}

	if v := os.Getenv("PEERTUBE_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PEERTUBE_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}

	if v := os.Getenv("PEERTUBE_KEY_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PEERTUBE_KEY_SIZE: %w", err)
		}
		c.Federation.Signature.KeySize = size
	}

	switch os.Getenv("PEERTUBE_AUTO_ACCEPT") {
	case "true":
		c.Federation.AutoAcceptFollowers = true
	case "false":
		c.Federation.AutoAcceptFollowers = false
	}
	return nil
}

// Test runs use small keys, a low base score and a fast reputation tick.
func applyTestProfile(c *AppConfig) {
	c.Federation.Signature.KeySize = 1024
	c.Federation.Reputation.Base = 20
	c.Federation.Reputation.Interval = time.Second
}

func (c *AppConfig) Validate() error {
	f := c.Federation
	if f.Reputation.Base < 0 || f.Reputation.Base > f.Reputation.Max {
		return fmt.Errorf("reputation base %d outside [0, %d]", f.Reputation.Base, f.Reputation.Max)
	}
	if f.Signature.KeySize < 1024 {
		return fmt.Errorf("signature key size %d too small", f.Signature.KeySize)
	}
	if len(f.Signature.HeadersWithBody) == 0 || len(f.Signature.HeadersWithoutBody) == 0 {
		return errors.New("signature headers must not be empty")
	}
	for name, job := range f.Jobs {
		if job.Attempts < 1 || job.Concurrency < 1 || job.TTL <= 0 {
			return fmt.Errorf("job %q: attempts, concurrency and ttl must be positive", name)
		}
	}
	return nil
}
