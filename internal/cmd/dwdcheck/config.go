package dwdcheck

import (
	"context"
	"fmt"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/sethvargo/go-envconfig"
)

const (
	minWorkers = 1
	maxWorkers = 5
)

type Config struct {
	BearerToken  string `env:"GCP_BEARER_ACCESS_TOKEN"`
	LogFormat    string `env:"DWDCHECK_LOG_FORMAT,default=text"`
	LogLevel     string `env:"DWDCHECK_LOG_LEVEL,default=info"`
	Workers      int    `env:"DWDCHECK_WORKERS,default=3"`
	ResultsDir   string `env:"DWDCHECK_RESULTS_DIR,default=results"`
	KeysDir      string `env:"DWDCHECK_KEYS_DIR,default=keys"`
	DownloadsDir string `env:"DWDCHECK_DOWNLOADS_DIR,default=downloads"`
	ScopesFile   string `env:"DWDCHECK_SCOPES_FILE"`
	TokenURL     string `env:"DWDCHECK_TOKEN_URL"`
}

// NewConfig creates a new configuration instance from environment variables
func NewConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workers < minWorkers {
		c.Workers = minWorkers
	}
	if c.Workers > maxWorkers {
		c.Workers = maxWorkers
	}

	if c.ResultsDir == "" {
		return fmt.Errorf("%s must not be empty", "DWDCHECK_RESULTS_DIR")
	}

	return nil
}

// operator builds the caller credential from the configured bearer token.
// Scan commands resolve the identity lazily; dispatcher commands never need
// it at all.
func (c *Config) operator() (*credentials.Operator, error) {
	return credentials.NewOperator(c.BearerToken, "")
}
