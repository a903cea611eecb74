// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/cdb-backup/internal/transfer"
)

// DaemonConfig representa a configuração completa do modo daemon.
type DaemonConfig struct {
	Agent    AgentInfo    `yaml:"agent"`
	Defaults DefaultsInfo `yaml:"defaults"`
	Retry    RetryInfo    `yaml:"retry"`
	S3       S3Info       `yaml:"s3"`
	Jobs     []JobEntry   `yaml:"jobs"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// AgentInfo identifica a instância do daemon nos logs.
type AgentInfo struct {
	Name string `yaml:"name"`
}

// DefaultsInfo contém os defaults aplicados a jobs que não os declaram.
type DefaultsInfo struct {
	Parallelism int           `yaml:"parallelism"`
	BufferSize  int           `yaml:"buffer_size"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RetryInfo contém configurações de retry com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// S3Info contém credenciais opcionais para destinos s3://. Campos vazios
// caem na chain default do SDK.
type S3Info struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// JobEntry representa um backup recorrente nomeado.
type JobEntry struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`      // base do servidor CouchDB
	Database string `yaml:"database"` // nome do database
	Schedule string `yaml:"schedule"` // cron expression
	Dir      string `yaml:"dir"`      // diretório local ou s3://bucket/prefix
	Compress string `yaml:"compress"` // none|gzip|zstd
	Mode     string `yaml:"mode"`     // full|shallow

	Parallelism int           `yaml:"parallelism"`
	BufferSize  int           `yaml:"buffer_size"`
	Timeout     time.Duration `yaml:"timeout"`

	IAMAPIKey string `yaml:"iam_api_key"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DatabaseURL compõe a URL completa do database do job.
func (j *JobEntry) DatabaseURL() string {
	return strings.TrimSuffix(j.URL, "/") + "/" + j.Database
}

// LoadDaemonConfig lê e valida o arquivo YAML de configuração do daemon.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading daemon config: %w", err)
	}

	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating daemon config: %w", err)
	}

	return &cfg, nil
}

func (c *DaemonConfig) validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if len(c.Jobs) == 0 {
		return fmt.Errorf("jobs must have at least one entry")
	}

	if c.Defaults.Parallelism <= 0 {
		c.Defaults.Parallelism = DefaultParallelism
	}
	if c.Defaults.BufferSize <= 0 {
		c.Defaults.BufferSize = DefaultBufferSize
	}
	if c.Defaults.Timeout <= 0 {
		c.Defaults.Timeout = DefaultTimeout
	}

	for i := range c.Jobs {
		j := &c.Jobs[i]
		if j.Name == "" {
			return fmt.Errorf("jobs[%d].name is required", i)
		}
		if j.URL == "" {
			return fmt.Errorf("jobs[%d].url is required", i)
		}
		if j.Database == "" {
			return fmt.Errorf("jobs[%d].database is required", i)
		}
		if j.Schedule == "" {
			return fmt.Errorf("jobs[%d].schedule is required", i)
		}
		if j.Dir == "" {
			return fmt.Errorf("jobs[%d].dir is required", i)
		}

		switch j.Compress {
		case "":
			j.Compress = transfer.CompressionNone
		case transfer.CompressionNone, transfer.CompressionGzip, transfer.CompressionZstd:
		default:
			return fmt.Errorf("jobs[%d].compress must be none, gzip or zstd, got %q", i, j.Compress)
		}
		switch j.Mode {
		case "":
			j.Mode = ModeFull
		case ModeFull, ModeShallow:
		default:
			return fmt.Errorf("jobs[%d].mode must be full or shallow, got %q", i, j.Mode)
		}

		if j.Parallelism <= 0 {
			j.Parallelism = c.Defaults.Parallelism
		}
		if j.BufferSize <= 0 {
			j.BufferSize = c.Defaults.BufferSize
		}
		if j.Timeout <= 0 {
			j.Timeout = c.Defaults.Timeout
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
