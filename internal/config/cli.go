// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config valida a superfície de opções das CLIs e carrega a
// configuração YAML do daemon.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/nishisan-dev/cdb-backup/internal/cerrors"
	"github.com/nishisan-dev/cdb-backup/internal/transfer"
)

// Defaults das opções das CLIs.
const (
	DefaultParallelism = 5
	DefaultBufferSize  = 500
	DefaultTimeout     = 120 * time.Second

	ModeFull    = "full"
	ModeShallow = "shallow"
)

// maxSafeInt é o maior inteiro representável sem perda em um double
// (2^53 - 1). Valores numéricos de opção acima disso são rejeitados para
// manter arquivos e logs intercambiáveis com outras ferramentas.
const maxSafeInt = 1<<53 - 1

// BackupOptions é a superfície de opções do cdb-backup.
type BackupOptions struct {
	URL            string
	Parallelism    int
	BufferSize     int
	RequestTimeout time.Duration
	Mode           string
	Log            string
	Resume         bool
	IAMAPIKey      string
	IAMTokenURL    string
	Quiet          bool
	Attachments    bool

	// Estágios externos do stream
	Compression string // none|gzip|zstd
	Throttle    int64  // bytes/s, 0 = sem limite
	Output      string // ""=stdout, caminho local ou s3://bucket/key
}

// RestoreOptions é a superfície de opções do cdb-restore.
type RestoreOptions struct {
	URL            string
	Parallelism    int
	BufferSize     int
	RequestTimeout time.Duration
	IAMAPIKey      string
	IAMTokenURL    string
	Quiet          bool
	Input          string // ""=stdin, caminho local ou s3://bucket/key
}

// Validate aplica as regras de opção do backup. Roda antes de qualquer
// efeito de rede ou disco.
func (o *BackupOptions) Validate() error {
	if err := validateDatabaseURL(o.URL); err != nil {
		return err
	}
	if err := validatePositive("parallelism", o.Parallelism); err != nil {
		return err
	}
	if err := validatePositive("buffer-size", o.BufferSize); err != nil {
		return err
	}
	if o.RequestTimeout <= 0 {
		return cerrors.InvalidOption("request-timeout must be a positive duration, got %s", o.RequestTimeout)
	}
	if o.Mode != ModeFull && o.Mode != ModeShallow {
		return cerrors.InvalidOption("mode must be %q or %q, got %q", ModeFull, ModeShallow, o.Mode)
	}
	switch o.Compression {
	case "", transfer.CompressionNone, transfer.CompressionGzip, transfer.CompressionZstd:
	default:
		return cerrors.InvalidOption("compression must be none, gzip or zstd, got %q", o.Compression)
	}
	if o.Throttle < 0 {
		return cerrors.InvalidOption("throttle must be >= 0, got %d", o.Throttle)
	}
	if err := validateIAM(o.URL, o.IAMAPIKey); err != nil {
		return err
	}

	if o.Resume {
		if o.Log == "" {
			return cerrors.NoLogFileName()
		}
		if _, err := os.Stat(o.Log); err != nil {
			return cerrors.LogDoesNotExist(o.Log)
		}
		// O resume reabre o arquivo de backup em append: impossível dentro
		// de um stream comprimido ou de um objeto remoto
		if o.Compression != "" && o.Compression != transfer.CompressionNone {
			return cerrors.InvalidOption("resume is not supported with compression")
		}
		if transfer.IsS3URL(o.Output) {
			return cerrors.InvalidOption("resume is not supported with an s3:// output")
		}
		if o.Output == "" {
			return cerrors.InvalidOption("resume requires an output file")
		}
	} else if o.Log != "" {
		if _, err := os.Stat(o.Log); err == nil {
			return cerrors.LogFileExists(o.Log)
		}
	}
	return nil
}

// Validate aplica as regras de opção do restore.
func (o *RestoreOptions) Validate() error {
	if err := validateDatabaseURL(o.URL); err != nil {
		return err
	}
	if err := validatePositive("parallelism", o.Parallelism); err != nil {
		return err
	}
	if err := validatePositive("buffer-size", o.BufferSize); err != nil {
		return err
	}
	if o.RequestTimeout <= 0 {
		return cerrors.InvalidOption("request-timeout must be a positive duration, got %s", o.RequestTimeout)
	}
	return validateIAM(o.URL, o.IAMAPIKey)
}

// validateDatabaseURL exige http/https com path não-root (o database).
func validateDatabaseURL(raw string) error {
	if raw == "" {
		return cerrors.InvalidOption("database URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return cerrors.InvalidOption("invalid database URL %s", cerrors.StripCredentials(raw))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return cerrors.InvalidOption("database URL must be http or https, got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		return cerrors.InvalidOption("database URL %s must include the database path", cerrors.StripCredentials(raw))
	}
	return nil
}

func validatePositive(name string, v int) error {
	if v <= 0 || v > maxSafeInt {
		return cerrors.InvalidOption("%s must be a positive integer, got %d", name, v)
	}
	return nil
}

// validateIAM rejeita a combinação de IAM API key com credenciais na URL.
func validateIAM(raw, apiKey string) error {
	if apiKey == "" {
		return nil
	}
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		return cerrors.InvalidOption("iam-api-key is incompatible with credentials in the database URL")
	}
	return nil
}

// TempLogPath gera um arquivo de log temporário para backups full sem
// --log explícito.
func TempLogPath() (string, error) {
	f, err := os.CreateTemp("", "cdb-backup-*.log")
	if err != nil {
		return "", fmt.Errorf("creating temp log file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing temp log file: %w", err)
	}
	return name, nil
}

// EnvString lê uma variável de ambiente com fallback.
func EnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvInt lê uma variável de ambiente inteira com fallback. Valores não
// numéricos caem no fallback; a validação posterior pega abusos.
func EnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// EnvBool lê uma variável de ambiente booleana com fallback.
func EnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
