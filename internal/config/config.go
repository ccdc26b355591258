// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Modos de execução suportados.
const (
	ModeIngest  = "ingest"
	ModeExplore = "explore"
)

// maxBatchSize é o teto de eventos por transação imposto pelo server (limit
// máximo aceito na query string) e pelo tamanho dos arrays do bulk insert.
const maxBatchSize = 5000

// Config contém toda a configuração do ningest. Valores vêm de um arquivo
// YAML opcional (base) com override por variáveis de ambiente — env sempre
// vence. Defaults e clamps são aplicados em validate().
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	APIBaseURL  string `yaml:"api_base_url"`
	APIKey      string `yaml:"api_key"`
	Mode        string `yaml:"mode"`

	PartitionCount     int `yaml:"partition_count"`
	BatchSize          int `yaml:"batch_size"`
	DBWriteConcurrency int `yaml:"db_write_concurrency"`
	MaxPendingWrites   int `yaml:"max_pending_writes"`

	PgSyncCommit string `yaml:"pg_sync_commit"`
	HealthPort   int    `yaml:"health_port"`

	AutoSubmit    bool   `yaml:"auto_submit"`
	GithubRepoURL string `yaml:"github_repo_url"`

	MinTimestampMs int64 `yaml:"min_timestamp_ms"`
	MaxTimestampMs int64 `yaml:"max_timestamp_ms"`

	ProgressLogInterval time.Duration `yaml:"progress_log_interval"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`

	MaxRetries int           `yaml:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryMax   time.Duration `yaml:"retry_max"`

	// MaxRPS limita requests/segundo no client (0 = sem teto local).
	MaxRPS float64 `yaml:"max_rps"`

	Logging LoggingInfo `yaml:"logging"`

	// partitionCountSet distingue "não configurado" (default 8) de um valor
	// explícito abaixo do mínimo (clamp para 1).
	partitionCountSet bool
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File é opcional; quando presente os logs vão para stdout + arquivo.
	File string `yaml:"file"`
}

// Load monta a configuração a partir do arquivo YAML opcional (path vazio =
// só env) e das variáveis de ambiente, e valida o resultado.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// applyEnv aplica overrides de variáveis de ambiente sobre a config base.
func (c *Config) applyEnv() error {
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.APIBaseURL, "API_BASE_URL")
	envString(&c.APIKey, "TARGET_API_KEY")
	envString(&c.Mode, "MODE")
	envString(&c.PgSyncCommit, "PG_SYNC_COMMIT")
	envString(&c.GithubRepoURL, "GITHUB_REPO_URL")
	envString(&c.Logging.Level, "LOG_LEVEL")
	envString(&c.Logging.Format, "LOG_FORMAT")
	envString(&c.Logging.File, "LOG_FILE")

	if c.PartitionCount != 0 {
		c.partitionCountSet = true
	}
	if _, ok := os.LookupEnv("PARTITION_COUNT"); ok {
		c.partitionCountSet = true
	}

	intVars := []struct {
		dst  *int
		name string
	}{
		{&c.PartitionCount, "PARTITION_COUNT"},
		{&c.BatchSize, "BATCH_SIZE"},
		{&c.DBWriteConcurrency, "DB_WRITE_CONCURRENCY"},
		{&c.MaxPendingWrites, "MAX_PENDING_WRITES"},
		{&c.HealthPort, "HEALTH_PORT"},
		{&c.MaxRetries, "MAX_RETRIES"},
	}
	for _, v := range intVars {
		if err := envInt(v.dst, v.name); err != nil {
			return err
		}
	}

	int64Vars := []struct {
		dst  *int64
		name string
	}{
		{&c.MinTimestampMs, "MIN_TIMESTAMP_MS"},
		{&c.MaxTimestampMs, "MAX_TIMESTAMP_MS"},
	}
	for _, v := range int64Vars {
		if err := envInt64(v.dst, v.name); err != nil {
			return err
		}
	}

	msVars := []struct {
		dst  *time.Duration
		name string
	}{
		{&c.ProgressLogInterval, "PROGRESS_LOG_INTERVAL_MS"},
		{&c.RequestTimeout, "REQUEST_TIMEOUT_MS"},
		{&c.RetryBase, "RETRY_BASE_MS"},
		{&c.RetryMax, "RETRY_MAX_MS"},
	}
	for _, v := range msVars {
		if err := envMillis(v.dst, v.name); err != nil {
			return err
		}
	}

	if err := envBool(&c.AutoSubmit, "AUTO_SUBMIT"); err != nil {
		return err
	}
	if err := envFloat(&c.MaxRPS, "MAX_RPS"); err != nil {
		return err
	}
	return nil
}

// validate checa campos obrigatórios e aplica defaults/clamps.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("TARGET_API_KEY is required")
	}

	normalized, err := normalizeBaseURL(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("API_BASE_URL: %w", err)
	}
	c.APIBaseURL = normalized

	if c.Mode == "" {
		c.Mode = ModeIngest
	}
	if c.Mode != ModeIngest && c.Mode != ModeExplore {
		return fmt.Errorf("MODE must be %q or %q, got %q", ModeIngest, ModeExplore, c.Mode)
	}

	if c.PartitionCount < 1 {
		if c.partitionCountSet {
			c.PartitionCount = 1
		} else {
			c.PartitionCount = 8
		}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = maxBatchSize
	}
	if c.BatchSize > maxBatchSize {
		c.BatchSize = maxBatchSize
	}
	if c.DBWriteConcurrency < 1 {
		c.DBWriteConcurrency = 2
	}
	if c.MaxPendingWrites < 1 {
		c.MaxPendingWrites = 100
	}

	switch c.PgSyncCommit {
	case "":
		c.PgSyncCommit = "off"
	case "on", "off":
	default:
		return fmt.Errorf("PG_SYNC_COMMIT must be \"on\" or \"off\", got %q", c.PgSyncCommit)
	}

	if c.HealthPort <= 0 {
		c.HealthPort = 8080
	}

	if c.MinTimestampMs <= 0 {
		c.MinTimestampMs = 1766700000000
	}
	if c.MaxTimestampMs <= 0 {
		c.MaxTimestampMs = 1769900000000
	}
	if c.MinTimestampMs >= c.MaxTimestampMs {
		return fmt.Errorf("MIN_TIMESTAMP_MS (%d) must be below MAX_TIMESTAMP_MS (%d)",
			c.MinTimestampMs, c.MaxTimestampMs)
	}

	if c.ProgressLogInterval <= 0 {
		c.ProgressLogInterval = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 45 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 15 * time.Second
	}
	if c.MaxRPS < 0 {
		c.MaxRPS = 0
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// Origin retorna scheme://host da API, sem path. Usado para os endpoints
// fora de /api/v1 (stream-access, feed primário, submissions).
func (c *Config) Origin() string {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return c.APIBaseURL
	}
	return u.Scheme + "://" + u.Host
}

// normalizeBaseURL garante que a base URL termina em /api/v1.
func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("missing scheme or host in %q", raw)
	}
	trimmed := strings.TrimRight(raw, "/")
	if !strings.HasSuffix(trimmed, "/api/v1") {
		trimmed += "/api/v1"
	}
	return trimmed, nil
}

func envString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", name, v)
	}
	*dst = n
	return nil
}

func envInt64(dst *int64, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", name, v)
	}
	*dst = n
	return nil
}

func envMillis(dst *time.Duration, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", name, v)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func envBool(dst *bool, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", name, v)
	}
	*dst = b
	return nil
}

func envFloat(dst *float64, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", name, v)
	}
	*dst = f
	return nil
}
