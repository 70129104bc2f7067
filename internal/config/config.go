// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig holds the object-storage (S3-compatible) settings.
type StorageConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Region     string `yaml:"region"`
	Bucket     string `yaml:"bucket"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	PathStyle  bool   `yaml:"path_style"`
	RootFolder string `yaml:"root_folder"`
}

// SearchConfig holds the search-index collaborator settings.
type SearchConfig struct {
	Host              string `yaml:"host"`
	APIKey            string `yaml:"api_key"`
	Index             string `yaml:"index"`
	IndexingBatchSize int    `yaml:"indexing_batch_size"`
}

// Config holds all configuration for the archiving service.
type Config struct {
	DatabaseURL string
	RedisURL    string
	QueueName   string

	Storage StorageConfig
	Search  SearchConfig

	// EncryptionKey protects ingestion-source credentials at rest.
	// Injected at startup; never mutated at runtime.
	EncryptionKey string

	SyncFrequency     time.Duration
	WorkerConcurrency int

	// Server (health check only)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"redis"`
	Storage StorageConfig `yaml:"storage"`
	Search  SearchConfig  `yaml:"search"`
	App     struct {
		EncryptionKey     string `yaml:"encryption_key"`
		SyncFrequency     string `yaml:"sync_frequency"`
		WorkerConcurrency int    `yaml:"worker_concurrency"`
	} `yaml:"app"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL:       firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:          firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		QueueName:         firstNonEmpty(raw.Redis.Queue, envOrDefault("INGESTION_QUEUE", "ingestion")),
		Storage:           raw.Storage,
		Search:            raw.Search,
		EncryptionKey:     firstNonEmpty(raw.App.EncryptionKey, os.Getenv("ENCRYPTION_KEY")),
		SyncFrequency:     envOrDefaultDuration("SYNC_FREQUENCY", 15*time.Minute),
		WorkerConcurrency: raw.App.WorkerConcurrency,
		Port:              envOrDefaultInt("PORT", 8080),
	}

	if raw.App.SyncFrequency != "" {
		if d, err := time.ParseDuration(raw.App.SyncFrequency); err == nil {
			cfg.SyncFrequency = d
		}
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = envOrDefaultInt("WORKER_CONCURRENCY", 4)
	}
	if cfg.Search.IndexingBatchSize <= 0 {
		cfg.Search.IndexingBatchSize = envOrDefaultInt("INDEXING_BATCH_SIZE", 500)
	}
	if cfg.Search.Index == "" {
		cfg.Search.Index = "emails"
	}
	if cfg.Search.Host == "" {
		cfg.Search.Host = envOrDefault("SEARCH_HOST", "http://localhost:7700")
	}
	if cfg.Storage.RootFolder == "" {
		cfg.Storage.RootFolder = "archive"
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required — set database.url or DATABASE_URL")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("encryption key is required — set app.encryption_key or ENCRYPTION_KEY")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
