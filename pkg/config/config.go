// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config loads the bot and project configuration files that the
// supervisor materializes under $ROOT_DIR/config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
)

// BotConfig mirrors config/bot/config.yaml. The supervisor fetches it from
// the API at boot and rewrites the file, so the worker always reads a fresh
// copy. Environment variables take precedence over file values.
type BotConfig struct {
	Name           string `yaml:"name"`
	APIHost        string `yaml:"pinguapi_host"`
	APIKey         string `yaml:"pinguapi_key"`
	MinioHost      string `yaml:"minio_host"`
	MinioAccessKey string `yaml:"access_key"`
	MinioSecretKey string `yaml:"secret_key"`
	// Queue overrides the platform-derived task queue name.
	Queue    string `yaml:"queue,omitempty"`
	Platform string `yaml:"platform,omitempty"`
	HTTPPort int    `yaml:"http_port,omitempty"`
}

// ProjectConfig mirrors config/project.yaml, written per task.
type ProjectConfig struct {
	Name             string   `yaml:"name"`
	CorpusBucket     string   `yaml:"corpus_bucket"`
	QuarantineBucket string   `yaml:"quarantine_bucket,omitempty"`
	BackupBucket     string   `yaml:"backup_bucket,omitempty"`
	SharedBucket     string   `yaml:"shared_corpus_bucket,omitempty"`
	LogsBucket       string   `yaml:"logs_bucket"`
	StatsBucket      string   `yaml:"bigquery_bucket,omitempty"`
	BlobsBucket      string   `yaml:"blobs_bucket"`
	BuildsBucket     string   `yaml:"release_build_bucket_path,omitempty"`
	Env              []string `yaml:"env,omitempty"`
	// StackBlacklist holds regexes for crash frames the project wants
	// ignored, matched at the start of each stacktrace line.
	StackBlacklist []string `yaml:"stack_blacklist_regexes,omitempty"`
}

type BadConfigError struct {
	Dir string
}

func (e *BadConfigError) Error() string {
	return fmt.Sprintf("invalid config directory %q", e.Dir)
}

type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse config %q: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type InvalidKeyError struct {
	Key string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid config key %q", e.Key)
}

// LoadBot reads the bot config file and overlays API/storage credentials
// from the environment. A missing file is fine: on a fresh host the
// environment bootstraps the bot and the supervisor writes the file later.
func LoadBot(env *environ.Env) (*BotConfig, error) {
	cfg := &BotConfig{}
	path := env.BotConfigPath()
	if err := loadYAML(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	overlayEnv(cfg, env)
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("bot name is not set and hostname lookup failed: %w", err)
		}
		cfg.Name = host
	}
	if cfg.APIHost == "" {
		return nil, &InvalidKeyError{Key: "pinguapi_host"}
	}
	return cfg, nil
}

// overlayEnv applies environment values over file contents.
func overlayEnv(cfg *BotConfig, env *environ.Env) {
	set := func(dst *string, key string) {
		if val, ok := env.Lookup(key); ok && val != "" {
			*dst = val
		}
	}
	set(&cfg.Name, "BOT_NAME")
	set(&cfg.APIHost, "PINGUAPI_HOST")
	set(&cfg.APIKey, "PINGUAPI_KEY")
	set(&cfg.MinioHost, "MINIO_HOST")
	set(&cfg.MinioAccessKey, "ACCESS_KEY")
	set(&cfg.MinioSecretKey, "SECRET_KEY")
	set(&cfg.Queue, "QUEUE_OVERRIDE")
	set(&cfg.Platform, "PLATFORM")
	if port := env.GetInt("HTTP_PORT", 0); port != 0 {
		cfg.HTTPPort = port
	}
}

// SaveBot writes the bot config, creating the config directory if needed.
func SaveBot(env *environ.Env, cfg *BotConfig) error {
	path := env.BotConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &BadConfigError{Dir: filepath.Dir(path)}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func LoadProject(env *environ.Env) (*ProjectConfig, error) {
	cfg := &ProjectConfig{}
	if err := loadYAML(env.ProjectConfigPath(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveProject(env *environ.Env, cfg *ProjectConfig) error {
	path := env.ProjectConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &BadConfigError{Dir: filepath.Dir(path)}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func loadYAML(path string, obj interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, obj); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}
