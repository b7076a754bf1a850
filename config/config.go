// wabridge - WhatsApp delivery bridge
// Copyright (C) 2026  wabridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// Package config loads wabridge configuration from the environment.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultEnvFiles are loaded, when present, before the environment is parsed.
// Variables already set in the process environment win.
var DefaultEnvFiles = []string{".env", ".env.local"}

// Config holds all application configuration. It is loaded once at startup
// and treated as read-only afterwards.
type Config struct {
	Server     ServerConfig
	WhatsApp   WhatsAppConfig
	Webhook    WebhookConfig
	RequestLog RequestLogConfig
	Kafka      KafkaConfig
}

// ServerConfig controls the HTTP listener, logging and CORS.
type ServerConfig struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	Env         string   `env:"ENV" envDefault:"production"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// WhatsAppConfig holds the Cloud API credentials and endpoint.
type WhatsAppConfig struct {
	APIToken   string `env:"WHATSAPP_API_TOKEN"`
	PhoneID    string `env:"WHATSAPP_PHONE_ID"`
	BaseURL    string `env:"WHATSAPP_API_BASE_URL" envDefault:"https://graph.facebook.com"`
	APIVersion string `env:"WHATSAPP_API_VERSION" envDefault:"v22.0"`
	// HTTPTimeout of zero leaves the net/http client without a deadline.
	HTTPTimeout time.Duration `env:"WHATSAPP_HTTP_TIMEOUT" envDefault:"0s"`
}

// WebhookConfig holds the secrets used to authenticate inbound callbacks.
type WebhookConfig struct {
	AppSecret    string `env:"WHATSAPP_APP_SECRET"`
	VerifyToken  string `env:"WHATSAPP_VERIFY_TOKEN"`
	MaxBodyBytes int64  `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"`
}

// RequestLogConfig sizes the in-memory request log.
type RequestLogConfig struct {
	Capacity     int  `env:"REQUEST_LOG_CAPACITY" envDefault:"100"`
	CaptureBody  bool `env:"REQUEST_LOG_CAPTURE_BODY" envDefault:"true"`
	MaxBodyBytes int  `env:"REQUEST_LOG_MAX_BODY" envDefault:"2048"`
}

// KafkaConfig enables the optional status event sink and outbox consumer.
type KafkaConfig struct {
	Brokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	StatusTopic string   `env:"KAFKA_STATUS_TOPIC" envDefault:"whatsapp-status"`
	// OutboxTopic, when set, starts a consumer that dispatches queued sends.
	OutboxTopic string `env:"KAFKA_OUTBOX_TOPIC"`
	DLQTopic    string `env:"KAFKA_OUTBOX_DLQ_TOPIC" envDefault:"whatsapp-outbox-dlq"`
	GroupID     string `env:"KAFKA_GROUP_ID" envDefault:"wabridge"`
}

// Enabled reports whether a status event sink should be started.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// OutboxEnabled reports whether the outbox consumer should run.
func (k KafkaConfig) OutboxEnabled() bool {
	return k.Enabled() && strings.TrimSpace(k.OutboxTopic) != ""
}

// IsDevelopment reports whether human readable console logging is wanted.
func (s ServerConfig) IsDevelopment() bool {
	return strings.EqualFold(s.Env, "development") || strings.EqualFold(s.Env, "dev")
}

// Load reads the default env files (if any) and then the process environment.
func Load() (*Config, error) {
	if err := loadEnvFiles(DefaultEnvFiles); err != nil {
		return nil, err
	}
	return parse(env.Options{})
}

// LoadFrom parses configuration from the given variables only. Used by tests
// and tooling that must not depend on the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
	cfg.Server.CORSOrigins = compact(cfg.Server.CORSOrigins)
	cfg.WhatsApp.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.WhatsApp.BaseURL), "/")
	return cfg, nil
}

// Validate checks the settings the service cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WhatsApp.APIToken) == "" {
		errs = append(errs, errors.New("WHATSAPP_API_TOKEN is required"))
	}
	if strings.TrimSpace(c.WhatsApp.PhoneID) == "" {
		errs = append(errs, errors.New("WHATSAPP_PHONE_ID is required"))
	}
	if c.WhatsApp.HTTPTimeout < 0 {
		errs = append(errs, errors.New("WHATSAPP_HTTP_TIMEOUT must not be negative"))
	}
	if c.RequestLog.Capacity <= 0 {
		errs = append(errs, errors.New("REQUEST_LOG_CAPACITY must be positive"))
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

func loadEnvFiles(files []string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
