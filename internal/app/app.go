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

// Package app wires the wabridge components into a runnable service.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jredh-dev/wabridge/config"
	"github.com/jredh-dev/wabridge/internal/dispatch"
	"github.com/jredh-dev/wabridge/internal/events"
	"github.com/jredh-dev/wabridge/internal/handlers"
	"github.com/jredh-dev/wabridge/internal/metrics"
	"github.com/jredh-dev/wabridge/internal/outbox"
	"github.com/jredh-dev/wabridge/internal/reqlog"
	"github.com/jredh-dev/wabridge/internal/server"
	"github.com/jredh-dev/wabridge/internal/store"
	"github.com/jredh-dev/wabridge/internal/webhook"
	"github.com/jredh-dev/wabridge/internal/whatsapp"
)

// App owns every long-lived component. It is built once at startup and
// passed explicitly; there is no package-level state.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Store      *store.Store
	Requests   *reqlog.Log
	Metrics    *metrics.Metrics
	Publisher  events.Publisher
	Dispatcher *dispatch.Dispatcher
	Receiver   *webhook.Receiver
	Server     *server.Server
	// Outbox is nil unless KAFKA_OUTBOX_TOPIC is configured.
	Outbox *outbox.Consumer

	messagesURL string
	closeOnce   sync.Once
	closeErr    error
}

// New builds the application from validated configuration.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := whatsapp.NewClient(cfg.WhatsApp.APIToken, cfg.WhatsApp.PhoneID,
		whatsapp.WithBaseURL(cfg.WhatsApp.BaseURL),
		whatsapp.WithAPIVersion(cfg.WhatsApp.APIVersion),
		whatsapp.WithTimeout(cfg.WhatsApp.HTTPTimeout),
	)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store.New(),
		Requests: reqlog.New(cfg.RequestLog.Capacity),

		messagesURL: client.MessagesURL(),
	}
	a.Metrics = metrics.New(a.Store.Len)

	if cfg.Kafka.Enabled() {
		a.Publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.StatusTopic).Msg("publishing status events to kafka")
	} else {
		a.Publisher = events.NopPublisher{}
	}

	if cfg.Webhook.AppSecret == "" {
		logger.Warn().Msg("WHATSAPP_APP_SECRET is not set; webhook signatures will not be verified")
	}
	if cfg.Webhook.VerifyToken == "" {
		logger.Warn().Msg("WHATSAPP_VERIFY_TOKEN is not set; subscription handshakes will be rejected")
	}

	a.Dispatcher = dispatch.New(client, a.Store, a.Publisher, a.Metrics, logger)
	a.Receiver = webhook.New(webhook.Config{
		AppSecret:   cfg.Webhook.AppSecret,
		VerifyToken: cfg.Webhook.VerifyToken,
	}, a.Store, a.Publisher, a.Metrics, logger)

	if cfg.Kafka.OutboxEnabled() {
		a.Outbox = outbox.NewConsumer(outbox.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.OutboxTopic,
			DLQTopic: cfg.Kafka.DLQTopic,
			GroupID:  cfg.Kafka.GroupID,
		}, a.Dispatcher, logger)
	}

	a.Server = server.New(server.Options{
		Logger:      logger,
		CORSOrigins: cfg.Server.CORSOrigins,
		RequestLog:  a.Requests,
		RequestLogOptions: reqlog.Options{
			CaptureBody:  cfg.RequestLog.CaptureBody,
			MaxBodyBytes: cfg.RequestLog.MaxBodyBytes,
			OnComplete: func(e reqlog.Entry) {
				a.Metrics.HTTPRequest(e.Method, e.StatusCode)
			},
		},
	})
	handlers.New(a.Dispatcher, a.Receiver, a.Store, a.Requests, logger, cfg.Webhook.MaxBodyBytes).Routes(a.Server.Router)
	a.Server.Router.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	a.Server.OnStop(func() {
		logger.Info().Int("tracked_messages", a.Store.Len()).Int("logged_requests", a.Requests.Len()).Msg("server drained")
	})

	return a, nil
}

// Handler is the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.Server.Router
}

// Addr is the listen address derived from PORT.
func (a *App) Addr() string {
	port := a.Config.Server.Port
	if _, err := strconv.Atoi(port); err == nil {
		return net.JoinHostPort("", port)
	}
	return port
}

// Run serves until ctx is cancelled. The outbox consumer, when configured,
// runs alongside the server and stops with it. Kafka clients are closed on
// the way out.
func (a *App) Run(ctx context.Context) error {
	a.Logger.Info().Str("messages_url", a.messagesURL).Msg("wabridge ready")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var consumerDone chan struct{}
	if a.Outbox != nil {
		consumerDone = make(chan struct{})
		go func() {
			defer close(consumerDone)
			if err := a.Outbox.Run(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("outbox consumer stopped")
			}
		}()
	}

	err := a.Server.Run(ctx, a.Addr())
	cancel()
	if consumerDone != nil {
		<-consumerDone
	}
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases the Kafka clients. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.Outbox != nil {
			errs = append(errs, a.Outbox.Close())
		}
		errs = append(errs, a.Publisher.Close())
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
