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

// Package dispatch sends outbound messages and starts tracking their
// delivery state.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jredh-dev/wabridge/internal/apperr"
	"github.com/jredh-dev/wabridge/internal/events"
	"github.com/jredh-dev/wabridge/internal/metrics"
	"github.com/jredh-dev/wabridge/internal/store"
	"github.com/jredh-dev/wabridge/internal/whatsapp"
)

const (
	// StatusMessageSent is the status reported back to callers on success.
	StatusMessageSent = "message_sent"

	DefaultLanguageCode = "en_US"

	acceptanceNote = "The provider accepted the message for delivery. This does not confirm delivery; " +
		"query /message-status/{id} for updates received via webhook."
)

// Sender is the provider API the dispatcher needs.
type Sender interface {
	SendText(ctx context.Context, to, body string) (*whatsapp.SendResult, error)
	SendTemplate(ctx context.Context, to, name, languageCode string) (*whatsapp.SendResult, error)
}

// Request is one outbound send.
type Request struct {
	PhoneNumber  string `json:"phone_number"`
	Message      string `json:"message"`
	LanguageCode string `json:"language_code"`
	// TemplateName switches to a template send; Message is ignored then.
	TemplateName string `json:"template_name"`
}

// Result is returned once the provider has accepted the message.
type Result struct {
	Status      string          `json:"status"`
	APIResponse json.RawMessage `json:"api_response"`
	Note        string          `json:"note"`
	TrackingIDs []string        `json:"tracking_ids"`
}

// Dispatcher sends messages through a Sender and records the resulting
// tracking ids in the status store.
type Dispatcher struct {
	sender    Sender
	store     *store.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a Dispatcher. publisher and m may be nil.
func New(sender Sender, s *store.Store, publisher events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Dispatcher{
		sender:    sender,
		store:     s,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Send performs exactly one provider call. Nothing is retried.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*Result, error) {
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.TemplateName = strings.TrimSpace(req.TemplateName)
	req.LanguageCode = strings.TrimSpace(req.LanguageCode)
	if req.PhoneNumber == "" {
		return nil, apperr.BadInput("phone_number is required")
	}
	if req.TemplateName == "" && strings.TrimSpace(req.Message) == "" {
		return nil, apperr.BadInput("message is required")
	}
	if req.LanguageCode == "" {
		req.LanguageCode = DefaultLanguageCode
	}

	var (
		res *whatsapp.SendResult
		err error
	)
	if req.TemplateName != "" {
		res, err = d.sender.SendTemplate(ctx, req.PhoneNumber, req.TemplateName, req.LanguageCode)
	} else {
		res, err = d.sender.SendText(ctx, req.PhoneNumber, req.Message)
	}
	if err != nil {
		d.observe(err)
		d.logger.Warn().Err(err).Str("to", req.PhoneNumber).Msg("dispatch failed")
		return nil, err
	}
	if len(res.MessageIDs) == 0 {
		err := apperr.Dispatch(nil, "provider response carried no message id")
		d.observe(err)
		d.logger.Error().RawJSON("api_response", res.Raw).Msg("dispatch accepted without message id")
		return nil, err
	}

	for _, id := range res.MessageIDs {
		rec := d.store.Record(id, req.PhoneNumber)
		d.publish(ctx, events.StatusEvent{
			TrackingID: rec.TrackingID,
			Recipient:  rec.Recipient,
			Status:     rec.Status,
			OccurredAt: rec.CreatedAt,
		})
	}
	d.observe(nil)
	d.logger.Info().
		Strs("tracking_ids", res.MessageIDs).
		Str("to", req.PhoneNumber).
		Str("template", req.TemplateName).
		Msg("message accepted by provider")

	return &Result{
		Status:      StatusMessageSent,
		APIResponse: res.Raw,
		Note:        acceptanceNote,
		TrackingIDs: res.MessageIDs,
	}, nil
}

func (d *Dispatcher) publish(ctx context.Context, ev events.StatusEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.logger.Warn().Err(err).Str("tracking_id", ev.TrackingID).Msg("status event not published")
	}
}

func (d *Dispatcher) observe(err error) {
	if d.metrics == nil {
		return
	}
	switch {
	case err == nil:
		d.metrics.Dispatch(metrics.OutcomeSent)
	case apperr.HasCode(err, apperr.CodeProvider):
		d.metrics.Dispatch(metrics.OutcomeProviderError)
	default:
		d.metrics.Dispatch(metrics.OutcomeFailed)
	}
}
