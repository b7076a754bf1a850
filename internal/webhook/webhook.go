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

// Package webhook processes WhatsApp callbacks: subscription handshakes and
// message status updates.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jredh-dev/wabridge/internal/apperr"
	"github.com/jredh-dev/wabridge/internal/events"
	"github.com/jredh-dev/wabridge/internal/metrics"
	"github.com/jredh-dev/wabridge/internal/signature"
	"github.com/jredh-dev/wabridge/internal/store"
)

const (
	modeSubscribe = "subscribe"
	fieldMessages = "messages"
)

// Config carries the shared secrets used to authenticate callbacks.
type Config struct {
	AppSecret   string
	VerifyToken string
}

// Result describes what a callback did.
type Result struct {
	// Challenge is set for handshakes and must be echoed back verbatim.
	Challenge json.RawMessage
	Updated   int
	Unknown   int
	Skipped   int
}

// IsHandshake reports whether the callback was a subscription handshake.
func (r Result) IsHandshake() bool {
	return r.Challenge != nil
}

// Receiver verifies and applies inbound callbacks to the status store.
type Receiver struct {
	cfg       Config
	store     *store.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a Receiver. publisher and m may be nil.
func New(cfg Config, s *store.Store, publisher events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Receiver {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Receiver{cfg: cfg, store: s, publisher: publisher, metrics: m, logger: logger}
}

// Callback envelopes are decoded one level at a time so a malformed entry,
// change or status item is skipped without affecting its neighbours.
type entry struct {
	ID      string            `json:"id"`
	Changes []json.RawMessage `json:"changes"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type changeValue struct {
	Statuses []json.RawMessage `json:"statuses"`
}

type statusItem struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// Handle processes one callback. body must be the raw request body exactly
// as received; signatureHeader is the X-Hub-Signature-256 value, if any.
func (r *Receiver) Handle(ctx context.Context, body []byte, signatureHeader string) (res Result, err error) {
	if err := signature.Verify(body, signatureHeader, r.cfg.AppSecret); err != nil {
		r.rejected("signature")
		return Result{}, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.WebhookProcessing(fmt.Errorf("panic: %v", rec), "webhook processing failed")
			res = Result{}
		}
	}()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("webhook body is null")
		}
		return Result{}, apperr.WebhookProcessing(err, "malformed webhook payload")
	}

	if stringField(fields, "hub.mode") == modeSubscribe {
		if err := r.checkVerifyToken(stringField(fields, "hub.verify_token")); err != nil {
			return Result{}, err
		}
		challenge := fields["hub.challenge"]
		if len(challenge) == 0 {
			challenge = json.RawMessage("null")
		}
		r.logger.Info().Msg("webhook subscription verified")
		return Result{Challenge: challenge}, nil
	}

	var entries []json.RawMessage
	if raw, ok := fields["entry"]; ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return Result{}, apperr.WebhookProcessing(err, "webhook entry must be an array")
		}
	}

	res = r.applyStatuses(ctx, entries)
	return res, nil
}

// stringField returns fields[key] when it is a JSON string, "" otherwise.
func stringField(fields map[string]json.RawMessage, key string) string {
	var v string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// Handshake answers the query-string form of the subscription handshake
// and returns the challenge to echo.
func (r *Receiver) Handshake(mode, verifyToken, challenge string) (string, error) {
	if mode != modeSubscribe {
		r.rejected("handshake_mode")
		return "", apperr.Authentication("unsupported hub.mode")
	}
	if err := r.checkVerifyToken(verifyToken); err != nil {
		return "", err
	}
	r.logger.Info().Msg("webhook subscription verified")
	return challenge, nil
}

func (r *Receiver) checkVerifyToken(token string) error {
	expected := r.cfg.VerifyToken
	if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.rejected("verify_token")
		return apperr.Authentication("verify token mismatch")
	}
	return nil
}

// applyStatuses walks entry[].changes[].value.statuses[] and updates every
// known message. Malformed elements at any level are skipped and counted.
func (r *Receiver) applyStatuses(ctx context.Context, entries []json.RawMessage) Result {
	var (
		res     Result
		changed []events.StatusEvent
	)
	for _, rawEntry := range entries {
		var e entry
		if err := json.Unmarshal(rawEntry, &e); err != nil {
			r.skip(&res, rawEntry, "skipping malformed webhook entry")
			continue
		}
		for _, rawChange := range e.Changes {
			var c change
			if err := json.Unmarshal(rawChange, &c); err != nil {
				r.skip(&res, rawChange, "skipping malformed webhook change")
				continue
			}
			if c.Field != fieldMessages {
				continue
			}
			var v changeValue
			if len(c.Value) > 0 {
				if err := json.Unmarshal(c.Value, &v); err != nil {
					r.skip(&res, c.Value, "skipping malformed webhook change value")
					continue
				}
			}
			for _, raw := range v.Statuses {
				var item statusItem
				if err := json.Unmarshal(raw, &item); err != nil || strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Status) == "" {
					r.skip(&res, raw, "skipping malformed status item")
					continue
				}
				prev, ok := r.store.Update(item.ID, item.Status, raw)
				if !ok {
					res.Unknown++
					r.logger.Debug().Str("tracking_id", item.ID).Str("status", item.Status).Msg("status for untracked message ignored")
					continue
				}
				res.Updated++
				changed = append(changed, events.StatusEvent{
					TrackingID:     item.ID,
					Recipient:      prev.Recipient,
					Status:         item.Status,
					PreviousStatus: prev.Status,
					Details:        raw,
					OccurredAt:     time.Now().UTC(),
				})
				r.logger.Info().
					Str("tracking_id", item.ID).
					Str("status", item.Status).
					Str("previous_status", prev.Status).
					Msg("message status updated")
			}
		}
	}

	for _, ev := range changed {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.logger.Warn().Err(err).Str("tracking_id", ev.TrackingID).Msg("status event not published")
		}
	}
	if r.metrics != nil {
		r.metrics.WebhookStatus(metrics.ResultUpdated, res.Updated)
		r.metrics.WebhookStatus(metrics.ResultUnknown, res.Unknown)
		r.metrics.WebhookStatus(metrics.ResultSkipped, res.Skipped)
	}
	return res
}

func (r *Receiver) skip(res *Result, raw json.RawMessage, msg string) {
	res.Skipped++
	r.logger.Warn().RawJSON("item", safeJSON(raw)).Msg(msg)
}

func (r *Receiver) rejected(reason string) {
	r.logger.Warn().Str("reason", reason).Msg("webhook rejected")
	if r.metrics != nil {
		r.metrics.WebhookRejected(reason)
	}
}

// safeJSON keeps zerolog output valid when an item is not JSON at all.
func safeJSON(raw json.RawMessage) json.RawMessage {
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
