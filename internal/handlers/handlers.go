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

// Package handlers exposes the wabridge HTTP endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jredh-dev/wabridge/internal/apperr"
	"github.com/jredh-dev/wabridge/internal/dispatch"
	"github.com/jredh-dev/wabridge/internal/reqlog"
	"github.com/jredh-dev/wabridge/internal/signature"
	"github.com/jredh-dev/wabridge/internal/store"
	"github.com/jredh-dev/wabridge/internal/webhook"
)

// DefaultMaxWebhookBody bounds webhook bodies when no limit is configured.
const DefaultMaxWebhookBody int64 = 1 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	receiver   *webhook.Receiver
	store      *store.Store
	requests   *reqlog.Log
	logger     zerolog.Logger
	maxBody    int64
}

// New creates a new Handler. maxWebhookBody <= 0 selects DefaultMaxWebhookBody.
func New(d *dispatch.Dispatcher, rcv *webhook.Receiver, s *store.Store, requests *reqlog.Log, logger zerolog.Logger, maxWebhookBody int64) *Handler {
	if maxWebhookBody <= 0 {
		maxWebhookBody = DefaultMaxWebhookBody
	}
	return &Handler{
		dispatcher: d,
		receiver:   rcv,
		store:      s,
		requests:   requests,
		logger:     logger,
		maxBody:    maxWebhookBody,
	}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/send-whatsapp-message", h.SendMessage)
	r.Post("/whatsapp/webhook", h.Webhook)
	r.Get("/whatsapp/webhook", h.VerifySubscription)
	r.Get("/message-status/{id}", h.MessageStatus)
	r.Get("/all-message-statuses", h.AllMessageStatuses)
	r.Get("/monitoring/requests", h.Requests)
}

// SendMessage handles POST /send-whatsapp-message. Parameters come from the
// query string; a JSON body, when present, overrides them field by field.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := dispatch.Request{
		PhoneNumber:  q.Get("phone_number"),
		Message:      q.Get("message"),
		LanguageCode: q.Get("language_code"),
		TemplateName: q.Get("template_name"),
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}

	res, err := h.dispatcher.Send(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	jsonOK(w, http.StatusOK, res)
}

type webhookAck struct {
	Status  string `json:"status"`
	Updated int    `json:"updated"`
	Unknown int    `json:"unknown"`
	Skipped int    `json:"skipped"`
}

// Webhook handles POST /whatsapp/webhook. The body is read once, bounded,
// and handed to the receiver byte-for-byte so the signature can be checked.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErr(w, r, apperr.BadInput(fmt.Sprintf("webhook body exceeds %d bytes", h.maxBody)))
			return
		}
		h.writeErr(w, r, apperr.WebhookProcessing(err, "failed to read webhook body"))
		return
	}

	res, err := h.receiver.Handle(r.Context(), body, r.Header.Get(signature.Header))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if res.IsHandshake() {
		jsonOK(w, http.StatusOK, map[string]json.RawMessage{"hub.challenge": res.Challenge})
		return
	}
	jsonOK(w, http.StatusOK, webhookAck{
		Status:  "ok",
		Updated: res.Updated,
		Unknown: res.Unknown,
		Skipped: res.Skipped,
	})
}

// VerifySubscription handles GET /whatsapp/webhook, the query-string form of
// the subscription handshake. The challenge is echoed as plain text.
func (h *Handler) VerifySubscription(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := h.receiver.Handshake(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// MessageStatus handles GET /message-status/{id}
func (h *Handler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	jsonOK(w, http.StatusOK, rec)
}

// AllMessageStatuses handles GET /all-message-statuses
func (h *Handler) AllMessageStatuses(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, http.StatusOK, h.store.All())
}

// Requests handles GET /monitoring/requests
func (h *Handler) Requests(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, http.StatusOK, map[string][]reqlog.Entry{"requests": h.requests.Snapshot()})
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// writeErr is the single place errors leave the service.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	env := apperr.Envelope(err)
	reqlog.SetError(r.Context(), err.Error())

	ev := h.logger.Warn()
	if env.Code >= http.StatusInternalServerError {
		ev = h.logger.Error()
	}
	ev.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Str("code", env.TextCode).
		Int("status", env.Code).
		Msg("request failed")

	body := errorBody{Error: env.Message, Code: env.TextCode}
	if env.TextCode == apperr.CodeProvider {
		if raw, ok := env.Metadata[apperr.MetaProviderBody].(string); ok && raw != "" {
			body.Details = providerDetails(raw)
		}
	}
	jsonOK(w, env.Code, body)
}

// providerDetails keeps a JSON provider body structured and anything else
// as a string.
func providerDetails(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "application/json" {
			return nil
		}
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.BadInput("invalid JSON body: " + strings.TrimSpace(err.Error()))
	}
	return nil
}

func jsonOK(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
