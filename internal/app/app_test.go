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

package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jredh-dev/wabridge/config"
	"github.com/jredh-dev/wabridge/internal/events"
	"github.com/jredh-dev/wabridge/internal/signature"
)

func newTestApp(t *testing.T, extra map[string]string) *App {
	t.Helper()
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.42"}]}`))
	}))
	t.Cleanup(provider.Close)

	vars := map[string]string{
		"WHATSAPP_API_TOKEN":    "tok",
		"WHATSAPP_PHONE_ID":     "123",
		"WHATSAPP_API_BASE_URL": provider.URL,
		"WHATSAPP_APP_SECRET":   "s3cret",
	}
	for k, v := range extra {
		vars[k] = v
	}
	cfg, err := config.LoadFrom(vars)
	require.NoError(t, err)

	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func serve(a *App, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_RequiresProviderCredentials(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	_, err = New(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WHATSAPP_API_TOKEN")
}

func TestNew_SelectsPublisher(t *testing.T) {
	a := newTestApp(t, nil)
	assert.IsType(t, events.NopPublisher{}, a.Publisher)

	assert.Nil(t, a.Outbox)

	k := newTestApp(t, map[string]string{"KAFKA_BROKERS": "localhost:9092"})
	assert.IsType(t, &events.KafkaPublisher{}, k.Publisher)
	assert.Nil(t, k.Outbox, "outbox needs a topic")
}

func TestApp_ServesAllRoutes(t *testing.T) {
	a := newTestApp(t, nil)

	w := serve(a, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(a, http.MethodPost, "/send-whatsapp-message?phone_number=1555&message=hi", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := []byte(`{"entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.42","status":"read"}]}}]}]}`)
	w = serve(a, http.MethodPost, "/whatsapp/webhook", body, map[string]string{signature.Header: signature.Sign(body, "s3cret")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, err := a.Store.Get("wamid.42")
	require.NoError(t, err)
	assert.Equal(t, "read", rec.Status)

	w = serve(a, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `wabridge_dispatch_total{outcome="sent"} 1`)
	assert.Contains(t, w.Body.String(), `wabridge_http_requests_total{code="200",method="POST"} 2`)
	assert.Contains(t, w.Body.String(), "wabridge_tracked_messages 1")

	assert.Equal(t, 4, a.Requests.Len())
}

func TestApp_RequestLogCapacityFromConfig(t *testing.T) {
	a := newTestApp(t, map[string]string{"REQUEST_LOG_CAPACITY": "3"})

	for i := 0; i < 5; i++ {
		serve(a, http.MethodGet, "/health", nil, nil)
	}
	assert.Equal(t, 3, a.Requests.Len())
}

func TestAddr(t *testing.T) {
	a := newTestApp(t, map[string]string{"PORT": "9090"})
	assert.Equal(t, ":9090", a.Addr())
}
