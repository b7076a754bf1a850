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

package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jredh-dev/wabridge/internal/apperr"
)

type capturedRequest struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func fakeProvider(t *testing.T, status int, respBody string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient("", "123")
	assert.Error(t, err)
	_, err = NewClient("tok", " ")
	assert.Error(t, err)
}

func TestMessagesURL(t *testing.T) {
	c, err := NewClient("tok", "1234567890")
	require.NoError(t, err)
	assert.Equal(t, "https://graph.facebook.com/v22.0/1234567890/messages", c.MessagesURL())

	c, err = NewClient("tok", "42", WithBaseURL("http://localhost:8000/"), WithAPIVersion("/v19.0/"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/v19.0/42/messages", c.MessagesURL())
}

func TestSendText_Success(t *testing.T) {
	srv, got := fakeProvider(t, http.StatusOK,
		`{"messaging_product":"whatsapp","contacts":[{"input":"15551234567","wa_id":"15551234567"}],"messages":[{"id":"wamid.1"}]}`)

	c, err := NewClient("secret-token", "42", WithBaseURL(srv.URL))
	require.NoError(t, err)

	res, err := c.SendText(context.Background(), "15551234567", "hello")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v22.0/42/messages", got.path)
	assert.Equal(t, "Bearer secret-token", got.auth)
	assert.Equal(t, "whatsapp", got.body["messaging_product"])
	assert.Equal(t, "15551234567", got.body["to"])
	assert.Equal(t, "text", got.body["type"])
	assert.Equal(t, map[string]any{"preview_url": true, "body": "hello"}, got.body["text"])
	assert.NotContains(t, got.body, "template")

	assert.Equal(t, []string{"wamid.1"}, res.MessageIDs)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(res.Raw), `"contacts"`)
}

func TestSendTemplate_Body(t *testing.T) {
	srv, got := fakeProvider(t, http.StatusOK, `{"messages":[{"id":"wamid.T"}]}`)
	c, err := NewClient("tok", "42", WithBaseURL(srv.URL))
	require.NoError(t, err)

	res, err := c.SendTemplate(context.Background(), "15550001111", "hello_world", "en_US")
	require.NoError(t, err)
	assert.Equal(t, []string{"wamid.T"}, res.MessageIDs)
	assert.Equal(t, "template", got.body["type"])
	assert.Equal(t, map[string]any{
		"name":     "hello_world",
		"language": map[string]any{"code": "en_US"},
	}, got.body["template"])
	assert.NotContains(t, got.body, "text")
}

func TestSend_ProviderErrorPassesStatusAndBody(t *testing.T) {
	body := `{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`
	srv, _ := fakeProvider(t, http.StatusUnauthorized, body)
	c, err := NewClient("bad", "42", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.SendText(context.Background(), "1555", "hi")
	require.Error(t, err)

	var rich *goerrors.Error
	require.True(t, goerrors.As(err, &rich))
	assert.Equal(t, apperr.CodeProvider, rich.TextCode)
	assert.Equal(t, http.StatusUnauthorized, rich.Code)
	assert.Equal(t, body, rich.Metadata[apperr.MetaProviderBody])
}

type failingClient struct{}

func (failingClient) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestSend_NetworkFailureIsDispatchError(t *testing.T) {
	c, err := NewClient("tok", "42", WithHTTPClient(failingClient{}))
	require.NoError(t, err)

	_, err = c.SendText(context.Background(), "1555", "hi")
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeDispatch))
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))
}

func TestSend_UndecodableSuccessIsDispatchError(t *testing.T) {
	srv, _ := fakeProvider(t, http.StatusOK, `<html>gateway</html>`)
	c, err := NewClient("tok", "42", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.SendText(context.Background(), "1555", "hi")
	assert.True(t, apperr.HasCode(err, apperr.CodeDispatch))
}
