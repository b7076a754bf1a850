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

// Package whatsapp talks to the WhatsApp Cloud API messages endpoint.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jredh-dev/wabridge/internal/apperr"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v22.0"

	messagingProduct = "whatsapp"
	maxResponseBytes = 1 << 20
)

// HTTPClient is the subset of *http.Client the client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the HTTP client, e.g. for tests.
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithBaseURL points the client at another Graph API host.
func WithBaseURL(u string) Option {
	return func(cl *Client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			cl.baseURL = u
		}
	}
}

// WithAPIVersion selects the Graph API version path segment.
func WithAPIVersion(v string) Option {
	return func(cl *Client) {
		if v = strings.Trim(strings.TrimSpace(v), "/"); v != "" {
			cl.apiVersion = v
		}
	}
}

// WithTimeout sets a deadline on the default HTTP client. Zero keeps the
// net/http default of no timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.httpClient = &http.Client{Timeout: d}
	}
}

// Client sends messages on behalf of one business phone number.
type Client struct {
	token      string
	phoneID    string
	baseURL    string
	apiVersion string
	httpClient HTTPClient
}

// NewClient creates a Client. token is the Cloud API bearer token and
// phoneID the business phone number id messages are sent from.
func NewClient(token, phoneID string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("whatsapp: api token is required")
	}
	if strings.TrimSpace(phoneID) == "" {
		return nil, errors.New("whatsapp: phone number id is required")
	}
	c := &Client{
		token:      strings.TrimSpace(token),
		phoneID:    strings.TrimSpace(phoneID),
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SendResult is the provider's acceptance of a message.
type SendResult struct {
	StatusCode int
	// Raw is the provider response body, verbatim.
	Raw        json.RawMessage
	MessageIDs []string
}

// SendText sends a plain text message to the given phone number.
func (c *Client) SendText(ctx context.Context, to, body string) (*SendResult, error) {
	return c.send(ctx, messageRequest{
		MessagingProduct: messagingProduct,
		To:               to,
		Type:             "text",
		Text:             &textBody{PreviewURL: true, Body: body},
	})
}

// SendTemplate sends a pre-approved template message.
func (c *Client) SendTemplate(ctx context.Context, to, name, languageCode string) (*SendResult, error) {
	return c.send(ctx, messageRequest{
		MessagingProduct: messagingProduct,
		To:               to,
		Type:             "template",
		Template: &templateBody{
			Name:     name,
			Language: templateLanguage{Code: languageCode},
		},
	})
}

// MessagesURL is the endpoint messages are posted to.
func (c *Client) MessagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, url.PathEscape(c.phoneID))
}

type messageRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type templateBody struct {
	Name     string           `json:"name"`
	Language templateLanguage `json:"language"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

// messageResponse captures just the fields we need from a 2xx answer.
type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *Client) send(ctx context.Context, msg messageRequest) (*SendResult, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Dispatch(err, "encode message request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.MessagesURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Dispatch(err, "build provider request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Dispatch(err, "send message to provider")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Dispatch(err, "read provider response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Provider(resp.StatusCode, string(respBody))
	}

	var parsed messageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperr.Dispatch(err, "decode provider response")
	}

	result := &SendResult{StatusCode: resp.StatusCode, Raw: json.RawMessage(respBody)}
	for _, m := range parsed.Messages {
		if id := strings.TrimSpace(m.ID); id != "" {
			result.MessageIDs = append(result.MessageIDs, id)
		}
	}
	return result, nil
}
