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

// Package apperr defines the wabridge error taxonomy on top of go-errors
// envelopes so every failure carries a category, an HTTP status and a stable
// text code by the time it reaches the request boundary.
package apperr

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Stable text codes returned to clients in the "code" field of error bodies.
const (
	CodeAuthentication    = "AUTHENTICATION_FAILED"
	CodeProvider          = "PROVIDER_ERROR"
	CodeDispatch          = "DISPATCH_FAILED"
	CodeWebhookProcessing = "WEBHOOK_PROCESSING_FAILED"
	CodeNotFound          = "NOT_FOUND"
	CodeBadInput          = "BAD_INPUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// MetaProviderBody is the metadata key holding the upstream error body.
const MetaProviderBody = "provider_body"

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapError(source error, category goerrors.Category, message string, code int, textCode string) *goerrors.Error {
	if source == nil {
		return newError(message, category, code, textCode, nil)
	}
	return goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
}

// Authentication rejects a webhook whose signature or verify token is wrong.
func Authentication(message string) error {
	return newError(message, goerrors.CategoryAuthz, http.StatusForbidden, CodeAuthentication, nil)
}

// Provider reports a non-2xx answer from the messaging provider. The
// provider's status code is passed through when it is an error status.
func Provider(status int, body string) error {
	code := status
	if code < http.StatusBadRequest {
		code = http.StatusBadGateway
	}
	return newError("provider returned "+http.StatusText(status), goerrors.CategoryExternal, code, CodeProvider, map[string]any{
		"provider_status": status,
		MetaProviderBody:  body,
	})
}

// Dispatch reports a failure to reach the provider or to encode/decode the
// exchange.
func Dispatch(source error, message string) error {
	return wrapError(source, goerrors.CategoryInternal, message, http.StatusInternalServerError, CodeDispatch)
}

// WebhookProcessing reports an inbound callback that could not be processed.
func WebhookProcessing(source error, message string) error {
	return wrapError(source, goerrors.CategoryInternal, message, http.StatusInternalServerError, CodeWebhookProcessing)
}

// NotFound reports an unknown resource, such as an untracked message id.
func NotFound(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, CodeNotFound, metadata)
}

// BadInput rejects a request whose parameters are missing or invalid.
func BadInput(message string) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, CodeBadInput, nil)
}

// Envelope returns err as a go-errors envelope. Errors that are not already
// envelopes become internal errors.
func Envelope(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		if rich.Code != 0 && strings.TrimSpace(rich.TextCode) != "" {
			return rich
		}
		// Fill the defaults on a copy; the caller's error stays untouched.
		cp := *rich
		if cp.Code == 0 {
			cp.Code = http.StatusInternalServerError
		}
		if strings.TrimSpace(cp.TextCode) == "" {
			cp.TextCode = CodeInternal
		}
		return &cp
	}
	return wrapError(err, goerrors.CategoryInternal, "An unexpected error occurred", http.StatusInternalServerError, CodeInternal)
}

// HasCode reports whether err is an envelope carrying textCode.
func HasCode(err error, textCode string) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == textCode
}

// HTTPStatus is the status code the request boundary should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return Envelope(err).Code
}
