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

package apperr

import (
	"errors"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomy_StatusAndTextCodes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		textCode string
		category goerrors.Category
	}{
		{"authentication", Authentication("invalid signature"), http.StatusForbidden, CodeAuthentication, goerrors.CategoryAuthz},
		{"provider 4xx passthrough", Provider(http.StatusUnauthorized, `{"error":{}}`), http.StatusUnauthorized, CodeProvider, goerrors.CategoryExternal},
		{"provider 5xx passthrough", Provider(http.StatusServiceUnavailable, ""), http.StatusServiceUnavailable, CodeProvider, goerrors.CategoryExternal},
		{"dispatch", Dispatch(errors.New("dial tcp: refused"), "send failed"), http.StatusInternalServerError, CodeDispatch, goerrors.CategoryInternal},
		{"webhook", WebhookProcessing(errors.New("bad json"), "parse failed"), http.StatusInternalServerError, CodeWebhookProcessing, goerrors.CategoryInternal},
		{"not found", NotFound("message not found", nil), http.StatusNotFound, CodeNotFound, goerrors.CategoryNotFound},
		{"bad input", BadInput("phone_number is required"), http.StatusBadRequest, CodeBadInput, goerrors.CategoryBadInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rich *goerrors.Error
			require.True(t, goerrors.As(tc.err, &rich), "expected go-errors envelope, got %T", tc.err)
			assert.Equal(t, tc.status, rich.Code)
			assert.Equal(t, tc.textCode, rich.TextCode)
			assert.Equal(t, tc.category, rich.Category)
			assert.Equal(t, tc.status, HTTPStatus(tc.err))
			assert.True(t, HasCode(tc.err, tc.textCode))
		})
	}
}

func TestProvider_NonErrorStatusBecomesBadGateway(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(Provider(http.StatusFound, "")))
}

func TestProvider_CarriesBody(t *testing.T) {
	rich := Envelope(Provider(http.StatusBadRequest, `{"error":{"code":100}}`))
	assert.Equal(t, `{"error":{"code":100}}`, rich.Metadata[MetaProviderBody])
}

func TestEnvelope_PlainErrorIsInternal(t *testing.T) {
	rich := Envelope(errors.New("boom"))
	require.NotNil(t, rich)
	assert.Equal(t, http.StatusInternalServerError, rich.Code)
	assert.Equal(t, CodeInternal, rich.TextCode)
	assert.False(t, HasCode(errors.New("boom"), CodeInternal))
	assert.Nil(t, Envelope(nil))
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}

func TestEnvelope_DoesNotMutateCallerError(t *testing.T) {
	bare := &goerrors.Error{Category: goerrors.CategoryInternal, Message: "half built"}

	env := Envelope(bare)
	assert.Equal(t, http.StatusInternalServerError, env.Code)
	assert.Equal(t, CodeInternal, env.TextCode)

	assert.Zero(t, bare.Code)
	assert.Empty(t, bare.TextCode)
	assert.NotSame(t, bare, env)

	full := BadInput("nope")
	var rich *goerrors.Error
	require.True(t, goerrors.As(full, &rich))
	assert.Same(t, rich, Envelope(full))
}
