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

// Package signature checks the X-Hub-Signature-256 proof that a webhook
// callback was sent by the provider.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/jredh-dev/wabridge/internal/apperr"
)

// Header is the request header carrying the signature.
const Header = "X-Hub-Signature-256"

const prefix = "sha256="

// Sign returns the header value the provider would send for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC-SHA256 of the raw body. An empty
// header or an unconfigured secret is accepted; a present but wrong header
// fails with an authentication error.
func Verify(body []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" || secret == "" {
		return nil
	}
	expected := Sign(body, secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(header)) != 1 {
		return apperr.Authentication("invalid signature")
	}
	return nil
}
