// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package webhookhttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature_AcceptsCorrectDigest(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	header := sign(body, "secret")
	assert.True(t, verifySignature(header, body, "secret"))
}

func TestVerifySignature_RejectsWrongSecret(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	header := sign(body, "secret")
	assert.False(t, verifySignature(header, body, "other"))
}

func TestVerifySignature_RejectsTamperedBody(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	header := sign(body, "secret")
	assert.False(t, verifySignature(header, []byte(`{"hello":"mallory"}`), "secret"))
}

func TestVerifySignature_RejectsMissingPrefix(t *testing.T) {
	assert.False(t, verifySignature("deadbeef", []byte("x"), "secret"))
}

func TestVerifySignature_RejectsEmptySecret(t *testing.T) {
	body := []byte("x")
	header := sign(body, "")
	assert.False(t, verifySignature(header, body, ""))
}
