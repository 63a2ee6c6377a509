// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeCert(der string) tls.Certificate {
	return tls.Certificate{Certificate: [][]byte{[]byte(der)}}
}

func TestIdentityToken_ParsesWithClaims(t *testing.T) {
	cert := fakeCert("leaf-der-bytes")

	signed, err := IdentityToken(cert, "dataplane", "plane-1", time.Minute)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &planeClaims{}, func(*jwt.Token) (interface{}, error) {
		return certDerivedKey(cert), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(*planeClaims)
	require.True(t, ok)
	assert.Equal(t, "plane-1", claims.Subject)
	assert.Equal(t, "dataplane", claims.PlaneType)
}

func TestIdentityToken_RejectsUnderDifferentCertKey(t *testing.T) {
	signed, err := IdentityToken(fakeCert("cert-a"), "dataplane", "plane-1", time.Minute)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(signed, &planeClaims{}, func(*jwt.Token) (interface{}, error) {
		return certDerivedKey(fakeCert("cert-b")), nil
	})
	assert.Error(t, err)
}

func TestIdentityToken_ExpiresAfterTTL(t *testing.T) {
	cert := fakeCert("leaf-der-bytes")
	signed, err := IdentityToken(cert, "dataplane", "plane-1", -time.Minute)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(signed, &planeClaims{}, func(*jwt.Token) (interface{}, error) {
		return certDerivedKey(cert), nil
	})
	assert.Error(t, err)
}

func TestCertDerivedKey_EmptyCertIsStable(t *testing.T) {
	empty := tls.Certificate{}
	assert.Equal(t, certDerivedKey(empty), certDerivedKey(empty))
	assert.NotEqual(t, certDerivedKey(empty), certDerivedKey(fakeCert("x")))
}
