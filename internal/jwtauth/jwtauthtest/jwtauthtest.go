// Package jwtauthtest provides a minimal in-process token authority for
// tests: an RSA signing key, helpers to mint compact JWTs, and an HTTP
// handler serving the matching JWKS document.
package jwtauthtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer holds a test RSA key pair and issuer metadata.
type Signer struct {
	Key    *rsa.PrivateKey
	KeyID  string
	Issuer string
}

// NewSigner generates a fresh 2048-bit signing key.
func NewSigner(t *testing.T, issuer string) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return &Signer{Key: key, KeyID: "test-key-1", Issuer: issuer}
}

// Claims is a convenience alias for building token payloads.
type Claims = jwt.MapClaims

// Sign mints a compact RS256 JWT. Standard claims (iss, iat, exp) are filled
// in unless the caller already set them.
func (s *Signer) Sign(t *testing.T, claims Claims) string {
	t.Helper()

	if _, ok := claims["iss"]; !ok {
		claims["iss"] = s.Issuer
	}
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = time.Now().Unix()
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.KeyID

	signed, err := tok.SignedString(s.Key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// AccessToken mints a token in the shape the gateway expects from the IdP:
// audience, subject, preferred_username and realm roles.
func (s *Signer) AccessToken(t *testing.T, audience, subject, username string, roles ...string) string {
	t.Helper()
	return s.Sign(t, Claims{
		"aud":                audience,
		"sub":                subject,
		"preferred_username": username,
		"realm_access":       map[string]any{"roles": roles},
	})
}

// Keyfunc returns a jwt.Keyfunc resolving the signer's public key.
func (s *Signer) Keyfunc() jwt.Keyfunc {
	return func(tok *jwt.Token) (any, error) {
		return &s.Key.PublicKey, nil
	}
}

// JWKSHandler serves the signer's public key as a JWKS document, the way the
// IdP's certs endpoint would.
func (s *Signer) JWKSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub := &s.Key.PublicKey
		doc := map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": s.KeyID,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
}
