// Package crypt implements the RSA signing primitives used to prove device
// identity when issuing a bearer token: a claims payload is serialized to
// JSON, SHA-256 hashed, and signed with PKCS#1v15. The private key never
// leaves internal/security's storage.
package crypt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/cuemby/miru-agent/internal/agenterrors"
)

// SignClaims serializes claims to canonical JSON, hashes it, signs the hash
// with key, and returns the base64-encoded signature alongside the claims
// bytes (the wire request needs both).
func SignClaims(key *rsa.PrivateKey, claims any) (claimsJSON []byte, signatureB64 string, err error) {
	claimsJSON, err = json.Marshal(claims)
	if err != nil {
		return nil, "", &agenterrors.SerdeErr{Source: err, Site: agenterrors.Trace()}
	}

	sig, err := Sign(key, claimsJSON)
	if err != nil {
		return nil, "", err
	}
	return claimsJSON, base64.StdEncoding.EncodeToString(sig), nil
}

// Sign computes SHA-256(data) and signs it with key using PKCS#1v15.
func Sign(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, &agenterrors.CryptErr{Source: err, Site: agenterrors.Trace()}
	}
	return sig, nil
}

// Verify checks a base64-encoded PKCS#1v15 signature of data against pub.
func Verify(pub *rsa.PublicKey, data []byte, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return &agenterrors.CryptErr{Source: err, Site: agenterrors.Trace()}
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return &agenterrors.CryptErr{Source: err, Site: agenterrors.Trace()}
	}
	return nil
}

// JWTClaims is the minimal payload this agent reads out of an activation
// JWT — not a general-purpose claim set.
type JWTClaims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Exp int64  `json:"exp"`
	Iat int64  `json:"iat"`
	Sub string `json:"sub"`
}

// DecodeJWTClaims decodes a JWT's payload segment without verifying its
// signature: the device has no key to verify a token issued by the
// backend, so it only reads the claims, it doesn't authenticate them. The
// token must have three dot-separated segments and a payload carrying
// iss, aud, exp, iat, and sub.
func DecodeJWTClaims(token string) (JWTClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return JWTClaims{}, &agenterrors.CryptErr{Source: errors.New("jwt: expected three dot-separated segments"), Site: agenterrors.Trace()}
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return JWTClaims{}, &agenterrors.CryptErr{Source: err, Site: agenterrors.Trace()}
	}

	var claims JWTClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return JWTClaims{}, &agenterrors.CryptErr{Source: err, Site: agenterrors.Trace()}
	}
	if claims.Iss == "" || claims.Aud == "" || claims.Exp == 0 || claims.Iat == 0 || claims.Sub == "" {
		return JWTClaims{}, &agenterrors.CryptErr{Source: errors.New("jwt: missing required claim"), Site: agenterrors.Trace()}
	}
	return claims, nil
}

// ExtractDeviceID returns the device id an activation JWT was issued for,
// carried in its subject claim.
func ExtractDeviceID(token string) (string, error) {
	claims, err := DecodeJWTClaims(token)
	if err != nil {
		return "", err
	}
	return claims.Sub, nil
}
