package crypt

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type testClaims struct {
	ClientID string `json:"client_id"`
	Nonce    string `json:"nonce"`
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSignClaimsAndVerify(t *testing.T) {
	key := genKey(t)
	claims := testClaims{ClientID: "device-1", Nonce: "abc"}

	claimsJSON, sigB64, err := SignClaims(key, claims)
	require.NoError(t, err)
	require.NotEmpty(t, sigB64)

	require.NoError(t, Verify(&key.PublicKey, claimsJSON, sigB64))
}

func TestVerifyFailsOnTamperedData(t *testing.T) {
	key := genKey(t)
	claimsJSON, sigB64, err := SignClaims(key, testClaims{ClientID: "device-1"})
	require.NoError(t, err)

	tampered := append([]byte(nil), claimsJSON...)
	tampered[0] ^= 0xFF
	require.Error(t, Verify(&key.PublicKey, tampered, sigB64))
}

func TestVerifyFailsOnWrongKey(t *testing.T) {
	key := genKey(t)
	other := genKey(t)
	claimsJSON, sigB64, err := SignClaims(key, testClaims{ClientID: "device-1"})
	require.NoError(t, err)

	require.Error(t, Verify(&other.PublicKey, claimsJSON, sigB64))
}

func fakeJWT(t *testing.T, payload any) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".sig"
}

func TestDecodeJWTClaims_Success(t *testing.T) {
	token := fakeJWT(t, map[string]any{
		"iss": "miru",
		"aud": "client",
		"exp": 1721517034,
		"iat": 1721495434,
		"sub": "75899aa4-b08a-4047-8526-880b1b832973",
	})
	claims, err := DecodeJWTClaims(token)
	require.NoError(t, err)
	require.Equal(t, "miru", claims.Iss)
	require.Equal(t, "client", claims.Aud)
	require.Equal(t, "75899aa4-b08a-4047-8526-880b1b832973", claims.Sub)
}

func TestDecodeJWTClaims_RejectsWrongSegmentCount(t *testing.T) {
	_, err := DecodeJWTClaims("onlyonesegment")
	require.Error(t, err)
}

func TestDecodeJWTClaims_RejectsUndecodablePayload(t *testing.T) {
	_, err := DecodeJWTClaims("header.not-valid-base64!!!.sig")
	require.Error(t, err)
}

func TestDecodeJWTClaims_RejectsMissingClaim(t *testing.T) {
	cases := []map[string]any{
		{"aud": "client", "exp": 1721517034, "iat": 1721495434, "sub": "device-1"},
		{"iss": "miru", "exp": 1721517034, "iat": 1721495434, "sub": "device-1"},
		{"iss": "miru", "aud": "client", "iat": 1721495434, "sub": "device-1"},
		{"iss": "miru", "aud": "client", "exp": 1721517034, "sub": "device-1"},
		{"iss": "miru", "aud": "client", "exp": 1721517034, "iat": 1721495434},
	}
	for _, payload := range cases {
		_, err := DecodeJWTClaims(fakeJWT(t, payload))
		require.Error(t, err)
	}
}

func TestExtractDeviceID_ReturnsSubjectClaim(t *testing.T) {
	token := fakeJWT(t, map[string]any{
		"iss": "miru",
		"aud": "client",
		"exp": 1721517034,
		"iat": 1721495434,
		"sub": "75899aa4-b08a-4047-8526-880b1b832973",
	})
	deviceID, err := ExtractDeviceID(token)
	require.NoError(t, err)
	require.Equal(t, "75899aa4-b08a-4047-8526-880b1b832973", deviceID)
}
