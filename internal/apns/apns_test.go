package apns

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openride/chatpush/internal/dispatch"
)

func testKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func testCredentials(t *testing.T) (Credentials, *ecdsa.PrivateKey) {
	key, pemBytes := testKey(t)
	return Credentials{
		TeamID:  "TEAM123456",
		KeyID:   "KEY1234567",
		Key:     pemBytes,
		Topic:   "com.example.chat",
		Sandbox: true,
	}, key
}

func TestNewClientRejectsMissingCredentials(t *testing.T) {
	_, pemBytes := testKey(t)

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"missing team id", Credentials{KeyID: "k", Key: pemBytes, Topic: "t"}},
		{"missing key id", Credentials{TeamID: "t", Key: pemBytes, Topic: "t"}},
		{"missing key material", Credentials{TeamID: "t", KeyID: "k", Topic: "t"}},
		{"missing topic", Credentials{TeamID: "t", KeyID: "k", Key: pemBytes}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.creds)
			assert.Error(t, err)
		})
	}
}

func TestNewClientRejectsMalformedKey(t *testing.T) {
	_, err := NewClient(Credentials{
		TeamID: "t", KeyID: "k", Topic: "t",
		Key: []byte("not a pem key"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing key")
}

func TestEndpointSelection(t *testing.T) {
	creds, _ := testCredentials(t)

	creds.Sandbox = true
	c, err := NewClient(creds)
	require.NoError(t, err)
	assert.Equal(t, DevelopmentEndpoint, c.endpoint)

	creds.Sandbox = false
	c, err = NewClient(creds)
	require.NoError(t, err)
	assert.Equal(t, ProductionEndpoint, c.endpoint)
}

func TestSendRequestShape(t *testing.T) {
	creds, key := testCredentials(t)

	var captured *http.Request
	var capturedBody apnsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		require.NoError(t, json.NewDecoder(r.Body).Decode(&capturedBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(creds)
	require.NoError(t, err)
	c.endpoint = srv.URL

	err = c.Send(context.Background(), "device-token-1", &dispatch.Payload{
		Title:          "Ana",
		Body:           "see you at 6",
		Sound:          "default",
		Badge:          3,
		Category:       "message",
		Type:           "new_message",
		ConversationID: "c1",
		MessageID:      "m1",
		SenderID:       "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "/3/device/device-token-1", captured.URL.Path)
	assert.Equal(t, "com.example.chat", captured.Header.Get("apns-topic"))
	assert.Equal(t, "10", captured.Header.Get("apns-priority"))
	assert.Equal(t, "alert", captured.Header.Get("apns-push-type"))
	assert.NotEmpty(t, captured.Header.Get("apns-id"))

	auth := captured.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "Bearer "))

	token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.True(t, token.Valid)
	assert.Equal(t, "KEY1234567", token.Header["kid"])

	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "TEAM123456", claims["iss"])
	assert.NotNil(t, claims["iat"])

	assert.Equal(t, "Ana", capturedBody.Aps.Alert.Title)
	assert.Equal(t, "see you at 6", capturedBody.Aps.Alert.Body)
	assert.Equal(t, "default", capturedBody.Aps.Sound)
	assert.Equal(t, 3, capturedBody.Aps.Badge)
	assert.Equal(t, "message", capturedBody.Aps.Category)
	assert.Equal(t, "new_message", capturedBody.Type)
	assert.Equal(t, "c1", capturedBody.ConversationID)
	assert.Equal(t, "m1", capturedBody.MessageID)
	assert.Equal(t, "u1", capturedBody.SenderID)
}

func TestSendSurfacesProviderErrorVerbatim(t *testing.T) {
	creds, _ := testCredentials(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"reason":"Unregistered"}`))
	}))
	defer srv.Close()

	c, err := NewClient(creds)
	require.NoError(t, err)
	c.endpoint = srv.URL

	err = c.Send(context.Background(), "dead-token", &dispatch.Payload{Title: "t", Body: "b"})
	require.Error(t, err)

	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusGone, provErr.StatusCode)
	assert.Equal(t, `{"reason":"Unregistered"}`, provErr.Body)
}
