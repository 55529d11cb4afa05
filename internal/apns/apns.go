package apns

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openride/chatpush/internal/dispatch"
)

const (
	DevelopmentEndpoint = "https://api.sandbox.push.apple.com"
	ProductionEndpoint  = "https://api.push.apple.com"

	// Highest delivery priority: present the notification immediately.
	priorityImmediate = "10"
	pushTypeAlert     = "alert"
)

// Credentials is the signing and targeting configuration required before any
// device send can be attempted. All fields are mandatory.
type Credentials struct {
	TeamID  string // issuer claim
	KeyID   string // key identifier header
	Key     []byte // PEM-encoded EC P-256 private key
	Topic   string // app bundle identifier
	Sandbox bool
}

func (c Credentials) validate() error {
	switch {
	case c.TeamID == "":
		return fmt.Errorf("apns: team id is required")
	case c.KeyID == "":
		return fmt.Errorf("apns: key id is required")
	case len(c.Key) == 0:
		return fmt.Errorf("apns: signing key material is required")
	case c.Topic == "":
		return fmt.Errorf("apns: topic is required")
	}
	return nil
}

type Client struct {
	httpClient *http.Client
	signingKey *ecdsa.PrivateKey
	keyID      string
	teamID     string
	topic      string
	endpoint   string
}

// NewClient parses the signing key eagerly so that missing or malformed
// credentials fail the whole request before any device send is attempted.
func NewClient(creds Credentials) (*Client, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}

	key, err := jwt.ParseECPrivateKeyFromPEM(creds.Key)
	if err != nil {
		return nil, fmt.Errorf("apns: cannot parse signing key: %w", err)
	}

	endpoint := ProductionEndpoint
	if creds.Sandbox {
		endpoint = DevelopmentEndpoint
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		signingKey: key,
		keyID:      creds.KeyID,
		teamID:     creds.TeamID,
		topic:      creds.Topic,
		endpoint:   endpoint,
	}, nil
}

// Error is a non-2xx provider response, carrying the status code and
// response body verbatim for operator diagnosis.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("apns: provider returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) bearerToken() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.teamID,
		"iat": time.Now().Unix(),
	})
	token.Header["kid"] = c.keyID

	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("apns: cannot sign bearer token: %w", err)
	}
	return signed, nil
}

type apsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type aps struct {
	Alert    apsAlert `json:"alert"`
	Sound    string   `json:"sound,omitempty"`
	Badge    int      `json:"badge"`
	Category string   `json:"category,omitempty"`
}

type apnsRequest struct {
	Aps            aps    `json:"aps"`
	Type           string `json:"type,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
}

func (c *Client) Send(ctx context.Context, deviceToken string, payload *dispatch.Payload) error {
	bearer, err := c.bearerToken()
	if err != nil {
		return err
	}

	body, err := json.Marshal(apnsRequest{
		Aps: aps{
			Alert:    apsAlert{Title: payload.Title, Body: payload.Body},
			Sound:    payload.Sound,
			Badge:    payload.Badge,
			Category: payload.Category,
		},
		Type:           payload.Type,
		ConversationID: payload.ConversationID,
		MessageID:      payload.MessageID,
		SenderID:       payload.SenderID,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/3/device/%s", c.endpoint, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("apns-topic", c.topic)
	req.Header.Set("apns-priority", priorityImmediate)
	req.Header.Set("apns-push-type", pushTypeAlert)
	req.Header.Set("apns-id", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
