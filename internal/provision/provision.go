// ABOUTME: Provisions per-agent homeserver accounts via Synapse admin APIs.
// ABOUTME: Shared-secret registration with HMAC-SHA1 MACs; idempotent deactivation.

// Package provision creates and retires Matrix accounts for agents on a
// Synapse homeserver using the shared-secret registration API.
package provision

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// registerPath is Synapse's shared-secret registration endpoint. A GET
// returns a nonce; a POST with a valid MAC creates the account.
const registerPath = "/_synapse/admin/v1/register"

// deactivatePath deactivates an account; requires an admin access token.
const deactivatePath = "/_synapse/admin/v1/deactivate/"

// ErrRegistrationDisabled is returned when the homeserver has no shared
// registration secret configured.
var ErrRegistrationDisabled = errors.New("shared-secret registration is disabled on the homeserver")

// Credentials identify a freshly provisioned account.
type Credentials struct {
	UserID   string // full Matrix id, e.g. @warren-a1b2:example.org
	Username string // localpart
	Password string
}

// Client talks to one Synapse homeserver's admin API.
type Client struct {
	baseURL      string
	serverName   string
	sharedSecret string
	adminToken   string
	http         *http.Client
	logger       *slog.Logger
}

// Config holds homeserver admin settings.
type Config struct {
	BaseURL      string // e.g. https://matrix.example.org
	ServerName   string // e.g. example.org
	SharedSecret string
	AdminToken   string // access token of an admin account, used for deactivation
	Timeout      time.Duration
	Logger       *slog.Logger
}

// NewClient creates a provisioning client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("homeserver base URL is required")
	}
	if cfg.ServerName == "" {
		return nil, errors.New("homeserver server name is required")
	}
	if cfg.SharedSecret == "" {
		return nil, errors.New("registration shared secret is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serverName:   cfg.ServerName,
		sharedSecret: cfg.SharedSecret,
		adminToken:   cfg.AdminToken,
		http:         &http.Client{Timeout: timeout},
		logger:       logger.With("component", "provision"),
	}, nil
}

// UserID returns the full Matrix id for a localpart on this homeserver.
func (c *Client) UserID(username string) string {
	return fmt.Sprintf("@%s:%s", username, c.serverName)
}

// Register creates the account if it does not already exist. An account that
// exists is treated as success so provisioning stays idempotent across
// service restarts.
func (c *Client) Register(ctx context.Context, username, password string) (Credentials, error) {
	nonce, err := c.fetchNonce(ctx)
	if err != nil {
		return Credentials{}, err
	}

	body := map[string]any{
		"nonce":    nonce,
		"username": username,
		"password": password,
		"admin":    false,
		"mac":      registrationMAC(c.sharedSecret, nonce, username, password, false),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Credentials{}, fmt.Errorf("encoding registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+registerPath, bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("registering %s: %w", username, err)
	}
	defer resp.Body.Close()

	creds := Credentials{UserID: c.UserID(username), Username: username, Password: password}

	if resp.StatusCode == http.StatusOK {
		c.logger.Info("registered agent account", "user_id", creds.UserID)
		return creds, nil
	}

	errCode, errMsg := decodeMatrixError(resp.Body)
	if errCode == "M_USER_IN_USE" {
		c.logger.Debug("agent account already exists", "user_id", creds.UserID)
		return creds, nil
	}
	if resp.StatusCode == http.StatusBadRequest && errCode == "M_UNKNOWN" && strings.Contains(errMsg, "registration") {
		return Credentials{}, ErrRegistrationDisabled
	}
	return Credentials{}, fmt.Errorf("registering %s: %s %s (%s)", username, resp.Status, errMsg, errCode)
}

// Deactivate retires an agent's account. A missing account is success; the
// goal is the account being gone.
func (c *Client) Deactivate(ctx context.Context, userID string) error {
	if c.adminToken == "" {
		return errors.New("admin token required to deactivate accounts")
	}

	payload := []byte(`{"erase": false}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+deactivatePath+userID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.adminToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deactivating %s: %w", userID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		c.logger.Info("deactivated agent account", "user_id", userID)
		return nil
	case http.StatusNotFound:
		return nil
	default:
		_, errMsg := decodeMatrixError(resp.Body)
		return fmt.Errorf("deactivating %s: %s %s", userID, resp.Status, errMsg)
	}
}

func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+registerPath, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching registration nonce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching registration nonce: %s", resp.Status)
	}

	var body struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding registration nonce: %w", err)
	}
	if body.Nonce == "" {
		return "", errors.New("homeserver returned an empty registration nonce")
	}
	return body.Nonce, nil
}

// registrationMAC computes the HMAC-SHA1 Synapse expects over the NUL-joined
// registration fields.
func registrationMAC(secret, nonce, username, password string, admin bool) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(nonce))
	mac.Write([]byte{0})
	mac.Write([]byte(username))
	mac.Write([]byte{0})
	mac.Write([]byte(password))
	mac.Write([]byte{0})
	if admin {
		mac.Write([]byte("admin"))
	} else {
		mac.Write([]byte("notadmin"))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeMatrixError(r io.Reader) (code, message string) {
	var body struct {
		Errcode string `json:"errcode"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return "", ""
	}
	return body.Errcode, body.Error
}
