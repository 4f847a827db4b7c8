// Package transport implements the small slice of the Matrix Client-Server
// HTTP API the crypto engines need: device key upload/query/claim,
// to-device delivery, and the long-poll /sync loop.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/hearthline/matrix-e2e/pkg/devices"
	cerrors "github.com/hearthline/matrix-e2e/pkg/errors"
)

var (
	ErrNotLoggedIn = errors.New("transport: not logged in")
)

// Config configures a Client.
type Config struct {
	HomeserverURL string
	AccessToken   string
	UserID        string
	DeviceID      string
	// RequestsPerSecond bounds our own outgoing request rate, independent
	// of any server-signaled M_LIMITED backoff. Zero disables the limit.
	RequestsPerSecond float64
}

// Client is a thin Matrix Client-Server API client scoped to the
// endpoints the crypto subsystem needs. It owns no cryptographic or
// device state — it just moves bytes.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a Client configured for long-poll reuse (HTTP/2 where the
// homeserver supports it) and, if RequestsPerSecond > 0, a client-side
// rate limit layered under the server's own M_LIMITED backoff.
func New(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, errors.New("transport: homeserver URL is required")
	}

	transport := &http.Transport{}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("transport: configure http2: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
		limiter: limiter,
	}, nil
}

// matrixError mirrors the Matrix Client-Server standard error shape.
type matrixError struct {
	ErrCode    string `json:"errcode"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_ms"`
}

// doJSON issues an HTTP request with a JSON body (nil for none), retrying
// once on M_LIMITED after honoring retry_after_ms, and decodes the JSON
// response into out (nil to discard the body).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: marshal request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return cerrors.Wrap("TRN-001", err)
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.HomeserverURL+path, reader)
		if err != nil {
			return cerrors.Wrap("TRN-001", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
		}
		req.Header.Set("User-Agent", "matrix-e2e/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return cerrors.Wrap("TRN-001", err)
		}

		if resp.StatusCode == http.StatusOK {
			defer resp.Body.Close()
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return cerrors.Wrap("TRN-001", err)
			}
			return nil
		}

		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var merr matrixError
		json.Unmarshal(raw, &merr)

		if merr.ErrCode == "M_LIMITED" && attempt == 0 {
			wait := time.Duration(merr.RetryAfter) * time.Millisecond
			if wait <= 0 {
				wait = time.Second
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if merr.ErrCode == "M_UNKNOWN_TOKEN" || merr.ErrCode == "M_MISSING_TOKEN" || resp.StatusCode == http.StatusUnauthorized {
			return cerrors.Newf("TRN-003", "matrix auth failed: %s %s", merr.ErrCode, merr.Error)
		}
		return cerrors.Newf("TRN-001", "matrix request failed (status %d): %s %s", resp.StatusCode, merr.ErrCode, merr.Error)
	}
}

// LoginResult is the outcome of a successful login, by any method.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// Login authenticates via m.login.password.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	payload := map[string]string{
		"type":     "m.login.password",
		"user":     username,
		"password": password,
	}
	var result LoginResult
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/login", payload, &result); err != nil {
		return nil, err
	}
	c.cfg.AccessToken = result.AccessToken
	c.cfg.UserID = result.UserID
	c.cfg.DeviceID = result.DeviceID
	return &result, nil
}

// LoginWithToken authenticates via m.login.token, exchanging the
// loginToken a homeserver's SSO redirect flow deposited on our local
// callback for a full access token.
func (c *Client) LoginWithToken(ctx context.Context, loginToken string) (*LoginResult, error) {
	payload := map[string]string{
		"type":  "m.login.token",
		"token": loginToken,
	}
	var result LoginResult
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/login", payload, &result); err != nil {
		return nil, err
	}
	c.cfg.AccessToken = result.AccessToken
	c.cfg.UserID = result.UserID
	c.cfg.DeviceID = result.DeviceID
	return &result, nil
}

// UploadKeys implements POST /keys/upload: device_keys is the
// self-signed signed-dict built by the caller (OlmEngine owns signing),
// oneTimeKeys maps "signed_curve25519:<key_id>" to a signed-dict value.
// Returns the server's one_time_key_counts.
func (c *Client) UploadKeys(ctx context.Context, deviceKeys map[string]interface{}, oneTimeKeys map[string]interface{}) (map[string]int, error) {
	payload := map[string]interface{}{}
	if deviceKeys != nil {
		payload["device_keys"] = deviceKeys
	}
	if oneTimeKeys != nil {
		payload["one_time_keys"] = oneTimeKeys
	}
	var result struct {
		OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", payload, &result); err != nil {
		return nil, err
	}
	return result.OneTimeKeyCounts, nil
}

// rawQueryResponse mirrors POST /keys/query's wire shape, ahead of
// conversion into devices.RawDeviceKeys.
type rawQueryResponse struct {
	DeviceKeys map[string]map[string]struct {
		UserID     string                       `json:"user_id"`
		DeviceID   string                       `json:"device_id"`
		Algorithms []string                     `json:"algorithms"`
		Keys       map[string]string            `json:"keys"`
		Signatures map[string]map[string]string `json:"signatures"`
		Unsigned   map[string]interface{}       `json:"unsigned"`
	} `json:"device_keys"`
	Failures map[string]interface{} `json:"failures"`
}

// QueryKeys implements POST /keys/query, satisfying devices.Transport.
func (c *Client) QueryKeys(ctx context.Context, devicesByUser map[string][]string) (*devices.KeysQueryResponse, error) {
	deviceKeysParam := make(map[string]interface{}, len(devicesByUser))
	for userID, deviceIDs := range devicesByUser {
		if len(deviceIDs) == 0 {
			deviceKeysParam[userID] = []string{}
		} else {
			deviceKeysParam[userID] = deviceIDs
		}
	}
	payload := map[string]interface{}{"device_keys": deviceKeysParam}

	var raw rawQueryResponse
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", payload, &raw); err != nil {
		return nil, err
	}

	out := &devices.KeysQueryResponse{
		DeviceKeys: make(map[string]map[string]devices.RawDeviceKeys, len(raw.DeviceKeys)),
	}
	for userID, perDevice := range raw.DeviceKeys {
		out.DeviceKeys[userID] = make(map[string]devices.RawDeviceKeys, len(perDevice))
		for deviceID, d := range perDevice {
			out.DeviceKeys[userID][deviceID] = devices.RawDeviceKeys{
				UserID:     d.UserID,
				DeviceID:   d.DeviceID,
				Algorithms: d.Algorithms,
				Keys:       d.Keys,
				Signatures: d.Signatures,
				Unsigned:   d.Unsigned,
			}
		}
	}
	for userID := range raw.Failures {
		out.FailedUserIDs = append(out.FailedUserIDs, userID)
	}
	return out, nil
}

// ClaimOneTimeKeys implements POST /keys/claim, satisfying devices.Transport.
func (c *Client) ClaimOneTimeKeys(ctx context.Context, devicesAndAlgorithms map[string]map[string]string) (*devices.KeysClaimResponse, error) {
	payload := map[string]interface{}{"one_time_keys": devicesAndAlgorithms}

	var raw struct {
		OneTimeKeys map[string]map[string]map[string]struct {
			Key        string                       `json:"key"`
			Signatures map[string]map[string]string `json:"signatures"`
		} `json:"one_time_keys"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", payload, &raw); err != nil {
		return nil, err
	}

	out := &devices.KeysClaimResponse{
		OneTimeKeys: make(map[string]map[string]map[string]devices.SignedOneTimeKey),
	}
	for userID, perDevice := range raw.OneTimeKeys {
		out.OneTimeKeys[userID] = make(map[string]map[string]devices.SignedOneTimeKey, len(perDevice))
		for deviceID, perKeyID := range perDevice {
			converted := make(map[string]devices.SignedOneTimeKey, len(perKeyID))
			for keyID, k := range perKeyID {
				converted[keyID] = devices.SignedOneTimeKey{Key: k.Key, Signatures: k.Signatures}
			}
			out.OneTimeKeys[userID][deviceID] = converted
		}
	}
	return out, nil
}

// SendToDevice implements PUT /sendToDevice/{eventType}/{txnId}. messages
// maps user_id -> device_id (or "*") -> event content.
func (c *Client) SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]interface{}) error {
	payload := map[string]interface{}{"messages": messages}
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s", eventType, txnID)
	return c.doJSON(ctx, http.MethodPut, path, payload, nil)
}

// SyncResponse is the subset of a /sync response the crypto subsystem
// and SyncDispatcher need; RoomStateIndex/TimelineLog consume the Rooms
// field directly as raw JSON, since their shape is outside this
// package's concern.
type SyncResponse struct {
	NextBatch string          `json:"next_batch"`
	ToDevice  struct {
		Events []ToDeviceEvent `json:"events"`
	} `json:"to_device"`
	DeviceLists struct {
		Changed []string `json:"changed"`
		Left    []string `json:"left"`
	} `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count"`
	Rooms                  json.RawMessage `json:"rooms"`
}

// ToDeviceEvent is one event delivered via the to-device event stream.
type ToDeviceEvent struct {
	Sender  string                 `json:"sender"`
	Type    string                 `json:"type"`
	Content map[string]interface{} `json:"content"`
}

// Sync issues a long-poll GET /sync. A zero timeoutMs performs an
// immediate (non-blocking) sync, as used for the very first request
// with an empty since token.
func (c *Client) Sync(ctx context.Context, since string, timeoutMs int) (*SyncResponse, error) {
	return c.SyncWithParams(ctx, SyncParams{Since: since, TimeoutMs: timeoutMs})
}

// SyncParams carries sync_once's full parameter set. Filter and
// SetPresence are passed through verbatim when non-empty; FullState
// forces the server to return the complete room state rather than a
// delta, as used after a token becomes invalid and a fresh baseline is
// needed.
type SyncParams struct {
	Since      string
	TimeoutMs  int
	Filter     string
	FullState  bool
	SetPresence string
}

// SyncWithParams is Sync with the full sync_once parameter set.
func (c *Client) SyncWithParams(ctx context.Context, p SyncParams) (*SyncResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/sync?timeout=%d", p.TimeoutMs)
	if p.Since != "" {
		path += "&since=" + url.QueryEscape(p.Since)
	}
	if p.Filter != "" {
		path += "&filter=" + url.QueryEscape(p.Filter)
	}
	if p.FullState {
		path += "&full_state=true"
	}
	if p.SetPresence != "" {
		path += "&set_presence=" + url.QueryEscape(p.SetPresence)
	}
	var result SyncResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, cerrors.Wrap("SYN-001", err)
	}
	return &result, nil
}

var _ devices.Transport = (*Client)(nil)
