// Package devices tracks the devices of every user we share an
// encrypted room with: their identity keys, trust state, and any
// group-session requests waiting on that trust.
package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hearthline/matrix-e2e/pkg/crypto"
	cerrors "github.com/hearthline/matrix-e2e/pkg/errors"
	"github.com/hearthline/matrix-e2e/pkg/logger"
)

// TrustState is the tri-state trust flag a device carries once known.
type TrustState string

const (
	TrustUnset    TrustState = "unset"
	TrustTrusted  TrustState = "trusted"
	TrustBlocked  TrustState = "blocked"
)

// GroupSessionRequest is a pending request for a Megolm session we hold,
// parked on a device until its trust allows replying.
type GroupSessionRequest struct {
	RequestID             string
	RoomID                string
	SessionCreatorCurve25519 string
	SessionID             string
	Algorithm             string
	ReceivedAt            time.Time // when this device's trust kept it from an immediate reply
}

// key returns the comparison key spec.md defines for deduplicating
// requests: (room_id, creator_curve, session_id).
func (r GroupSessionRequest) key() string {
	return r.RoomID + "|" + r.SessionCreatorCurve25519 + "|" + r.SessionID
}

// DeviceKey is one device's identity as known to this client.
type DeviceKey struct {
	UserID      string
	DeviceID    string
	Ed25519     string
	Curve25519  string
	Algorithms  []string
	DisplayName string
	Trust       TrustState

	pendingRequests map[string]GroupSessionRequest // keyed by GroupSessionRequest.key()
}

// PendingRequests returns the device's parked group-session requests.
func (d *DeviceKey) PendingRequests() []GroupSessionRequest {
	out := make([]GroupSessionRequest, 0, len(d.pendingRequests))
	for _, r := range d.pendingRequests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// Transport is the subset of homeserver device-key operations the
// registry needs; OlmEngine/MegolmEngine/KeyDistribution share the full
// transport but DeviceRegistry only ever calls these two.
type Transport interface {
	QueryKeys(ctx context.Context, devices map[string][]string) (*KeysQueryResponse, error)
	ClaimOneTimeKeys(ctx context.Context, devices map[string]map[string]string) (*KeysClaimResponse, error)
}

// KeysQueryResponse mirrors the relevant fields of POST /keys/query.
type KeysQueryResponse struct {
	DeviceKeys map[string]map[string]RawDeviceKeys
	// FailedUserIDs lists users whose federation lookup failed or timed
	// out; callers may retry them, ensure_tracked does not fail on these.
	FailedUserIDs []string
}

// RawDeviceKeys is a device_keys entry as returned by the homeserver,
// still needing signature verification before it can be trusted.
type RawDeviceKeys struct {
	UserID     string
	DeviceID   string
	Algorithms []string
	Keys       map[string]string // "ed25519:<device_id>" / "curve25519:<device_id>" -> key
	Signatures map[string]map[string]string
	Unsigned   map[string]interface{}
}

// KeysClaimResponse mirrors POST /keys/claim.
type KeysClaimResponse struct {
	OneTimeKeys map[string]map[string]map[string]SignedOneTimeKey // user -> device -> key_id -> key
}

// SignedOneTimeKey is a signed_curve25519 one-time-key as returned by
// /keys/claim, still needing signature verification.
type SignedOneTimeKey struct {
	Key        string
	Signatures map[string]map[string]string
}

// OneTimeKeyClaim is a verified one-time-key claimed for a device,
// ready for OlmEngine to build an outbound session from.
type OneTimeKeyClaim struct {
	KeyID      string
	Key        string
	Curve25519 string // the device's identity key, for convenience
}

// Registry is the per-client device cache. It owns every DeviceKey and
// enforces the TOFU identity-key lock and signature checks on every
// update, per user exclusively (DeviceRegistry never touches
// OlmSessions or MegolmSessions — those belong to SessionStore).
type Registry struct {
	mu        sync.RWMutex
	transport Transport
	ownUserID string
	ownDevice string
	account   *crypto.Account

	byUser map[string]map[string]*DeviceKey // user_id -> device_id -> DeviceKey
	tracked map[string]bool                  // user_id -> we have queried this user at least once

	log *logger.CryptoLogger
}

// New creates a device registry for ownUserID/ownDeviceID, signing and
// verifying against account's keys.
func New(transport Transport, ownUserID, ownDeviceID string, account *crypto.Account, log *logger.CryptoLogger) *Registry {
	return &Registry{
		transport: transport,
		ownUserID: ownUserID,
		ownDevice: ownDeviceID,
		account:   account,
		byUser:    make(map[string]map[string]*DeviceKey),
		tracked:   make(map[string]bool),
		log:       log,
	}
}

// EnsureTracked queries device lists for any user_id not yet tracked,
// with an empty per-user device selection (meaning "all devices").
func (r *Registry) EnsureTracked(ctx context.Context, userIDs []string) error {
	r.mu.Lock()
	toQuery := make(map[string][]string)
	for _, uid := range userIDs {
		if !r.tracked[uid] {
			toQuery[uid] = nil
		}
	}
	r.mu.Unlock()

	if len(toQuery) == 0 {
		return nil
	}
	return r.Query(ctx, toQuery)
}

// Query runs POST /keys/query for the given per-user device selections
// (nil or empty slice means "all devices of that user") and applies the
// device-acceptance policy to every returned entry.
func (r *Registry) Query(ctx context.Context, devices map[string][]string) error {
	resp, err := r.transport.QueryKeys(ctx, devices)
	if err != nil {
		return cerrors.Wrap("DEV-010", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, deviceMap := range resp.DeviceKeys {
		for deviceID, raw := range deviceMap {
			if err := r.applyDeviceLocked(userID, deviceID, raw); err != nil {
				continue // signature and TOFU rejections are logged inside applyDeviceLocked, identity mismatches and missing keys are not; one bad entry must not block the rest
			}
		}
		r.tracked[userID] = true
	}
	failed := make(map[string]bool, len(resp.FailedUserIDs))
	for _, uid := range resp.FailedUserIDs {
		// Leave untracked so a later EnsureTracked/Update retries them.
		failed[uid] = true
	}
	for uid := range devices {
		if !failed[uid] {
			r.tracked[uid] = true
		}
	}
	return nil
}

// Update re-queries the given users in full; used for sync's
// device_lists.changed hint.
func (r *Registry) Update(ctx context.Context, changedUserIDs []string) error {
	if len(changedUserIDs) == 0 {
		return nil
	}
	devices := make(map[string][]string, len(changedUserIDs))
	for _, uid := range changedUserIDs {
		devices[uid] = nil
	}
	return r.Query(ctx, devices)
}

// TrackedUserIDs returns every user_id the registry has queried device
// keys for at least once, for fan-out operations (e.g. broadcasting a
// group-session request) that need "every user we track".
func (r *Registry) TrackedUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tracked))
	for uid := range r.tracked {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Drop forgets users with whom no encrypted room is shared any more.
func (r *Registry) Drop(userIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uid := range userIDs {
		delete(r.byUser, uid)
		delete(r.tracked, uid)
	}
}

// applyDeviceLocked implements the four-step device-acceptance policy
// from spec.md §4.3. Must be called with r.mu held for writing.
func (r *Registry) applyDeviceLocked(userID, deviceID string, raw RawDeviceKeys) error {
	// 1. top-level/entry identity must agree.
	if raw.UserID != "" && raw.UserID != userID {
		return fmt.Errorf("devices: user_id mismatch for %s/%s", userID, deviceID)
	}
	if raw.DeviceID != "" && raw.DeviceID != deviceID {
		return fmt.Errorf("devices: device_id mismatch for %s/%s", userID, deviceID)
	}

	// 2. verify the entry's signed-dict under its claimed ed25519.
	claimedEd25519 := raw.Keys["ed25519:"+deviceID]
	claimedCurve25519 := raw.Keys["curve25519:"+deviceID]
	if claimedEd25519 == "" || claimedCurve25519 == "" {
		return cerrors.New("DEV-002", "device_keys entry missing ed25519 or curve25519 key")
	}

	dict := map[string]interface{}{
		"user_id":    userID,
		"device_id":  deviceID,
		"algorithms": toInterfaceSlice(raw.Algorithms),
		"keys":       toInterfaceMap(raw.Keys),
	}
	if len(raw.Signatures) > 0 {
		dict["signatures"] = signaturesToInterface(raw.Signatures)
	}
	if err := crypto.VerifySignedDict(dict, userID, deviceID, claimedEd25519); err != nil {
		r.log.LogDeviceTOFUReject(context.Background(), userID, deviceID, "", claimedEd25519)
		return cerrors.Wrap("DEV-002", err)
	}

	// 3. TOFU lock: an already-known device may not change its ed25519.
	existing := r.byUser[userID][deviceID]
	if existing != nil && existing.Ed25519 != "" && existing.Ed25519 != claimedEd25519 {
		r.log.LogDeviceTOFUReject(context.Background(), userID, deviceID, existing.Ed25519, claimedEd25519)
		return cerrors.Newf("DEV-001", "device %s/%s announced ed25519 %s, previously %s", userID, deviceID, claimedEd25519, existing.Ed25519)
	}

	// 4. persist, preserving trust on update / starting unset on insert.
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*DeviceKey)
	}
	trust := TrustUnset
	var pending map[string]GroupSessionRequest
	if existing != nil {
		trust = existing.Trust
		pending = existing.pendingRequests
	}
	displayName := ""
	if raw.Unsigned != nil {
		if dn, ok := raw.Unsigned["device_display_name"].(string); ok {
			displayName = dn
		}
	}
	r.byUser[userID][deviceID] = &DeviceKey{
		UserID:          userID,
		DeviceID:        deviceID,
		Ed25519:         claimedEd25519,
		Curve25519:      claimedCurve25519,
		Algorithms:      append([]string{}, raw.Algorithms...),
		DisplayName:     displayName,
		Trust:           trust,
		pendingRequests: pending,
	}
	if existing == nil {
		r.log.LogDeviceDiscovered(context.Background(), userID, deviceID)
	}
	return nil
}

// Own returns every device_id -> DeviceKey for our own user.
func (r *Registry) Own() map[string]*DeviceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*DeviceKey)
	for id, d := range r.byUser[r.ownUserID] {
		out[id] = d
	}
	return out
}

// Current returns our own device's DeviceKey, if known.
func (r *Registry) Current() (*DeviceKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byUser[r.ownUserID][r.ownDevice]
	return d, ok
}

// Get returns a tracked device, if known.
func (r *Registry) Get(userID, deviceID string) (*DeviceKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byUser[userID][deviceID]
	return d, ok
}

// DevicesOf returns all known devices of a user.
func (r *Registry) DevicesOf(userID string) []*DeviceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DeviceKey, 0, len(r.byUser[userID]))
	for _, d := range r.byUser[userID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// ByCurve25519 finds a user's device whose curve25519 identity key
// matches, used to bind Olm/Megolm sender keys back to a known device.
func (r *Registry) ByCurve25519(userID, curve25519 string) (*DeviceKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.byUser[userID] {
		if d.Curve25519 == curve25519 {
			return d, true
		}
	}
	return nil, false
}

// Trust marks a device trusted and returns its now-empty pending
// requests for the caller (KeyDistribution) to replay.
func (r *Registry) Trust(userID, deviceID string) ([]GroupSessionRequest, error) {
	return r.setTrust(userID, deviceID, TrustTrusted)
}

// Block marks a device blocked. MegolmEngine checks every outbound
// session's shared_to set against trust state at selection time (on
// the room's next EncryptRoomEvent, or sooner via the housekeeping
// rotation sweep), so a blocked device stops receiving new room keys
// without the registry needing to reach into megolm's session state
// directly.
func (r *Registry) Block(userID, deviceID string) ([]GroupSessionRequest, error) {
	return r.setTrust(userID, deviceID, TrustBlocked)
}

func (r *Registry) setTrust(userID, deviceID string, state TrustState) ([]GroupSessionRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byUser[userID][deviceID]
	if !ok {
		return nil, fmt.Errorf("devices: unknown device %s/%s", userID, deviceID)
	}
	d.Trust = state
	r.log.LogDeviceTrustChange(context.Background(), userID, deviceID, string(state))

	if state != TrustTrusted || len(d.pendingRequests) == 0 {
		return nil, nil
	}
	replay := make([]GroupSessionRequest, 0, len(d.pendingRequests))
	for _, req := range d.pendingRequests {
		replay = append(replay, req)
	}
	d.pendingRequests = nil
	return replay, nil
}

// QueuePendingRequest parks a group-session request on a device whose
// trust does not yet allow an immediate reply.
func (r *Registry) QueuePendingRequest(userID, deviceID string, req GroupSessionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byUser[userID][deviceID]
	if !ok {
		return fmt.Errorf("devices: unknown device %s/%s", userID, deviceID)
	}
	if d.pendingRequests == nil {
		d.pendingRequests = make(map[string]GroupSessionRequest)
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	d.pendingRequests[req.key()] = req
	r.log.LogSessionRequestQueued(context.Background(), userID, deviceID, req.RequestID)
	return nil
}

// CancelPendingRequest removes one parked group-session request from a
// device, in response to a CancelGroupSessionRequest for the same
// requesting device and request_id. Returns whether anything was
// removed; a miss is not an error; the request may already have been
// replayed by an intervening trust() call.
func (r *Registry) CancelPendingRequest(userID, deviceID, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byUser[userID][deviceID]
	if !ok {
		return false
	}
	for key, req := range d.pendingRequests {
		if req.RequestID == requestID {
			delete(d.pendingRequests, key)
			return true
		}
	}
	return false
}

// GCStalePendingRequests drops every parked group-session request older
// than maxAge across all devices, returning the count removed. A
// request this old has near-certainly been superseded by a later
// RequestSession retry or abandoned by the requester entirely.
func (r *Registry) GCStalePendingRequests(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, byDevice := range r.byUser {
		for _, d := range byDevice {
			for key, req := range d.pendingRequests {
				if req.ReceivedAt.Before(cutoff) {
					delete(d.pendingRequests, key)
					removed++
				}
			}
		}
	}
	return removed
}

// ClaimOneTimeKeys runs POST /keys/claim for the given per-device
// algorithm selections and verifies each returned key's signed-dict
// under the owning device's known ed25519, skipping any key that fails
// verification or is missing its key value. Skipped keys are not logged.
func (r *Registry) ClaimOneTimeKeys(ctx context.Context, devices map[string]map[string]string) (map[string]map[string]OneTimeKeyClaim, error) {
	resp, err := r.transport.ClaimOneTimeKeys(ctx, devices)
	if err != nil {
		return nil, cerrors.Wrap("OLM-020", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]OneTimeKeyClaim)
	for userID, perDevice := range resp.OneTimeKeys {
		for deviceID, perKeyID := range perDevice {
			dev, known := r.byUser[userID][deviceID]
			if !known {
				continue
			}
			for keyID, otk := range perKeyID {
				if otk.Key == "" {
					continue
				}
				dict := map[string]interface{}{"key": otk.Key}
				if len(otk.Signatures) > 0 {
					dict["signatures"] = signaturesToInterface(otk.Signatures)
				}
				if err := crypto.VerifySignedDict(dict, userID, deviceID, dev.Ed25519); err != nil {
					continue // bad signature: skip this key, caller sees it absent
				}
				if out[userID] == nil {
					out[userID] = make(map[string]OneTimeKeyClaim)
				}
				out[userID][deviceID] = OneTimeKeyClaim{KeyID: keyID, Key: otk.Key, Curve25519: dev.Curve25519}
			}
		}
	}
	return out, nil
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func toInterfaceMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func signaturesToInterface(in map[string]map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for user, perDevice := range in {
		inner := make(map[string]interface{}, len(perDevice))
		for k, v := range perDevice {
			inner[k] = v
		}
		out[user] = inner
	}
	return out
}
