// Package keydist implements KeyDistribution: sharing new Megolm
// sessions over Olm, ingesting incoming room keys and forwarded room
// keys, and the session-request/cancellation protocol that lets a
// device recover a session it's missing from one of its own other
// trusted devices.
package keydist

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthline/matrix-e2e/pkg/crypto"
	"github.com/hearthline/matrix-e2e/pkg/devices"
	cerrors "github.com/hearthline/matrix-e2e/pkg/errors"
	"github.com/hearthline/matrix-e2e/pkg/logger"
	"github.com/hearthline/matrix-e2e/pkg/store"
)

const megolmAlgorithm = "m.megolm.v1.aes-sha2"

// OlmSender is the subset of olm.Engine KeyDistribution needs: fanning
// an inner to-device payload out to a set of devices over Olm.
type OlmSender interface {
	EncryptToDevices(ctx context.Context, innerType string, innerContent map[string]interface{}, targets []*devices.DeviceKey) ([]*devices.DeviceKey, error)
}

type deviceRef struct {
	UserID   string
	DeviceID string
}

type sentRequest struct {
	roomID           string
	creatorCurve25519 string
	sessionID        string
	asked            []deviceRef
	sentAt           time.Time
}

// Engine is KeyDistribution.
type Engine struct {
	store     *store.SessionStore
	registry  *devices.Registry
	olm       OlmSender
	account   *crypto.Account
	ownUserID string
	ownDevice string
	log       *logger.CryptoLogger

	mu           sync.Mutex
	sentRequests map[string]sentRequest // request_id -> tracking record
}

// New creates a KeyDistribution engine.
func New(st *store.SessionStore, registry *devices.Registry, olm OlmSender, account *crypto.Account, ownUserID, ownDeviceID string, log *logger.CryptoLogger) *Engine {
	return &Engine{
		store:        st,
		registry:     registry,
		olm:          olm,
		account:      account,
		ownUserID:    ownUserID,
		ownDevice:    ownDeviceID,
		log:          log,
		sentRequests: make(map[string]sentRequest),
	}
}

// Share builds a GroupSessionInfo for session and delivers it to every
// target device over Olm, excluding our own device. It implements
// megolm.KeyDistributor and returns the subset of targets that received
// it; a device with no claimable one-time key is left out of the result.
func (e *Engine) Share(ctx context.Context, roomID string, session *crypto.MegolmOutboundSession, targets []*devices.DeviceKey) ([]*devices.DeviceKey, error) {
	filtered := make([]*devices.DeviceKey, 0, len(targets))
	for _, d := range targets {
		if d.UserID == e.ownUserID && d.DeviceID == e.ownDevice {
			continue
		}
		filtered = append(filtered, d)
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	content := map[string]interface{}{
		"algorithm":   megolmAlgorithm,
		"room_id":     roomID,
		"session_id":  session.ID(),
		"session_key": crypto.B64Encode(session.SessionKey()),
	}
	noOTK, err := e.olm.EncryptToDevices(ctx, "m.room_key", content, filtered)
	if err != nil {
		return nil, err
	}
	noOTKSet := make(map[string]bool, len(noOTK))
	for _, d := range noOTK {
		noOTKSet[d.UserID+"|"+d.DeviceID] = true
	}
	shared := make([]*devices.DeviceKey, 0, len(filtered))
	for _, d := range filtered {
		if !noOTKSet[d.UserID+"|"+d.DeviceID] {
			shared = append(shared, d)
		}
	}
	return shared, nil
}

// IngestRoomKey handles a decrypted m.room_key to-device payload.
// olmPayload is the full Olm-decrypted payload (so the starter's
// ed25519 can be read from its keys.ed25519 field) and olmVerifyErr is
// whatever olm.Engine.DecryptToDevice reported for the enveloping
// event's bindings; a room key riding on an unverified Olm event is
// refused outright, since the enveloping Olm binding is what anchors
// the starter's identity.
func (e *Engine) IngestRoomKey(ctx context.Context, senderCurve25519 string, olmPayload map[string]interface{}, olmVerifyErr error) error {
	if olmVerifyErr != nil {
		return cerrors.New("KEY-010", "refusing m.room_key: enveloping Olm event failed binding verification")
	}
	keys, _ := olmPayload["keys"].(map[string]interface{})
	starterEd25519, _ := keys["ed25519"].(string)
	content, _ := olmPayload["content"].(map[string]interface{})

	roomID, _ := content["room_id"].(string)
	sessionID, _ := content["session_id"].(string)
	sessionKeyB64, _ := content["session_key"].(string)
	if roomID == "" || sessionID == "" || sessionKeyB64 == "" {
		return cerrors.New("KEY-010", "malformed m.room_key content")
	}

	if _, ok := e.store.InMegolmSession(roomID, senderCurve25519, sessionID); ok {
		// Never overwrite: a later forwarded key must not replace an
		// earlier direct one.
		return nil
	}
	sessionKey, err := crypto.B64Decode(sessionKeyB64)
	if err != nil {
		return cerrors.Wrap("KEY-010", err)
	}
	inbound, err := crypto.NewMegolmInboundSession(sessionID, senderCurve25519, sessionKey)
	if err != nil {
		return cerrors.Wrap("KEY-010", err)
	}
	inbound.SetStarterEd25519(starterEd25519)
	if err := e.store.AddInMegolm(roomID, senderCurve25519, sessionID, inbound); err != nil {
		return cerrors.Wrap("KEY-010", err)
	}
	return nil
}

// RequestSession emits a GroupSessionRequest to every device of every
// user we track, including our own other devices, for a session we are
// missing. It returns the request_id for later cancellation matching.
func (e *Engine) RequestSession(ctx context.Context, roomID, sessionCreatorCurve25519, sessionID string) (string, error) {
	requestID := uuid.NewString()

	userIDs := e.registry.TrackedUserIDs()
	haveOwn := false
	for _, uid := range userIDs {
		if uid == e.ownUserID {
			haveOwn = true
			break
		}
	}
	if !haveOwn {
		userIDs = append(userIDs, e.ownUserID)
	}

	var targets []*devices.DeviceKey
	for _, uid := range userIDs {
		for _, d := range e.registry.DevicesOf(uid) {
			if uid == e.ownUserID && d.DeviceID == e.ownDevice {
				continue
			}
			targets = append(targets, d)
		}
	}
	if len(targets) == 0 {
		return requestID, nil
	}

	content := map[string]interface{}{
		"action":               "request",
		"requesting_device_id": e.ownDevice,
		"request_id":           requestID,
		"body": map[string]interface{}{
			"algorithm":  megolmAlgorithm,
			"room_id":    roomID,
			"session_id": sessionID,
			"sender_key": sessionCreatorCurve25519,
		},
	}
	noOTK, err := e.olm.EncryptToDevices(ctx, "m.room_key_request", content, targets)
	if err != nil {
		return "", err
	}
	noOTKSet := make(map[string]bool, len(noOTK))
	for _, d := range noOTK {
		noOTKSet[d.UserID+"|"+d.DeviceID] = true
	}

	asked := make([]deviceRef, 0, len(targets))
	for _, d := range targets {
		if noOTKSet[d.UserID+"|"+d.DeviceID] {
			continue
		}
		asked = append(asked, deviceRef{UserID: d.UserID, DeviceID: d.DeviceID})
		e.log.LogSessionRequestQueued(ctx, d.UserID, d.DeviceID, requestID)
	}

	e.mu.Lock()
	e.sentRequests[requestID] = sentRequest{
		roomID:            roomID,
		creatorCurve25519: sessionCreatorCurve25519,
		sessionID:         sessionID,
		asked:             asked,
		sentAt:            time.Now(),
	}
	e.mu.Unlock()
	return requestID, nil
}

// GCStaleSentRequests drops tracking for every request this device sent
// more than maxAge ago and never saw answered or cancelled, returning
// the count removed. The asked devices' own requests still time out
// independently; this only stops us from holding their cancellation
// targets in memory forever.
func (e *Engine) GCStaleSentRequests(maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, sr := range e.sentRequests {
		if sr.sentAt.Before(cutoff) {
			delete(e.sentRequests, id)
			removed++
		}
	}
	return removed
}

// PendingSentRequestCount returns the number of outstanding session
// requests this device has sent and is still waiting on a forwarded
// reply for.
func (e *Engine) PendingSentRequestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sentRequests)
}

// HandleSessionRequest processes an incoming m.room_key_request with
// action "request". Cross-user forwarding is out of scope: only our
// own other devices are ever replied to.
func (e *Engine) HandleSessionRequest(ctx context.Context, requesterUserID, requesterDeviceID, requestID, roomID, sessionCreatorCurve25519, sessionID string) error {
	if requesterUserID != e.ownUserID {
		return nil
	}
	session, ok := e.store.InMegolmSession(roomID, sessionCreatorCurve25519, sessionID)
	if !ok {
		return nil
	}
	dev, ok := e.registry.Get(requesterUserID, requesterDeviceID)
	if !ok {
		return nil
	}

	req := devices.GroupSessionRequest{
		RequestID:                requestID,
		RoomID:                   roomID,
		SessionCreatorCurve25519: sessionCreatorCurve25519,
		SessionID:                sessionID,
		Algorithm:                megolmAlgorithm,
	}
	if dev.Trust == devices.TrustTrusted {
		return e.forwardSession(ctx, dev, req, session)
	}
	return e.registry.QueuePendingRequest(requesterUserID, requesterDeviceID, req)
}

// ReplayPending re-sends every pending request a device accumulated
// while untrusted, called once its trust changes to trusted (the
// caller passes what devices.Registry.Trust returned).
func (e *Engine) ReplayPending(ctx context.Context, userID, deviceID string, reqs []devices.GroupSessionRequest) error {
	dev, ok := e.registry.Get(userID, deviceID)
	if !ok {
		return nil
	}
	for _, req := range reqs {
		session, ok := e.store.InMegolmSession(req.RoomID, req.SessionCreatorCurve25519, req.SessionID)
		if !ok {
			continue
		}
		if err := e.forwardSession(ctx, dev, req, session); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) forwardSession(ctx context.Context, dev *devices.DeviceKey, req devices.GroupSessionRequest, session *crypto.MegolmInboundSession) error {
	own := e.account.IdentityKeys()
	_, chain := session.Forwarded()
	newChain := make([]interface{}, 0, len(chain)+1)
	for _, c := range chain {
		newChain = append(newChain, c)
	}
	newChain = append(newChain, own.Curve25519)

	content := map[string]interface{}{
		"algorithm":                       req.Algorithm,
		"room_id":                         req.RoomID,
		"session_id":                      req.SessionID,
		"session_key":                     crypto.B64Encode(session.SessionKey()),
		"sender_key":                      req.SessionCreatorCurve25519,
		"sender_claimed_ed25519_key":      session.StarterEd25519(),
		"forwarding_curve25519_key_chain": newChain,
	}
	_, err := e.olm.EncryptToDevices(ctx, "m.forwarded_room_key", content, []*devices.DeviceKey{dev})
	return err
}

// IngestForwardedRoomKey handles an incoming m.forwarded_room_key
// to-device event: installs the session (never overwriting one we
// already hold) and, since any forwarded reply answers a request we
// may have issued, cancels that request on every other device it was
// asked of.
func (e *Engine) IngestForwardedRoomKey(ctx context.Context, fromUserID, fromDeviceID string, content map[string]interface{}, olmVerifyErr error) error {
	if olmVerifyErr != nil {
		return cerrors.New("KEY-010", "refusing m.forwarded_room_key: enveloping Olm event failed binding verification")
	}
	roomID, _ := content["room_id"].(string)
	sessionID, _ := content["session_id"].(string)
	creatorCurve25519, _ := content["sender_key"].(string)
	starterEd25519, _ := content["sender_claimed_ed25519_key"].(string)
	sessionKeyB64, _ := content["session_key"].(string)
	chainRaw, _ := content["forwarding_curve25519_key_chain"].([]interface{})
	if roomID == "" || sessionID == "" || creatorCurve25519 == "" || sessionKeyB64 == "" {
		return cerrors.New("KEY-010", "malformed m.forwarded_room_key content")
	}

	if _, ok := e.store.InMegolmSession(roomID, creatorCurve25519, sessionID); !ok {
		sessionKey, err := crypto.B64Decode(sessionKeyB64)
		if err != nil {
			return cerrors.Wrap("KEY-010", err)
		}
		inbound, err := crypto.NewMegolmInboundSession(sessionID, creatorCurve25519, sessionKey)
		if err != nil {
			return cerrors.Wrap("KEY-010", err)
		}
		inbound.SetStarterEd25519(starterEd25519)
		chain := make([]string, 0, len(chainRaw))
		for _, c := range chainRaw {
			if s, ok := c.(string); ok {
				chain = append(chain, s)
			}
		}
		inbound.MarkForwarded(chain)
		if err := e.store.AddInMegolm(roomID, creatorCurve25519, sessionID, inbound); err != nil {
			return cerrors.Wrap("KEY-010", err)
		}
	}

	e.cancelMatchingRequests(ctx, roomID, creatorCurve25519, sessionID, fromUserID, fromDeviceID)
	return nil
}

func (e *Engine) cancelMatchingRequests(ctx context.Context, roomID, creatorCurve25519, sessionID, fromUserID, fromDeviceID string) {
	type cancellation struct {
		requestID string
		others    []*devices.DeviceKey
	}
	var toCancel []cancellation

	e.mu.Lock()
	for reqID, sr := range e.sentRequests {
		if sr.roomID != roomID || sr.creatorCurve25519 != creatorCurve25519 || sr.sessionID != sessionID {
			continue
		}
		var others []*devices.DeviceKey
		for _, ref := range sr.asked {
			if ref.UserID == fromUserID && ref.DeviceID == fromDeviceID {
				continue
			}
			if d, ok := e.registry.Get(ref.UserID, ref.DeviceID); ok {
				others = append(others, d)
			}
		}
		toCancel = append(toCancel, cancellation{requestID: reqID, others: others})
		delete(e.sentRequests, reqID)
	}
	e.mu.Unlock()

	for _, c := range toCancel {
		if len(c.others) == 0 {
			continue
		}
		content := map[string]interface{}{
			"action":               "request_cancellation",
			"requesting_device_id": e.ownDevice,
			"request_id":           c.requestID,
		}
		// Best-effort: a cancellation that fails to send just means the
		// asked device eventually times its own request out.
		_, _ = e.olm.EncryptToDevices(ctx, "m.room_key_request", content, c.others)
	}
}
