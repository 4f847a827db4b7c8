// Package megolm implements the Megolm group-session lifecycle for
// room timeline events: outbound session selection and rotation,
// per-room encryption, and decryption with replay and sender-binding
// verification.
package megolm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hearthline/matrix-e2e/pkg/crypto"
	"github.com/hearthline/matrix-e2e/pkg/devices"
	cerrors "github.com/hearthline/matrix-e2e/pkg/errors"
	"github.com/hearthline/matrix-e2e/pkg/logger"
	"github.com/hearthline/matrix-e2e/pkg/store"
)

// Verification errors returned alongside a successfully decrypted
// payload; decryption and verification are orthogonal outcomes.
var (
	ErrPayloadWrongSender                 = fmt.Errorf("megolm: no known device of the sender matches this session's curve25519/ed25519 pair")
	ErrPayloadFromBlockedDevice            = fmt.Errorf("megolm: session's starter device is blocked")
	ErrPayloadFromUntrustedDevice          = fmt.Errorf("megolm: session's starter device trust is unset")
	ErrUntrustedDeviceInForwardChain       = fmt.Errorf("megolm: an untrusted device appears in this session's forward chain")
	ErrBlockedDeviceInForwardChain         = fmt.Errorf("megolm: a blocked device appears in this session's forward chain")
	ErrPossibleReplayAttack                = fmt.Errorf("megolm: message index replayed with different event identity")
)

// Settings bounds a room's outbound session lifetime, per spec.md
// §4.5's rotation rule.
type Settings struct {
	SessionsMaxAge      time.Duration
	SessionsMaxMessages int
}

// KeyDistributor is the subset of KeyDistribution MegolmEngine needs:
// sharing a (possibly just-rotated) outbound session with a set of
// target devices, returning the ones that actually received it (a
// device with no claimable one-time key is omitted and retried later).
type KeyDistributor interface {
	Share(ctx context.Context, roomID string, session *crypto.MegolmOutboundSession, targets []*devices.DeviceKey) ([]*devices.DeviceKey, error)
}

// Engine is the MegolmEngine.
type Engine struct {
	store     *store.SessionStore
	registry  *devices.Registry
	keydist   KeyDistributor
	account   *crypto.Account
	ownUserID string
	ownDevice string
	settings  Settings
	log       *logger.CryptoLogger

	mu               sync.Mutex
	seenEventIndices map[string]seenIndex // "room|senderCurve|sessionID|index" -> event identity
}

type seenIndex struct {
	eventID  string
	originTS int64
}

// New creates a MegolmEngine.
func New(st *store.SessionStore, registry *devices.Registry, keydist KeyDistributor, account *crypto.Account, ownUserID, ownDeviceID string, settings Settings, log *logger.CryptoLogger) *Engine {
	return &Engine{
		store:            st,
		registry:         registry,
		keydist:          keydist,
		account:          account,
		ownUserID:        ownUserID,
		ownDevice:        ownDeviceID,
		settings:         settings,
		log:              log,
		seenEventIndices: make(map[string]seenIndex),
	}
}

// EncryptedRoomContent is the m.room.encrypted content for a timeline
// event encrypted with Megolm.
type EncryptedRoomContent struct {
	Algorithm        string `json:"algorithm"`
	SenderKey        string `json:"sender_key"`
	DeviceID         string `json:"device_id"`
	SessionID        string `json:"session_id"`
	Ciphertext       []byte `json:"ciphertext"`
}

// selectOrRotateOutbound implements spec.md §4.5's outbound session
// selection rule: rotate when missing, aged past SessionsMaxAge, or
// encrypted_count exceeds SessionsMaxMessages. On rotation it installs
// the mirror inbound record and clears shared_to.
func (e *Engine) selectOrRotateOutbound(roomID string) (*crypto.MegolmOutboundSession, map[string]bool, time.Time, error) {
	session, sharedTo, created, ok := e.store.OutMegolmSession(roomID)

	reason := ""
	switch {
	case !ok:
		reason = "new"
	case e.settings.SessionsMaxAge > 0 && time.Since(created) > e.settings.SessionsMaxAge:
		reason = "max_age"
	case e.settings.SessionsMaxMessages > 0 && int(session.MessageIndex()) > e.settings.SessionsMaxMessages:
		reason = "max_messages"
	case e.sharedWithBlockedDevice(sharedTo):
		reason = "blocked_recipient"
	}
	if reason == "" {
		return session, sharedTo, created, nil
	}

	newSession, err := crypto.NewMegolmOutboundSession()
	if err != nil {
		return nil, nil, time.Time{}, cerrors.Wrap("MEG-030", err)
	}
	own := e.account.IdentityKeys()
	inbound, err := crypto.NewMegolmInboundSession(newSession.ID(), own.Curve25519, newSession.SessionKey())
	if err != nil {
		return nil, nil, time.Time{}, cerrors.Wrap("MEG-030", err)
	}
	inbound.SetStarterEd25519(own.Ed25519)
	if err := e.store.AddInMegolm(roomID, own.Curve25519, newSession.ID(), inbound); err != nil {
		return nil, nil, time.Time{}, cerrors.Wrap("MEG-030", err)
	}

	freshSharedTo := make(map[string]bool)
	createdAt := time.Now()
	if err := e.store.PutOutMegolm(roomID, newSession, freshSharedTo, createdAt); err != nil {
		return nil, nil, time.Time{}, cerrors.Wrap("MEG-030", err)
	}
	if ok {
		e.log.LogMegolmRotated(context.Background(), roomID, session.ID(), newSession.ID(), reason)
	}
	return newSession, freshSharedTo, createdAt, nil
}

// sharedWithBlockedDevice reports whether any device this outbound
// session was already shared_to has since been blocked, forcing
// rotation so a block takes effect no later than the room's next
// encryption per spec.md §4.3's block policy.
func (e *Engine) sharedWithBlockedDevice(sharedTo map[string]bool) bool {
	for key := range sharedTo {
		userID, deviceID, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}
		if dev, found := e.registry.Get(userID, deviceID); found && dev.Trust == devices.TrustBlocked {
			return true
		}
	}
	return false
}

// RotateAgedOutbound runs selectOrRotateOutbound against every room
// with an active outbound session, so a room with no events in flight
// still rotates once SessionsMaxAge passes, or once a device it was
// shared with is blocked, rather than waiting for its next
// EncryptRoomEvent call. It returns the room IDs actually rotated.
func (e *Engine) RotateAgedOutbound(ctx context.Context) ([]string, error) {
	var rotated []string
	for _, roomID := range e.store.OutMegolmRoomIDs() {
		before, _, _, ok := e.store.OutMegolmSession(roomID)
		if !ok {
			continue
		}
		after, _, _, err := e.selectOrRotateOutbound(roomID)
		if err != nil {
			return rotated, err
		}
		if after.ID() != before.ID() {
			rotated = append(rotated, roomID)
		}
	}
	return rotated, nil
}

// EncryptRoomEvent implements spec.md §4.5's seven-step encrypt
// algorithm for a single room timeline event.
func (e *Engine) EncryptRoomEvent(ctx context.Context, roomID string, targetUserIDs []string, innerType string, innerContent map[string]interface{}) (*EncryptedRoomContent, error) {
	session, sharedTo, created, err := e.selectOrRotateOutbound(roomID)
	if err != nil {
		return nil, err
	}

	if err := e.registry.EnsureTracked(ctx, targetUserIDs); err != nil {
		return nil, err
	}

	var targets []*devices.DeviceKey
	for _, userID := range targetUserIDs {
		for _, d := range e.registry.DevicesOf(userID) {
			if d.Trust == devices.TrustBlocked {
				continue
			}
			if sharedTo[d.UserID+"|"+d.DeviceID] {
				continue
			}
			targets = append(targets, d)
		}
	}

	if len(targets) > 0 {
		shared, err := e.keydist.Share(ctx, roomID, session, targets)
		if err != nil {
			return nil, err
		}
		for _, d := range shared {
			if err := e.store.MarkSharedTo(roomID, d.UserID+"|"+d.DeviceID); err != nil {
				return nil, cerrors.Wrap("MEG-030", err)
			}
		}
	}

	payload := map[string]interface{}{
		"type":    innerType,
		"content": innerContent,
		"room_id": roomID,
	}
	plaintext, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return nil, cerrors.Wrap("MEG-010", err)
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, cerrors.Wrap("MEG-010", err)
	}

	own := e.account.IdentityKeys()
	if err := e.store.PutOutMegolm(roomID, session, sharedTo, created); err != nil {
		return nil, cerrors.Wrap("MEG-010", err)
	}

	return &EncryptedRoomContent{
		Algorithm:  "m.megolm.v1.aes-sha2",
		SenderKey:  own.Curve25519,
		DeviceID:   e.ownDevice,
		SessionID:  session.ID(),
		Ciphertext: ciphertext,
	}, nil
}

// DecryptResult is the outcome of DecryptRoomEvent.
type DecryptResult struct {
	Payload          map[string]interface{}
	VerificationErrs []error
}

// DecryptRoomEvent implements spec.md §4.5's five-step decrypt
// algorithm. originTS is the event's origin_server_ts, used for the
// replay tuple (event_id, origin_ts).
func (e *Engine) DecryptRoomEvent(ctx context.Context, roomID, senderUserID, senderCurve25519, sessionID, eventID string, originTS int64, ciphertext []byte) (*DecryptResult, error) {
	session, ok := e.store.InMegolmSession(roomID, senderCurve25519, sessionID)
	if !ok {
		return nil, cerrors.New("MEG-001", "no inbound group session for this room/sender/session_id")
	}

	plaintext, index, cryptoReplay, err := session.Decrypt(ciphertext)
	if err != nil {
		if err == crypto.ErrRatchetBehind {
			return nil, cerrors.Wrap("MEG-011", err)
		}
		return nil, cerrors.Wrap("MEG-010", err)
	}

	key := fmt.Sprintf("%s|%s|%s|%d", roomID, senderCurve25519, sessionID, index)
	e.mu.Lock()
	prior, seen := e.seenEventIndices[key]
	if !seen {
		e.seenEventIndices[key] = seenIndex{eventID: eventID, originTS: originTS}
	}
	e.mu.Unlock()

	if cryptoReplay || (seen && (prior.eventID != eventID || prior.originTS != originTS)) {
		e.log.LogMegolmReplay(ctx, roomID, sessionID, index, prior.eventID, eventID)
		return nil, cerrors.Wrap("MEG-020", ErrPossibleReplayAttack)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, cerrors.Wrap("MEG-010", err)
	}

	verifyErrs := e.verifyBindings(senderUserID, senderCurve25519, session)
	return &DecryptResult{Payload: payload, VerificationErrs: verifyErrs}, nil
}

// verifyBindings checks every binding spec.md §4.5 step 4 and §4.6
// require and accumulates every applicable failure, since more than
// one can hold simultaneously (e.g. a starter device blocked after
// also appearing, blocked, in the session's own forward chain).
func (e *Engine) verifyBindings(senderUserID, senderCurve25519 string, session *crypto.MegolmInboundSession) []error {
	var errs []error
	starterEd25519 := session.StarterEd25519()

	dev, found := e.registry.ByCurve25519(senderUserID, senderCurve25519)
	switch {
	case !found || dev.Ed25519 != starterEd25519:
		errs = append(errs, ErrPayloadWrongSender)
	case dev.Trust == devices.TrustBlocked:
		errs = append(errs, ErrPayloadFromBlockedDevice)
	case dev.Trust == devices.TrustUnset:
		errs = append(errs, ErrPayloadFromUntrustedDevice)
	}

	if forwarded, chain := session.Forwarded(); forwarded {
		for _, curve := range chain {
			linkDev, found := e.registry.ByCurve25519(senderUserID, curve)
			if !found {
				continue
			}
			if linkDev.Trust == devices.TrustBlocked {
				errs = append(errs, ErrBlockedDeviceInForwardChain)
			} else if linkDev.Trust == devices.TrustUnset {
				errs = append(errs, ErrUntrustedDeviceInForwardChain)
			}
		}
	}
	return errs
}
