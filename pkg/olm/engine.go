// Package olm implements the 1:1 Olm session lifecycle: claiming
// one-time keys, encrypting to-device payloads fanned out across many
// recipient devices concurrently, and decrypting inbound to-device
// events with sender/recipient binding verification.
package olm

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hearthline/matrix-e2e/pkg/crypto"
	"github.com/hearthline/matrix-e2e/pkg/devices"
	cerrors "github.com/hearthline/matrix-e2e/pkg/errors"
	"github.com/hearthline/matrix-e2e/pkg/logger"
	"github.com/hearthline/matrix-e2e/pkg/store"
)

// Errors returned alongside a successfully decrypted payload when the
// sender/recipient bindings do not hold. Decryption and verification
// are orthogonal: a non-nil payload may still carry one of these.
var (
	ErrPayloadSenderMismatch    = fmt.Errorf("olm: payload sender does not match event sender")
	ErrPayloadRecipientMismatch = fmt.Errorf("olm: payload recipient does not match our user id")
	ErrPayloadRecipientKeyMismatch = fmt.Errorf("olm: payload recipient_keys.ed25519 does not match our device")
	ErrPayloadUnknownSender     = fmt.Errorf("olm: no known device of the sender matches the session's curve25519/ed25519 pair")
	ErrPayloadFromBlockedDevice = fmt.Errorf("olm: payload decrypted from a blocked device")
)

// SendTransport is the subset of Transport OlmEngine needs to deliver
// encrypted to-device content and keep its one-time-key pool topped up.
type SendTransport interface {
	SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]interface{}) error
	UploadKeys(ctx context.Context, deviceKeys map[string]interface{}, oneTimeKeys map[string]interface{}) (map[string]int, error)
}

// Engine is the OlmEngine: it owns no device or session bookkeeping of
// its own, delegating identity/trust to Registry and persistence to
// SessionStore.
type Engine struct {
	store     *store.SessionStore
	registry  *devices.Registry
	transport SendTransport
	account   *crypto.Account
	ownUserID string
	ownDevice string
	log       *logger.CryptoLogger
}

// New creates an OlmEngine.
func New(st *store.SessionStore, registry *devices.Registry, transport SendTransport, account *crypto.Account, ownUserID, ownDeviceID string, log *logger.CryptoLogger) *Engine {
	return &Engine{
		store:     st,
		registry:  registry,
		transport: transport,
		account:   account,
		ownUserID: ownUserID,
		ownDevice: ownDeviceID,
		log:       log,
	}
}

// OlmCipherEntry is the (type, body) pair nested under a recipient
// device's curve25519 key inside an m.room.encrypted to-device event.
type OlmCipherEntry struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// EncryptedToDeviceContent is the content of an m.room.encrypted
// to-device event as delivered by /sync.
type EncryptedToDeviceContent struct {
	Algorithm        string                    `json:"algorithm"`
	SenderCurve25519 string                    `json:"sender_curve25519"`
	Ciphertext       map[string]OlmCipherEntry `json:"ciphertext"`
}

// EncryptToDevices encrypts innerContent (tagged with innerType, e.g.
// "m.room_key") individually to every device in targets, claiming
// one-time keys and establishing new outbound sessions where needed,
// and delivers the result via a single sendToDevice call. It returns
// the subset of targets for which no one-time key was available; the
// session key will not reach them until a later attempt.
func (e *Engine) EncryptToDevices(ctx context.Context, innerType string, innerContent map[string]interface{}, targets []*devices.DeviceKey) ([]*devices.DeviceKey, error) {
	var needClaim []*devices.DeviceKey
	for _, d := range targets {
		if _, ok := e.store.OutOlmSession(d.Curve25519); !ok {
			needClaim = append(needClaim, d)
		}
	}

	var noOTK []*devices.DeviceKey
	if len(needClaim) > 0 {
		claimReq := make(map[string]map[string]string)
		for _, d := range needClaim {
			if claimReq[d.UserID] == nil {
				claimReq[d.UserID] = make(map[string]string)
			}
			claimReq[d.UserID][d.DeviceID] = "signed_curve25519"
		}
		claims, err := e.registry.ClaimOneTimeKeys(ctx, claimReq)
		if err != nil {
			return nil, cerrors.Wrap("OLM-020", err)
		}
		for _, d := range needClaim {
			claim, ok := claims[d.UserID][d.DeviceID]
			if !ok {
				noOTK = append(noOTK, d)
				continue
			}
			identityPub, err := crypto.B64DecodeKey32(d.Curve25519)
			if err != nil {
				noOTK = append(noOTK, d)
				continue
			}
			otkPub, err := crypto.B64DecodeKey32(claim.Key)
			if err != nil {
				noOTK = append(noOTK, d)
				continue
			}
			sess, err := crypto.NewOutboundOlmSession(e.account, identityPub, otkPub, claim.KeyID)
			if err != nil {
				noOTK = append(noOTK, d)
				continue
			}
			if err := e.store.AddOutOlm(d.Curve25519, sess); err != nil {
				return noOTK, cerrors.Wrap("OLM-002", err)
			}
			e.log.LogOlmSessionCreatedOutbound(ctx, d.UserID, d.DeviceID, sess.ID)
		}
	}

	noOTKSet := make(map[string]bool, len(noOTK))
	for _, d := range noOTK {
		noOTKSet[d.UserID+"|"+d.DeviceID] = true
	}

	own := e.account.IdentityKeys()
	var mu sync.Mutex
	messages := make(map[string]map[string]interface{})

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range targets {
		d := d
		if noOTKSet[d.UserID+"|"+d.DeviceID] {
			continue
		}
		sess, ok := e.store.OutOlmSession(d.Curve25519)
		if !ok {
			continue
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			payload := map[string]interface{}{
				"type":      innerType,
				"content":   innerContent,
				"sender":    e.ownUserID,
				"keys":      map[string]interface{}{"ed25519": own.Ed25519},
				"recipient": d.UserID,
				"recipient_keys": map[string]interface{}{
					"ed25519": d.Ed25519,
				},
			}
			plaintext, err := crypto.CanonicalJSON(payload)
			if err != nil {
				return cerrors.Wrap("OLM-001", err)
			}
			ct, err := sess.Encrypt(plaintext)
			if err != nil {
				return cerrors.Wrap("OLM-001", err)
			}
			if err := e.store.AddOutOlm(d.Curve25519, sess); err != nil {
				return cerrors.Wrap("OLM-001", err)
			}

			content := map[string]interface{}{
				"algorithm":          "m.olm.v1.curve25519-aes-sha2",
				"sender_curve25519":  own.Curve25519,
				"ciphertext": map[string]interface{}{
					d.Curve25519: map[string]interface{}{"type": int(ct.Type), "body": ct.Body},
				},
			}

			mu.Lock()
			if messages[d.UserID] == nil {
				messages[d.UserID] = make(map[string]interface{})
			}
			messages[d.UserID][d.DeviceID] = content
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return noOTK, err
	}
	if len(messages) == 0 {
		return noOTK, nil
	}

	collapseToStar(messages, e.registry)

	txnID := uuid.NewString()
	if err := e.transport.SendToDevice(ctx, "m.room.encrypted", txnID, messages); err != nil {
		return noOTK, cerrors.Wrap("TRN-001", err)
	}
	return noOTK, nil
}

// collapseToStar replaces a user's per-device entries with a single
// device_id "*" entry when every one of the user's known devices
// received byte-identical content, per spec's sendToDevice collapsing
// rule.
func collapseToStar(messages map[string]map[string]interface{}, registry *devices.Registry) {
	for userID, perDevice := range messages {
		known := registry.DevicesOf(userID)
		if len(known) == 0 || len(perDevice) != len(known) {
			continue
		}
		var first interface{}
		identical := true
		for _, d := range known {
			content, ok := perDevice[d.DeviceID]
			if !ok {
				identical = false
				break
			}
			if first == nil {
				first = content
				continue
			}
			if !reflect.DeepEqual(first, content) {
				identical = false
				break
			}
		}
		if identical && first != nil {
			messages[userID] = map[string]interface{}{"*": first}
		}
	}
}

// ReplenishOTKs tops the account's one-time-key pool back up to its
// configured maximum whenever the unpublished count drops below
// threshold, signing each new key as a signed_curve25519 dict and
// uploading the batch via POST /keys/upload. It returns the number of
// keys generated and uploaded (0 if the pool was already above
// threshold).
func (e *Engine) ReplenishOTKs(ctx context.Context, threshold int) (int, error) {
	if e.account.UnpublishedOTKCount() >= threshold {
		return 0, nil
	}

	target := e.account.MaxOTKs() - e.account.UnpublishedOTKCount()
	if target <= 0 {
		return 0, nil
	}
	newKeys, err := e.account.GenerateOTKs(target)
	if err != nil {
		return 0, cerrors.Wrap("OLM-021", err)
	}

	oneTimeKeys := make(map[string]interface{}, len(newKeys))
	for keyID, pub := range newKeys {
		dict := map[string]interface{}{"key": pub}
		sig, err := e.account.Sign(dict)
		if err != nil {
			return 0, cerrors.Wrap("OLM-021", err)
		}
		dict["signatures"] = map[string]interface{}{
			e.ownUserID: map[string]interface{}{
				"ed25519:" + e.ownDevice: sig,
			},
		}
		oneTimeKeys["signed_curve25519:"+keyID] = dict
	}

	if _, err := e.transport.UploadKeys(ctx, nil, oneTimeKeys); err != nil {
		return 0, cerrors.Wrap("TRN-001", err)
	}
	e.account.MarkPublished()
	if err := e.store.SaveAccount(); err != nil {
		return 0, cerrors.Wrap("OLM-021", err)
	}
	return len(newKeys), nil
}

// DecryptResult is the outcome of DecryptToDevice: Payload is non-nil
// whenever decryption itself succeeded, independent of VerifyErr.
type DecryptResult struct {
	Payload   map[string]interface{}
	VerifyErr error
}

// DecryptToDevice decrypts an inbound m.room.encrypted to-device event
// and verifies its sender/recipient bindings. eventSenderUserID is the
// event's top-level `sender` field, used for the binding check.
func (e *Engine) DecryptToDevice(ctx context.Context, eventSenderUserID string, content EncryptedToDeviceContent) (*DecryptResult, error) {
	ownCurve := e.account.IdentityKeys().Curve25519
	cipher, ok := content.Ciphertext[ownCurve]
	if !ok {
		return nil, cerrors.New("OLM-010", "no ciphertext entry for our curve25519 key")
	}
	ct := crypto.OlmCiphertext{Type: crypto.OlmMessageType(cipher.Type), Body: cipher.Body}

	plaintext, sessionID, err := e.decryptWithSession(content.SenderCurve25519, ct)
	if err != nil {
		return nil, err
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, cerrors.Wrap("OLM-011", err)
	}

	verifyErr := e.verifyBindings(eventSenderUserID, content.SenderCurve25519, payload)
	_ = sessionID
	return &DecryptResult{Payload: payload, VerifyErr: verifyErr}, nil
}

func (e *Engine) decryptWithSession(senderCurve25519 string, ct crypto.OlmCiphertext) ([]byte, string, error) {
	if ct.Type == crypto.OlmMessageTypePrekey {
		for _, sess := range e.store.InOlmSessions(senderCurve25519) {
			if sess.Matches(ct, senderCurve25519) {
				plaintext, err := sess.Decrypt(ct)
				if err != nil {
					return nil, "", cerrors.Wrap("OLM-011", err)
				}
				if err := e.store.AddInOlm(senderCurve25519, sess); err != nil {
					return nil, "", cerrors.Wrap("OLM-011", err)
				}
				return plaintext, sess.ID, nil
			}
		}

		fields, err := crypto.ParsePrekeyEnvelope(ct)
		if err != nil {
			return nil, "", cerrors.Wrap("OLM-011", err)
		}
		identityPub, err := crypto.B64DecodeKey32(fields.IdentityKey)
		if err != nil {
			return nil, "", cerrors.Wrap("OLM-011", err)
		}
		basePub, err := crypto.B64DecodeKey32(fields.BaseKey)
		if err != nil {
			return nil, "", cerrors.Wrap("OLM-011", err)
		}
		sess, err := crypto.NewInboundOlmSession(e.account, identityPub, basePub, fields.OneTimeKeyID)
		if err != nil {
			return nil, "", cerrors.Wrap("OLM-010", err)
		}
		plaintext, err := sess.Decrypt(ct)
		if err != nil {
			return nil, "", cerrors.Wrap("OLM-011", err)
		}
		if err := e.store.SaveAccount(); err != nil {
			return nil, "", cerrors.Wrap("OLM-011", err)
		}
		if err := e.store.AddInOlm(senderCurve25519, sess); err != nil {
			return nil, "", cerrors.Wrap("OLM-011", err)
		}
		e.log.LogOlmSessionCreatedInbound(context.Background(), senderCurve25519, sess.ID)
		return plaintext, sess.ID, nil
	}

	for _, sess := range e.store.InOlmSessions(senderCurve25519) {
		plaintext, err := sess.Decrypt(ct)
		if err != nil {
			continue
		}
		if err := e.store.AddInOlm(senderCurve25519, sess); err != nil {
			return nil, "", cerrors.Wrap("OLM-011", err)
		}
		return plaintext, sess.ID, nil
	}
	return nil, "", cerrors.New("OLM-012", "no known session decrypted this normal message")
}

func (e *Engine) verifyBindings(eventSenderUserID, senderCurve25519 string, payload map[string]interface{}) error {
	if s, _ := payload["sender"].(string); s != eventSenderUserID {
		return ErrPayloadSenderMismatch
	}
	if r, _ := payload["recipient"].(string); r != e.ownUserID {
		return ErrPayloadRecipientMismatch
	}
	recipientKeys, _ := payload["recipient_keys"].(map[string]interface{})
	if recipientKeys == nil || recipientKeys["ed25519"] != e.account.IdentityKeys().Ed25519 {
		return ErrPayloadRecipientKeyMismatch
	}

	keys, _ := payload["keys"].(map[string]interface{})
	senderEd25519, _ := keys["ed25519"].(string)

	if eventSenderUserID == e.ownUserID {
		if current, ok := e.registry.Current(); ok && current.Curve25519 == senderCurve25519 && current.Ed25519 == senderEd25519 {
			return nil
		}
	}

	dev, found := e.registry.ByCurve25519(eventSenderUserID, senderCurve25519)
	if !found || dev.Ed25519 != senderEd25519 {
		return ErrPayloadUnknownSender
	}
	if dev.Trust == devices.TrustBlocked {
		return ErrPayloadFromBlockedDevice
	}
	return nil
}
