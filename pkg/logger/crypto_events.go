package logger

import (
	"context"
	"log/slog"
)

// CryptoEventType enumerates the crypto-subsystem events worth a structured
// log line distinct from plain error propagation.
type CryptoEventType string

const (
	// Device trust lifecycle.
	DeviceDiscovered CryptoEventType = "device_discovered"
	DeviceTOFUReject CryptoEventType = "device_tofu_reject"
	DeviceTrusted    CryptoEventType = "device_trusted"
	DeviceBlocked    CryptoEventType = "device_blocked"

	// Olm session lifecycle.
	OlmSessionCreatedInbound  CryptoEventType = "olm_session_created_inbound"
	OlmSessionCreatedOutbound CryptoEventType = "olm_session_created_outbound"
	OlmNoOneTimeKey           CryptoEventType = "olm_no_one_time_key"
	OlmDecryptFailed          CryptoEventType = "olm_decrypt_failed"
	OlmVerifyFailed           CryptoEventType = "olm_verify_failed"

	// Megolm session lifecycle.
	MegolmSessionRotated  CryptoEventType = "megolm_session_rotated"
	MegolmSessionShared   CryptoEventType = "megolm_session_shared"
	MegolmNoInboundSess   CryptoEventType = "megolm_no_inbound_session"
	MegolmReplayDetected  CryptoEventType = "megolm_replay_detected"
	MegolmVerifyFailed    CryptoEventType = "megolm_verify_failed"
	MegolmForwardAccepted CryptoEventType = "megolm_forward_accepted"

	// Key distribution.
	SessionRequestSent     CryptoEventType = "session_request_sent"
	SessionRequestQueued   CryptoEventType = "session_request_queued"
	SessionRequestReplayed CryptoEventType = "session_request_replayed"
	SessionRequestCanceled CryptoEventType = "session_request_canceled"
)

// CryptoLogger provides typed helpers over Logger.CryptoEvent for the crypto
// subsystem; it exists so callers spell out event fields once instead of
// repeating slog.String/slog.Int boilerplate at every call site.
type CryptoLogger struct {
	logger *Logger
}

// NewCryptoLogger creates a crypto-scoped logger.
func NewCryptoLogger(base *Logger) *CryptoLogger {
	return &CryptoLogger{logger: base.WithComponent("crypto")}
}

func (cl *CryptoLogger) LogDeviceDiscovered(ctx context.Context, userID, deviceID string) {
	cl.logger.CryptoEvent(ctx, string(DeviceDiscovered),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
	)
}

func (cl *CryptoLogger) LogDeviceTOFUReject(ctx context.Context, userID, deviceID, oldEd25519, newEd25519 string) {
	cl.logger.CryptoEvent(ctx, string(DeviceTOFUReject),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
		slog.String("stored_ed25519", oldEd25519),
		slog.String("claimed_ed25519", newEd25519),
	)
}

func (cl *CryptoLogger) LogOlmSessionCreatedOutbound(ctx context.Context, userID, deviceID, sessionID string) {
	cl.logger.CryptoEvent(ctx, string(OlmSessionCreatedOutbound),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
		slog.String("session_id", sessionID),
	)
}

func (cl *CryptoLogger) LogOlmSessionCreatedInbound(ctx context.Context, senderCurve25519, sessionID string) {
	cl.logger.CryptoEvent(ctx, string(OlmSessionCreatedInbound),
		slog.String("sender_curve25519", senderCurve25519),
		slog.String("session_id", sessionID),
	)
}

func (cl *CryptoLogger) LogDeviceTrustChange(ctx context.Context, userID, deviceID, newState string) {
	evt := DeviceTrusted
	if newState == "blocked" {
		evt = DeviceBlocked
	}
	cl.logger.CryptoEvent(ctx, string(evt),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
		slog.String("trust_state", newState),
	)
}

func (cl *CryptoLogger) LogMegolmReplay(ctx context.Context, roomID, sessionID string, index uint32, firstEventID, secondEventID string) {
	cl.logger.CryptoEvent(ctx, string(MegolmReplayDetected),
		slog.String("room_id", roomID),
		slog.String("session_id", sessionID),
		slog.Int("message_index", int(index)),
		slog.String("first_event_id", firstEventID),
		slog.String("second_event_id", secondEventID),
	)
}

func (cl *CryptoLogger) LogMegolmRotated(ctx context.Context, roomID, oldSessionID, newSessionID, reason string) {
	cl.logger.CryptoEvent(ctx, string(MegolmSessionRotated),
		slog.String("room_id", roomID),
		slog.String("old_session_id", oldSessionID),
		slog.String("new_session_id", newSessionID),
		slog.String("reason", reason),
	)
}

func (cl *CryptoLogger) LogSessionRequestQueued(ctx context.Context, userID, deviceID, requestID string) {
	cl.logger.CryptoEvent(ctx, string(SessionRequestQueued),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
		slog.String("request_id", requestID),
	)
}
