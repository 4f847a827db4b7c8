package errors

import "sync"

// ErrorCodeDefinition defines an error code's properties
type ErrorCodeDefinition struct {
	Code     string   `json:"code"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Help     string   `json:"help"`
}

// registry stores all registered error codes
var (
	registry   = make(map[string]ErrorCodeDefinition)
	registryMu sync.RWMutex
)

// Default error code definitions for the crypto client.
var defaultCodes = map[string]ErrorCodeDefinition{
	// Olm errors (OLM-001 to OLM-099: 1:1 session lifecycle)
	"OLM-001": {
		Code:     "OLM-001",
		Category: "olm",
		Severity: SeverityError,
		Message:  "identity key mismatch on prekey message",
		Help:     "The sender_key on the to-device event does not match the curve25519 key used to establish the session",
	},
	"OLM-002": {
		Code:     "OLM-002",
		Category: "olm",
		Severity: SeverityWarning,
		Message:  "no matching outbound session",
		Help:     "A new outbound session will be established before the next encrypt",
	},
	"OLM-010": {
		Code:     "OLM-010",
		Category: "olm",
		Severity: SeverityError,
		Message:  "no cipher for us",
		Help:     "The prekey message's one-time-key id does not belong to this account; the claimed OTK may have been consumed by another device",
	},
	"OLM-011": {
		Code:     "OLM-011",
		Category: "olm",
		Severity: SeverityError,
		Message:  "olm decrypt failed",
		Help:     "Ciphertext failed to authenticate under the ratcheted message key",
	},
	"OLM-012": {
		Code:     "OLM-012",
		Category: "olm",
		Severity: SeverityWarning,
		Message:  "olm session wedged",
		Help:     "Repeated decrypt failures against every known session; a new session must be negotiated",
	},
	"OLM-020": {
		Code:     "OLM-020",
		Category: "olm",
		Severity: SeverityError,
		Message:  "claim one time key failed",
		Help:     "The homeserver returned no unused signed_curve25519 key for the target device",
	},
	"OLM-021": {
		Code:     "OLM-021",
		Category: "olm",
		Severity: SeverityError,
		Message:  "one-time-key replenishment failed",
		Help:     "Generating or uploading a fresh batch of signed_curve25519 keys failed; the pool remains below its target size",
	},

	// Megolm errors (MEG-001 to MEG-099: group session lifecycle)
	"MEG-001": {
		Code:     "MEG-001",
		Category: "megolm",
		Severity: SeverityWarning,
		Message:  "no inbound group session",
		Help:     "The room key for this session_id has not arrived yet; the event is queued pending key arrival",
	},
	"MEG-010": {
		Code:     "MEG-010",
		Category: "megolm",
		Severity: SeverityError,
		Message:  "megolm decrypt failed",
		Help:     "Ciphertext failed to authenticate under the ratchet at the claimed message index",
	},
	"MEG-011": {
		Code:     "MEG-011",
		Category: "megolm",
		Severity: SeverityError,
		Message:  "message index before earliest known ratchet state",
		Help:     "The event claims an index older than the ratchet this device was given; it cannot be decrypted without the initial session key",
	},
	"MEG-020": {
		Code:     "MEG-020",
		Category: "megolm",
		Severity: SeverityCritical,
		Message:  "possible replay attack",
		Help:     "Two distinct events were observed at the same (session_id, message_index); the most recent is rejected",
	},
	"MEG-021": {
		Code:     "MEG-021",
		Category: "megolm",
		Severity: SeverityError,
		Message:  "sender verification failed",
		Help:     "The decrypting device's curve25519 key does not match the key on record for the event's claimed sender",
	},
	"MEG-030": {
		Code:     "MEG-030",
		Category: "megolm",
		Severity: SeverityWarning,
		Message:  "outbound session rotation required",
		Help:     "Session exceeded max age, max messages, or membership changed; a new outbound session will be created",
	},

	// Device registry errors (DEV-001 to DEV-099)
	"DEV-001": {
		Code:     "DEV-001",
		Category: "devices",
		Severity: SeverityCritical,
		Message:  "device identity key changed",
		Help:     "A device announced an ed25519 key that differs from the one recorded at first sight (TOFU violation)",
	},
	"DEV-002": {
		Code:     "DEV-002",
		Category: "devices",
		Severity: SeverityError,
		Message:  "device key signature invalid",
		Help:     "The self-signature on a device_keys upload did not verify under the claimed ed25519 key",
	},
	"DEV-010": {
		Code:     "DEV-010",
		Category: "devices",
		Severity: SeverityWarning,
		Message:  "device query timed out",
		Help:     "The homeserver federation query for remote device lists did not complete in time",
	},
	"DEV-020": {
		Code:     "DEV-020",
		Category: "devices",
		Severity: SeverityWarning,
		Message:  "device blocked",
		Help:     "Encryption/decryption for this device was refused because it is marked blocked",
	},

	// Key distribution errors (KEY-001 to KEY-099)
	"KEY-001": {
		Code:     "KEY-001",
		Category: "keydist",
		Severity: SeverityWarning,
		Message:  "session request already pending",
		Help:     "A forwarded-key request for this session_id was already sent to this device and is awaiting reply or timeout",
	},
	"KEY-010": {
		Code:     "KEY-010",
		Category: "keydist",
		Severity: SeverityError,
		Message:  "forwarded room key rejected",
		Help:     "The forwarded m.forwarded_room_key event failed validation (bad signature, untrusted forwarding chain, or session mismatch)",
	},

	// Sync errors (SYN-001 to SYN-099)
	"SYN-001": {
		Code:     "SYN-001",
		Category: "sync",
		Severity: SeverityWarning,
		Message:  "sync request failed",
		Help:     "The long-poll /sync request returned an error or timed out; retrying with backoff",
	},
	"SYN-002": {
		Code:     "SYN-002",
		Category: "sync",
		Severity: SeverityError,
		Message:  "sync token invalid",
		Help:     "The homeserver rejected the stored next_batch token (M_UNKNOWN_TOKEN or similar); a full resync may be required",
	},

	// Transport errors (TRN-001 to TRN-099)
	"TRN-001": {
		Code:     "TRN-001",
		Category: "transport",
		Severity: SeverityError,
		Message:  "matrix request failed",
		Help:     "An HTTP request to the homeserver failed after exhausting retries",
	},
	"TRN-002": {
		Code:     "TRN-002",
		Category: "transport",
		Severity: SeverityWarning,
		Message:  "matrix rate limited",
		Help:     "The homeserver returned M_LIMITED; the request will be retried after retry_after_ms",
	},
	"TRN-003": {
		Code:     "TRN-003",
		Category: "transport",
		Severity: SeverityError,
		Message:  "matrix authentication failed",
		Help:     "The access token was rejected (M_UNKNOWN_TOKEN or M_MISSING_TOKEN)",
	},

	// Config / store errors (CFG-001 to CFG-099)
	"CFG-001": {
		Code:     "CFG-001",
		Category: "config",
		Severity: SeverityCritical,
		Message:  "configuration load failed",
		Help:     "Check config file syntax and file permissions",
	},
	"CFG-010": {
		Code:     "CFG-010",
		Category: "config",
		Severity: SeverityCritical,
		Message:  "session store open failed",
		Help:     "The SQLCipher-backed crypto store could not be opened; the passphrase may be wrong or the file corrupted",
	},
	"CFG-011": {
		Code:     "CFG-011",
		Category: "config",
		Severity: SeverityError,
		Message:  "room state store open failed",
		Help:     "The plain sqlite room state or timeline database could not be opened",
	},

	// Event bus errors (EVB-001 to EVB-099: subscriber fan-out and WebSocket relay)
	"EVB-001": {
		Code:     "EVB-001",
		Category: "eventbus",
		Severity: SeverityWarning,
		Message:  "cannot publish nil event",
		Help:     "Publish or PublishBridgeEvent was called with a nil event; check the caller's event construction",
	},
	"EVB-002": {
		Code:     "EVB-002",
		Category: "eventbus",
		Severity: SeverityError,
		Message:  "event wrap failed",
		Help:     "WrapEvent could not serialize the bridge event body ahead of transmission",
	},
	"EVB-003": {
		Code:     "EVB-003",
		Category: "eventbus",
		Severity: SeverityError,
		Message:  "event serialize failed",
		Help:     "The wrapped event failed to marshal to JSON",
	},
	"EVB-004": {
		Code:     "EVB-004",
		Category: "eventbus",
		Severity: SeverityWarning,
		Message:  "websocket broadcast failed",
		Help:     "The event was processed but could not be relayed to connected WebSocket clients",
	},
	"EVB-005": {
		Code:     "EVB-005",
		Category: "eventbus",
		Severity: SeverityWarning,
		Message:  "subscriber not found",
		Help:     "Unsubscribe was called with a subscriber_id no longer (or never) present in the registry",
	},
	"EVB-006": {
		Code:     "EVB-006",
		Category: "eventbus",
		Severity: SeverityWarning,
		Message:  "subscriber channel full, event dropped",
		Help:     "The subscriber's buffered channel was full at publish time; the subscriber is slow or blocked",
	},
}

func init() {
	for code, def := range defaultCodes {
		registry[code] = def
	}
}

// Register adds a new error code to the registry
func Register(def ErrorCodeDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[def.Code] = def
}

// Lookup retrieves an error code definition
func Lookup(code string) ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if def, ok := registry[code]; ok {
		return def
	}

	return ErrorCodeDefinition{
		Code:     code,
		Category: "unknown",
		Severity: SeverityError,
		Message:  "unknown error",
		Help:     "No additional help available for this error code",
	}
}

// AllCodes returns all registered error codes
func AllCodes() map[string]ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make(map[string]ErrorCodeDefinition, len(registry))
	for k, v := range registry {
		result[k] = v
	}
	return result
}

// CodesByCategory returns all codes in a given category
func CodesByCategory(category string) []ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var result []ErrorCodeDefinition
	for _, def := range registry {
		if def.Category == category {
			result = append(result, def)
		}
	}
	return result
}

// CodesBySeverity returns all codes with a given severity
func CodesBySeverity(severity Severity) []ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var result []ErrorCodeDefinition
	for _, def := range registry {
		if def.Severity == severity {
			result = append(result, def)
		}
	}
	return result
}
