// Package eventbus provides the event types broadcast to subscribers of a
// client's decrypted event stream.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType constants for all events carried on the bus.
const (
	EventTypeTimeline            = "timeline.event"
	EventTypeToDevice            = "to_device.event"
	EventTypeDeviceTrustChanged  = "device.trust_changed"
	EventTypeDeviceDiscovered    = "device.discovered"
	EventTypeSyncStateChanged    = "sync.state_changed"
	EventTypeSessionRequest      = "session.request_pending"
	EventTypeSessionShared       = "session.shared"
	EventTypeDecryptionFailed    = "event.decryption_failed"
)

// BridgeEvent is the interface every event on the bus satisfies.
type BridgeEvent interface {
	EventType() string
	Timestamp() time.Time
	ToJSON() ([]byte, error)
}

// BaseEvent provides the fields common to every event.
type BaseEvent struct {
	Type string    `json:"type"`
	Ts   time.Time `json:"timestamp"`
}

// EventType returns the event type.
func (e *BaseEvent) EventType() string {
	return e.Type
}

// Timestamp returns the event timestamp.
func (e *BaseEvent) Timestamp() time.Time {
	return e.Ts
}

// ToJSON serializes the event to JSON.
func (e *BaseEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DecryptionInfo describes how a delivered event was decrypted, attached to
// both timeline and to-device events so subscribers can apply their own
// trust policy instead of the client silently deciding for them.
type DecryptionInfo struct {
	Algorithm          string   `json:"algorithm"`
	SenderCurve25519   string   `json:"sender_curve25519"`
	SessionID          string   `json:"session_id,omitempty"`
	VerificationErrors []string `json:"verification_errors,omitempty"`
	Replay             bool     `json:"replay"`
	ForwardChain       []string `json:"forward_chain,omitempty"`
}

// TimelineEventReceived is emitted for every room timeline event delivered
// to the client, decrypted or not.
type TimelineEventReceived struct {
	BaseEvent
	RoomID     string                 `json:"room_id"`
	EventID    string                 `json:"event_id"`
	Sender     string                 `json:"sender"`
	EventKind  string                 `json:"event_kind"`
	Content    map[string]interface{} `json:"content"`
	Decryption *DecryptionInfo        `json:"decryption,omitempty"`
}

// NewTimelineEventReceived builds a TimelineEventReceived.
func NewTimelineEventReceived(roomID, eventID, sender, eventKind string, content map[string]interface{}, decryption *DecryptionInfo) *TimelineEventReceived {
	return &TimelineEventReceived{
		BaseEvent:  BaseEvent{Type: EventTypeTimeline, Ts: time.Now()},
		RoomID:     roomID,
		EventID:    eventID,
		Sender:     sender,
		EventKind:  eventKind,
		Content:    content,
		Decryption: decryption,
	}
}

// ToDeviceEventReceived is emitted for every to-device event delivered to
// the client (after Olm decryption, where applicable).
type ToDeviceEventReceived struct {
	BaseEvent
	Sender     string                 `json:"sender"`
	EventKind  string                 `json:"event_kind"`
	Content    map[string]interface{} `json:"content"`
	Decryption *DecryptionInfo        `json:"decryption,omitempty"`
}

// NewToDeviceEventReceived builds a ToDeviceEventReceived.
func NewToDeviceEventReceived(sender, eventKind string, content map[string]interface{}, decryption *DecryptionInfo) *ToDeviceEventReceived {
	return &ToDeviceEventReceived{
		BaseEvent:  BaseEvent{Type: EventTypeToDevice, Ts: time.Now()},
		Sender:     sender,
		EventKind:  eventKind,
		Content:    content,
		Decryption: decryption,
	}
}

// DeviceTrustChangedEvent is emitted whenever a device's trust state
// transitions (including the initial TOFU pin on first sighting).
type DeviceTrustChangedEvent struct {
	BaseEvent
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	OldTrust  string `json:"old_trust"`
	NewTrust  string `json:"new_trust"`
}

// NewDeviceTrustChangedEvent builds a DeviceTrustChangedEvent.
func NewDeviceTrustChangedEvent(userID, deviceID, oldTrust, newTrust string) *DeviceTrustChangedEvent {
	return &DeviceTrustChangedEvent{
		BaseEvent: BaseEvent{Type: EventTypeDeviceTrustChanged, Ts: time.Now()},
		UserID:    userID,
		DeviceID:  deviceID,
		OldTrust:  oldTrust,
		NewTrust:  newTrust,
	}
}

// DeviceDiscoveredEvent is emitted the first time a device is seen for a
// tracked user, before trust has been established.
type DeviceDiscoveredEvent struct {
	BaseEvent
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	Ed25519      string `json:"ed25519"`
	Curve25519   string `json:"curve25519"`
}

// NewDeviceDiscoveredEvent builds a DeviceDiscoveredEvent.
func NewDeviceDiscoveredEvent(userID, deviceID, ed25519, curve25519 string) *DeviceDiscoveredEvent {
	return &DeviceDiscoveredEvent{
		BaseEvent:  BaseEvent{Type: EventTypeDeviceDiscovered, Ts: time.Now()},
		UserID:     userID,
		DeviceID:   deviceID,
		Ed25519:    ed25519,
		Curve25519: curve25519,
	}
}

// SyncStateChangedEvent is emitted on every SyncDispatcher state transition.
type SyncStateChangedEvent struct {
	BaseEvent
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// NewSyncStateChangedEvent builds a SyncStateChangedEvent.
func NewSyncStateChangedEvent(oldState, newState string) *SyncStateChangedEvent {
	return &SyncStateChangedEvent{
		BaseEvent: BaseEvent{Type: EventTypeSyncStateChanged, Ts: time.Now()},
		OldState:  oldState,
		NewState:  newState,
	}
}

// SessionRequestPendingEvent is emitted when an incoming m.room_key_request
// is parked waiting on the requester's device to become trusted.
type SessionRequestPendingEvent struct {
	BaseEvent
	RoomID           string `json:"room_id"`
	SessionID        string `json:"session_id"`
	RequestID        string `json:"request_id"`
	RequesterUserID  string `json:"requester_user_id"`
	RequesterDeviceID string `json:"requester_device_id"`
}

// NewSessionRequestPendingEvent builds a SessionRequestPendingEvent.
func NewSessionRequestPendingEvent(roomID, sessionID, requestID, requesterUserID, requesterDeviceID string) *SessionRequestPendingEvent {
	return &SessionRequestPendingEvent{
		BaseEvent:         BaseEvent{Type: EventTypeSessionRequest, Ts: time.Now()},
		RoomID:            roomID,
		SessionID:         sessionID,
		RequestID:         requestID,
		RequesterUserID:   requesterUserID,
		RequesterDeviceID: requesterDeviceID,
	}
}

// SessionSharedEvent is emitted once a Megolm outbound session has been
// shared with a set of devices (the normal case, not a forward reply).
type SessionSharedEvent struct {
	BaseEvent
	RoomID    string   `json:"room_id"`
	SessionID string   `json:"session_id"`
	Targets   []string `json:"targets"`
}

// NewSessionSharedEvent builds a SessionSharedEvent.
func NewSessionSharedEvent(roomID, sessionID string, targets []string) *SessionSharedEvent {
	return &SessionSharedEvent{
		BaseEvent: BaseEvent{Type: EventTypeSessionShared, Ts: time.Now()},
		RoomID:    roomID,
		SessionID: sessionID,
		Targets:   targets,
	}
}

// DecryptionFailedEvent is emitted when a timeline or to-device event could
// not be decrypted at all (as opposed to decrypting with a verification
// error, which travels on DecryptionInfo instead).
type DecryptionFailedEvent struct {
	BaseEvent
	RoomID  string `json:"room_id,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Sender  string `json:"sender"`
	Reason  string `json:"reason"`
}

// NewDecryptionFailedEvent builds a DecryptionFailedEvent.
func NewDecryptionFailedEvent(roomID, eventID, sender, reason string) *DecryptionFailedEvent {
	return &DecryptionFailedEvent{
		BaseEvent: BaseEvent{Type: EventTypeDecryptionFailed, Ts: time.Now()},
		RoomID:    roomID,
		EventID:   eventID,
		Sender:    sender,
		Reason:    reason,
	}
}

// EventWrapper wraps any BridgeEvent for JSON serialization, carrying its
// type and timestamp alongside the opaque, already-serialized event body so
// a subscriber can dispatch on Type without decoding Data up front.
type EventWrapper struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// WrapEvent wraps a BridgeEvent for transmission.
func WrapEvent(event BridgeEvent) (*EventWrapper, error) {
	data, err := event.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}

	return &EventWrapper{
		Type:      event.EventType(),
		Timestamp: event.Timestamp(),
		Data:      data,
	}, nil
}

// ToJSON serializes the EventWrapper.
func (w *EventWrapper) ToJSON() ([]byte, error) {
	return json.Marshal(w)
}
