// Package sync drives the long-poll /sync loop: it fetches batches,
// routes to-device events through Olm and key distribution, decrypts
// room timeline events through Megolm, updates the room state index,
// and persists the sync cursor. It is the one package that calls into
// every other crypto and storage package in the module.
package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthline/matrix-e2e/pkg/config"
	"github.com/hearthline/matrix-e2e/pkg/crypto"
	"github.com/hearthline/matrix-e2e/pkg/devices"
	"github.com/hearthline/matrix-e2e/pkg/eventbus"
	cerrors "github.com/hearthline/matrix-e2e/pkg/errors"
	"github.com/hearthline/matrix-e2e/pkg/keydist"
	"github.com/hearthline/matrix-e2e/pkg/logger"
	"github.com/hearthline/matrix-e2e/pkg/megolm"
	"github.com/hearthline/matrix-e2e/pkg/metrics"
	"github.com/hearthline/matrix-e2e/pkg/olm"
	"github.com/hearthline/matrix-e2e/pkg/roomstate"
	"github.com/hearthline/matrix-e2e/pkg/timeline"
	"github.com/hearthline/matrix-e2e/pkg/transport"
)

// olmToDeviceAlgorithm identifies an m.room.encrypted to-device event
// encrypted with Olm, as opposed to other to-device event types that
// pass through undecrypted (e.g. m.key.verification.*).
const olmToDeviceAlgorithm = "m.olm.v1.curve25519-aes-sha2"

// State is one of SyncDispatcher's five states.
type State string

const (
	StateIdle       State = "idle"
	StateSyncing    State = "syncing"
	StatePaused     State = "paused"
	StateProcessing State = "processing"
	StatePersisting State = "persisting"
)

// Options carries sync_once's parameter set beyond timeout and since,
// which the Dispatcher supplies itself.
type Options struct {
	Filter      string
	FullState   bool
	SetPresence string
}

// Dispatcher is the SyncDispatcher: it owns the long-poll loop and is
// the sole caller of every crypto engine and storage index the module
// builds, wiring /sync's raw payload into the effects each of them is
// responsible for.
type Dispatcher struct {
	transport *transport.Client
	registry  *devices.Registry
	olm       *olm.Engine
	megolm    *megolm.Engine
	keydist   *keydist.Engine
	roomState *roomstate.Index
	timeline  *timeline.Log
	account   *crypto.Account
	cfg       *config.Config
	cfgPath   string
	bus       *eventbus.EventBus
	log       *logger.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	state     State
	pauseGate chan struct{}
}

// New creates a Dispatcher. cfgPath is where cfg is persisted after
// step 8 of every successful sync_once. m may be nil, in which case
// sync iterations go unrecorded.
func New(
	t *transport.Client,
	registry *devices.Registry,
	olmEngine *olm.Engine,
	megolmEngine *megolm.Engine,
	keydistEngine *keydist.Engine,
	roomState *roomstate.Index,
	timelineLog *timeline.Log,
	account *crypto.Account,
	cfg *config.Config,
	cfgPath string,
	bus *eventbus.EventBus,
	log *logger.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		transport: t,
		registry:  registry,
		olm:       olmEngine,
		megolm:    megolmEngine,
		keydist:   keydistEngine,
		roomState: roomState,
		timeline:  timelineLog,
		account:   account,
		cfg:       cfg,
		cfgPath:   cfgPath,
		bus:       bus,
		log:       log.WithComponent("sync"),
		metrics:   m,
		state:     StateIdle,
	}
}

// recordSyncOutcome is a nil-safe wrapper around metrics.RecordSyncIteration.
func (d *Dispatcher) recordSyncOutcome(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordSyncIteration(outcome)
	}
}

// State returns the dispatcher's current state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pause arms the gate SyncOnce waits on just before entering
// Processing; in-flight requests and to-device handling still run to
// completion, since they carry no caller-visible room state.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pauseGate == nil {
		d.pauseGate = make(chan struct{})
		d.state = StatePaused
	}
}

// Resume releases a prior Pause. A Resume with no matching Pause is a
// no-op.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pauseGate != nil {
		close(d.pauseGate)
		d.pauseGate = nil
	}
}

func (d *Dispatcher) waitIfPaused(ctx context.Context) error {
	d.mu.Lock()
	gate := d.pauseGate
	d.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) setState(ctx context.Context, newState State) {
	d.mu.Lock()
	old := d.state
	d.state = newState
	d.mu.Unlock()
	if old == newState {
		return
	}
	if err := d.bus.PublishBridgeEvent(eventbus.NewSyncStateChangedEvent(string(old), string(newState))); err != nil {
		d.log.ErrorEvent(ctx, "publish sync state change failed", err)
	}
}

// SyncForever runs sync_once in a loop until ctx is cancelled,
// backing off on consecutive failures up to a one-minute ceiling so a
// homeserver outage does not turn into a tight retry storm.
func (d *Dispatcher) SyncForever(ctx context.Context, timeoutMs int, opts Options) error {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.SyncOnce(ctx, timeoutMs, opts); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.ErrorEvent(ctx, "sync_once failed", err, slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// SyncOnce implements sync_once(timeout, filter?, since?, full_state?,
// set_presence?)'s eight-step contract.
func (d *Dispatcher) SyncOnce(ctx context.Context, timeoutMs int, opts Options) error {
	since := d.cfg.NextBatch()

	d.setState(ctx, StateSyncing)
	resp, err := d.transport.SyncWithParams(ctx, transport.SyncParams{
		Since:       since,
		TimeoutMs:   timeoutMs,
		Filter:      opts.Filter,
		FullState:   opts.FullState,
		SetPresence: opts.SetPresence,
	})
	if err != nil {
		d.setState(ctx, StateIdle)
		d.recordSyncOutcome("error")
		return cerrors.Wrap("SYN-001", err)
	}
	if since != "" && resp.NextBatch == since {
		d.setState(ctx, StateIdle)
		d.recordSyncOutcome("timeout")
		return nil
	}

	rooms, err := parseRooms(resp.Rooms)
	if err != nil {
		d.setState(ctx, StateIdle)
		d.recordSyncOutcome("error")
		return cerrors.WrapWithMessage("SYN-002", err, "parse sync rooms payload")
	}

	// Step 2: collect the E2E-senders set from to-device Olm events and
	// encrypted timeline events in every invite/join room.
	e2eSenders := make(map[string]bool)
	for _, ev := range resp.ToDevice.Events {
		if ev.Type != "m.room.encrypted" {
			continue
		}
		if alg, _ := ev.Content["algorithm"].(string); alg == olmToDeviceAlgorithm {
			e2eSenders[ev.Sender] = true
		}
	}
	for _, room := range rooms.Join {
		collectEncryptedSenders(room.Timeline.Events, e2eSenders)
	}
	for _, room := range rooms.Invite {
		collectEncryptedSenders(room.InviteState.Events, e2eSenders)
	}

	// Step 3.
	trackSet := make(map[string]bool, len(e2eSenders)+len(resp.DeviceLists.Changed))
	for s := range e2eSenders {
		trackSet[s] = true
	}
	for _, u := range resp.DeviceLists.Changed {
		trackSet[u] = true
	}
	trackList := make([]string, 0, len(trackSet))
	for u := range trackSet {
		trackList = append(trackList, u)
	}
	if len(trackList) > 0 {
		if err := d.registry.EnsureTracked(ctx, trackList); err != nil {
			d.setState(ctx, StateIdle)
			d.recordSyncOutcome("error")
			return cerrors.Wrap("SYN-002", err)
		}
	}

	// Step 4.
	for _, ev := range resp.ToDevice.Events {
		d.processToDeviceEvent(ctx, ev)
	}

	if err := d.waitIfPaused(ctx); err != nil {
		d.recordSyncOutcome("paused")
		return err
	}
	d.setState(ctx, StateProcessing)

	// Step 5.
	for roomID, room := range rooms.Join {
		d.processJoinedRoom(ctx, roomID, room)
	}
	for roomID, room := range rooms.Invite {
		d.processInvitedRoom(ctx, roomID, room)
	}
	for roomID, room := range rooms.Leave {
		d.processLeftRoom(ctx, roomID, room)
	}

	// Step 6.
	if len(resp.DeviceLists.Left) > 0 {
		d.registry.Drop(resp.DeviceLists.Left)
	}

	// Step 7.
	threshold := d.account.MaxOTKs() / 2
	otkCount := resp.DeviceOneTimeKeysCount["signed_curve25519"]
	if d.metrics != nil {
		d.metrics.SetOTKPoolDepth(otkCount)
		d.metrics.SetPendingForwardedKeyRequests(d.keydist.PendingSentRequestCount())
	}
	if otkCount < threshold {
		if n, err := d.olm.ReplenishOTKs(ctx, threshold); err != nil {
			d.log.ErrorEvent(ctx, "otk replenishment failed", err)
		} else if n > 0 {
			d.log.CryptoEvent(ctx, "otk_replenished", slog.Int("count", n))
		}
	}

	// Step 8.
	d.setState(ctx, StatePersisting)
	d.cfg.SetNextBatch(resp.NextBatch)
	if err := config.Save(d.cfg, d.cfgPath); err != nil {
		d.setState(ctx, StateIdle)
		d.recordSyncOutcome("error")
		return cerrors.WrapWithMessage("CFG-011", err, "persist next_batch")
	}

	d.recordSyncOutcome("ok")
	d.setState(ctx, StateIdle)
	return nil
}

func collectEncryptedSenders(events []stateEvent, into map[string]bool) {
	for _, ev := range events {
		if ev.Type != "m.room.encrypted" {
			continue
		}
		into[ev.Sender] = true
	}
}

// processToDeviceEvent decrypts (where applicable) and dispatches a
// single to-device event per step 4.
func (d *Dispatcher) processToDeviceEvent(ctx context.Context, ev transport.ToDeviceEvent) {
	if d.metrics != nil {
		d.metrics.RecordToDeviceEvent(ev.Type)
	}
	if ev.Type != "m.room.encrypted" {
		return
	}

	raw, err := json.Marshal(ev.Content)
	if err != nil {
		d.log.ErrorEvent(ctx, "marshal to-device content failed", err)
		return
	}
	var content olm.EncryptedToDeviceContent
	if err := json.Unmarshal(raw, &content); err != nil {
		d.log.ErrorEvent(ctx, "unmarshal to-device content failed", err)
		return
	}

	result, err := d.olm.DecryptToDevice(ctx, ev.Sender, content)
	if err != nil {
		d.log.ErrorEvent(ctx, "olm to-device decrypt failed", err, slog.String("sender", ev.Sender))
		if pubErr := d.bus.PublishBridgeEvent(eventbus.NewDecryptionFailedEvent("", "", ev.Sender, err.Error())); pubErr != nil {
			d.log.ErrorEvent(ctx, "publish decryption-failed event failed", pubErr)
		}
		return
	}

	innerType, _ := result.Payload["type"].(string)
	innerContent, _ := result.Payload["content"].(map[string]interface{})

	decryption := &eventbus.DecryptionInfo{
		Algorithm:        content.Algorithm,
		SenderCurve25519: content.SenderCurve25519,
	}
	if result.VerifyErr != nil {
		decryption.VerificationErrors = []string{result.VerifyErr.Error()}
	}
	if pubErr := d.bus.PublishBridgeEvent(eventbus.NewToDeviceEventReceived(ev.Sender, innerType, innerContent, decryption)); pubErr != nil {
		d.log.ErrorEvent(ctx, "publish to-device event failed", pubErr)
	}

	switch innerType {
	case "m.room_key":
		if err := d.keydist.IngestRoomKey(ctx, content.SenderCurve25519, result.Payload, result.VerifyErr); err != nil {
			d.log.ErrorEvent(ctx, "ingest room key failed", err)
			return
		}
		d.fireRetryDecrypt(ctx, innerContent)

	case "m.forwarded_room_key":
		fromDevice, ok := d.registry.ByCurve25519(ev.Sender, content.SenderCurve25519)
		if !ok {
			d.log.ErrorEvent(ctx, "forwarded room key from unknown device", fmt.Errorf("no device for curve25519 %s", content.SenderCurve25519))
			return
		}
		if err := d.keydist.IngestForwardedRoomKey(ctx, ev.Sender, fromDevice.DeviceID, innerContent, result.VerifyErr); err != nil {
			d.log.ErrorEvent(ctx, "ingest forwarded room key failed", err)
			return
		}
		d.fireRetryDecrypt(ctx, innerContent)

	case "m.room_key_request":
		d.processSessionRequest(ctx, ev.Sender, innerContent)
	}
}

func (d *Dispatcher) processSessionRequest(ctx context.Context, requesterUserID string, content map[string]interface{}) {
	action, _ := content["action"].(string)
	requesterDeviceID, _ := content["requesting_device_id"].(string)
	requestID, _ := content["request_id"].(string)

	switch action {
	case "request":
		body, _ := content["body"].(map[string]interface{})
		roomID, _ := body["room_id"].(string)
		sessionID, _ := body["session_id"].(string)
		senderKey, _ := body["sender_key"].(string)
		if roomID == "" || sessionID == "" || senderKey == "" {
			return
		}
		if err := d.keydist.HandleSessionRequest(ctx, requesterUserID, requesterDeviceID, requestID, roomID, senderKey, sessionID); err != nil {
			d.log.ErrorEvent(ctx, "handle session request failed", err)
			return
		}
		if pubErr := d.bus.PublishBridgeEvent(eventbus.NewSessionRequestPendingEvent(roomID, sessionID, requestID, requesterUserID, requesterDeviceID)); pubErr != nil {
			d.log.ErrorEvent(ctx, "publish session request pending event failed", pubErr)
		}

	case "request_cancellation":
		d.registry.CancelPendingRequest(requesterUserID, requesterDeviceID, requestID)
	}
}

// fireRetryDecrypt replays any timeline events parked waiting on the
// session key that just arrived.
func (d *Dispatcher) fireRetryDecrypt(ctx context.Context, roomKeyContent map[string]interface{}) {
	roomID, _ := roomKeyContent["room_id"].(string)
	sessionID, _ := roomKeyContent["session_id"].(string)
	if roomID == "" || sessionID == "" {
		return
	}
	queued, err := d.timeline.TakeRetryQueue(roomID, sessionID)
	if err != nil {
		d.log.ErrorEvent(ctx, "take retry-decrypt queue failed", err)
		return
	}
	for _, ev := range queued {
		d.decryptAndStoreTimelineEvent(ctx, ev.RoomID, ev.Sender, ev.EventID, ev.OriginServerTS, ev.Type, ev.Content)
	}
}

func (d *Dispatcher) processJoinedRoom(ctx context.Context, roomID string, room joinedRoom) {
	for _, ev := range room.State.Events {
		d.applyStateEvent(ctx, roomID, ev)
	}

	summary := roomstate.Summary{
		Heroes:                  room.Summary.Heroes,
		JoinedMemberCount:       room.Summary.JoinedMemberCount,
		InvitedMemberCount:      room.Summary.InvitedMemberCount,
		UnreadNotificationCount: room.UnreadNotifications.NotificationCount,
	}
	if err := d.roomState.UpsertSummary(roomID, summary); err != nil {
		d.log.ErrorEvent(ctx, "upsert room summary failed", err, slog.String("room_id", roomID))
	}

	d.processTimeline(ctx, roomID, room.Timeline)
}

func (d *Dispatcher) processInvitedRoom(ctx context.Context, roomID string, room invitedRoom) {
	for _, ev := range room.InviteState.Events {
		d.applyStateEvent(ctx, roomID, ev)
	}
	if err := d.roomState.UpsertSummary(roomID, roomstate.Summary{Invited: true}); err != nil {
		d.log.ErrorEvent(ctx, "upsert invited room summary failed", err, slog.String("room_id", roomID))
	}
}

func (d *Dispatcher) processLeftRoom(ctx context.Context, roomID string, room leftRoom) {
	for _, ev := range room.State.Events {
		d.applyStateEvent(ctx, roomID, ev)
	}
	if err := d.roomState.UpsertSummary(roomID, roomstate.Summary{Left: true}); err != nil {
		d.log.ErrorEvent(ctx, "upsert left room summary failed", err, slog.String("room_id", roomID))
	}
	d.processTimeline(ctx, roomID, room.Timeline)
}

func (d *Dispatcher) applyStateEvent(ctx context.Context, roomID string, ev stateEvent) {
	switch ev.Type {
	case "m.room.encryption":
		if err := d.roomState.ApplyEncryptionEvent(roomID, ev.Content); err != nil {
			d.log.ErrorEvent(ctx, "apply encryption state event failed", err, slog.String("room_id", roomID))
		}
	case "m.room.member":
		if ev.StateKey == nil {
			return
		}
		var content struct {
			Membership  string `json:"membership"`
			DisplayName string `json:"displayname"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			d.log.ErrorEvent(ctx, "unmarshal member event failed", err, slog.String("room_id", roomID))
			return
		}
		if err := d.roomState.ApplyMembershipEvent(roomID, *ev.StateKey, roomstate.Membership(content.Membership), content.DisplayName); err != nil {
			d.log.ErrorEvent(ctx, "apply membership event failed", err, slog.String("room_id", roomID))
		}
	}
}

func (d *Dispatcher) processTimeline(ctx context.Context, roomID string, tl timelineBlock) {
	for _, ev := range tl.Events {
		if ev.StateKey != nil {
			d.applyStateEvent(ctx, roomID, ev)
		}
		switch ev.Type {
		case "m.room.encrypted":
			d.decryptAndStoreTimelineEvent(ctx, roomID, ev.Sender, ev.EventID, ev.OriginServerTS, ev.Type, ev.Content)
		default:
			if err := d.timeline.AppendEvent(timeline.Event{
				RoomID:         roomID,
				EventID:        ev.EventID,
				Sender:         ev.Sender,
				OriginServerTS: ev.OriginServerTS,
				Type:           ev.Type,
				Content:        ev.Content,
				Decrypted:      true,
				CleartextType:  ev.Type,
				CleartextContent: ev.Content,
			}); err != nil {
				d.log.ErrorEvent(ctx, "append cleartext timeline event failed", err, slog.String("room_id", roomID))
			}
		}
	}

	if tl.Limited {
		eventBefore, _, err := d.timeline.LastEventID(roomID)
		if err != nil {
			d.log.ErrorEvent(ctx, "look up last event id for gap failed", err, slog.String("room_id", roomID))
		}
		var eventAfter string
		if len(tl.Events) > 0 {
			eventAfter = tl.Events[0].EventID
		}
		gap := timeline.Gap{
			RoomID:      roomID,
			FillToken:   tl.PrevBatch,
			EventBefore: eventBefore,
			EventAfter:  eventAfter,
		}
		if err := d.timeline.RecordGap(gap); err != nil {
			d.log.ErrorEvent(ctx, "record timeline gap failed", err, slog.String("room_id", roomID))
		}
	}
}

// decryptAndStoreTimelineEvent implements the Megolm decrypt branch of
// step 5: a missing session parks the event in the retry-decrypt queue
// and requests the session; any other failure is stored as an
// undecrypted event and reported.
func (d *Dispatcher) decryptAndStoreTimelineEvent(ctx context.Context, roomID, sender, eventID string, originTS int64, eventType string, content json.RawMessage) {
	var encContent megolm.EncryptedRoomContent
	if err := json.Unmarshal(content, &encContent); err != nil {
		d.log.ErrorEvent(ctx, "unmarshal encrypted timeline content failed", err, slog.String("room_id", roomID))
		return
	}

	result, err := d.megolm.DecryptRoomEvent(ctx, roomID, sender, encContent.SenderKey, encContent.SessionID, eventID, originTS, encContent.Ciphertext)
	if err != nil {
		var traced *cerrors.TracedError
		if stderrors.As(err, &traced) && traced.Code == "MEG-001" {
			if d.metrics != nil {
				d.metrics.RecordRoomEventDecrypted("no_session")
			}
			ev := timeline.Event{
				RoomID:         roomID,
				EventID:        eventID,
				Sender:         sender,
				OriginServerTS: originTS,
				Type:           eventType,
				Content:        content,
			}
			if qerr := d.timeline.QueueRetryDecrypt(roomID, encContent.SessionID, ev); qerr != nil {
				d.log.ErrorEvent(ctx, "queue retry-decrypt failed", qerr, slog.String("room_id", roomID))
			}
			if _, rerr := d.keydist.RequestSession(ctx, roomID, encContent.SenderKey, encContent.SessionID); rerr != nil {
				d.log.ErrorEvent(ctx, "request missing session failed", rerr, slog.String("room_id", roomID))
			}
			return
		}

		if d.metrics != nil {
			outcome := "verify_error"
			if stderrors.As(err, &traced) && traced.Code == "MEG-020" {
				outcome = "replay"
			}
			d.metrics.RecordRoomEventDecrypted(outcome)
		}
		d.log.ErrorEvent(ctx, "megolm decrypt failed", err, slog.String("room_id", roomID), slog.String("event_id", eventID))
		if perr := d.timeline.AppendEvent(timeline.Event{
			RoomID:         roomID,
			EventID:        eventID,
			Sender:         sender,
			OriginServerTS: originTS,
			Type:           eventType,
			Content:        content,
		}); perr != nil {
			d.log.ErrorEvent(ctx, "append undecrypted timeline event failed", perr, slog.String("room_id", roomID))
		}
		if pubErr := d.bus.PublishBridgeEvent(eventbus.NewDecryptionFailedEvent(roomID, eventID, sender, err.Error())); pubErr != nil {
			d.log.ErrorEvent(ctx, "publish decryption-failed event failed", pubErr)
		}
		return
	}

	if d.metrics != nil {
		d.metrics.RecordRoomEventDecrypted("ok")
	}

	innerType, _ := result.Payload["type"].(string)
	innerContent, _ := result.Payload["content"].(map[string]interface{})
	cleartextJSON, err := json.Marshal(innerContent)
	if err != nil {
		d.log.ErrorEvent(ctx, "marshal cleartext content failed", err, slog.String("room_id", roomID))
		return
	}

	var verrs []string
	for _, verr := range result.VerificationErrs {
		verrs = append(verrs, verr.Error())
	}
	if err := d.timeline.AppendEvent(timeline.Event{
		RoomID:           roomID,
		EventID:          eventID,
		Sender:           sender,
		OriginServerTS:   originTS,
		Type:             eventType,
		Content:          content,
		Decrypted:        true,
		CleartextType:    innerType,
		CleartextContent: cleartextJSON,
		VerificationErrs: verrs,
	}); err != nil {
		d.log.ErrorEvent(ctx, "append decrypted timeline event failed", err, slog.String("room_id", roomID))
	}

	decryption := &eventbus.DecryptionInfo{
		Algorithm:        encContent.Algorithm,
		SenderCurve25519: encContent.SenderKey,
		SessionID:        encContent.SessionID,
	}
	decryption.VerificationErrors = verrs
	if pubErr := d.bus.PublishBridgeEvent(eventbus.NewTimelineEventReceived(roomID, eventID, sender, innerType, innerContent, decryption)); pubErr != nil {
		d.log.ErrorEvent(ctx, "publish timeline event failed", pubErr)
	}
}
