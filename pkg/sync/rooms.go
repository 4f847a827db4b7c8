package sync

import "encoding/json"

// stateEvent is one m.room.* state event as delivered inside a room's
// state or timeline block.
type stateEvent struct {
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key"`
	Sender         string          `json:"sender"`
	Content        json.RawMessage `json:"content"`
	EventID        string          `json:"event_id"`
	OriginServerTS int64           `json:"origin_server_ts"`
}

// timelineEvent is one event in a room's timeline block. It embeds the
// same shape as stateEvent; state events interleaved in a timeline are
// distinguished by a non-nil StateKey.
type timelineEvent = stateEvent

type timelineBlock struct {
	Events    []timelineEvent `json:"events"`
	Limited   bool            `json:"limited"`
	PrevBatch string          `json:"prev_batch"`
}

type unreadNotifications struct {
	NotificationCount int `json:"notification_count"`
}

type roomSummary struct {
	Heroes             []string `json:"m.heroes"`
	JoinedMemberCount  int      `json:"m.joined_member_count"`
	InvitedMemberCount int      `json:"m.invited_member_count"`
}

type joinedRoom struct {
	State struct {
		Events []stateEvent `json:"events"`
	} `json:"state"`
	Timeline             timelineBlock        `json:"timeline"`
	UnreadNotifications  unreadNotifications  `json:"unread_notifications"`
	Summary              roomSummary          `json:"summary"`
}

type invitedRoom struct {
	InviteState struct {
		Events []stateEvent `json:"events"`
	} `json:"invite_state"`
}

type leftRoom struct {
	State struct {
		Events []stateEvent `json:"events"`
	} `json:"state"`
	Timeline timelineBlock `json:"timeline"`
}

// roomsPayload is the shape of a /sync response's top-level "rooms"
// field, parsed independently of transport.SyncResponse (which leaves
// Rooms as raw JSON since its shape is this package's concern, not
// transport's).
type roomsPayload struct {
	Join   map[string]joinedRoom  `json:"join"`
	Invite map[string]invitedRoom `json:"invite"`
	Leave  map[string]leftRoom    `json:"leave"`
}

func parseRooms(raw json.RawMessage) (*roomsPayload, error) {
	var rooms roomsPayload
	if len(raw) == 0 {
		return &roomsPayload{}, nil
	}
	if err := json.Unmarshal(raw, &rooms); err != nil {
		return nil, err
	}
	return &rooms, nil
}
