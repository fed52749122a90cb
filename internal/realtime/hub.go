package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	presenceTimeout = 5 * time.Second
)

// Events pushed to meeting rooms.
const (
	EventAttendanceCount   = "attendance_count"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

// PresenceHandler is called when a user's first connection to a meeting opens
// (join) or their last one closes (leave). A join error rejects the connection.
type PresenceHandler func(ctx context.Context, meetingID, userID, userName string) error

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishMeetingEvent(meetingID string, event string, payload []byte) error
}

// RedisSubscriber subscribes to meeting channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeMeeting(meetingID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains meeting_id -> set of connections and broadcasts messages.
// A user may hold several connections (tabs, devices); presence follows the
// first open and the last close.
type Hub struct {
	rooms    map[string]map[string]*Client // meetingID -> clientID -> client
	users    map[string]map[string]int     // meetingID -> userID -> open connections
	subs     map[string]func()             // cancel Redis subscription per meeting
	presence map[string]*presenceLock      // meetingID+userID -> join/leave ordering
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	onJoin   PresenceHandler
	onLeave  PresenceHandler
}

// NewHub creates a new WebSocket hub. Either Redis side may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[string]map[string]*Client),
		users:    make(map[string]map[string]int),
		subs:     make(map[string]func()),
		presence: make(map[string]*presenceLock),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetPresenceHandlers sets the callbacks that turn connections into attendance.
func (h *Hub) SetPresenceHandlers(onJoin, onLeave PresenceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onJoin = onJoin
	h.onLeave = onLeave
}

// Register adds a client to a meeting room. Starts the Redis subscription for
// the meeting on its first client. If this is the user's first connection the
// join handler runs; when it fails the client is removed again and the error returned.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	unlock := h.lockPresence(c.MeetingID, c.UserID)
	defer unlock()

	h.mu.Lock()
	if h.rooms[c.MeetingID] == nil {
		h.rooms[c.MeetingID] = make(map[string]*Client)
		h.users[c.MeetingID] = make(map[string]int)
		if h.redisSub != nil {
			meetingID := c.MeetingID
			cancel, err := h.redisSub.SubscribeMeeting(meetingID, func(event string, payload []byte) {
				h.BroadcastToMeeting(meetingID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("meeting_id", meetingID), zap.Error(err))
			} else {
				h.subs[meetingID] = cancel
			}
		}
	}
	h.rooms[c.MeetingID][c.ID] = c
	h.users[c.MeetingID][c.UserID]++
	first := h.users[c.MeetingID][c.UserID] == 1
	onJoin := h.onJoin
	h.mu.Unlock()

	h.logger.Debug("client joined meeting",
		zap.String("client_id", c.ID),
		zap.String("meeting_id", c.MeetingID),
		zap.String("user_id", c.UserID),
	)
	if !first || onJoin == nil {
		return nil
	}
	if err := onJoin(ctx, c.MeetingID, c.UserID, c.UserName); err != nil {
		h.remove(c)
		return err
	}
	h.BroadcastToMeetingAndPublish(c.MeetingID, EventParticipantJoined, participantPayload(c))
	return nil
}

// Unregister removes a client from a meeting room. Runs the leave handler when
// it was the user's last connection and cancels the Redis subscription when
// the room empties.
func (h *Hub) Unregister(c *Client) {
	unlock := h.lockPresence(c.MeetingID, c.UserID)
	defer unlock()

	last := h.remove(c)
	h.logger.Debug("client left meeting",
		zap.String("client_id", c.ID),
		zap.String("meeting_id", c.MeetingID),
		zap.String("user_id", c.UserID),
	)
	if !last {
		return
	}
	h.mu.RLock()
	onLeave := h.onLeave
	h.mu.RUnlock()
	if onLeave != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := onLeave(ctx, c.MeetingID, c.UserID, c.UserName); err != nil {
			h.logger.Warn("leave on disconnect failed",
				zap.String("meeting_id", c.MeetingID),
				zap.String("user_id", c.UserID),
				zap.Error(err),
			)
		}
	}
	h.BroadcastToMeetingAndPublish(c.MeetingID, EventParticipantLeft, participantPayload(c))
}

// presenceLock orders one user's joins and leaves within a meeting, so a
// reconnect never overtakes the leave of the connection it replaces.
type presenceLock struct {
	mu   sync.Mutex
	refs int
}

func (h *Hub) lockPresence(meetingID, userID string) (unlock func()) {
	key := meetingID + "\x00" + userID
	h.mu.Lock()
	pl := h.presence[key]
	if pl == nil {
		pl = &presenceLock{}
		h.presence[key] = pl
	}
	pl.refs++
	h.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		h.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(h.presence, key)
		}
		h.mu.Unlock()
	}
}

// remove drops the client and reports whether it was the user's last connection.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.MeetingID]
	if !ok {
		return false
	}
	if _, ok := room[c.ID]; !ok {
		return false
	}
	delete(room, c.ID)
	users := h.users[c.MeetingID]
	users[c.UserID]--
	last := users[c.UserID] <= 0
	if last {
		delete(users, c.UserID)
	}
	if len(room) == 0 {
		delete(h.rooms, c.MeetingID)
		delete(h.users, c.MeetingID)
		if cancel, ok := h.subs[c.MeetingID]; ok {
			cancel()
			delete(h.subs, c.MeetingID)
		}
	}
	return last
}

// BroadcastToMeeting sends a message to all clients in a meeting (local only).
func (h *Hub) BroadcastToMeeting(meetingID string, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[meetingID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastToMeetingAndPublish sends to local clients and publishes to Redis for other instances.
func (h *Hub) BroadcastToMeetingAndPublish(meetingID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.BroadcastToMeeting(meetingID, event, json.RawMessage(data))
	if h.redis != nil {
		if err := h.redis.PublishMeetingEvent(meetingID, event, data); err != nil {
			h.logger.Warn("redis publish failed", zap.String("meeting_id", meetingID), zap.String("event", event), zap.Error(err))
		}
	}
}

// BroadcastActiveCount pushes the meeting's active attendance count to every instance.
func (h *Hub) BroadcastActiveCount(meetingID string, active int) {
	h.BroadcastToMeetingAndPublish(meetingID, EventAttendanceCount, map[string]interface{}{
		"meeting_id": meetingID,
		"active":     active,
	})
}

// ConnectionCount returns the number of open connections in a meeting on this instance.
func (h *Hub) ConnectionCount(meetingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[meetingID])
}

// ConnectedUsers returns the number of distinct users connected to a meeting on this instance.
func (h *Hub) ConnectedUsers(meetingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[meetingID])
}

// SendToClient sends a message to a single client in a meeting.
func (h *Hub) SendToClient(meetingID string, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.rooms[meetingID][clientID]
	if !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func participantPayload(c *Client) map[string]string {
	return map[string]string{
		"meeting_id": c.MeetingID,
		"user_id":    c.UserID,
		"user_name":  c.UserName,
	}
}
