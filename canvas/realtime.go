package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// wire frames for the per-project realtime channel.
// the channel is a dumb relay: presence records and broadcast payloads are
// carried verbatim, and the hub only tracks enough presence to emit
// state/join/leave frames. graph state never travels over the channel.
const (
	FrameTypeJoin          = "join"
	FrameTypePresence      = "presence"
	FrameTypePresenceState = "presence_state"
	FrameTypePresenceJoin  = "presence_join"
	FrameTypePresenceLeave = "presence_leave"
	FrameTypeBroadcast     = "broadcast"
)

const BroadcastEventCanvasActivity = "canvas_activity"

type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func ChannelName(projectId Id) string {
	return fmt.Sprintf("canvas:%s", projectId)
}

type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SelectionBounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Selection struct {
	NodeId string           `json:"nodeId,omitempty"`
	Bounds *SelectionBounds `json:"bounds,omitempty"`
}

type PresenceRecord struct {
	UserId    string         `json:"user_id"`
	UserName  string         `json:"user_name"`
	OnlineAt  string         `json:"online_at"`
	Cursor    CursorPosition `json:"cursor"`
	Selection *Selection     `json:"selection"`
}

type PresenceStatePayload struct {
	Presences []*PresenceRecord `json:"presences"`
}

type CollaboratorCursor struct {
	UserId    string         `json:"userId"`
	UserName  string         `json:"userName"`
	UserColor string         `json:"userColor"`
	Position  CursorPosition `json:"position"`
	LastSeen  time.Time      `json:"lastSeen"`
}

// replaced wholesale on every presence update
type CollaboratorSelection struct {
	UserId          string           `json:"userId"`
	UserName        string           `json:"userName"`
	UserColor       string           `json:"userColor"`
	SelectedNodeId  string           `json:"selectedNodeId,omitempty"`
	SelectionBounds *SelectionBounds `json:"selectionBounds,omitempty"`
}

type ActivityAction string

const (
	ActivityNodeCreated ActivityAction = "node_created"
	ActivityNodeUpdated ActivityAction = "node_updated"
	ActivityNodeDeleted ActivityAction = "node_deleted"
	ActivityEdgeCreated ActivityAction = "edge_created"
	ActivityEdgeDeleted ActivityAction = "edge_deleted"
	ActivityUserJoined  ActivityAction = "user_joined"
	ActivityUserLeft    ActivityAction = "user_left"
)

type ActivityEvent struct {
	Id        Id             `json:"id"`
	UserId    string         `json:"userId"`
	UserName  string         `json:"userName"`
	UserColor string         `json:"userColor"`
	Action    ActivityAction `json:"action"`
	Target    string         `json:"target,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type BroadcastActivityPayload struct {
	Activity *ActivityEvent `json:"activity"`
}

// fixed-capacity ring holding the most recent events.
// the bound is structural: the backing array never grows past capacity
type activityRing struct {
	events []*ActivityEvent
	head   int
	count  int
}

func newActivityRing(capacity int) *activityRing {
	return &activityRing{
		events: make([]*ActivityEvent, capacity),
	}
}

func (self *activityRing) add(event *ActivityEvent) {
	self.head = (self.head + 1) % len(self.events)
	self.events[self.head] = event
	if self.count < len(self.events) {
		self.count += 1
	}
}

// newest first
func (self *activityRing) list() []*ActivityEvent {
	out := make([]*ActivityEvent, 0, self.count)
	for i := 0; i < self.count; i += 1 {
		j := (self.head - i + len(self.events)) % len(self.events)
		out = append(out, self.events[j])
	}
	return out
}

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateSubscribing  ConnectionState = "subscribing"
	ConnectionStateSubscribed   ConnectionState = "subscribed"
)

type RealtimeControllerSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// pointer movement is folded into at most one presence update per window
	CursorThrottle time.Duration
	// cursors unseen for longer than CursorExpiry are purged on the sweep.
	// the sweep defends against missed leave frames on ungraceful disconnect
	SweepInterval  time.Duration
	CursorExpiry   time.Duration
	ActivityLimit  int
	SendBufferSize int
}

func DefaultRealtimeControllerSettings() *RealtimeControllerSettings {
	return &RealtimeControllerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		CursorThrottle:     50 * time.Millisecond,
		SweepInterval:      5 * time.Second,
		CursorExpiry:       10 * time.Second,
		ActivityLimit:      50,
		SendBufferSize:     32,
	}
}

type PresenceFunction func()
type ActivityFunction func(event *ActivityEvent)
type ConnectionStateFunction func(state ConnectionState)

// RealtimeController joins the per-project channel and maintains the
// ephemeral multi-user state: remote cursors, remote selections, and the
// activity feed. It never carries graph state; reconciliation of the graph
// itself happens by reloading from the persistence gateway.
type RealtimeController struct {
	ctx    context.Context
	cancel context.CancelFunc

	hubUrl    string
	projectId Id
	session   *Session
	user      *SessionUser

	settings *RealtimeControllerSettings

	mutex          sync.Mutex
	state          ConnectionState
	cursors        map[string]*CollaboratorCursor
	selections     map[string]*CollaboratorSelection
	feed           *activityRing
	ownCursor      CursorPosition
	ownSelection   *Selection
	onlineAt       time.Time
	lastCursorSent time.Time
	cursorTimer    *time.Timer
	send           chan []byte

	presenceCallbacks CallbackList[PresenceFunction]
	activityCallbacks CallbackList[ActivityFunction]
	stateCallbacks    CallbackList[ConnectionStateFunction]
}

func NewRealtimeControllerWithDefaults(ctx context.Context, hubUrl string, projectId Id, session *Session) *RealtimeController {
	return NewRealtimeController(ctx, hubUrl, projectId, session, DefaultRealtimeControllerSettings())
}

func NewRealtimeController(ctx context.Context, hubUrl string, projectId Id, session *Session, settings *RealtimeControllerSettings) *RealtimeController {
	cancelCtx, cancel := context.WithCancel(ctx)
	controller := &RealtimeController{
		ctx:        cancelCtx,
		cancel:     cancel,
		hubUrl:     hubUrl,
		projectId:  projectId,
		session:    session,
		user:       session.User(),
		settings:   settings,
		state:      ConnectionStateDisconnected,
		cursors:    map[string]*CollaboratorCursor{},
		selections: map[string]*CollaboratorSelection{},
		feed:       newActivityRing(settings.ActivityLimit),
		onlineAt:   time.Now(),
		send:       make(chan []byte, settings.SendBufferSize),
	}
	go controller.run()
	go controller.sweep()
	return controller
}

func (self *RealtimeController) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		self.setState(ConnectionStateSubscribing)

		connect := func() (*websocket.Conn, error) {
			header := http.Header{}
			if bearerToken := self.session.BearerToken(); bearerToken != "" {
				header.Add("Authorization", fmt.Sprintf("Bearer %s", bearerToken))
			}
			ws, _, err := dialer.DialContext(self.ctx, self.hubUrl, header)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			// join carries the initial presence record: cursor at origin,
			// nothing selected
			joinBytes, err := self.joinFrameBytes()
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, joinBytes); err != nil {
				return nil, err
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[rt]connect error %s = %s\n", self.user.UserId, err)
			self.setState(ConnectionStateDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.setState(ConnectionStateSubscribed)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case frameBytes, ok := <-self.send:
						if !ok {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
							glog.Infof("[rt]%s-> error = %s\n", self.user.UserId, err)
							return
						}
						glog.V(2).Infof("[rt]%s->\n", self.user.UserId)
					case <-time.After(self.settings.PingTimeout):
						// empty message ping, returned by the peer's ReadMessage
						// loop so it resets the peer's read deadline
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[rt]%s<- error = %s\n", self.user.UserId, err)
						return
					}
					switch messageType {
					case websocket.TextMessage:
						if len(message) == 0 {
							// ping
							glog.V(2).Infof("[rt]ping %s<-\n", self.user.UserId)
							continue
						}
						frame := &Frame{}
						if err := json.Unmarshal(message, frame); err != nil {
							glog.Infof("[rt]%s<- bad frame = %s\n", self.user.UserId, err)
							continue
						}
						self.handleFrame(frame)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		self.setState(ConnectionStateDisconnected)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RealtimeController) joinFrameBytes() ([]byte, error) {
	self.mutex.Lock()
	record := self.presenceRecord()
	self.mutex.Unlock()

	payloadBytes, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Frame{
		Type:    FrameTypeJoin,
		Channel: ChannelName(self.projectId),
		Payload: payloadBytes,
	})
}

// must be called with the mutex held
func (self *RealtimeController) presenceRecord() *PresenceRecord {
	return &PresenceRecord{
		UserId:    self.user.UserId,
		UserName:  self.user.UserName,
		OnlineAt:  self.onlineAt.UTC().Format(time.RFC3339),
		Cursor:    self.ownCursor,
		Selection: self.ownSelection,
	}
}

func (self *RealtimeController) handleFrame(frame *Frame) {
	switch frame.Type {
	case FrameTypePresenceState:
		payload := &PresenceStatePayload{}
		if err := json.Unmarshal(frame.Payload, payload); err != nil {
			glog.Infof("[rt]bad presence state = %s\n", err)
			return
		}
		self.applyPresenceState(payload.Presences)
	case FrameTypePresence:
		record := &PresenceRecord{}
		if err := json.Unmarshal(frame.Payload, record); err != nil {
			return
		}
		self.applyPresence(record)
	case FrameTypePresenceJoin:
		record := &PresenceRecord{}
		if err := json.Unmarshal(frame.Payload, record); err != nil {
			return
		}
		if record.UserId == self.user.UserId {
			return
		}
		self.applyPresence(record)
		self.appendActivity(&ActivityEvent{
			Id:        NewId(),
			UserId:    record.UserId,
			UserName:  record.UserName,
			UserColor: UserColor(record.UserId),
			Action:    ActivityUserJoined,
			Timestamp: time.Now(),
		})
	case FrameTypePresenceLeave:
		record := &PresenceRecord{}
		if err := json.Unmarshal(frame.Payload, record); err != nil {
			return
		}
		if record.UserId == self.user.UserId {
			return
		}
		self.mutex.Lock()
		delete(self.cursors, record.UserId)
		delete(self.selections, record.UserId)
		self.mutex.Unlock()
		self.presenceChanged()
		self.appendActivity(&ActivityEvent{
			Id:        NewId(),
			UserId:    record.UserId,
			UserName:  record.UserName,
			UserColor: UserColor(record.UserId),
			Action:    ActivityUserLeft,
			Timestamp: time.Now(),
		})
	case FrameTypeBroadcast:
		if frame.Event != BroadcastEventCanvasActivity {
			return
		}
		payload := &BroadcastActivityPayload{}
		if err := json.Unmarshal(frame.Payload, payload); err != nil || payload.Activity == nil {
			return
		}
		// self-originated activity was already added at the point of action
		if payload.Activity.UserId == self.user.UserId {
			return
		}
		self.appendActivity(payload.Activity)
	}
}

// full resync from the channel's authoritative snapshot, excluding self.
// not an incremental patch, so missed intermediate updates are harmless
func (self *RealtimeController) applyPresenceState(records []*PresenceRecord) {
	now := time.Now()

	cursors := map[string]*CollaboratorCursor{}
	selections := map[string]*CollaboratorSelection{}
	for _, record := range records {
		if record.UserId == self.user.UserId {
			continue
		}
		cursors[record.UserId] = &CollaboratorCursor{
			UserId:    record.UserId,
			UserName:  record.UserName,
			UserColor: UserColor(record.UserId),
			Position:  record.Cursor,
			LastSeen:  now,
		}
		if record.Selection != nil {
			selections[record.UserId] = &CollaboratorSelection{
				UserId:          record.UserId,
				UserName:        record.UserName,
				UserColor:       UserColor(record.UserId),
				SelectedNodeId:  record.Selection.NodeId,
				SelectionBounds: record.Selection.Bounds,
			}
		}
	}

	self.mutex.Lock()
	self.cursors = cursors
	self.selections = selections
	self.mutex.Unlock()

	self.presenceChanged()
}

func (self *RealtimeController) applyPresence(record *PresenceRecord) {
	if record.UserId == self.user.UserId {
		return
	}

	self.mutex.Lock()
	self.cursors[record.UserId] = &CollaboratorCursor{
		UserId:    record.UserId,
		UserName:  record.UserName,
		UserColor: UserColor(record.UserId),
		Position:  record.Cursor,
		LastSeen:  time.Now(),
	}
	// the selection is replaced wholesale, and cleared when the peer
	// selects nothing
	if record.Selection != nil {
		self.selections[record.UserId] = &CollaboratorSelection{
			UserId:          record.UserId,
			UserName:        record.UserName,
			UserColor:       UserColor(record.UserId),
			SelectedNodeId:  record.Selection.NodeId,
			SelectionBounds: record.Selection.Bounds,
		}
	} else {
		delete(self.selections, record.UserId)
	}
	self.mutex.Unlock()

	self.presenceChanged()
}

func (self *RealtimeController) appendActivity(event *ActivityEvent) {
	self.mutex.Lock()
	self.feed.add(event)
	self.mutex.Unlock()

	for _, activityCallback := range self.activityCallbacks.Get() {
		activityCallback(event)
	}
}

// BroadcastCanvasActivity stamps the event with the current user's identity
// and stable color, appends it to the local feed so self-actions appear
// without round-trip latency, and sends it over the channel.
func (self *RealtimeController) BroadcastCanvasActivity(action ActivityAction, target string, data map[string]any) *ActivityEvent {
	event := &ActivityEvent{
		Id:        NewId(),
		UserId:    self.user.UserId,
		UserName:  self.user.UserName,
		UserColor: UserColor(self.user.UserId),
		Action:    action,
		Target:    target,
		Timestamp: time.Now(),
		Data:      data,
	}
	self.appendActivity(event)

	payloadBytes, err := json.Marshal(&BroadcastActivityPayload{
		Activity: event,
	})
	if err != nil {
		glog.Infof("[rt]activity encode error = %s\n", err)
		return event
	}
	self.queueFrame(&Frame{
		Type:    FrameTypeBroadcast,
		Channel: ChannelName(self.projectId),
		Event:   BroadcastEventCanvasActivity,
		Payload: payloadBytes,
	})
	return event
}

// UpdateCursor folds pointer movement into throttled presence updates.
// raw per-pixel events are never sent over the wire
func (self *RealtimeController) UpdateCursor(x float64, y float64) {
	self.mutex.Lock()
	self.ownCursor = CursorPosition{X: x, Y: y}
	now := time.Now()
	sinceLast := now.Sub(self.lastCursorSent)
	if self.settings.CursorThrottle <= sinceLast {
		// a trailing-edge timer may still be pending from a burst that
		// straddled the window. cancel it so the frame goes out once
		if self.cursorTimer != nil {
			self.cursorTimer.Stop()
			self.cursorTimer = nil
		}
		self.lastCursorSent = now
		self.mutex.Unlock()
		self.publishPresence()
		return
	}
	if self.cursorTimer == nil {
		self.cursorTimer = time.AfterFunc(self.settings.CursorThrottle-sinceLast, func() {
			self.mutex.Lock()
			self.cursorTimer = nil
			self.lastCursorSent = time.Now()
			self.mutex.Unlock()
			self.publishPresence()
		})
	}
	self.mutex.Unlock()
}

// UpdateSelection republishes the full presence record with the new
// selection and the cursor held at its last known position. Passing an
// empty node id and nil bounds clears the selection.
func (self *RealtimeController) UpdateSelection(nodeId string, bounds *SelectionBounds) {
	self.mutex.Lock()
	if nodeId == "" && bounds == nil {
		self.ownSelection = nil
	} else {
		self.ownSelection = &Selection{
			NodeId: nodeId,
			Bounds: bounds,
		}
	}
	self.mutex.Unlock()

	self.publishPresence()
}

func (self *RealtimeController) publishPresence() {
	self.mutex.Lock()
	record := self.presenceRecord()
	self.mutex.Unlock()

	payloadBytes, err := json.Marshal(record)
	if err != nil {
		return
	}
	self.queueFrame(&Frame{
		Type:    FrameTypePresence,
		Channel: ChannelName(self.projectId),
		Payload: payloadBytes,
	})
}

// presence and activity are best effort. when the send buffer is full the
// frame is dropped rather than blocking the caller
func (self *RealtimeController) queueFrame(frame *Frame) {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case self.send <- frameBytes:
	default:
		glog.Infof("[rt]drop %s %s->\n", frame.Type, self.user.UserId)
	}
}

func (self *RealtimeController) sweep() {
	ticker := time.NewTicker(self.settings.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.sweepOnce(time.Now())
		}
	}
}

func (self *RealtimeController) sweepOnce(now time.Time) {
	self.mutex.Lock()
	changed := false
	for userId, cursor := range self.cursors {
		if self.settings.CursorExpiry < now.Sub(cursor.LastSeen) {
			delete(self.cursors, userId)
			delete(self.selections, userId)
			changed = true
		}
	}
	self.mutex.Unlock()

	if changed {
		self.presenceChanged()
	}
}

func (self *RealtimeController) presenceChanged() {
	for _, presenceCallback := range self.presenceCallbacks.Get() {
		presenceCallback()
	}
}

func (self *RealtimeController) setState(state ConnectionState) {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()

	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(state)
	}
}

func (self *RealtimeController) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *RealtimeController) IsConnected() bool {
	return self.State() == ConnectionStateSubscribed
}

func (self *RealtimeController) User() *SessionUser {
	return self.user
}

func (self *RealtimeController) Cursors() []*CollaboratorCursor {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	cursors := maps.Values(self.cursors)
	slices.SortFunc(cursors, func(a *CollaboratorCursor, b *CollaboratorCursor) int {
		if a.UserId < b.UserId {
			return -1
		} else if b.UserId < a.UserId {
			return 1
		}
		return 0
	})
	return cursors
}

func (self *RealtimeController) Selections() []*CollaboratorSelection {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	selections := maps.Values(self.selections)
	slices.SortFunc(selections, func(a *CollaboratorSelection, b *CollaboratorSelection) int {
		if a.UserId < b.UserId {
			return -1
		} else if b.UserId < a.UserId {
			return 1
		}
		return 0
	})
	return selections
}

// newest first
func (self *RealtimeController) Activity() []*ActivityEvent {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.feed.list()
}

func (self *RealtimeController) AddPresenceCallback(presenceCallback PresenceFunction) func() {
	return self.presenceCallbacks.Add(presenceCallback)
}

func (self *RealtimeController) AddActivityCallback(activityCallback ActivityFunction) func() {
	return self.activityCallbacks.Add(activityCallback)
}

func (self *RealtimeController) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(stateCallback)
}

func (self *RealtimeController) Close() {
	self.cancel()
}
