package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/momentoboard/canvas/canvas"
)

var metricConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "canvas_hub_connected_clients",
	Help: "Clients currently connected to this hub instance.",
})

var metricChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "canvas_hub_channels",
	Help: "Channels with at least one connected client.",
})

var metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "canvas_hub_frames_total",
	Help: "Frames relayed by type.",
}, []string{"type"})

type HubSettings struct {
	WriteTimeout   time.Duration
	PingTimeout    time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
	// when set, presence and broadcast frames relay through redis pub/sub
	// so multiple hub instances can serve the same project
	RedisUrl string
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout:   5 * time.Second,
		PingTimeout:    5 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 32,
	}
}

// Hub is the per-project presence/broadcast relay the realtime controller
// connects to. It keeps no graph state: presence records and broadcast
// payloads pass through verbatim, and the hub only remembers the latest
// presence per connection so it can emit state, join, and leave frames.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	hubId    canvas.Id
	settings *HubSettings

	upgrader *websocket.Upgrader

	redisClient *redis.Client

	mutex    sync.Mutex
	channels map[string]map[*client]bool
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, DefaultHubSettings())
}

func NewHub(ctx context.Context, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)

	hub := &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		hubId:    canvas.NewId(),
		settings: settings,
		upgrader: &websocket.Upgrader{
			// the platform fronts the hub and enforces origin policy
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		channels: map[string]map[*client]bool{},
	}

	if settings.RedisUrl != "" {
		opt, err := redis.ParseURL(settings.RedisUrl)
		if err != nil {
			glog.Errorf("[hub]bad redis url = %s\n", err)
		} else {
			hub.redisClient = redis.NewClient(opt)
			go hub.runFanout()
		}
	}

	return hub
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	channel string
	send    chan []byte

	mutex    sync.Mutex
	presence json.RawMessage
	closed   bool
}

func (self *client) setPresence(presence json.RawMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.presence = presence
}

func (self *client) getPresence() json.RawMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.presence
}

// ServeHTTP upgrades the connection. The first frame must be a join naming
// the channel and carrying the client's initial presence record.
func (self *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}

	ws.SetReadLimit(self.settings.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	_, joinBytes, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	joinFrame := &canvas.Frame{}
	if err := json.Unmarshal(joinBytes, joinFrame); err != nil || joinFrame.Type != canvas.FrameTypeJoin || joinFrame.Channel == "" {
		glog.Infof("[hub]bad join frame\n")
		ws.Close()
		return
	}

	c := &client{
		hub:      self,
		conn:     ws,
		channel:  joinFrame.Channel,
		send:     make(chan []byte, self.settings.SendBufferSize),
		presence: joinFrame.Payload,
	}

	self.register(c)
	metricFrames.WithLabelValues(canvas.FrameTypeJoin).Inc()

	go c.writePump()
	go c.readPump()
}

func (self *Hub) register(c *client) {
	self.mutex.Lock()
	channel, ok := self.channels[c.channel]
	if !ok {
		channel = map[*client]bool{}
		self.channels[c.channel] = channel
	}
	channel[c] = true
	clientCount := 0
	for cs := range self.channels {
		clientCount += len(self.channels[cs])
	}
	channelCount := len(self.channels)
	self.mutex.Unlock()

	metricConnectedClients.Set(float64(clientCount))
	metricChannels.Set(float64(channelCount))

	// authoritative presence snapshot to the joiner, join notice to the rest
	c.queue(self.presenceStateFrame(c.channel))
	self.relay(c, &canvas.Frame{
		Type:    canvas.FrameTypePresenceJoin,
		Channel: c.channel,
		Payload: c.getPresence(),
	}, true)
}

func (self *Hub) unregister(c *client) {
	self.mutex.Lock()
	channel, ok := self.channels[c.channel]
	if !ok {
		self.mutex.Unlock()
		return
	}
	if !channel[c] {
		self.mutex.Unlock()
		return
	}
	delete(channel, c)
	if len(channel) == 0 {
		delete(self.channels, c.channel)
	}
	clientCount := 0
	for cs := range self.channels {
		clientCount += len(self.channels[cs])
	}
	channelCount := len(self.channels)
	self.mutex.Unlock()

	metricConnectedClients.Set(float64(clientCount))
	metricChannels.Set(float64(channelCount))

	self.relay(c, &canvas.Frame{
		Type:    canvas.FrameTypePresenceLeave,
		Channel: c.channel,
		Payload: c.getPresence(),
	}, true)

	c.mutex.Lock()
	c.closed = true
	close(c.send)
	c.mutex.Unlock()
}

func (self *Hub) presenceStateFrame(channelName string) []byte {
	self.mutex.Lock()
	presences := []json.RawMessage{}
	for c := range self.channels[channelName] {
		if presence := c.getPresence(); presence != nil {
			presences = append(presences, presence)
		}
	}
	self.mutex.Unlock()

	payloadBytes, err := json.Marshal(map[string]any{
		"presences": presences,
	})
	if err != nil {
		return nil
	}
	frameBytes, err := json.Marshal(&canvas.Frame{
		Type:    canvas.FrameTypePresenceState,
		Channel: channelName,
		Payload: payloadBytes,
	})
	if err != nil {
		return nil
	}
	return frameBytes
}

// relay sends the frame to every channel peer except the origin, and when
// redis fanout is configured, to the other hub instances
func (self *Hub) relay(origin *client, frame *canvas.Frame, fanout bool) {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return
	}

	self.relayLocal(origin, frame.Channel, frameBytes)

	if fanout && self.redisClient != nil {
		envelopeBytes, err := json.Marshal(&fanoutEnvelope{
			HubId:   self.hubId,
			Channel: frame.Channel,
			Frame:   frameBytes,
		})
		if err != nil {
			return
		}
		if err := self.redisClient.Publish(self.ctx, fanoutKey, envelopeBytes).Err(); err != nil {
			glog.Infof("[hub]fanout publish error = %s\n", err)
		}
	}
}

func (self *Hub) relayLocal(origin *client, channelName string, frameBytes []byte) {
	self.mutex.Lock()
	peers := make([]*client, 0, len(self.channels[channelName]))
	for c := range self.channels[channelName] {
		if c != origin {
			peers = append(peers, c)
		}
	}
	self.mutex.Unlock()

	for _, c := range peers {
		c.queue(frameBytes)
	}
}

const fanoutKey = "canvas.hub.fanout"

type fanoutEnvelope struct {
	HubId   canvas.Id       `json:"hub_id"`
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"frame"`
}

func (self *Hub) runFanout() {
	pubsub := self.redisClient.Subscribe(self.ctx, fanoutKey)
	defer pubsub.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			envelope := &fanoutEnvelope{}
			if err := json.Unmarshal([]byte(message.Payload), envelope); err != nil {
				continue
			}
			if envelope.HubId == self.hubId {
				// already delivered locally
				continue
			}
			self.relayLocal(nil, envelope.Channel, envelope.Frame)
		}
	}
}

// queue sends under the client mutex so a relay that races the client's
// unregister sees the closed flag instead of a closed channel
func (self *client) queue(frameBytes []byte) {
	if frameBytes == nil {
		return
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	select {
	case self.send <- frameBytes:
	default:
		// slow consumer, drop rather than block the channel
		glog.Infof("[hub]drop ->%s\n", self.channel)
	}
}

func (self *client) readPump() {
	defer func() {
		self.hub.unregister(self)
		self.conn.Close()
	}()

	for {
		self.conn.SetReadDeadline(time.Now().Add(self.hub.settings.ReadTimeout))
		messageType, message, err := self.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}

		frame := &canvas.Frame{}
		if err := json.Unmarshal(message, frame); err != nil {
			glog.Infof("[hub]bad frame = %s\n", err)
			continue
		}
		// a client can only speak on the channel it joined
		frame.Channel = self.channel

		switch frame.Type {
		case canvas.FrameTypePresence:
			self.setPresence(frame.Payload)
			metricFrames.WithLabelValues(canvas.FrameTypePresence).Inc()
			self.hub.relay(self, frame, true)
		case canvas.FrameTypeBroadcast:
			metricFrames.WithLabelValues(canvas.FrameTypeBroadcast).Inc()
			self.hub.relay(self, frame, true)
		default:
			glog.V(2).Infof("[hub]ignore frame type %s\n", frame.Type)
		}
	}
}

func (self *client) writePump() {
	ticker := time.NewTicker(self.hub.settings.PingTimeout)
	defer func() {
		ticker.Stop()
		self.conn.Close()
	}()

	for {
		select {
		case frameBytes, ok := <-self.send:
			if !ok {
				return
			}
			self.conn.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
				return
			}
		case <-ticker.C:
			// empty message ping
			self.conn.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

// channel client counts, for inspection and tests
func (self *Hub) ChannelCounts() map[string]int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	counts := map[string]int{}
	for channelName, channel := range self.channels {
		counts[channelName] = len(channel)
	}
	return counts
}

func (self *Hub) Close() {
	self.cancel()

	self.mutex.Lock()
	clients := []*client{}
	for _, channel := range self.channels {
		for c := range channel {
			clients = append(clients, c)
		}
	}
	self.mutex.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}

	if self.redisClient != nil {
		self.redisClient.Close()
	}
}
