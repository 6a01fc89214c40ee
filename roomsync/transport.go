package roomsync

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// The websocket transport collaborator. The core only knows recipients;
// connections, framing, and auth live here. One websocket connection maps
// to one recipient in one room, addressed by a signed room token.
//
// Wire frames are JSON:
//
//	client -> server: {"type":"action","seq":1,"action":"...","payload":{...}}
//	                  {"type":"sync"}
//	server -> client: {"type":"patches","generation":7,"patches":[{"path":"/round","op":"set","value":1}]}
//	                  {"type":"response","seq":1,"response":...}
//	                  {"type":"error","seq":1,"error":"..."}

const (
	messageTypeAction   = "action"
	messageTypeSync     = "sync"
	messageTypePatches  = "patches"
	messageTypeResponse = "response"
	messageTypeError    = "error"
)

type clientMessage struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type serverMessage struct {
	Type       string  `json:"type"`
	Seq        uint64  `json:"seq,omitempty"`
	Generation uint64  `json:"generation,omitempty"`
	Patches    []Patch `json:"patches,omitempty"`
	Response   any     `json:"response,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
	ActionTimeout      time.Duration
	MaxMessageByteCount int64
	// outbound queue per connection. A recipient that cannot keep up
	// with its patch stream is disconnected rather than slow the room.
	SendBufferSize int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout:  2 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		PingTimeout:         5 * time.Second,
		ActionTimeout:       10 * time.Second,
		MaxMessageByteCount: 1024 * 1024,
		SendBufferSize:      64,
	}
}

type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager *RoomManager
	secret  []byte

	settings *TransportSettings

	upgrader websocket.Upgrader
}

func NewTransportWithDefaults(ctx context.Context, manager *RoomManager, secret []byte) *Transport {
	return NewTransport(ctx, manager, secret, DefaultTransportSettings())
}

func NewTransport(ctx context.Context, manager *RoomManager, secret []byte, settings *TransportSettings) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transport{
		ctx:      cancelCtx,
		cancel:   cancel,
		manager:  manager,
		secret:   secret,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
	}
}

func (self *Transport) Close() {
	self.cancel()
}

// ServeHTTP upgrades the request and runs the connection until the client
// leaves, the room goes away, or the connection falls behind.
func (self *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := ParseRoomToken(r.URL.Query().Get("token"), self.secret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	room, ok := self.manager.Room(token.RoomId)
	if !ok {
		http.Error(w, "no such room", http.StatusNotFound)
		return
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[t]upgrade failed = %s\n", err)
		return
	}

	self.runConnection(room, token, conn)
}

func (self *Transport) runConnection(room *Room, token *RoomToken, conn *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()
	defer conn.Close()

	decision, err := room.Join(handleCtx, token.ClientId, token)
	if err != nil {
		self.writeMessage(conn, &serverMessage{
			Type:  messageTypeError,
			Error: err.Error(),
		})
		return
	}
	recipientId := decision.RecipientId
	defer room.Leave(recipientId)

	sendQueue := make(chan *serverMessage, self.settings.SendBufferSize)

	unsub := room.AddSyncCallback(func(syncRecipientId Id, generation uint64, patches []Patch) {
		if syncRecipientId != recipientId {
			return
		}
		select {
		case sendQueue <- &serverMessage{
			Type:       messageTypePatches,
			Generation: generation,
			Patches:    patches,
		}:
		default:
			// backpressure: this recipient is too far behind
			glog.Infof("[t]%s send buffer full, dropping connection\n", recipientId)
			handleCancel()
		}
	})
	defer unsub()

	go self.writePump(handleCtx, handleCancel, conn, sendQueue)

	// the first patch set applies the snapshot wholesale
	if err := room.Resync(recipientId); err != nil {
		return
	}

	self.readPump(handleCtx, room, recipientId, conn, sendQueue)
}

func (self *Transport) readPump(ctx context.Context, room *Room, recipientId Id, conn *websocket.Conn, sendQueue chan *serverMessage) {
	conn.SetReadLimit(self.settings.MaxMessageByteCount)
	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		message := &clientMessage{}
		if err := conn.ReadJSON(message); err != nil {
			glog.V(2).Infof("[t]%s read = %s\n", recipientId, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch message.Type {
		case messageTypeAction:
			var payload any
			if 0 < len(message.Payload) {
				if err := json.Unmarshal(message.Payload, &payload); err != nil {
					self.enqueue(ctx, sendQueue, &serverMessage{
						Type:  messageTypeError,
						Seq:   message.Seq,
						Error: "bad payload",
					})
					continue
				}
			}
			actionCtx, actionCancel := context.WithTimeout(ctx, self.settings.ActionTimeout)
			response, err := room.Apply(actionCtx, message.Action, payload, recipientId)
			actionCancel()
			if err != nil {
				self.enqueue(ctx, sendQueue, &serverMessage{
					Type:  messageTypeError,
					Seq:   message.Seq,
					Error: err.Error(),
				})
			} else {
				self.enqueue(ctx, sendQueue, &serverMessage{
					Type:     messageTypeResponse,
					Seq:      message.Seq,
					Response: response,
				})
			}
		case messageTypeSync:
			room.Resync(recipientId)
		default:
			self.enqueue(ctx, sendQueue, &serverMessage{
				Type:  messageTypeError,
				Seq:   message.Seq,
				Error: "unknown message type",
			})
		}
	}
}

func (self *Transport) enqueue(ctx context.Context, sendQueue chan *serverMessage, message *serverMessage) {
	select {
	case sendQueue <- message:
	case <-ctx.Done():
	}
}

func (self *Transport) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sendQueue chan *serverMessage) {
	defer cancel()
	defer conn.Close()

	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message := <-sendQueue:
			if err := self.writeMessage(conn, message); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *Transport) writeMessage(conn *websocket.Conn, message *serverMessage) error {
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteJSON(message)
}
