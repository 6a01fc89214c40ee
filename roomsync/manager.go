package roomsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type RoomManagerSettings struct {
	// rooms with no recipients and no activity for this long are
	// drained and removed. Zero disables idle destruction.
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
}

func DefaultRoomManagerSettings() *RoomManagerSettings {
	return &RoomManagerSettings{
		IdleTimeout:       5 * time.Minute,
		IdleCheckInterval: 30 * time.Second,
	}
}

// RoomManager owns the lifecycle of rooms: creation, lookup, idle
// destruction, and shutdown. The synchronization core inside each room is
// untouched by the manager - it only decides when rooms exist.
type RoomManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RoomManagerSettings

	stateLock sync.Mutex
	rooms     map[Id]*Room
}

func NewRoomManagerWithDefaults(ctx context.Context) *RoomManager {
	return NewRoomManager(ctx, DefaultRoomManagerSettings())
}

func NewRoomManager(ctx context.Context, settings *RoomManagerSettings) *RoomManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	roomManager := &RoomManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		rooms:    map[Id]*Room{},
	}
	if 0 < settings.IdleTimeout {
		go roomManager.watchIdle()
	}
	return roomManager
}

// CreateRoom registers a new room under roomId. The caller configures the
// room (handlers, filters) and then calls Start on it.
func (self *RoomManager) CreateRoom(roomId Id, root Node, settings *RoomSettings) (*Room, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.rooms[roomId]; ok {
		return nil, fmt.Errorf("room already exists: %s", roomId)
	}
	room := NewRoom(self.ctx, roomId, root, settings)
	self.rooms[roomId] = room
	glog.Infof("[manager]create room %s\n", roomId)
	return room, nil
}

func (self *RoomManager) Room(roomId Id) (*Room, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	room, ok := self.rooms[roomId]
	return room, ok
}

func (self *RoomManager) RoomCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rooms)
}

// DestroyRoom drains the room and removes it.
func (self *RoomManager) DestroyRoom(roomId Id) {
	self.stateLock.Lock()
	room, ok := self.rooms[roomId]
	delete(self.rooms, roomId)
	self.stateLock.Unlock()

	if ok {
		glog.Infof("[manager]destroy room %s\n", roomId)
		room.Drain()
		room.Close()
	}
}

// Close drains all rooms and stops the manager.
func (self *RoomManager) Close() {
	self.stateLock.Lock()
	rooms := maps.Values(self.rooms)
	maps.Clear(self.rooms)
	self.stateLock.Unlock()

	for _, room := range rooms {
		room.Drain()
		room.Close()
	}
	self.cancel()
}

func (self *RoomManager) watchIdle() {
	ticker := time.NewTicker(self.settings.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.destroyIdle(time.Now())
		}
	}
}

func (self *RoomManager) destroyIdle(now time.Time) {
	self.stateLock.Lock()
	idleRoomIds := []Id{}
	for roomId, room := range self.rooms {
		if room.RecipientCount() == 0 &&
			self.settings.IdleTimeout <= now.Sub(room.LastActivityTime()) {
			idleRoomIds = append(idleRoomIds, roomId)
		}
	}
	self.stateLock.Unlock()

	for _, roomId := range idleRoomIds {
		glog.Infof("[manager]destroy idle room %s\n", roomId)
		self.DestroyRoom(roomId)
	}
}
