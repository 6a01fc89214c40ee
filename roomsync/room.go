package roomsync

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type RoomState int

const (
	RoomStateCreated RoomState = iota
	RoomStateRunning
	RoomStateDraining
	RoomStateDestroyed
)

func (self RoomState) String() string {
	switch self {
	case RoomStateCreated:
		return "created"
	case RoomStateRunning:
		return "running"
	case RoomStateDraining:
		return "draining"
	case RoomStateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("unknown(%d)", int(self))
}

// Action is the context a mutation handler runs with. Non-deterministic
// inputs (time, randomness, external reads) are resolved before the handler
// runs and attached here, so that the same state and the same action
// context always produce the same state transition. This is a contract
// with handler authors, not an enforced invariant.
type Action struct {
	// the identity that requested the mutation
	Requester Id
	// the structured mutation payload
	Payload any
	// pre-resolved external context supplied by the caller. The core
	// never calls out to a resolver or persistence layer itself.
	Resolved any
	// resolved when the action was accepted
	Time time.Time
	// seeded per room. Deterministic given the action order.
	Random *mathrand.Rand

	touched *PathSet
}

// Touch records a mutated field path into the room's dirty set. A handler
// that succeeds without touching anything marks the whole tree dirty, so
// forgetting to touch costs recomputation, never a missed update.
func (self *Action) Touch(paths ...string) {
	for _, path := range paths {
		self.touched.Mark(path)
	}
}

// ActionHandler mutates the root in response to one action and returns a
// typed response for the requester. The handler runs with exclusive write
// access. A failed handler leaves the tree as mutated up to the point of
// failure - validate before mutating.
type ActionHandler func(action *Action, root Node) (any, error)

// MutationHandler is an ActionHandler without a response, used for join,
// leave, and tick mutations.
type MutationHandler func(action *Action, root Node) error

// JoinFilter decides whether an identity may enter the room. It runs
// before the recipient is added to the tree and must not mutate state. It
// may perform reads against external context but must observe ctx - a
// timed-out join is a deny.
type JoinFilter func(ctx context.Context, identity Id, joinContext any) *JoinDecision

type JoinDecision struct {
	Allow bool
	// the recipient identity used as filter input for this client.
	// Zero means use the joining identity unchanged.
	RecipientId Id
	// deny reason, surfaced to the caller
	Reason string
}

func AllowJoin() *JoinDecision {
	return &JoinDecision{
		Allow: true,
	}
}

func DenyJoin(reason string) *JoinDecision {
	return &JoinDecision{
		Allow:  false,
		Reason: reason,
	}
}

// (recipientId, generation, patches)
type SyncFunction func(recipientId Id, generation uint64, patches []Patch)

type RoomSettings struct {
	// period of the scheduled tick. Zero means no periodic tick -
	// event-driven sync only.
	TickInterval time.Duration
	// join decisions taking longer than this are treated as a deny
	JoinTimeout time.Duration
	// run a sync cycle immediately after every mutation. When false,
	// mutations accumulate in the dirty set until the next tick or
	// RequestSync.
	SyncOnApply bool
	// how long the engine keeps diff caches for recipients that are no
	// longer being synced
	RecipientCacheTimeout time.Duration
	MessageBufferSize     int
	// zero seeds from the wall clock at room creation
	RandomSeed int64
}

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		TickInterval:          0,
		JoinTimeout:           5 * time.Second,
		SyncOnApply:           true,
		RecipientCacheTimeout: 60 * time.Second,
		MessageBufferSize:     32,
	}
}

type joinResult struct {
	decision *JoinDecision
	err      error
}

type joinMessage struct {
	ctx         context.Context
	identity    Id
	joinContext any
	result      chan *joinResult
}

type leaveMessage struct {
	identity Id
	done     chan struct{}
}

type applyResult struct {
	response any
	err      error
}

type applyMessage struct {
	ctx        context.Context
	actionType string
	payload    any
	resolved   any
	requester  Id
	submitTime time.Time
	result     chan *applyResult
}

type syncMessage struct {
}

type resyncMessage struct {
	recipientId Id
}

type drainMessage struct {
	done chan struct{}
}

// Room is the per-room serialized mutation boundary. It exclusively owns
// the authoritative root node. Join, Leave, Apply, tick, and sync execute
// one at a time in arrival order on a single goroutine - this is what
// makes the single-owner invariant hold without locks around the tree.
//
// Rooms execute fully in parallel with respect to each other.
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId   Id
	settings *RoomSettings

	stateLock        sync.Mutex
	state            RoomState
	actionHandlers   map[string]ActionHandler
	joinFilter       JoinFilter
	joinHandler      MutationHandler
	leaveHandler     MutationHandler
	tickHandler      MutationHandler
	lastActivityTime time.Time
	// mirror of len(recipients) for readers outside the room context
	recipientCount int

	messages chan any

	syncCallbacks *callbackList[SyncFunction]

	// the fields below are owned by the run goroutine
	root       Node
	generation uint64
	dirty      *PathSet
	fullDirty  bool
	recipients map[Id]bool
	engine     *syncEngine
	random     *mathrand.Rand
}

func NewRoomWithDefaults(ctx context.Context, roomId Id, root Node) *Room {
	return NewRoom(ctx, roomId, root, DefaultRoomSettings())
}

func NewRoom(ctx context.Context, roomId Id, root Node, settings *RoomSettings) *Room {
	cancelCtx, cancel := context.WithCancel(ctx)
	seed := settings.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Room{
		ctx:              cancelCtx,
		cancel:           cancel,
		roomId:           roomId,
		settings:         settings,
		state:            RoomStateCreated,
		actionHandlers:   map[string]ActionHandler{},
		lastActivityTime: time.Now(),
		messages:         make(chan any, settings.MessageBufferSize),
		syncCallbacks:    newCallbackList[SyncFunction](),
		root:             root,
		dirty:            NewPathSet(),
		recipients:       map[Id]bool{},
		engine:           newSyncEngine(roomId, settings.RecipientCacheTimeout),
		random:           mathrand.New(mathrand.NewSource(seed)),
	}
}

func (self *Room) RoomId() Id {
	return self.roomId
}

func (self *Room) State() RoomState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// SetActionHandler registers the handler for an action type. Handlers are
// normally registered before Start.
func (self *Room) SetActionHandler(actionType string, handler ActionHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.actionHandlers[actionType] = handler
}

func (self *Room) SetJoinFilter(filter JoinFilter) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.joinFilter = filter
}

// SetJoinHandler registers the mutation that installs recipient-owned
// state after an allowed join, before the recipient's first sync.
func (self *Room) SetJoinHandler(handler MutationHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.joinHandler = handler
}

// SetLeaveHandler registers the mutation that removes recipient-owned
// state. It runs after the recipient has been removed from the sync set.
func (self *Room) SetLeaveHandler(handler MutationHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.leaveHandler = handler
}

func (self *Room) SetTickHandler(handler MutationHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.tickHandler = handler
}

// AddSyncCallback subscribes the transport to per-recipient patch sets.
// Callbacks are invoked from the room goroutine, in delivery order, so a
// recipient never observes a patch set from an older generation after one
// from a newer generation. Returns the unsub function.
func (self *Room) AddSyncCallback(syncCallback SyncFunction) func() {
	return self.syncCallbacks.add(syncCallback)
}

// Start transitions the room from Created to Running and begins accepting
// messages.
func (self *Room) Start() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != RoomStateCreated {
		return
	}
	self.state = RoomStateRunning
	glog.V(1).Infof("[room]%s running\n", self.roomId)
	go self.run()
}

// Join decides whether an identity may enter the room and, when allowed,
// installs its recipient-owned state and schedules its first sync. The
// decision is computed before any state change.
func (self *Room) Join(ctx context.Context, identity Id, joinContext any) (*JoinDecision, error) {
	if self.State() != RoomStateRunning {
		return nil, ErrRoomNotRunning
	}
	message := &joinMessage{
		ctx:         ctx,
		identity:    identity,
		joinContext: joinContext,
		result:      make(chan *joinResult, 1),
	}
	select {
	case self.messages <- message:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrRoomNotRunning
	}
	select {
	case result := <-message.result:
		return result.decision, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrRoomNotRunning
	}
}

// Leave removes the recipient from the sync set and runs the leave
// mutation. Accepted while Running or Draining.
func (self *Room) Leave(identity Id) error {
	switch self.State() {
	case RoomStateRunning, RoomStateDraining:
	default:
		return ErrRoomNotRunning
	}
	message := &leaveMessage{
		identity: identity,
		done:     make(chan struct{}),
	}
	select {
	case self.messages <- message:
	case <-self.ctx.Done():
		return ErrRoomNotRunning
	}
	select {
	case <-message.done:
		return nil
	case <-self.ctx.Done():
		return ErrRoomNotRunning
	}
}

// Apply is the sole mutation entry point. The registered handler for the
// action type runs with exclusive write access to the root, and every
// touched field path is recorded into the dirty set.
func (self *Room) Apply(ctx context.Context, actionType string, payload any, requester Id) (any, error) {
	return self.ApplyWithResolved(ctx, actionType, payload, nil, requester)
}

// ApplyWithResolved attaches pre-resolved external context to the action
// before the handler runs.
func (self *Room) ApplyWithResolved(ctx context.Context, actionType string, payload any, resolved any, requester Id) (any, error) {
	if self.State() != RoomStateRunning {
		return nil, ErrRoomNotRunning
	}
	message := &applyMessage{
		ctx:        ctx,
		actionType: actionType,
		payload:    payload,
		resolved:   resolved,
		requester:  requester,
		submitTime: time.Now(),
		result:     make(chan *applyResult, 1),
	}
	select {
	case self.messages <- message:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrRoomNotRunning
	}
	select {
	case result := <-message.result:
		return result.response, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrRoomNotRunning
	}
}

// RequestSync forces a sync cycle outside the tick schedule.
func (self *Room) RequestSync() error {
	if self.State() != RoomStateRunning {
		return ErrRoomNotRunning
	}
	select {
	case self.messages <- &syncMessage{}:
		return nil
	case <-self.ctx.Done():
		return ErrRoomNotRunning
	}
}

// Resync drops the diff cache for one recipient and forces a sync cycle,
// so the recipient's next patch set applies its snapshot wholesale. This
// is how a transport delivers the first sync after a join (or after a
// reconnect, when no client-side state survives).
func (self *Room) Resync(recipientId Id) error {
	if self.State() != RoomStateRunning {
		return ErrRoomNotRunning
	}
	select {
	case self.messages <- &resyncMessage{recipientId: recipientId}:
		return nil
	case <-self.ctx.Done():
		return ErrRoomNotRunning
	}
}

// Drain rejects new joins and mutations, finishes the messages already
// accepted, flushes a final sync, and destroys the room.
func (self *Room) Drain() {
	self.stateLock.Lock()
	if self.state != RoomStateRunning {
		self.stateLock.Unlock()
		return
	}
	self.state = RoomStateDraining
	self.stateLock.Unlock()
	glog.V(1).Infof("[room]%s draining\n", self.roomId)

	message := &drainMessage{
		done: make(chan struct{}),
	}
	select {
	case self.messages <- message:
	case <-self.ctx.Done():
		return
	}
	select {
	case <-message.done:
		// wait for the final state transition
		<-self.ctx.Done()
	case <-self.ctx.Done():
	}
}

// Close destroys the room immediately without a final sync.
func (self *Room) Close() {
	self.cancel()
}

func (self *Room) RecipientCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.recipientCount
}

func (self *Room) setRecipientCount(count int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.recipientCount = count
}

func (self *Room) LastActivityTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastActivityTime
}

func (self *Room) touchActivity() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastActivityTime = time.Now()
}

func (self *Room) run() {
	defer self.destroy()

	var tickChan <-chan time.Time
	if 0 < self.settings.TickInterval {
		ticker := time.NewTicker(self.settings.TickInterval)
		defer ticker.Stop()
		tickChan = ticker.C
	}

	var evictChan <-chan time.Time
	if 0 < self.settings.RecipientCacheTimeout {
		evictTicker := time.NewTicker(self.settings.RecipientCacheTimeout)
		defer evictTicker.Stop()
		evictChan = evictTicker.C
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.messages:
			if self.handleMessage(message) {
				return
			}
		case <-tickChan:
			self.handleTick()
		case <-evictChan:
			self.engine.evict(time.Now(), self.recipients)
		}
	}
}

// returns true when the room is done
func (self *Room) handleMessage(message any) bool {
	switch v := message.(type) {
	case *joinMessage:
		self.handleJoin(v)
	case *leaveMessage:
		self.handleLeave(v)
	case *applyMessage:
		self.handleApply(v)
	case *syncMessage:
		self.runSync()
	case *resyncMessage:
		self.engine.forget(v.recipientId)
		self.runSync()
	case *drainMessage:
		self.runSync()
		close(v.done)
		return true
	}
	return false
}

func (self *Room) handleJoin(message *joinMessage) {
	self.touchActivity()

	self.stateLock.Lock()
	joinFilter := self.joinFilter
	joinHandler := self.joinHandler
	self.stateLock.Unlock()

	decision := AllowJoin()
	if joinFilter != nil {
		joinCtx, joinCancel := context.WithTimeout(message.ctx, self.settings.JoinTimeout)
		decided := make(chan *JoinDecision, 1)
		go func() {
			decided <- joinFilter(joinCtx, message.identity, message.joinContext)
		}()
		select {
		case decision = <-decided:
			if decision == nil {
				decision = DenyJoin("no decision")
			}
		case <-joinCtx.Done():
			// a timed-out join is a deny, with no partial state change
			decision = DenyJoin("join timeout")
		}
		joinCancel()
	}

	if !decision.Allow {
		glog.V(1).Infof("[room]%s deny %s (%s)\n", self.roomId, message.identity, decision.Reason)
		message.result <- &joinResult{
			decision: decision,
			err:      &JoinRejectedError{Reason: decision.Reason},
		}
		return
	}

	if (decision.RecipientId == Id{}) {
		decision.RecipientId = message.identity
	}
	self.recipients[decision.RecipientId] = true
	self.setRecipientCount(len(self.recipients))
	glog.V(1).Infof("[room]%s join %s\n", self.roomId, decision.RecipientId)

	if joinHandler != nil {
		action := self.newAction(decision.RecipientId, nil, nil, time.Now())
		if err := self.runMutation("join", joinHandler, action); err != nil {
			glog.Infof("[room]%s join handler failed for %s = %s\n", self.roomId, decision.RecipientId, err)
		}
	}

	message.result <- &joinResult{
		decision: decision,
	}

	if self.settings.SyncOnApply {
		self.runSync()
	}
}

func (self *Room) handleLeave(message *leaveMessage) {
	self.touchActivity()
	defer close(message.done)

	if !self.recipients[message.identity] {
		return
	}
	delete(self.recipients, message.identity)
	self.setRecipientCount(len(self.recipients))
	self.engine.forget(message.identity)
	glog.V(1).Infof("[room]%s leave %s\n", self.roomId, message.identity)

	self.stateLock.Lock()
	leaveHandler := self.leaveHandler
	self.stateLock.Unlock()

	if leaveHandler != nil {
		action := self.newAction(message.identity, nil, nil, time.Now())
		if err := self.runMutation("leave", leaveHandler, action); err != nil {
			glog.Infof("[room]%s leave handler failed for %s = %s\n", self.roomId, message.identity, err)
		}
	}

	if self.settings.SyncOnApply {
		self.runSync()
	}
}

func (self *Room) handleApply(message *applyMessage) {
	self.touchActivity()

	if message.ctx.Err() != nil {
		// canceled before execution: no state change, no dirty markings
		message.result <- &applyResult{
			err: message.ctx.Err(),
		}
		return
	}

	self.stateLock.Lock()
	handler, ok := self.actionHandlers[message.actionType]
	self.stateLock.Unlock()
	if !ok {
		message.result <- &applyResult{
			err: &ActionNotRegisteredError{ActionType: message.actionType},
		}
		return
	}

	action := self.newAction(message.requester, message.payload, message.resolved, message.submitTime)
	response, err := self.runAction(message.actionType, handler, action)
	message.result <- &applyResult{
		response: response,
		err:      err,
	}

	if self.settings.SyncOnApply {
		self.runSync()
	}
}

func (self *Room) handleTick() {
	self.stateLock.Lock()
	tickHandler := self.tickHandler
	self.stateLock.Unlock()

	if tickHandler != nil {
		action := self.newAction(Id{}, nil, nil, time.Now())
		if err := self.runMutation("tick", tickHandler, action); err != nil {
			glog.Infof("[room]%s tick handler failed = %s\n", self.roomId, err)
		}
	}
	self.runSync()
}

func (self *Room) newAction(requester Id, payload any, resolved any, submitTime time.Time) *Action {
	return &Action{
		Requester: requester,
		Payload:   payload,
		Resolved:  resolved,
		Time:      submitTime,
		Random:    self.random,
		touched:   NewPathSet(),
	}
}

func (self *Room) runAction(actionType string, handler ActionHandler, action *Action) (response any, err error) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
				glog.Errorf("[room]%s action %s panic = %v\n", self.roomId, actionType, r)
			}
		}()
		response, err = handler(action, self.root)
	}()

	self.generation += 1
	if err != nil {
		// the handler may have mutated before failing. Sync everything
		// rather than trust its dirty markings.
		self.fullDirty = true
		return nil, &HandlerFailureError{
			ActionType: actionType,
			Err:        err,
		}
	}
	if action.touched.Len() == 0 {
		self.fullDirty = true
	} else {
		self.dirty.Union(action.touched)
	}
	return response, nil
}

func (self *Room) runMutation(tag string, handler MutationHandler, action *Action) error {
	_, err := self.runAction(tag, func(action *Action, root Node) (any, error) {
		return nil, handler(action, root)
	}, action)
	return err
}

func (self *Room) runSync() {
	if len(self.recipients) == 0 {
		// keep the dirty set accumulating until someone is listening
		return
	}

	var dirty *PathSet
	if !self.fullDirty {
		dirty = self.dirty
	}
	generation := self.generation
	patchSets := self.engine.sync(self.root, generation, maps.Keys(self.recipients), dirty, time.Now())
	self.dirty.Clear()
	self.fullDirty = false

	if len(patchSets) == 0 {
		return
	}
	syncCallbacks := self.syncCallbacks.get()
	for recipientId, patches := range patchSets {
		for _, syncCallback := range syncCallbacks {
			func() {
				defer func() {
					if r := recover(); r != nil {
						glog.Errorf("[room]%s sync callback panic = %v\n", self.roomId, r)
					}
				}()
				syncCallback(recipientId, generation, patches)
			}()
		}
	}
}

func (self *Room) destroy() {
	self.stateLock.Lock()
	self.state = RoomStateDestroyed
	self.stateLock.Unlock()
	self.cancel()
	glog.V(1).Infof("[room]%s destroyed\n", self.roomId)

	// fail the messages that were still queued
	for {
		select {
		case message := <-self.messages:
			switch v := message.(type) {
			case *joinMessage:
				v.result <- &joinResult{err: ErrRoomNotRunning}
			case *leaveMessage:
				close(v.done)
			case *applyMessage:
				v.result <- &applyResult{err: ErrRoomNotRunning}
			case *drainMessage:
				close(v.done)
			}
		default:
			return
		}
	}
}
