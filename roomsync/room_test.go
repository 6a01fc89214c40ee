package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type syncEvent struct {
	recipientId Id
	generation  uint64
	patches     []Patch
}

func collectSync(room *Room) chan *syncEvent {
	events := make(chan *syncEvent, 1024)
	room.AddSyncCallback(func(recipientId Id, generation uint64, patches []Patch) {
		events <- &syncEvent{
			recipientId: recipientId,
			generation:  generation,
			patches:     patches,
		}
	})
	return events
}

func nextSync(t *testing.T, events chan *syncEvent) *syncEvent {
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for sync")
		return nil
	}
}

func newTestRoom(ctx context.Context, table *cardTable) *Room {
	room := NewRoomWithDefaults(ctx, NewId(), table)

	room.SetJoinHandler(func(action *Action, root Node) error {
		root.(*cardTable).sit(action.Requester, action.Requester.String())
		action.Touch(
			joinPath("/players", action.Requester.String()),
			joinPath("/hands", action.Requester.String()),
		)
		return nil
	})
	room.SetLeaveHandler(func(action *Action, root Node) error {
		table := root.(*cardTable)
		delete(table.players, action.Requester.String())
		delete(table.hands, action.Requester.String())
		action.Touch(
			joinPath("/players", action.Requester.String()),
			joinPath("/hands", action.Requester.String()),
		)
		return nil
	})
	room.SetActionHandler("next_round", func(action *Action, root Node) (any, error) {
		table := root.(*cardTable)
		table.round += 1
		action.Touch("/round")
		return table.round, nil
	})
	room.SetActionHandler("draw", func(action *Action, root Node) (any, error) {
		table := root.(*cardTable)
		key := action.Requester.String()
		hand, ok := table.hands[key].(List)
		if !ok {
			return nil, errors.New("not seated")
		}
		card := fmt.Sprintf("card-%d", action.Random.Intn(52))
		table.hands[key] = append(hand, card)
		action.Touch(joinPath("/hands", key))
		return card, nil
	})

	return room
}

func TestRoomJoinFirstSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	room := newTestRoom(ctx, table)
	events := collectSync(room)
	room.Start()
	defer room.Close()

	decision, err := room.Join(ctx, aliceId, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, decision.Allow)
	assert.Equal(t, aliceId, decision.RecipientId)

	// the first patch set applies the snapshot wholesale
	event := nextSync(t, events)
	assert.Equal(t, aliceId, event.recipientId)

	byPath := map[string]Patch{}
	for _, patch := range event.patches {
		assert.Equal(t, PatchOpSet, patch.Op)
		byPath[patch.Path] = patch
	}
	assert.Equal(t, 0, byPath["/round"].Value)
	assert.Equal(t, List{}, byPath[joinPath("/hands", aliceId.String())].Value)
}

func TestRoomJoinDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	room := newTestRoom(ctx, table)
	room.SetJoinFilter(func(ctx context.Context, identity Id, joinContext any) *JoinDecision {
		return DenyJoin("room full")
	})
	room.Start()
	defer room.Close()

	decision, err := room.Join(ctx, aliceId, nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, false, decision.Allow)

	joinErr := &JoinRejectedError{}
	assert.Equal(t, true, errors.As(err, &joinErr))
	assert.Equal(t, "room full", joinErr.Reason)

	// no state change
	assert.Equal(t, 0, len(table.players))
	assert.Equal(t, 0, room.RecipientCount())
}

func TestRoomJoinTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	settings := DefaultRoomSettings()
	settings.JoinTimeout = 50 * time.Millisecond
	room := NewRoom(ctx, NewId(), table, settings)
	room.SetJoinFilter(func(ctx context.Context, identity Id, joinContext any) *JoinDecision {
		// external validation that never answers
		<-ctx.Done()
		return DenyJoin("late")
	})
	room.Start()
	defer room.Close()

	_, err := room.Join(ctx, aliceId, nil)
	assert.NotEqual(t, nil, err)

	joinErr := &JoinRejectedError{}
	assert.Equal(t, true, errors.As(err, &joinErr))
	assert.Equal(t, 0, room.RecipientCount())
}

func TestRoomActionNotRegistered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room := newTestRoom(ctx, newCardTable())
	room.Start()
	defer room.Close()

	_, err := room.Apply(ctx, "no_such_action", nil, aliceId)
	assert.NotEqual(t, nil, err)

	notRegistered := &ActionNotRegisteredError{}
	assert.Equal(t, true, errors.As(err, &notRegistered))
	assert.Equal(t, "no_such_action", notRegistered.ActionType)
}

func TestRoomHandlerFailureKeepsPartialMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	room := newTestRoom(ctx, table)
	room.SetActionHandler("bad_increment", func(action *Action, root Node) (any, error) {
		// mutates, then fails. No rollback.
		root.(*cardTable).round += 1
		return nil, errors.New("invalid target")
	})
	room.Start()
	defer room.Close()

	_, err := room.Apply(ctx, "bad_increment", nil, aliceId)
	assert.NotEqual(t, nil, err)

	failure := &HandlerFailureError{}
	assert.Equal(t, true, errors.As(err, &failure))

	room.Drain()
	assert.Equal(t, 1, table.round)
}

func TestRoomSerializedApply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	room := newTestRoom(ctx, table)
	room.Start()

	// concurrent applies against one room serialize with no interleaved
	// or partial writes
	n := 64
	k := 16
	wg := sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < k; j += 1 {
				_, err := room.Apply(ctx, "next_round", nil, aliceId)
				assert.Equal(t, nil, err)
			}
		}()
	}
	wg.Wait()

	room.Drain()
	assert.Equal(t, n*k, table.round)
}

func TestRoomPatchRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	room := newTestRoom(ctx, table)
	room.Start()

	docLock := sync.Mutex{}
	doc := map[string]any{}
	room.AddSyncCallback(func(recipientId Id, generation uint64, patches []Patch) {
		if recipientId != aliceId {
			return
		}
		docLock.Lock()
		defer docLock.Unlock()
		doc = ApplyPatches(doc, patches)
	})

	_, err := room.Join(ctx, aliceId, nil)
	assert.Equal(t, nil, err)
	_, err = room.Join(ctx, bobId, nil)
	assert.Equal(t, nil, err)

	for i := 0; i < 10; i += 1 {
		_, err = room.Apply(ctx, "next_round", nil, aliceId)
		assert.Equal(t, nil, err)
		_, err = room.Apply(ctx, "draw", nil, aliceId)
		assert.Equal(t, nil, err)
		_, err = room.Apply(ctx, "draw", nil, bobId)
		assert.Equal(t, nil, err)
	}
	err = room.Leave(bobId)
	assert.Equal(t, nil, err)

	room.Drain()

	snapshot, err := ExtractForRecipient(table, aliceId)
	assert.Equal(t, nil, err)

	docLock.Lock()
	defer docLock.Unlock()
	assert.Equal(t, SnapshotDocument(snapshot), doc)
}

func TestRoomGenerationMonotonic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	room := newTestRoom(ctx, table)
	events := collectSync(room)
	room.Start()

	_, err := room.Join(ctx, aliceId, nil)
	assert.Equal(t, nil, err)

	for i := 0; i < 20; i += 1 {
		_, err = room.Apply(ctx, "next_round", nil, aliceId)
		assert.Equal(t, nil, err)
	}
	room.Drain()

	generation := uint64(0)
	for {
		select {
		case event := <-events:
			assert.Equal(t, true, generation <= event.generation)
			generation = event.generation
		default:
			return
		}
	}
}

func TestRoomDrainRejectsNewWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room := newTestRoom(ctx, newCardTable())
	room.Start()

	_, err := room.Join(ctx, aliceId, nil)
	assert.Equal(t, nil, err)

	room.Drain()
	assert.Equal(t, RoomStateDestroyed, room.State())

	_, err = room.Join(ctx, bobId, nil)
	assert.Equal(t, ErrRoomNotRunning, err)
	_, err = room.Apply(ctx, "next_round", nil, aliceId)
	assert.Equal(t, ErrRoomNotRunning, err)
	assert.Equal(t, ErrRoomNotRunning, room.RequestSync())
}

func TestRoomResync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	room := newTestRoom(ctx, table)
	events := collectSync(room)
	room.Start()
	defer room.Close()

	_, err := room.Join(ctx, aliceId, nil)
	assert.Equal(t, nil, err)
	first := nextSync(t, events)

	// resync replays the wholesale snapshot
	err = room.Resync(aliceId)
	assert.Equal(t, nil, err)
	again := nextSync(t, events)

	assert.Equal(t, len(first.patches), len(again.patches))
	for _, patch := range again.patches {
		assert.Equal(t, PatchOpSet, patch.Op)
	}
}

func TestRoomTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := newCardTable()
	settings := DefaultRoomSettings()
	settings.TickInterval = 10 * time.Millisecond
	settings.SyncOnApply = false
	room := NewRoom(ctx, NewId(), table, settings)
	room.SetJoinHandler(func(action *Action, root Node) error {
		root.(*cardTable).sit(action.Requester, "alice")
		return nil
	})
	room.SetTickHandler(func(action *Action, root Node) error {
		table := root.(*cardTable)
		table.round += 1
		action.Touch("/round")
		return nil
	})
	events := collectSync(room)
	room.Start()
	defer room.Close()

	_, err := room.Join(ctx, aliceId, nil)
	assert.Equal(t, nil, err)

	// first sync arrives on the tick schedule, then round advances
	event := nextSync(t, events)
	assert.Equal(t, aliceId, event.recipientId)

	sawRound := false
	for i := 0; i < 10 && !sawRound; i += 1 {
		event = nextSync(t, events)
		for _, patch := range event.patches {
			if patch.Path == "/round" {
				sawRound = true
			}
		}
	}
	assert.Equal(t, true, sawRound)
}
